package syncline

import (
	"fmt"
	"strings"
	"time"
)

// EditEvent is a single external data-change notification, as reported by the
// spreadsheet integration. It is ephemeral input to the rule engine and is
// never persisted.
type EditEvent struct {
	// SourceName is the sheet or tab the edit happened on.
	SourceName string `json:"sourceName"`

	// ColumnIndex is the zero-based column of the edited cell.
	ColumnIndex int `json:"columnIndex"`

	// NewValue is the value the cell was changed to.
	NewValue string `json:"newValue"`

	// RowSnapshot is the full row at the time of the edit, in sheet order.
	RowSnapshot []string `json:"fullRowSnapshot"`
}

// Priority indicates how prominently a notification should be surfaced.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// NotificationEvent is a classified, addressed message ready for fan-out.
// It is immutable once constructed; CreatedAt is assigned at broadcast time,
// not at source-event time.
type NotificationEvent struct {
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	TargetRole string    `json:"targetRole,omitempty"`
	TargetUser string    `json:"targetUser,omitempty"`
	Priority   Priority  `json:"priority"`
	Actions    []string  `json:"actions,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ColumnMap is a versioned mapping from column index to field name for one
// source sheet. Rule templates read row fields through the map so that a
// layout change in the external sheet fails loudly instead of silently
// shifting every field by one.
type ColumnMap struct {
	Source  string
	Version int
	Fields  map[int]string
}

// Field returns the value of the named field from a row snapshot.
func (m ColumnMap) Field(row []string, name string) (string, error) {
	for idx, field := range m.Fields {
		if field != name {
			continue
		}
		if idx < 0 || idx >= len(row) {
			return "", fmt.Errorf("%w: source %q v%d field %q at column %d, row has %d columns",
				ErrColumnUnmapped, m.Source, m.Version, name, idx, len(row))
		}
		return row[idx], nil
	}
	return "", fmt.Errorf("%w: source %q v%d has no field %q", ErrColumnUnmapped, m.Source, m.Version, name)
}

// FieldAt returns the field name mapped to a column index, if any.
func (m ColumnMap) FieldAt(column int) (string, bool) {
	name, ok := m.Fields[column]
	return name, ok
}

// normalizeSource canonicalizes a source name for case-insensitive lookup.
func normalizeSource(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
