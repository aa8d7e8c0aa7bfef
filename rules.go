package syncline

import (
	"fmt"
	"strings"
	"sync"
)

// RowFields gives rule templates named access to a row snapshot through the
// source's column map.
type RowFields struct {
	columns ColumnMap
	row     []string
}

// Get returns the value of the named field, or an error when the snapshot
// does not satisfy the column map.
func (f RowFields) Get(name string) (string, error) {
	return f.columns.Field(f.row, name)
}

// Rule maps one (source, column, value-predicate) combination to a
// notification template. Rules are independent: adding a rule never alters
// the behavior of existing ones.
type Rule struct {
	// Source is the sheet name the rule applies to.
	Source string

	// CaseInsensitive makes source matching ignore case. The master data
	// sheet is renamed freely by operators, so its rules match loosely.
	CaseInsensitive bool

	// Column is the edited column the rule watches.
	Column int

	// Match is the predicate on the new cell value.
	Match func(value string) bool

	// Build produces the notification from the row snapshot. Returning an
	// error signals a snapshot/column-map mismatch, not an unmatched rule.
	Build func(row RowFields) (*NotificationEvent, error)
}

// RuleEngine classifies edit events into notifications. Classification is
// pure and deterministic; the engine performs no I/O.
type RuleEngine struct {
	mu    sync.RWMutex
	rules []Rule
	maps  map[string]ColumnMap
}

// NewRuleEngine returns an engine loaded with the default CRM rule table and
// column maps.
func NewRuleEngine() *RuleEngine {
	e := &RuleEngine{maps: make(map[string]ColumnMap)}
	for _, m := range defaultColumnMaps() {
		e.RegisterColumnMap(m)
	}
	for _, r := range defaultRules() {
		e.RegisterRule(r)
	}
	return e
}

// RegisterColumnMap installs or replaces the column map for a source.
func (e *RuleEngine) RegisterColumnMap(m ColumnMap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maps[normalizeSource(m.Source)] = m
}

// RegisterRule appends a rule to the dispatch table.
func (e *RuleEngine) RegisterRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Classify maps an edit event to at most one notification. It returns
// (nil, nil) for combinations no rule matches. An error means a matching
// rule could not read the row snapshot through the source's column map.
func (e *RuleEngine) Classify(ev EditEvent) (*NotificationEvent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if !sourceMatches(r, ev.SourceName) {
			continue
		}
		if r.Column != ev.ColumnIndex {
			continue
		}
		if r.Match != nil && !r.Match(ev.NewValue) {
			continue
		}
		columns, ok := e.maps[normalizeSource(r.Source)]
		if !ok {
			return nil, fmt.Errorf("%w: no column map registered for source %q", ErrColumnUnmapped, r.Source)
		}
		return r.Build(RowFields{columns: columns, row: ev.RowSnapshot})
	}
	return nil, nil
}

func sourceMatches(r Rule, source string) bool {
	if r.CaseInsensitive {
		return strings.EqualFold(r.Source, strings.TrimSpace(source))
	}
	return r.Source == strings.TrimSpace(source)
}

// valueIs builds a case-insensitive equality predicate on the new cell value.
func valueIs(want string) func(string) bool {
	return func(got string) bool {
		return strings.EqualFold(strings.TrimSpace(got), want)
	}
}

// Column layout of the external sheets. Bump the version when the sheet
// layout changes so mismatched snapshots fail loudly.
func defaultColumnMaps() []ColumnMap {
	return []ColumnMap{
		{
			Source:  "MASTER DATA",
			Version: 2,
			Fields: map[int]string{
				0: "trip_id",
				1: "client",
				2: "destination",
				3: "start_date",
				4: "status",
				5: "amount",
			},
		},
		{
			Source:  "Leads",
			Version: 1,
			Fields: map[int]string{
				0: "lead_id",
				1: "name",
				2: "phone",
				3: "email",
				4: "channel",
				5: "assignee",
				6: "stage",
			},
		},
		{
			Source:  "Payments",
			Version: 1,
			Fields: map[int]string{
				0: "invoice_id",
				1: "client",
				2: "trip_id",
				3: "amount",
				4: "due_date",
				5: "payment_status",
			},
		},
	}
}

func defaultRules() []Rule {
	return []Rule{
		{
			Source: "MASTER DATA", CaseInsensitive: true, Column: 4, Match: valueIs("Booked"),
			Build: func(row RowFields) (*NotificationEvent, error) {
				client, err := row.Get("client")
				if err != nil {
					return nil, err
				}
				destination, err := row.Get("destination")
				if err != nil {
					return nil, err
				}
				return &NotificationEvent{
					Type:       "trip_booked",
					Title:      "Trip booked",
					Message:    fmt.Sprintf("Trip for %s to %s is now booked.", client, destination),
					TargetRole: "all",
					Priority:   PriorityHigh,
					Actions:    []string{"view-trip", "notify-client"},
				}, nil
			},
		},
		{
			Source: "MASTER DATA", CaseInsensitive: true, Column: 4, Match: valueIs("Cancelled"),
			Build: func(row RowFields) (*NotificationEvent, error) {
				client, err := row.Get("client")
				if err != nil {
					return nil, err
				}
				tripID, err := row.Get("trip_id")
				if err != nil {
					return nil, err
				}
				return &NotificationEvent{
					Type:       "trip_cancelled",
					Title:      "Trip cancelled",
					Message:    fmt.Sprintf("Trip %s for %s was cancelled.", tripID, client),
					TargetRole: "all",
					Priority:   PriorityHigh,
					Actions:    []string{"view-trip"},
				}, nil
			},
		},
		{
			Source: "Leads", Column: 6, Match: valueIs("Hot"),
			Build: func(row RowFields) (*NotificationEvent, error) {
				name, err := row.Get("name")
				if err != nil {
					return nil, err
				}
				assignee, err := row.Get("assignee")
				if err != nil {
					return nil, err
				}
				return &NotificationEvent{
					Type:       "hot_lead",
					Title:      "Hot lead",
					Message:    fmt.Sprintf("%s was marked hot (assigned to %s).", name, assignee),
					TargetRole: "sales",
					Priority:   PriorityMedium,
					Actions:    []string{"call-lead", "view-lead"},
				}, nil
			},
		},
		{
			Source: "Leads", Column: 6, Match: valueIs("Lost"),
			Build: func(row RowFields) (*NotificationEvent, error) {
				name, err := row.Get("name")
				if err != nil {
					return nil, err
				}
				return &NotificationEvent{
					Type:       "lead_lost",
					Title:      "Lead lost",
					Message:    fmt.Sprintf("%s was marked lost.", name),
					TargetRole: "sales",
					Priority:   PriorityLow,
					Actions:    []string{"view-lead"},
				}, nil
			},
		},
		{
			Source: "Payments", Column: 5, Match: valueIs("Overdue"),
			Build: func(row RowFields) (*NotificationEvent, error) {
				client, err := row.Get("client")
				if err != nil {
					return nil, err
				}
				invoice, err := row.Get("invoice_id")
				if err != nil {
					return nil, err
				}
				return &NotificationEvent{
					Type:       "payment_overdue",
					Title:      "Payment overdue",
					Message:    fmt.Sprintf("Invoice %s for %s is overdue.", invoice, client),
					TargetRole: "accounts",
					Priority:   PriorityHigh,
					Actions:    []string{"view-invoice", "send-reminder"},
				}, nil
			},
		},
		{
			Source: "Payments", Column: 5, Match: valueIs("Paid"),
			Build: func(row RowFields) (*NotificationEvent, error) {
				client, err := row.Get("client")
				if err != nil {
					return nil, err
				}
				amount, err := row.Get("amount")
				if err != nil {
					return nil, err
				}
				return &NotificationEvent{
					Type:       "payment_received",
					Title:      "Payment received",
					Message:    fmt.Sprintf("Received %s from %s.", amount, client),
					TargetRole: "accounts",
					Priority:   PriorityMedium,
					Actions:    []string{"view-invoice"},
				}, nil
			},
		},
	}
}
