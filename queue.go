package syncline

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingChangesKey is the single durable key holding the serialized queue.
const pendingChangesKey = "pending-changes"

// Operation is the kind of local mutation a pending change represents.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// PendingChange is a durable record of a local mutation awaiting remote
// sync. Once created, only Attempts and LastAttemptAt ever change; the
// record is removed permanently only on confirmed remote success.
type PendingChange struct {
	ID            string          `json:"id"`
	Operation     Operation       `json:"operation"`
	EntityKind    string          `json:"entityKind"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitempty"`
}

// QueueConfig configures the change queue.
type QueueConfig struct {
	// MaxAttempts is the attempt count at which a change stops being a
	// sync candidate. Exhausted changes stay in the queue for the UI.
	// Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultQueueConfig returns queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxAttempts: 3}
}

// QueueStats summarizes the queue for UI indicators. It plays no part in
// control flow.
type QueueStats struct {
	Total       int               `json:"total"`
	Ready       int               `json:"ready"`
	Exhausted   int               `json:"exhausted"`
	ByOperation map[Operation]int `json:"byOperation"`
	ByEntity    map[string]int    `json:"byEntity"`
}

// ChangeQueue is the durable, retryable set of pending local mutations. The
// queue tracks eligibility only; retry cadence lives in SyncScheduler.
// Entries are inserted in order but resolution order is not guaranteed —
// there is no head-of-line blocking.
type ChangeQueue struct {
	mu      sync.Mutex
	entries []*PendingChange
	store   Store
	config  QueueConfig
	log     *slog.Logger

	subs    map[int]func([]PendingChange)
	nextSub int
}

// NewChangeQueue creates a queue over the given durable store, restoring
// any previously persisted entries. store may be nil for a memory-only
// queue; logger may be nil.
func NewChangeQueue(store Store, cfg QueueConfig, logger *slog.Logger) *ChangeQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &ChangeQueue{
		store:  store,
		config: cfg,
		log:    logger,
		subs:   make(map[int]func([]PendingChange)),
	}
	q.restore()
	return q
}

func (q *ChangeQueue) restore() {
	if q.store == nil {
		return
	}
	payload, found, err := q.store.Get(pendingChangesKey)
	if err != nil || !found {
		if err != nil {
			q.log.Warn("pending changes restore failed", "err", err)
		}
		return
	}
	var entries []*PendingChange
	if err := json.Unmarshal(payload, &entries); err != nil {
		q.log.Warn("pending changes corrupt, starting empty", "err", err)
		return
	}
	q.entries = entries
}

// Enqueue appends a new pending change and persists the queue. Persistence
// failures degrade to memory-only and are not surfaced: the mutation is
// already applied locally and must not appear to fail.
func (q *ChangeQueue) Enqueue(op Operation, entityKind string, payload any) PendingChange {
	raw, err := json.Marshal(payload)
	if err != nil {
		q.log.Warn("change payload not serializable, storing null", "entity", entityKind, "err", err)
		raw = []byte("null")
	}

	change := &PendingChange{
		ID:         uuid.NewString(),
		Operation:  op,
		EntityKind: entityKind,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, change)
	q.persistLocked()
	subs, snapshot := q.notifySetLocked()
	q.mu.Unlock()

	notify(subs, snapshot)
	return *change
}

// PendingChanges returns a copy of every entry, exhausted ones included.
func (q *ChangeQueue) PendingChanges() []PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// SyncCandidates returns the entries still eligible for a sync attempt.
func (q *ChangeQueue) SyncCandidates() []PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	candidates := make([]PendingChange, 0, len(q.entries))
	for _, e := range q.entries {
		if e.Attempts < q.config.MaxAttempts {
			candidates = append(candidates, *e)
		}
	}
	return candidates
}

// MarkAttemptFailed records a failed sync attempt for the change. Attempts
// only ever grow. Returns false when the id is unknown.
func (q *ChangeQueue) MarkAttemptFailed(id string) bool {
	q.mu.Lock()
	var found *PendingChange
	for _, e := range q.entries {
		if e.ID == id {
			found = e
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return false
	}
	found.Attempts++
	found.LastAttemptAt = time.Now().UTC()
	q.persistLocked()
	subs, snapshot := q.notifySetLocked()
	q.mu.Unlock()

	notify(subs, snapshot)
	return true
}

// Remove deletes a change after confirmed remote success. Idempotent:
// repeat calls return false and never fail.
func (q *ChangeQueue) Remove(id string) bool {
	q.mu.Lock()
	idx := -1
	for i, e := range q.entries {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.persistLocked()
	subs, snapshot := q.notifySetLocked()
	q.mu.Unlock()

	notify(subs, snapshot)
	return true
}

// Subscribe registers a callback invoked immediately with the current
// snapshot and then after every mutation. The returned function cancels the
// subscription.
func (q *ChangeQueue) Subscribe(fn func([]PendingChange)) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	fn(snapshot)
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

// Stats counts entries by readiness, operation, and entity kind.
func (q *ChangeQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Total:       len(q.entries),
		ByOperation: make(map[Operation]int),
		ByEntity:    make(map[string]int),
	}
	for _, e := range q.entries {
		if e.Attempts < q.config.MaxAttempts {
			stats.Ready++
		} else {
			stats.Exhausted++
		}
		stats.ByOperation[e.Operation]++
		stats.ByEntity[e.EntityKind]++
	}
	return stats
}

// MaxAttempts returns the configured attempt ceiling.
func (q *ChangeQueue) MaxAttempts() int {
	return q.config.MaxAttempts
}

func (q *ChangeQueue) snapshotLocked() []PendingChange {
	snapshot := make([]PendingChange, len(q.entries))
	for i, e := range q.entries {
		snapshot[i] = *e
	}
	return snapshot
}

// persistLocked writes the full serialized queue to the durable store.
// Unlike the cache, the queue never clears other data to make room; on a
// quota failure it degrades to memory-only and keeps retrying on later
// mutations.
func (q *ChangeQueue) persistLocked() {
	if q.store == nil {
		return
	}
	payload, err := json.Marshal(q.entries)
	if err != nil {
		q.log.Warn("pending changes not serializable", "err", err)
		return
	}
	if err := q.store.Set(pendingChangesKey, payload); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			q.log.Warn("pending changes over quota, queue is memory-only until space frees", "entries", len(q.entries))
			return
		}
		q.log.Warn("pending changes persist failed", "err", err)
	}
}

func (q *ChangeQueue) notifySetLocked() ([]func([]PendingChange), []PendingChange) {
	subs := make([]func([]PendingChange), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	return subs, q.snapshotLocked()
}

// notify runs subscriber callbacks outside the queue lock so a callback may
// call back into the queue.
func notify(subs []func([]PendingChange), snapshot []PendingChange) {
	for _, fn := range subs {
		fn(snapshot)
	}
}
