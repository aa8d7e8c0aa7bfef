package syncline

import (
	"sort"
	"sync"
)

// Conn is a live delivery target, typically a websocket connection. Send
// must be safe for concurrent use.
type Conn interface {
	Send(payload []byte) error
}

// RegistrySnapshot is a point-in-time copy of the delivery targets.
type RegistrySnapshot struct {
	Connections []Conn
	Tokens      []string
}

// Registry is the process-local set of live connections and push tokens.
// Nothing is persisted: entries vanish on restart and clients re-register on
// every cold start. Token registration has set semantics.
type Registry struct {
	mu     sync.RWMutex
	conns  map[Conn]struct{}
	tokens map[string]struct{}
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[Conn]struct{}),
		tokens: make(map[string]struct{}),
	}
}

// AddConnection registers a live connection for fan-out.
func (r *Registry) AddConnection(c Conn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// RemoveConnection drops a connection. Removing an unknown connection is a
// no-op.
func (r *Registry) RemoveConnection(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// RegisterToken adds a push token. Registering an existing token is
// idempotent.
func (r *Registry) RegisterToken(token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = struct{}{}
}

// UnregisterToken removes a push token if present.
func (r *Registry) UnregisterToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// TokenCount returns the number of registered push tokens.
func (r *Registry) TokenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// Snapshot returns a copy of the current delivery targets. Tokens are sorted
// for deterministic multicast payloads.
func (r *Registry) Snapshot() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RegistrySnapshot{
		Connections: make([]Conn, 0, len(r.conns)),
		Tokens:      make([]string, 0, len(r.tokens)),
	}
	for c := range r.conns {
		snap.Connections = append(snap.Connections, c)
	}
	for t := range r.tokens {
		snap.Tokens = append(snap.Tokens, t)
	}
	sort.Strings(snap.Tokens)
	return snap
}
