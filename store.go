package syncline

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// Store is the durable key/value layer shared by the tiered cache, the
// change queue, and the offline worker's response cache. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) ([]byte, bool, error)

	// Set writes a value. Returns ErrQuotaExceeded when the backing
	// storage is out of space.
	Set(key string, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys returns all keys with the given prefix. An empty prefix
	// returns every key.
	Keys(prefix string) ([]string, error)

	// Clear wipes the store's entire domain. Used for quota recovery and
	// cache-generation cleanup.
	Clear() error

	Close() error
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store, used as the fast cache tier and in
// tests. A non-zero QuotaBytes makes writes fail with ErrQuotaExceeded once
// the total stored size would exceed it, mirroring how browsers cap durable
// storage.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	size   int64
	quota  int64
	closed bool
}

// NewMemoryStore creates an unbounded in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// NewMemoryStoreWithQuota creates an in-memory store that enforces a total
// size quota in bytes.
func NewMemoryStoreWithQuota(quota int64) *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), quota: quota}
}

func (m *MemoryStore) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	next := m.size - int64(len(m.data[key])) + int64(len(value))
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	m.size = next
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.size -= int64(len(m.data[key]))
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.data = make(map[string][]byte)
	m.size = 0
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// --- SQLiteStore ---

// SQLiteStoreConfig configures the SQLite-backed durable store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode. Default: WAL.
	JournalMode string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int

	// MaxConnections is the max number of database connections.
	// Default: 4.
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns defaults for the given file path.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteStore is the durable client tier: one SQLite file holds the
// serialized pending-change queue and every cached record, so the data
// survives restarts and can be inspected with standard SQLite tools.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool

	getStmt    *sql.Stmt
	setStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	keysStmt   *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare sqlite statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	if s.getStmt, err = s.db.Prepare(`SELECT value FROM kv WHERE key = ?`); err != nil {
		return err
	}
	if s.setStmt, err = s.db.Prepare(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`); err != nil {
		return err
	}
	if s.deleteStmt, err = s.db.Prepare(`DELETE FROM kv WHERE key = ?`); err != nil {
		return err
	}
	if s.keysStmt, err = s.db.Prepare(`SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	var value []byte
	err := s.getStmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.setStmt.Exec(key, value, time.Now().UnixNano())
	if err != nil && isSQLiteFull(err) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func (s *SQLiteStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.deleteStmt.Exec(key)
	return err
}

func (s *SQLiteStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.keysStmt.Query(escapeLike(prefix) + "%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Clear() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM kv`)
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, stmt := range []*sql.Stmt{s.getStmt, s.setStmt, s.deleteStmt, s.keysStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

// isSQLiteFull detects the out-of-space condition so callers see the uniform
// quota error.
func isSQLiteFull(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "sqlite_full")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
