package syncline

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// compressedSuffix distinguishes the compressed large-payload representation
// from the plain record stored under the bare key.
const compressedSuffix = ".z"

// cacheKeyPrefix namespaces the cache's keys inside the shared durable
// store, so quota recovery can wipe cached records without touching the
// pending-change queue stored alongside them.
const cacheKeyPrefix = "cache:"

// CacheRecord is one cached value with its write time. Records are never
// actively evicted; freshness is judged lazily on read against the caller's
// ttl. Later writes to the same key supersede, never merge.
type CacheRecord struct {
	Value      json.RawMessage `json:"value"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// compressedRecord is the envelope for the large-payload variant: the
// serialized value is snappy-compressed before storage.
type compressedRecord struct {
	Compressed []byte    `json:"v"`
	RecordedAt time.Time `json:"recordedAt"`
}

// TieredCache is a two-tier TTL key/value cache: a fast in-memory tier
// backed by a durable store. It is a performance cache, not a source of
// truth — writes never fail from the caller's point of view, and every
// storage error degrades to best-effort behavior.
type TieredCache struct {
	mu   sync.RWMutex
	fast map[string]CacheRecord

	durable Store
	log     *slog.Logger
	now     func() time.Time

	mirrors sync.WaitGroup
}

// NewTieredCache creates a cache over the given durable store. durable may
// be nil for a memory-only cache; logger may be nil.
func NewTieredCache(durable Store, logger *slog.Logger) *TieredCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredCache{
		fast:    make(map[string]CacheRecord),
		durable: durable,
		log:     logger,
		now:     time.Now,
	}
}

// Set records a value under key. The fast tier is written synchronously; the
// durable tier is mirrored in the background. Failures in either tier are
// logged and swallowed.
func (c *TieredCache) Set(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache set skipped, value not serializable", "key", key, "err", err)
		return
	}
	record := CacheRecord{Value: raw, RecordedAt: c.now()}

	c.mu.Lock()
	c.fast[key] = record
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		c.log.Warn("cache mirror skipped", "key", key, "err", err)
		return
	}
	c.mirrors.Add(1)
	go func() {
		defer c.mirrors.Done()
		c.writeDurable(key, payload)
	}()
}

// Get looks up key and unmarshals the cached value into dest when a record
// no older than ttl is found. The fast tier wins; a fresh durable hit is
// rehydrated into the fast tier on the way out.
func (c *TieredCache) Get(key string, ttl time.Duration, dest any) bool {
	c.mu.RLock()
	record, ok := c.fast[key]
	c.mu.RUnlock()

	if ok && c.fresh(record.RecordedAt, ttl) {
		return c.decode(key, record.Value, dest)
	}

	if c.durable == nil {
		return false
	}
	payload, found, err := c.durable.Get(cacheKeyPrefix + key)
	if err != nil || !found {
		if err != nil {
			c.log.Warn("durable cache read failed", "key", key, "err", err)
		}
		return false
	}
	var stored CacheRecord
	if err := json.Unmarshal(payload, &stored); err != nil {
		c.log.Warn("durable cache record corrupt", "key", key, "err", err)
		return false
	}
	if !c.fresh(stored.RecordedAt, ttl) {
		return false
	}

	c.mu.Lock()
	c.fast[key] = stored
	c.mu.Unlock()

	return c.decode(key, stored.Value, dest)
}

// SetLarge stores a large value compressed under a distinct key. Use for
// big list payloads where the serialized form dominates storage quota.
func (c *TieredCache) SetLarge(key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.log.Warn("cache set skipped, value not serializable", "key", key, "err", err)
		return
	}
	record := compressedRecord{
		Compressed: snappy.Encode(nil, raw),
		RecordedAt: c.now(),
	}

	c.mu.Lock()
	c.fast[key] = CacheRecord{Value: raw, RecordedAt: record.RecordedAt}
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		c.log.Warn("cache mirror skipped", "key", key, "err", err)
		return
	}
	c.mirrors.Add(1)
	go func() {
		defer c.mirrors.Done()
		c.writeDurable(key+compressedSuffix, payload)
	}()
}

// GetLarge reads a value stored with SetLarge. When the compressed
// representation is missing or fails to decompress, it falls back to a
// legacy uncompressed record under the bare key, keeping previously stored
// data readable.
func (c *TieredCache) GetLarge(key string, ttl time.Duration, dest any) bool {
	c.mu.RLock()
	record, ok := c.fast[key]
	c.mu.RUnlock()

	if ok && c.fresh(record.RecordedAt, ttl) {
		return c.decode(key, record.Value, dest)
	}

	if c.durable == nil {
		return false
	}
	payload, found, err := c.durable.Get(cacheKeyPrefix + key + compressedSuffix)
	if err == nil && found {
		var stored compressedRecord
		if err := json.Unmarshal(payload, &stored); err == nil {
			raw, derr := snappy.Decode(nil, stored.Compressed)
			if derr == nil {
				if !c.fresh(stored.RecordedAt, ttl) {
					return false
				}
				c.mu.Lock()
				c.fast[key] = CacheRecord{Value: raw, RecordedAt: stored.RecordedAt}
				c.mu.Unlock()
				return c.decode(key, raw, dest)
			}
			c.log.Warn("compressed cache record unreadable, trying legacy key", "key", key, "err", derr)
		}
	}

	// Legacy uncompressed representation.
	return c.Get(key, ttl, dest)
}

// Flush waits for outstanding durable mirror writes. Intended for shutdown
// and tests.
func (c *TieredCache) Flush() {
	c.mirrors.Wait()
}

func (c *TieredCache) fresh(recordedAt time.Time, ttl time.Duration) bool {
	return c.now().Sub(recordedAt) < ttl
}

func (c *TieredCache) decode(key string, raw json.RawMessage, dest any) bool {
	if err := json.Unmarshal(raw, dest); err != nil {
		c.log.Warn("cached value does not fit destination", "key", key, "err", err)
		return false
	}
	return true
}

// writeDurable mirrors one record into the durable tier. On a quota failure
// the cache clears its own key domain and retries once; a second failure
// abandons the write silently.
func (c *TieredCache) writeDurable(key string, payload []byte) {
	err := c.durable.Set(cacheKeyPrefix+key, payload)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		c.log.Warn("durable cache write failed", "key", key, "err", err)
		return
	}

	c.log.Info("durable tier over quota, clearing cache domain", "key", key)
	if cerr := c.clearDomain(); cerr != nil {
		c.log.Warn("cache domain clear failed", "err", cerr)
		return
	}
	if err := c.durable.Set(cacheKeyPrefix+key, payload); err != nil {
		c.log.Warn("durable cache write abandoned", "key", key, "err", err)
	}
}

// clearDomain deletes every durable key the cache owns. Records belonging
// to other components sharing the store are left alone.
func (c *TieredCache) clearDomain() error {
	keys, err := c.durable.Keys(cacheKeyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.durable.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
