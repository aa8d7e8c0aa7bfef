package syncline

import (
	"strings"
	"testing"
	"time"
)

type tripList struct {
	Trips []string `json:"trips"`
}

func TestCacheSetGetRoundTrip(t *testing.T) {
	c := NewTieredCache(NewMemoryStore(), nil)
	c.Set("trips", tripList{Trips: []string{"TRIP-1", "TRIP-2"}})
	c.Flush()

	var got tripList
	if !c.Get("trips", time.Minute, &got) {
		t.Fatal("Get = false, want fresh hit")
	}
	if len(got.Trips) != 2 || got.Trips[0] != "TRIP-1" {
		t.Errorf("got %+v", got)
	}

	var missing tripList
	if c.Get("no-such-key", time.Minute, &missing) {
		t.Error("Get(no-such-key) = true, want miss")
	}
}

func TestCacheStaleRecordMisses(t *testing.T) {
	c := NewTieredCache(NewMemoryStore(), nil)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	c.Set("trips", tripList{Trips: []string{"TRIP-1"}})
	c.Flush()

	var got tripList
	if !c.Get("trips", time.Minute, &got) {
		t.Fatal("fresh record missed")
	}

	now = base.Add(2 * time.Minute)
	if c.Get("trips", time.Minute, &got) {
		t.Error("stale record returned as a hit")
	}
	// A longer ttl accepts the same record: freshness is the caller's call.
	if !c.Get("trips", time.Hour, &got) {
		t.Error("record missed under a longer ttl")
	}
}

func TestCacheDurableTierSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()

	first := NewTieredCache(store, nil)
	first.Set("trips", tripList{Trips: []string{"TRIP-1"}})
	first.Flush()

	// A new cache over the same store simulates a process restart: the fast
	// tier is empty, the durable tier still serves.
	second := NewTieredCache(store, nil)
	var got tripList
	if !second.Get("trips", time.Minute, &got) {
		t.Fatal("durable tier miss after restart")
	}
	if len(got.Trips) != 1 {
		t.Errorf("got %+v", got)
	}

	// The hit was rehydrated into the fast tier.
	second.mu.RLock()
	_, rehydrated := second.fast["trips"]
	second.mu.RUnlock()
	if !rehydrated {
		t.Error("durable hit not rehydrated into the fast tier")
	}
}

func TestCacheLargePayloadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	c := NewTieredCache(store, nil)

	big := tripList{}
	for i := 0; i < 500; i++ {
		big.Trips = append(big.Trips, "TRIP-0000000000")
	}
	c.SetLarge("all-trips", big)
	c.Flush()

	// The durable representation is compressed and lives under the suffixed
	// key.
	if _, found, _ := store.Get(cacheKeyPrefix + "all-trips" + compressedSuffix); !found {
		t.Fatal("compressed record not written")
	}

	restarted := NewTieredCache(store, nil)
	var got tripList
	if !restarted.GetLarge("all-trips", time.Minute, &got) {
		t.Fatal("GetLarge miss after restart")
	}
	if len(got.Trips) != 500 {
		t.Errorf("restored %d trips, want 500", len(got.Trips))
	}
}

func TestCacheLargeFallsBackToLegacyRecord(t *testing.T) {
	store := NewMemoryStore()

	// Data written by an older deployment: plain record, bare key.
	legacy := NewTieredCache(store, nil)
	legacy.Set("all-trips", tripList{Trips: []string{"TRIP-1"}})
	legacy.Flush()

	c := NewTieredCache(store, nil)
	var got tripList
	if !c.GetLarge("all-trips", time.Minute, &got) {
		t.Fatal("GetLarge did not fall back to the legacy record")
	}
	if len(got.Trips) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestCacheQuotaRecoveryPreservesQueueData(t *testing.T) {
	// Store sized so the cache's old records plus the new one exceed quota,
	// but clearing the cache domain makes room.
	store := NewMemoryStoreWithQuota(1200)

	// Foreign data sharing the store must survive quota recovery.
	if err := store.Set(pendingChangesKey, []byte(`[{"id":"keep-me"}]`)); err != nil {
		t.Fatalf("seed queue data: %v", err)
	}

	entry := strings.Repeat("x", 100)
	payload := tripList{Trips: []string{entry, entry, entry, entry}}

	c := NewTieredCache(store, nil)
	c.Set("old-a", payload)
	c.Flush()
	c.Set("old-b", payload)
	c.Flush()

	// This write exceeds the quota, triggering clear-domain-and-retry.
	c.Set("fresh", payload)
	c.Flush()

	if _, found, _ := store.Get(cacheKeyPrefix + "fresh"); !found {
		t.Error("fresh record not written after quota recovery")
	}
	if _, found, _ := store.Get(pendingChangesKey); !found {
		t.Error("quota recovery deleted the pending-change queue")
	}
}

func TestCacheMemoryOnly(t *testing.T) {
	c := NewTieredCache(nil, nil)
	c.Set("trips", tripList{Trips: []string{"TRIP-1"}})

	var got tripList
	if !c.Get("trips", time.Minute, &got) {
		t.Fatal("memory-only cache missed its own write")
	}
}
