package syncline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

// fakeTransport serves canned bodies by URL and counts hits; URLs listed in
// down fail as if the network were gone.
type fakeTransport struct {
	mu    sync.Mutex
	pages map[string]string
	hits  map[string]int
	down  bool
}

func newFakeTransport(pages map[string]string) *fakeTransport {
	return &fakeTransport{pages: pages, hits: make(map[string]int)}
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := req.URL.String()
	f.hits[url]++
	if f.down {
		return nil, errors.New("dial tcp: no route to host")
	}
	body, ok := f.pages[url]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("not found")),
			Request:    req,
		}, nil
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (f *fakeTransport) hitCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[url]
}

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// recordNotifier captures shown notifications.
type recordNotifier struct {
	mu    sync.Mutex
	shown []struct{ title, body, tag string }
}

func (n *recordNotifier) Show(title, body, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, struct{ title, body, tag string }{title, body, tag})
	return nil
}

func (n *recordNotifier) last(t *testing.T) struct{ title, body, tag string } {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.shown) == 0 {
		t.Fatal("no notification shown")
	}
	return n.shown[len(n.shown)-1]
}

const testOrigin = "https://crm.example.com"

func newTestWorker(t *testing.T, transport *fakeTransport, cfg WorkerConfig) (*OfflineWorker, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	if cfg.Origin == "" {
		cfg.Origin = testOrigin
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	w := NewOfflineWorker(cfg, store, transport, nil, nil)
	return w, store
}

func activate(t *testing.T, w *OfflineWorker) {
	t.Helper()
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	w, _ := newTestWorker(t, newFakeTransport(nil), WorkerConfig{})

	if got := w.State(); got != StateInstalling {
		t.Fatalf("initial state = %v, want installing", got)
	}

	// Activation before installation finishes is not allowed from waiting
	// only; install first.
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := w.State(); got != StateWaiting {
		t.Fatalf("state after install = %v, want waiting", got)
	}

	// Installing twice is rejected.
	if err := w.Install(context.Background()); err == nil {
		t.Error("second Install succeeded, want error")
	}

	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := w.State(); got != StateActive {
		t.Fatalf("state after activate = %v, want active", got)
	}

	if err := w.Replace(); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := w.State(); got != StateRedundant {
		t.Fatalf("state after replace = %v, want redundant", got)
	}

	// A redundant worker is done for good.
	if err := w.Activate(context.Background()); err == nil {
		t.Error("Activate on redundant worker succeeded, want error")
	}
}

func TestWorkerPrecacheOnFirstActivation(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		testOrigin + "/":       "<html>shell</html>",
		testOrigin + "/app.js": "console.log('app')",
	})
	w, store := newTestWorker(t, transport, WorkerConfig{
		Precache: []string{
			testOrigin + "/",
			testOrigin + "/app.js",
			testOrigin + "/missing.css", // 404: must not prevent activation
		},
	})
	activate(t, w)

	if got := w.State(); got != StateActive {
		t.Fatalf("state = %v, want active despite a failed asset", got)
	}
	keys, err := store.Keys("sw:v1:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("precached %d entries, want 2: %v", len(keys), keys)
	}
}

func TestWorkerDropsOldGenerationsOnActivate(t *testing.T) {
	transport := newFakeTransport(nil)
	store := NewMemoryStore()

	// Entries left behind by previous worker versions, plus unrelated data.
	store.Set("sw:v1:"+testOrigin+"/app.js", []byte("{}"))
	store.Set("sw:v1:"+testOrigin+"/", []byte("{}"))
	store.Set("sw:v2:"+testOrigin+"/app.js", []byte("{}"))
	store.Set("pending-changes", []byte("[]"))

	cfg := DefaultWorkerConfig(testOrigin)
	cfg.Version = "v2"
	w := NewOfflineWorker(cfg, store, transport, nil, nil)
	activate(t, w)

	if _, found, _ := store.Get("sw:v1:" + testOrigin + "/app.js"); found {
		t.Error("v1 entry survived v2 activation")
	}
	if _, found, _ := store.Get("sw:v2:" + testOrigin + "/app.js"); !found {
		t.Error("current generation entry deleted")
	}
	if _, found, _ := store.Get("pending-changes"); !found {
		t.Error("generation cleanup touched non-worker data")
	}
}

func TestWorkerServesCacheFirst(t *testing.T) {
	url := testOrigin + "/api/trips"
	transport := newFakeTransport(map[string]string{url: `{"trips":[]}`})
	w, _ := newTestWorker(t, transport, WorkerConfig{})
	activate(t, w)

	req, _ := http.NewRequest(http.MethodGet, url, nil)

	// First request goes to the network and populates the cache.
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("first RoundTrip: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"trips":[]}` {
		t.Fatalf("first body = %q", body)
	}

	// Second request is served from cache with zero network calls.
	resp, err = w.RoundTrip(req)
	if err != nil {
		t.Fatalf("second RoundTrip: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"trips":[]}` {
		t.Fatalf("second body = %q", body)
	}
	if transport.hitCount(url) != 1 {
		t.Errorf("network hit %d times, want 1 (second request must be a cache hit)", transport.hitCount(url))
	}
}

func TestWorkerServesCachedAcrossOutage(t *testing.T) {
	url := testOrigin + "/api/trips"
	transport := newFakeTransport(map[string]string{url: `{"trips":["TRIP-1"]}`})
	w, _ := newTestWorker(t, transport, WorkerConfig{})
	activate(t, w)

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("warm-up RoundTrip: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	transport.setDown(true)

	resp, err = w.RoundTrip(req)
	if err != nil {
		t.Fatalf("offline RoundTrip: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"trips":["TRIP-1"]}` {
		t.Errorf("offline body = %q, want the cached payload", body)
	}
	if transport.hitCount(url) != 1 {
		t.Errorf("network hit %d times, want 1 (cache must absorb the second request)", transport.hitCount(url))
	}
}

func TestWorkerOfflineNavigationFallsBackToRoot(t *testing.T) {
	transport := newFakeTransport(map[string]string{
		testOrigin + "/": "<html>shell</html>",
	})
	w, _ := newTestWorker(t, transport, WorkerConfig{
		Precache: []string{testOrigin + "/"},
	})
	activate(t, w)
	transport.setDown(true)

	req, _ := http.NewRequest(http.MethodGet, testOrigin+"/trips/TRIP-9", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "<html>shell</html>" {
		t.Errorf("offline navigation body = %q, want the cached root document", body)
	}
}

func TestWorkerOfflinePlaceholderWhenNothingCached(t *testing.T) {
	transport := newFakeTransport(nil)
	w, _ := newTestWorker(t, transport, WorkerConfig{})
	activate(t, w)
	transport.setDown(true)

	req, _ := http.NewRequest(http.MethodGet, testOrigin+"/api/leads", nil)
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte("offline")) {
		t.Errorf("placeholder body = %q", body)
	}
}

func TestWorkerNoCacheRequestsBypassInterception(t *testing.T) {
	url := testOrigin + "/api/live"
	transport := newFakeTransport(map[string]string{url: "fresh"})
	w, store := newTestWorker(t, transport, WorkerConfig{})
	activate(t, w)

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Cache-Control", "no-cache")

	for i := 0; i < 2; i++ {
		resp, err := w.RoundTrip(req)
		if err != nil {
			t.Fatalf("RoundTrip %d: %v", i, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	if transport.hitCount(url) != 2 {
		t.Errorf("network hit %d times, want 2 (no-cache must always reach the network)", transport.hitCount(url))
	}
	if keys, _ := store.Keys("sw:"); len(keys) != 0 {
		t.Errorf("no-cache response was cached: %v", keys)
	}
}

func TestWorkerPostRequestsBypassInterception(t *testing.T) {
	url := testOrigin + "/api/trips"
	transport := newFakeTransport(map[string]string{url: "created"})
	w, store := newTestWorker(t, transport, WorkerConfig{})
	activate(t, w)

	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader("{}"))
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if keys, _ := store.Keys("sw:"); len(keys) != 0 {
		t.Errorf("POST response was cached: %v", keys)
	}
}

func TestWorkerDoesNotCacheCrossOrigin(t *testing.T) {
	url := "https://cdn.example.net/lib.js"
	transport := newFakeTransport(map[string]string{url: "lib"})
	w, store := newTestWorker(t, transport, WorkerConfig{})
	activate(t, w)

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if keys, _ := store.Keys("sw:"); len(keys) != 0 {
		t.Errorf("cross-origin response was cached: %v", keys)
	}
}

func TestWorkerSkipWaitingMessage(t *testing.T) {
	w, _ := newTestWorker(t, newFakeTransport(nil), WorkerConfig{})
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	w.Post(WorkerMessage{Type: MsgSkipWaiting})
	if got := w.State(); got != StateActive {
		t.Errorf("state after skip-waiting = %v, want active", got)
	}
}

func TestWorkerGetVersionMessage(t *testing.T) {
	cfg := DefaultWorkerConfig(testOrigin)
	cfg.Version = "v7"
	store := NewMemoryStore()
	w := NewOfflineWorker(cfg, store, newFakeTransport(nil), nil, nil)

	ch, detach := w.AttachClient()
	defer detach()

	w.Post(WorkerMessage{Type: MsgGetVersion})

	select {
	case msg := <-ch:
		if msg.Type != MsgVersion || msg.Version != "v7" {
			t.Errorf("got %+v, want version message with v7", msg)
		}
	default:
		t.Fatal("no version message broadcast")
	}
}

func TestWorkerCacheURLsMessage(t *testing.T) {
	url := testOrigin + "/reports.csv"
	transport := newFakeTransport(map[string]string{url: "a,b,c"})
	w, store := newTestWorker(t, transport, WorkerConfig{})
	activate(t, w)

	w.Post(WorkerMessage{Type: MsgCacheURLs, URLs: []string{url}})

	if _, found, _ := store.Get("sw:v1:" + url); !found {
		t.Error("cache-urls message did not cache the URL")
	}
}

func TestWorkerShowNotificationMessage(t *testing.T) {
	notifier := &recordNotifier{}
	w := NewOfflineWorker(DefaultWorkerConfig(testOrigin), NewMemoryStore(), newFakeTransport(nil), notifier, nil)

	w.Post(WorkerMessage{Type: MsgShowNotification, Title: "Reminder", Body: "Call Ada", Tag: "follow-up"})

	got := notifier.last(t)
	if got.title != "Reminder" || got.body != "Call Ada" || got.tag != "follow-up" {
		t.Errorf("shown = %+v", got)
	}
}

func TestWorkerUnknownMessageIgnored(t *testing.T) {
	w, _ := newTestWorker(t, newFakeTransport(nil), WorkerConfig{})
	// Must not panic or change state.
	w.Post(WorkerMessage{Type: "future-feature"})
	if got := w.State(); got != StateInstalling {
		t.Errorf("state = %v, want installing", got)
	}
}

func TestWorkerReceivePushDefaults(t *testing.T) {
	notifier := &recordNotifier{}
	w := NewOfflineWorker(DefaultWorkerConfig(testOrigin), NewMemoryStore(), newFakeTransport(nil), notifier, nil)

	w.ReceivePush(nil)
	got := notifier.last(t)
	if got.title != "CRM Update" {
		t.Errorf("default title = %q, want CRM Update", got.title)
	}
	if got.tag != "crm-notification" {
		t.Errorf("default tag = %q, want crm-notification", got.tag)
	}

	w.ReceivePush([]byte(`{"title":"Trip booked","body":"Lisbon","tag":"trips"}`))
	got = notifier.last(t)
	if got.title != "Trip booked" || got.body != "Lisbon" || got.tag != "trips" {
		t.Errorf("shown = %+v", got)
	}

	// Unparseable payloads fall back to defaults rather than dropping the
	// notification.
	w.ReceivePush([]byte("not json"))
	got = notifier.last(t)
	if got.title != "CRM Update" {
		t.Errorf("title after bad payload = %q, want CRM Update", got.title)
	}
}

func TestWorkerNotificationActivateFocusesRoot(t *testing.T) {
	focused := false
	cfg := DefaultWorkerConfig(testOrigin)
	cfg.OnNotificationActivate = func() { focused = true }
	w := NewOfflineWorker(cfg, NewMemoryStore(), newFakeTransport(nil), nil, nil)

	w.HandleNotificationActivate()
	if !focused {
		t.Error("notification activation did not invoke the focus callback")
	}
}

func TestWorkerRegisterPeriodicURL(t *testing.T) {
	w, _ := newTestWorker(t, newFakeTransport(nil), WorkerConfig{})

	w.Post(WorkerMessage{Type: MsgRegisterPeriodicURL, URL: testOrigin + "/api/trips"})
	w.Post(WorkerMessage{Type: MsgRegisterPeriodicURL, URL: testOrigin + "/api/trips"})
	w.Post(WorkerMessage{Type: MsgRegisterPeriodicURL})

	w.mu.Lock()
	got := len(w.periodicURLs)
	w.mu.Unlock()
	if got != 1 {
		t.Errorf("registered %d periodic URLs, want 1 (duplicates and empties rejected)", got)
	}
}

func TestWorkerTriggerSyncBroadcasts(t *testing.T) {
	w, _ := newTestWorker(t, newFakeTransport(nil), WorkerConfig{})

	ch, detach := w.AttachClient()
	defer detach()

	w.TriggerSync("crm-sync")
	select {
	case msg := <-ch:
		if msg.Type != MsgSyncRequired || msg.Tag != "crm-sync" {
			t.Errorf("got %+v, want sync-required with tag crm-sync", msg)
		}
	default:
		t.Fatal("no sync message broadcast")
	}
}

func TestWorkerInactiveDoesNotIntercept(t *testing.T) {
	url := testOrigin + "/api/trips"
	transport := newFakeTransport(map[string]string{url: "data"})
	w, store := newTestWorker(t, transport, WorkerConfig{})
	// Still installing: requests pass straight through.

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if keys, _ := store.Keys("sw:"); len(keys) != 0 {
		t.Errorf("inactive worker cached a response: %v", keys)
	}
}
