package syncline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// WorkerState is the lifecycle state of the offline worker.
type WorkerState int

const (
	StateInstalling WorkerState = iota
	StateWaiting
	StateActive
	StateRedundant
)

// String returns the human-readable state name.
func (s WorkerState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Foreground→worker message types. These literal strings are the wire
// protocol with the application shell; unknown types are ignored.
const (
	MsgSkipWaiting         = "skip-waiting"
	MsgGetVersion          = "get-version"
	MsgCacheURLs           = "cache-urls"
	MsgRegisterPeriodicURL = "register-periodic-url"
	MsgShowNotification    = "show-notification"
)

// Worker→foreground message types.
const (
	// MsgVersion reports the active cache version.
	MsgVersion = "version"

	// MsgSyncRequired asks foreground contexts to re-fetch their data.
	// The worker has no application credentials, so it never fetches CRM
	// data itself.
	MsgSyncRequired = "sync-required"
)

// WorkerMessage is the typed message exchanged between the worker and
// foreground contexts.
type WorkerMessage struct {
	Type    string   `json:"type"`
	URL     string   `json:"url,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	Title   string   `json:"title,omitempty"`
	Body    string   `json:"body,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Version string   `json:"version,omitempty"`
}

// Notifier raises system notifications on behalf of the worker.
type Notifier interface {
	Show(title, body, tag string) error
}

// Defaults for push payloads that omit fields.
const (
	defaultPushTitle = "CRM Update"
	defaultPushTag   = "crm-notification"
)

// offlinePlaceholder is the literal body synthesized when every cached
// fallback is exhausted.
const offlinePlaceholder = "You are offline and this page has not been cached yet."

// workerKeyPrefix namespaces all worker response-cache keys in the shared
// store; the version tag after it forms one cache generation.
const workerKeyPrefix = "sw:"

// WorkerConfig configures the offline worker.
type WorkerConfig struct {
	// Version tags the cache generation. Activating a worker with a new
	// version drops every older generation.
	Version string `yaml:"version"`

	// Origin is the application origin (scheme://host[:port]). Only
	// successful same-origin responses are cached.
	Origin string `yaml:"origin"`

	// Precache is the manifest of critical assets fetched best-effort on
	// first activation.
	Precache []string `yaml:"precache"`

	// RootDocument is the absolute URL of the application shell served
	// to offline navigations. Defaults to Origin + "/".
	RootDocument string `yaml:"root_document"`

	// SyncTag names the background sync registration relayed to
	// foreground contexts. Default: "crm-sync".
	SyncTag string `yaml:"sync_tag"`

	// PeriodicInterval is the cadence of periodic prefetch and sync
	// broadcast. 0 disables the periodic loop.
	PeriodicInterval time.Duration `yaml:"periodic_interval"`

	// OnNotificationActivate runs when the user activates a displayed
	// notification; the application uses it to focus or open its root
	// view. May be nil.
	OnNotificationActivate func() `yaml:"-"`
}

// DefaultWorkerConfig returns worker defaults for the given origin.
func DefaultWorkerConfig(origin string) WorkerConfig {
	return WorkerConfig{
		Version:          "v1",
		Origin:           origin,
		RootDocument:     strings.TrimSuffix(origin, "/") + "/",
		SyncTag:          "crm-sync",
		PeriodicInterval: 12 * time.Hour,
	}
}

// cachedResponse is the serialized form of one cached HTTP response.
type cachedResponse struct {
	Status     int                 `json:"status"`
	Header     map[string][]string `json:"header"`
	Body       []byte              `json:"body"`
	RecordedAt time.Time           `json:"recordedAt"`
}

// lifecycleEvent drives the worker state machine.
type lifecycleEvent int

const (
	eventInstall lifecycleEvent = iota
	eventActivate
	eventReplace
)

func (e lifecycleEvent) String() string {
	switch e {
	case eventInstall:
		return "install"
	case eventActivate:
		return "activate"
	case eventReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// OfflineWorker is the background execution context: it intercepts GET
// requests as an http.RoundTripper, serves cache-first responses across
// connectivity loss, and relays deferred-work signals to the foreground via
// message passing. It shares no state with the foreground beyond the
// durable store and the message channels.
type OfflineWorker struct {
	config   WorkerConfig
	store    Store
	base     http.RoundTripper
	notifier Notifier
	log      *slog.Logger

	mu            sync.Mutex
	state         WorkerState
	everActivated bool
	periodicURLs  []string
	clients       map[int]chan WorkerMessage
	nextClient    int

	// transitions is the single dispatch table for lifecycle events:
	// allowed source states, target state, and the side effect to run.
	transitions map[lifecycleEvent]transition

	// messages dispatches foreground messages by their literal type.
	messages map[string]func(WorkerMessage)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type transition struct {
	from   map[WorkerState]struct{}
	to     WorkerState
	action func(ctx context.Context)
}

// NewOfflineWorker creates a worker in the installing state. base may be nil
// for http.DefaultTransport; notifier and logger may be nil.
func NewOfflineWorker(cfg WorkerConfig, store Store, base http.RoundTripper, notifier Notifier, logger *slog.Logger) *OfflineWorker {
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.RootDocument == "" {
		cfg.RootDocument = strings.TrimSuffix(cfg.Origin, "/") + "/"
	}
	if cfg.SyncTag == "" {
		cfg.SyncTag = "crm-sync"
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &OfflineWorker{
		config:   cfg,
		store:    store,
		base:     base,
		notifier: notifier,
		log:      logger,
		state:    StateInstalling,
		clients:  make(map[int]chan WorkerMessage),
	}

	w.transitions = map[lifecycleEvent]transition{
		eventInstall: {
			from: states(StateInstalling),
			to:   StateWaiting,
		},
		eventActivate: {
			from:   states(StateWaiting, StateInstalling),
			to:     StateActive,
			action: w.onActivate,
		},
		eventReplace: {
			from: states(StateInstalling, StateWaiting, StateActive),
			to:   StateRedundant,
		},
	}

	w.messages = map[string]func(WorkerMessage){
		MsgSkipWaiting:         w.onSkipWaiting,
		MsgGetVersion:          w.onGetVersion,
		MsgCacheURLs:           w.onCacheURLs,
		MsgRegisterPeriodicURL: w.onRegisterPeriodicURL,
		MsgShowNotification:    w.onShowNotification,
	}

	return w
}

func states(list ...WorkerState) map[WorkerState]struct{} {
	m := make(map[WorkerState]struct{}, len(list))
	for _, s := range list {
		m[s] = struct{}{}
	}
	return m
}

// State returns the current lifecycle state.
func (w *OfflineWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Version returns the active cache version tag.
func (w *OfflineWorker) Version() string {
	return w.config.Version
}

// Install completes installation and moves the worker to waiting.
func (w *OfflineWorker) Install(ctx context.Context) error {
	return w.dispatch(ctx, eventInstall)
}

// Activate makes this worker the active one: older cache generations are
// deleted and, on the first activation ever, the precache manifest is
// fetched best-effort.
func (w *OfflineWorker) Activate(ctx context.Context) error {
	return w.dispatch(ctx, eventActivate)
}

// Replace retires the worker; an updated generation has taken over.
func (w *OfflineWorker) Replace() error {
	return w.dispatch(context.Background(), eventReplace)
}

// dispatch runs one lifecycle event through the transition table.
func (w *OfflineWorker) dispatch(ctx context.Context, ev lifecycleEvent) error {
	w.mu.Lock()
	t, ok := w.transitions[ev]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("worker: unknown lifecycle event %v", ev)
	}
	if _, allowed := t.from[w.state]; !allowed {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("worker: event %v not allowed in state %v", ev, state)
	}
	w.state = t.to
	w.mu.Unlock()

	w.log.Info("worker state changed", "event", ev.String(), "state", t.to.String())
	if t.action != nil {
		t.action(ctx)
	}
	return nil
}

// onActivate drops every cached generation except the current version and
// precaches the manifest on the first activation. Asset failures never
// prevent activation.
func (w *OfflineWorker) onActivate(ctx context.Context) {
	w.dropOldGenerations()

	w.mu.Lock()
	first := !w.everActivated
	w.everActivated = true
	w.mu.Unlock()

	if first && len(w.config.Precache) > 0 {
		w.precache(ctx, w.config.Precache)
	}
}

func (w *OfflineWorker) dropOldGenerations() {
	keys, err := w.store.Keys(workerKeyPrefix)
	if err != nil {
		w.log.Warn("generation scan failed", "err", err)
		return
	}
	current := w.genPrefix()
	dropped := 0
	for _, k := range keys {
		if strings.HasPrefix(k, current) {
			continue
		}
		if err := w.store.Delete(k); err != nil {
			w.log.Warn("stale cache entry delete failed", "key", k, "err", err)
			continue
		}
		dropped++
	}
	if dropped > 0 {
		w.log.Info("dropped stale cache generations", "entries", dropped, "version", w.config.Version)
	}
}

func (w *OfflineWorker) precache(ctx context.Context, urls []string) {
	for _, u := range urls {
		if err := w.fetchAndCache(ctx, u); err != nil {
			w.log.Warn("precache failed", "url", u, "err", err)
		}
	}
}

// Start runs the periodic prefetch/sync loop until Stop or context
// cancellation.
func (w *OfflineWorker) Start(ctx context.Context) {
	if w.config.PeriodicInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.PeriodicInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.periodicTick(ctx)
			}
		}
	}()
}

// Stop halts the periodic loop.
func (w *OfflineWorker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *OfflineWorker) periodicTick(ctx context.Context) {
	w.mu.Lock()
	urls := append([]string(nil), w.periodicURLs...)
	w.mu.Unlock()

	w.precache(ctx, urls)
	w.TriggerSync(w.config.SyncTag)
}

// TriggerSync relays a background-sync tag to every foreground context.
// Data fetching stays in the foreground, which holds the credentials.
func (w *OfflineWorker) TriggerSync(tag string) {
	w.broadcast(WorkerMessage{Type: MsgSyncRequired, Tag: tag})
}

// AttachClient registers a foreground context and returns its message
// channel plus a detach function.
func (w *OfflineWorker) AttachClient() (<-chan WorkerMessage, func()) {
	ch := make(chan WorkerMessage, 16)
	w.mu.Lock()
	id := w.nextClient
	w.nextClient++
	w.clients[id] = ch
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		if c, ok := w.clients[id]; ok {
			delete(w.clients, id)
			close(c)
		}
		w.mu.Unlock()
	}
}

// broadcast sends a message to every attached client, dropping it for
// clients whose buffers are full.
func (w *OfflineWorker) broadcast(msg WorkerMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Post delivers a foreground message to the worker. Messages with unknown
// types are ignored for forward compatibility.
func (w *OfflineWorker) Post(msg WorkerMessage) {
	handler, ok := w.messages[msg.Type]
	if !ok {
		w.log.Debug("ignoring unknown worker message", "type", msg.Type)
		return
	}
	handler(msg)
}

func (w *OfflineWorker) onSkipWaiting(WorkerMessage) {
	if w.State() != StateWaiting {
		return
	}
	if err := w.Activate(context.Background()); err != nil {
		w.log.Warn("skip-waiting activation failed", "err", err)
	}
}

func (w *OfflineWorker) onGetVersion(WorkerMessage) {
	w.broadcast(WorkerMessage{Type: MsgVersion, Version: w.config.Version})
}

func (w *OfflineWorker) onCacheURLs(msg WorkerMessage) {
	w.precache(context.Background(), msg.URLs)
}

func (w *OfflineWorker) onRegisterPeriodicURL(msg WorkerMessage) {
	if msg.URL == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, u := range w.periodicURLs {
		if u == msg.URL {
			return
		}
	}
	w.periodicURLs = append(w.periodicURLs, msg.URL)
}

func (w *OfflineWorker) onShowNotification(msg WorkerMessage) {
	w.showNotification(msg.Title, msg.Body, msg.Tag)
}

// ReceivePush parses a push payload and displays a system notification,
// applying defaults for absent fields.
func (w *OfflineWorker) ReceivePush(payload []byte) {
	var parsed struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Tag   string `json:"tag"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &parsed); err != nil {
			w.log.Warn("push payload unreadable, using defaults", "err", err)
		}
	}
	w.showNotification(parsed.Title, parsed.Body, parsed.Tag)
}

// HandleNotificationActivate reacts to the user activating a displayed
// notification by focusing or opening the application's root view.
func (w *OfflineWorker) HandleNotificationActivate() {
	if w.config.OnNotificationActivate != nil {
		w.config.OnNotificationActivate()
	}
}

func (w *OfflineWorker) showNotification(title, body, tag string) {
	if w.notifier == nil {
		return
	}
	if title == "" {
		title = defaultPushTitle
	}
	if tag == "" {
		tag = defaultPushTag
	}
	if err := w.notifier.Show(title, body, tag); err != nil {
		w.log.Warn("system notification failed", "tag", tag, "err", err)
	}
}

// --- Request interception ---

// RoundTrip intercepts GET requests without an explicit no-cache directive:
// cache hit wins without a network call; misses go to the network and
// successful same-origin responses are cached; network failures fall back
// through the cache, then the cached root document for navigations, then a
// synthesized offline placeholder.
func (w *OfflineWorker) RoundTrip(req *http.Request) (*http.Response, error) {
	if !w.intercepts(req) {
		return w.base.RoundTrip(req)
	}

	key := w.requestKey(req)
	if resp, ok := w.loadResponse(key, req); ok {
		return resp, nil
	}

	resp, err := w.base.RoundTrip(req)
	if err == nil {
		w.maybeCache(key, req, resp)
		return resp, nil
	}

	// Network failure: walk the fallback chain.
	if cached, ok := w.loadResponse(key, req); ok {
		return cached, nil
	}
	if isNavigation(req) {
		if cached, ok := w.loadResponse(w.rootDocumentKey(), req); ok {
			w.log.Info("serving cached root document for offline navigation", "url", req.URL.String())
			return cached, nil
		}
	}
	w.log.Warn("offline with no cached fallback", "url", req.URL.String(), "err", err)
	return placeholderResponse(req), nil
}

func (w *OfflineWorker) intercepts(req *http.Request) bool {
	if w.State() != StateActive {
		return false
	}
	if req.Method != http.MethodGet {
		return false
	}
	cc := strings.ToLower(req.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}
	if strings.Contains(strings.ToLower(req.Header.Get("Pragma")), "no-cache") {
		return false
	}
	return true
}

func (w *OfflineWorker) genPrefix() string {
	return workerKeyPrefix + w.config.Version + ":"
}

func (w *OfflineWorker) requestKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	return w.genPrefix() + u.String()
}

func (w *OfflineWorker) urlKey(rawURL string) string {
	return w.genPrefix() + rawURL
}

func (w *OfflineWorker) rootDocumentKey() string {
	return w.urlKey(w.config.RootDocument)
}

// loadResponse rebuilds an http.Response from a cached entry.
func (w *OfflineWorker) loadResponse(key string, req *http.Request) (*http.Response, bool) {
	payload, found, err := w.store.Get(key)
	if err != nil || !found {
		if err != nil {
			w.log.Warn("response cache read failed", "key", key, "err", err)
		}
		return nil, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(payload, &cached); err != nil {
		w.log.Warn("cached response corrupt", "key", key, "err", err)
		return nil, false
	}

	header := http.Header(cached.Header).Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode:    cached.Status,
		Status:        http.StatusText(cached.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}, true
}

// maybeCache stores a copy of a successful same-origin response and
// restores the body for the caller. Cache failures never affect the
// response.
func (w *OfflineWorker) maybeCache(key string, req *http.Request, resp *http.Response) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}
	if !w.sameOrigin(req) {
		return
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		w.log.Warn("response body read failed, not caching", "url", req.URL.String(), "err", err)
		return
	}

	cached := cachedResponse{
		Status:     resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		RecordedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := w.store.Set(key, payload); err != nil {
		w.log.Warn("response cache write failed", "key", key, "err", err)
	}
}

func (w *OfflineWorker) sameOrigin(req *http.Request) bool {
	if w.config.Origin == "" {
		return true
	}
	return strings.HasPrefix(req.URL.String(), strings.TrimSuffix(w.config.Origin, "/"))
}

// fetchAndCache fetches one URL through the base transport and caches a
// successful response under the current generation.
func (w *OfflineWorker) fetchAndCache(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.base.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cachedResponse{
		Status:     resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		RecordedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return w.store.Set(w.urlKey(rawURL), payload)
}

// isNavigation reports whether a request is a top-level navigation.
func isNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// placeholderResponse synthesizes the worst-case offline response.
func placeholderResponse(req *http.Request) *http.Response {
	body := []byte(offlinePlaceholder)
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		Status:        http.StatusText(http.StatusServiceUnavailable),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
