package syncline

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RemoteSyncer applies one pending change against the remote data layer.
// Implemented by the application's spreadsheet-backed data access code.
type RemoteSyncer interface {
	Apply(ctx context.Context, change PendingChange) error
}

// BackoffPolicy maps an attempt count to the delay before the next retry.
// Keeping the policy separate from the queue lets cadence be tuned and
// tested independently of queue correctness.
type BackoffPolicy func(attempts int) time.Duration

// BackoffConfig configures the default exponential policy.
type BackoffConfig struct {
	// Initial is the delay after the first failure. Default: 2s.
	Initial time.Duration `yaml:"initial"`

	// Max caps the delay. Default: 5m.
	Max time.Duration `yaml:"max"`

	// Multiplier grows the delay per attempt. Default: 2.0.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter adds ±Jitter randomness (0..1). Default: 0.1.
	Jitter float64 `yaml:"jitter"`
}

// DefaultBackoffConfig returns the default retry cadence.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    2 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// ExponentialBackoff builds a capped exponential BackoffPolicy with jitter.
func ExponentialBackoff(cfg BackoffConfig) BackoffPolicy {
	if cfg.Initial <= 0 {
		cfg.Initial = 2 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 5 * time.Minute
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.1
	}
	return func(attempts int) time.Duration {
		if attempts <= 0 {
			return 0
		}
		delay := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempts-1))
		if delay > float64(cfg.Max) {
			delay = float64(cfg.Max)
		}
		if cfg.Jitter > 0 {
			delay += (rand.Float64()*2 - 1) * cfg.Jitter * delay
		}
		return time.Duration(delay)
	}
}

// SchedulerConfig configures the sync scheduler.
type SchedulerConfig struct {
	// Interval is how often eligible changes are examined. Default: 5s.
	Interval time.Duration `yaml:"interval"`

	// Backoff configures the per-change retry delay.
	Backoff BackoffConfig `yaml:"backoff"`
}

// DefaultSchedulerConfig returns scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 5 * time.Second,
		Backoff:  DefaultBackoffConfig(),
	}
}

// SyncScheduler decides when sync candidates are retried. Changes are
// attempted independently: a later change may land while an earlier one is
// still backing off.
type SyncScheduler struct {
	queue  *ChangeQueue
	syncer RemoteSyncer
	policy BackoffPolicy
	config SchedulerConfig
	log    *slog.Logger

	mu           sync.Mutex
	nextEligible map[string]time.Time
	running      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncScheduler creates a scheduler over a queue and a remote syncer.
// logger may be nil.
func NewSyncScheduler(queue *ChangeQueue, syncer RemoteSyncer, cfg SchedulerConfig, logger *slog.Logger) *SyncScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncScheduler{
		queue:        queue,
		syncer:       syncer,
		policy:       ExponentialBackoff(cfg.Backoff),
		config:       cfg,
		log:          logger,
		nextEligible: make(map[string]time.Time),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the background retry loop.
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(s.ctx)
			}
		}
	}()
}

// Stop shuts the scheduler down and waits for the loop to exit.
func (s *SyncScheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// RunOnce attempts every currently eligible sync candidate and returns the
// number of changes that synced successfully. Exposed for tests and for
// connectivity-restored triggers.
func (s *SyncScheduler) RunOnce(ctx context.Context) int {
	now := time.Now()
	synced := 0

	for _, change := range s.queue.SyncCandidates() {
		s.mu.Lock()
		eligible := s.nextEligible[change.ID]
		s.mu.Unlock()
		if now.Before(eligible) {
			continue
		}

		if err := s.syncer.Apply(ctx, change); err != nil {
			s.queue.MarkAttemptFailed(change.ID)
			delay := s.policy(change.Attempts + 1)
			s.mu.Lock()
			s.nextEligible[change.ID] = now.Add(delay)
			s.mu.Unlock()
			s.log.Warn("sync attempt failed",
				"id", change.ID, "entity", change.EntityKind,
				"attempts", change.Attempts+1, "retry_in", delay, "err", err)
			continue
		}

		s.queue.Remove(change.ID)
		s.mu.Lock()
		delete(s.nextEligible, change.ID)
		s.mu.Unlock()
		synced++
	}
	return synced
}

// RefreshGuard prevents stale overwrites when data refreshes complete out of
// order: a newer refresh supersedes any still-in-flight older one for the
// same resource. Last writer wins by arrival order, not start order.
type RefreshGuard struct {
	mu  sync.Mutex
	seq map[string]uint64
}

// NewRefreshGuard creates an empty guard.
func NewRefreshGuard() *RefreshGuard {
	return &RefreshGuard{seq: make(map[string]uint64)}
}

// Begin registers a refresh for the resource and returns its token.
func (g *RefreshGuard) Begin(resource string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq[resource]++
	return g.seq[resource]
}

// Commit reports whether the refresh holding the token is still the latest
// for the resource. A false return means the result must be discarded.
func (g *RefreshGuard) Commit(resource string, token uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq[resource] == token
}
