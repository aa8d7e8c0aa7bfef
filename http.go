package syncline

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// secretHeader carries the shared ingress secret. Websocket clients cannot
// set custom headers from a browser, so the stream endpoint also accepts the
// secret as a query parameter.
const secretHeader = "X-Sync-Secret"

// HTTPConfig configures the broker's HTTP ingress.
type HTTPConfig struct {
	// Addr is the listen address. Default: ":8090".
	Addr string `yaml:"addr"`

	// Secret is the shared secret required on every authenticated route.
	// Empty disables authentication (local development only).
	Secret string `yaml:"secret"`

	// RateLimitRPS is the per-client request rate. 0 disables limiting.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`

	// RateLimitBurst is the per-client burst size. Default: 20.
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// Stream configures the websocket live-push channel.
	Stream StreamConfig `yaml:"stream"`

	// Debug leaves gin in debug mode.
	Debug bool `yaml:"debug"`
}

// DefaultHTTPConfig returns ingress defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:           ":8090",
		RateLimitRPS:   50,
		RateLimitBurst: 20,
		Stream:         DefaultStreamConfig(),
	}
}

// Server is the broker's HTTP ingress: edit-event and direct-notification
// endpoints, push-token registration, the websocket stream, health, and
// stats.
type Server struct {
	config   HTTPConfig
	broker   *Broker
	registry *Registry
	log      *slog.Logger
	srv      *http.Server
}

// NewServer wires the ingress routes around a broker and its registry.
func NewServer(cfg HTTPConfig, broker *Broker, registry *Registry) *Server {
	return NewServerWithLogger(cfg, broker, registry, nil)
}

// NewServerWithLogger is NewServer with an explicit logger.
func NewServerWithLogger(cfg HTTPConfig, broker *Broker, registry *Registry, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		broker:   broker,
		registry: registry,
		log:      logger,
	}
}

// Handler builds the gin engine with all routes and middleware attached.
func (s *Server) Handler() http.Handler {
	if !s.config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if s.config.RateLimitRPS > 0 {
		engine.Use(rateLimitMiddleware(s.config.RateLimitRPS, s.config.RateLimitBurst))
	}

	engine.GET("/health", s.handleHealth)

	authed := engine.Group("/", secretAuthMiddleware(s.config.Secret))
	authed.POST("/edit-event", s.handleEditEvent)
	authed.POST("/notify", s.handleNotify)
	authed.POST("/push-token", s.handlePushToken)
	authed.GET("/stats", s.handleStats)
	authed.GET("/stream", StreamHandler(s.registry, s.config.Stream, s.log))

	return engine
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    s.config.Addr,
		Handler: s.Handler(),
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "err", err)
		}
	}()
	s.log.Info("broker listening", "addr", s.config.Addr)
	return nil
}

// Shutdown stops the listener and waits for in-flight fan-out to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.broker.Wait()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleEditEvent(c *gin.Context) {
	var ev EditEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	// Missing fields are absorbed inside the broker: the sheet integration
	// must never see its webhook fail because a row didn't classify.
	s.broker.IngestEditEvent(ev)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleNotify(c *gin.Context) {
	var payload NotificationEvent
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s.broker.IngestDirectNotification(payload)
	c.JSON(http.StatusOK, gin.H{"queued": true})
}

type pushTokenRequest struct {
	Token  string `json:"token" binding:"required"`
	Action string `json:"action" binding:"required"`
}

func (s *Server) handlePushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and action are required"})
		return
	}
	switch req.Action {
	case "register":
		s.registry.RegisterToken(req.Token)
	case "unregister":
		s.registry.UnregisterToken(req.Token)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be register or unregister"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": s.registry.TokenCount()})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"broker":      s.broker.Stats(),
		"connections": s.registry.ConnectionCount(),
		"tokens":      s.registry.TokenCount(),
	})
}

// secretAuthMiddleware rejects requests whose shared secret is missing or
// wrong. Comparison is constant-time.
func secretAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(secretHeader)
		if got == "" {
			got = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}

// Idle limiter entries are pruned lazily from allow, so building a handler
// never spawns a goroutine that outlives it.
const (
	limiterCleanupEvery = time.Minute
	limiterIdleAfter    = 3 * time.Minute
)

// clientLimiter tracks one rate limiter per client IP, dropping entries that
// have been idle for a while.
type clientLimiter struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	rps         rate.Limit
	burst       int
	lastCleanup time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		entries:     make(map[string]*limiterEntry),
		rps:         rate.Limit(rps),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

func (cl *clientLimiter) allow(key string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	if now.Sub(cl.lastCleanup) >= limiterCleanupEvery {
		cl.cleanupLocked(now)
	}

	e, ok := cl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

func (cl *clientLimiter) cleanupLocked(now time.Time) {
	cl.lastCleanup = now
	cutoff := now.Add(-limiterIdleAfter)
	for k, e := range cl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(cl.entries, k)
		}
	}
}

func rateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiter := newClientLimiter(rps, burst)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
