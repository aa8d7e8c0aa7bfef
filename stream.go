package syncline

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// StreamConfig configures the live-push websocket channel.
type StreamConfig struct {
	// WriteTimeout bounds a single websocket write. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PongTimeout is how long a client may stay silent before the
	// connection is considered dead. Default: 60s.
	PongTimeout time.Duration `yaml:"pong_timeout"`

	// PingInterval is how often the server pings clients. Default: 30s.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultStreamConfig returns default streaming configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket connection to the registry's Conn
// interface. Writes are serialized: fan-out may run concurrently with pings.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// StreamHandler upgrades the request to a websocket and registers it as a
// live delivery target until the client disconnects. The channel is one-way:
// client payloads are read only to service control frames and are otherwise
// discarded.
func StreamHandler(registry *Registry, cfg StreamConfig, logger *slog.Logger) gin.HandlerFunc {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "err", err)
			return
		}

		client := &wsConn{conn: conn, writeTimeout: cfg.WriteTimeout}
		registry.AddConnection(client)
		defer func() {
			registry.RemoveConnection(client)
			_ = conn.Close()
		}()

		done := make(chan struct{})

		// Reader: drives pong handling and detects disconnects.
		go func() {
			defer close(done)
			conn.SetReadLimit(1024)
			_ = conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}
}
