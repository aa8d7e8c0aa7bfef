package syncline

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a broker deployment and the
// client-side sync machinery. Zero values fall back to the same defaults the
// component constructors apply.
type Config struct {
	// HTTP configures the broker ingress.
	HTTP HTTPConfig `yaml:"http"`

	// Push configures the provider relay for background delivery. An empty
	// URL disables the push leg.
	Push PushProviderConfig `yaml:"push"`

	// StorePath is the SQLite file backing the durable tier. Empty selects
	// an in-memory store.
	StorePath string `yaml:"store_path"`

	// Queue configures the pending-change queue.
	Queue QueueConfig `yaml:"queue"`

	// Scheduler configures sync retry cadence.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Worker configures the offline worker.
	Worker WorkerConfig `yaml:"worker"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	return Config{
		HTTP:      DefaultHTTPConfig(),
		Push:      PushProviderConfig{Timeout: 15 * time.Second},
		Queue:     DefaultQueueConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Worker:    DefaultWorkerConfig(""),
		LogLevel:  "info",
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenStore opens the durable store the configuration selects: SQLite when
// StorePath is set, otherwise an in-memory store.
func (c Config) OpenStore() (Store, error) {
	if c.StorePath == "" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(DefaultSQLiteStoreConfig(c.StorePath))
}

// YAML has no duration scalar, so the duration-bearing sections decode
// through shadow structs and time.ParseDuration. Absent fields keep
// whatever value the target already holds, which lets LoadConfig layer a
// partial file over the defaults.

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// UnmarshalYAML decodes stream settings with human-readable durations.
func (s *StreamConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		WriteTimeout string `yaml:"write_timeout"`
		PongTimeout  string `yaml:"pong_timeout"`
		PingInterval string `yaml:"ping_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration(&s.WriteTimeout, raw.WriteTimeout); err != nil {
		return err
	}
	if err := setDuration(&s.PongTimeout, raw.PongTimeout); err != nil {
		return err
	}
	return setDuration(&s.PingInterval, raw.PingInterval)
}

// UnmarshalYAML decodes push provider settings with a human-readable timeout.
func (p *PushProviderConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		URL       string `yaml:"url"`
		AuthToken string `yaml:"auth_token"`
		Timeout   string `yaml:"timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.URL != "" {
		p.URL = raw.URL
	}
	if raw.AuthToken != "" {
		p.AuthToken = raw.AuthToken
	}
	return setDuration(&p.Timeout, raw.Timeout)
}

// UnmarshalYAML decodes backoff settings with human-readable durations.
func (b *BackoffConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Initial    string   `yaml:"initial"`
		Max        string   `yaml:"max"`
		Multiplier *float64 `yaml:"multiplier"`
		Jitter     *float64 `yaml:"jitter"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration(&b.Initial, raw.Initial); err != nil {
		return err
	}
	if err := setDuration(&b.Max, raw.Max); err != nil {
		return err
	}
	if raw.Multiplier != nil {
		b.Multiplier = *raw.Multiplier
	}
	if raw.Jitter != nil {
		b.Jitter = *raw.Jitter
	}
	return nil
}

// UnmarshalYAML decodes scheduler settings with a human-readable interval.
func (s *SchedulerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Interval string    `yaml:"interval"`
		Backoff  yaml.Node `yaml:"backoff"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := setDuration(&s.Interval, raw.Interval); err != nil {
		return err
	}
	if !raw.Backoff.IsZero() {
		return raw.Backoff.Decode(&s.Backoff)
	}
	return nil
}

// UnmarshalYAML decodes worker settings with a human-readable interval.
func (w *WorkerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Version          string   `yaml:"version"`
		Origin           string   `yaml:"origin"`
		Precache         []string `yaml:"precache"`
		RootDocument     string   `yaml:"root_document"`
		SyncTag          string   `yaml:"sync_tag"`
		PeriodicInterval string   `yaml:"periodic_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Version != "" {
		w.Version = raw.Version
	}
	if raw.Origin != "" {
		w.Origin = raw.Origin
	}
	if raw.Precache != nil {
		w.Precache = raw.Precache
	}
	if raw.RootDocument != "" {
		w.RootDocument = raw.RootDocument
	}
	if raw.SyncTag != "" {
		w.SyncTag = raw.SyncTag
	}
	return setDuration(&w.PeriodicInterval, raw.PeriodicInterval)
}
