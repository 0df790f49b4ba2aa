// CLAUDE:SUMMARY Configuration structs (bundle, cache, transpile, edit, surface) and YAML loader for livebundle.
package livebundle

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/yaml.v3"
)

// Config holds all livebundle configuration.
type Config struct {
	Listen      string          `yaml:"listen"`
	DBPath      string          `yaml:"db_path"`
	ImportsFile string          `yaml:"imports_file"`
	LogLevel    string          `yaml:"log_level"`
	LogFile     string          `yaml:"log_file"`
	Bundle      BundleConfig    `yaml:"bundle"`
	Cache       CacheConfig     `yaml:"cache"`
	Transpile   TranspileConfig `yaml:"transpile"`
	Edit        EditConfig      `yaml:"edit"`
	Document    DocumentConfig  `yaml:"document"`
	Observe     ObserveConfig   `yaml:"observability"`
}

// BundleConfig bounds bundler runs.
type BundleConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	Ceiling       time.Duration `yaml:"ceiling"`
	MaxFetchBytes int64         `yaml:"max_fetch_bytes"`
	AllowPrivate  bool          `yaml:"allow_private_urls"`
}

// CacheConfig selects the cache backend and tier lifetimes.
type CacheConfig struct {
	Backend       string        `yaml:"backend"` // memory | sqlite | redis
	PrimaryTTL    time.Duration `yaml:"primary_ttl"`
	FallbackTTL   time.Duration `yaml:"fallback_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// TranspileConfig tunes calls to the transpile service.
type TranspileConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	RoutesPoll       time.Duration `yaml:"routes_poll"`
}

// EditConfig bounds live-edit operations.
type EditConfig struct {
	MaxSourceBytes int `yaml:"max_source_bytes"`
}

// DocumentConfig is shared by every generated document.
type DocumentConfig struct {
	ContainerID       string        `yaml:"container_id"`
	StyleRuntimeURL   string        `yaml:"style_runtime_url"`
	FontStylesheetURL string        `yaml:"font_stylesheet_url"`
	RenderTimeout     time.Duration `yaml:"render_timeout"`
}

// ObserveConfig controls the audit and metrics tables.
type ObserveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
	SessionPoll   time.Duration `yaml:"session_poll"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.DBPath == "" {
		c.DBPath = "livebundle.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Bundle.Timeout <= 0 {
		c.Bundle.Timeout = 10 * time.Second
	}
	if c.Bundle.Ceiling < c.Bundle.Timeout {
		c.Bundle.Ceiling = 60 * time.Second
	}
	if c.Bundle.MaxFetchBytes <= 0 {
		c.Bundle.MaxFetchBytes = 8 << 20
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "sqlite"
	}
	if c.Cache.PrimaryTTL <= 0 {
		c.Cache.PrimaryTTL = 24 * time.Hour
	}
	if c.Cache.FallbackTTL <= 0 {
		c.Cache.FallbackTTL = 10 * time.Minute
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = 10 * time.Minute
	}
	if c.Transpile.Timeout <= 0 {
		c.Transpile.Timeout = 15 * time.Second
	}
	if c.Transpile.MaxRetries <= 0 {
		c.Transpile.MaxRetries = 2
	}
	if c.Transpile.RetryBackoff <= 0 {
		c.Transpile.RetryBackoff = 200 * time.Millisecond
	}
	if c.Transpile.BreakerThreshold <= 0 {
		c.Transpile.BreakerThreshold = 5
	}
	if c.Transpile.BreakerReset <= 0 {
		c.Transpile.BreakerReset = 30 * time.Second
	}
	if c.Transpile.RoutesPoll <= 0 {
		c.Transpile.RoutesPoll = 2 * time.Second
	}
	if c.Edit.MaxSourceBytes <= 0 {
		c.Edit.MaxSourceBytes = 512 << 10
	}
	if c.Document.ContainerID == "" {
		c.Document.ContainerID = "root"
	}
	if c.Document.RenderTimeout <= 0 {
		c.Document.RenderTimeout = 5 * time.Second
	}
	if c.Observe.BufferSize <= 0 {
		c.Observe.BufferSize = 256
	}
	if c.Observe.FlushInterval <= 0 {
		c.Observe.FlushInterval = 5 * time.Second
	}
	if c.Observe.Retention <= 0 {
		c.Observe.Retention = 7 * 24 * time.Hour
	}
	if c.Observe.SessionPoll <= 0 {
		c.Observe.SessionPoll = time.Second
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{Observe: ObserveConfig{Enabled: true}}
	cfg.defaults()
	return cfg
}

// LoadConfigFile reads a YAML config file. Missing fields take their
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Observe: ObserveConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("livebundle: parse %s: %w", path, err)
	}
	if cfg.ImportsFile != "" && !filepath.IsAbs(cfg.ImportsFile) {
		cfg.ImportsFile = filepath.Join(filepath.Dir(path), cfg.ImportsFile)
	}
	cfg.defaults()
	return cfg, nil
}

// ParseLevel maps debug|info|warn|error to a slog level (info otherwise).
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewLogger builds the process logger: JSON on stdout, fanned out to
// LogFile as well when set. The returned closer releases the file.
func NewLogger(cfg *Config, stdout io.Writer) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	handlers := []slog.Handler{slog.NewJSONHandler(stdout, opts)}
	closer := func() error { return nil }
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("livebundle: log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("livebundle: log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f.Close
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}
