// Package config loads engine settings from the environment, an optional
// .env file and an optional YAML file of per-resource limits.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/monitor"
	"github.com/Mindburn-Labs/conveyor/pkg/ratelimit"
	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultKey names the fallback entry in the per-resource maps.
const DefaultKey = "default"

// WorkerSettings tune the worker pool.
type WorkerSettings struct {
	PoolSize          int           `yaml:"pool_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`
}

// StuckSettings tune the heartbeat monitor.
type StuckSettings struct {
	Threshold     time.Duration `yaml:"threshold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Mode          monitor.Mode  `yaml:"mode"`
}

// Resources holds the hot-reloadable per-resource settings.
type Resources struct {
	RateLimits      map[string]ratelimit.Limit  `yaml:"rate_limits"`
	CircuitBreakers map[string]breaker.Settings `yaml:"circuit_breakers"`
}

// Config holds engine configuration.
type Config struct {
	// DatabaseURL selects Postgres; empty runs on SQLite at SQLitePath.
	DatabaseURL    string  `yaml:"-"`
	SQLitePath     string  `yaml:"-"`
	RedisURL       string  `yaml:"-"`
	AdminAddr      string  `yaml:"-"`
	AdminJWTSecret string  `yaml:"-"`
	AdminRPS       float64 `yaml:"-"`
	AdminBurst     int     `yaml:"-"`
	LogLevel       string  `yaml:"-"`
	LogFormat      string  `yaml:"-"`
	WorkerID       string  `yaml:"-"`
	OTelEnabled    bool    `yaml:"-"`
	OTelEndpoint   string  `yaml:"-"`
	NtfyURL        string  `yaml:"-"`
	NtfyTopic      string  `yaml:"-"`
	ConfigPath     string  `yaml:"-"`

	Worker WorkerSettings `yaml:"worker"`
	Retry  retry.Policy   `yaml:"retry"`
	Stuck  StuckSettings  `yaml:"stuck"`

	Resources `yaml:",inline"`
}

// Default returns the built-in settings.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "conveyor"
	}
	return &Config{
		SQLitePath: "data/conveyor.db",
		AdminAddr:  ":8080",
		AdminRPS:   10,
		AdminBurst: 20,
		LogLevel:   "INFO",
		LogFormat:  "json",
		WorkerID:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		NtfyURL:    "https://ntfy.sh",
		Worker: WorkerSettings{
			PoolSize:          4,
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HandlerTimeout:    5 * time.Minute,
		},
		Retry: retry.DefaultPolicy(),
		Stuck: StuckSettings{
			Threshold:     5 * time.Minute,
			SweepInterval: time.Minute,
			Mode:          monitor.ModeRecover,
		},
	}
}

// Load reads .env, then the YAML file named by CONVEYOR_CONFIG, then the
// environment. Later sources win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.ConfigPath = os.Getenv("CONVEYOR_CONFIG")
	if cfg.ConfigPath != "" {
		data, err := os.ReadFile(cfg.ConfigPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", cfg.ConfigPath, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	e := &envReader{}
	e.str("DATABASE_URL", &cfg.DatabaseURL)
	e.str("SQLITE_PATH", &cfg.SQLitePath)
	e.str("REDIS_URL", &cfg.RedisURL)
	e.str("ADMIN_ADDR", &cfg.AdminAddr)
	e.str("ADMIN_JWT_SECRET", &cfg.AdminJWTSecret)
	e.float("ADMIN_RATE_LIMIT_RPS", &cfg.AdminRPS)
	e.int("ADMIN_RATE_LIMIT_BURST", &cfg.AdminBurst)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("LOG_FORMAT", &cfg.LogFormat)
	e.str("WORKER_ID", &cfg.WorkerID)
	e.int("WORKER_POOL_SIZE", &cfg.Worker.PoolSize)
	e.duration("POLL_INTERVAL", &cfg.Worker.PollInterval)
	e.duration("HEARTBEAT_INTERVAL", &cfg.Worker.HeartbeatInterval)
	e.duration("HANDLER_TIMEOUT", &cfg.Worker.HandlerTimeout)
	e.duration("STUCK_THRESHOLD", &cfg.Stuck.Threshold)
	e.duration("SWEEP_INTERVAL", &cfg.Stuck.SweepInterval)
	if v, ok := os.LookupEnv("STUCK_MODE"); ok {
		cfg.Stuck.Mode = monitor.Mode(v)
	}
	e.duration("RETRY_BASE", &cfg.Retry.Base)
	e.float("RETRY_MULTIPLIER", &cfg.Retry.Multiplier)
	e.float("RETRY_JITTER", &cfg.Retry.Jitter)
	e.duration("RETRY_MAX", &cfg.Retry.Max)
	e.bool("OTEL_ENABLED", &cfg.OTelEnabled)
	e.str("OTEL_ENDPOINT", &cfg.OTelEndpoint)
	e.str("NTFY_URL", &cfg.NtfyURL)
	e.str("NTFY_TOPIC", &cfg.NtfyTopic)
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.PoolSize < 1 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE must be at least 1"))
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Stuck.Threshold <= c.Worker.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("STUCK_THRESHOLD (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			c.Stuck.Threshold, c.Worker.HeartbeatInterval))
	}
	if _, err := monitor.ParseMode(string(c.Stuck.Mode)); err != nil {
		errs = append(errs, err)
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the engine runs on the embedded SQLite store.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// LoadResources reads only the per-resource maps from a YAML file.
func LoadResources(path string) (Resources, error) {
	var r Resources
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return r, nil
}

// LimitTable splits RateLimits into the default and per-key entries.
func (r Resources) LimitTable() (ratelimit.Limit, map[string]ratelimit.Limit) {
	def := ratelimit.DefaultLimit()
	keys := make(map[string]ratelimit.Limit, len(r.RateLimits))
	for k, v := range r.RateLimits {
		if k == DefaultKey {
			def = v
			continue
		}
		keys[k] = v
	}
	return def, keys
}

// BreakerSettings splits CircuitBreakers into the default and overrides.
func (r Resources) BreakerSettings() (breaker.Settings, map[string]breaker.Settings) {
	def := breaker.DefaultSettings()
	keys := make(map[string]breaker.Settings, len(r.CircuitBreakers))
	for k, v := range r.CircuitBreakers {
		if k == DefaultKey {
			def = v
			continue
		}
		keys[k] = v
	}
	return def, keys
}

// Apply pushes the settings into live limiter and breaker registries.
func (r Resources) Apply(limits *ratelimit.Table, breakers *breaker.Registry) {
	if limits != nil {
		limits.Set(r.LimitTable())
	}
	if breakers != nil {
		breakers.SetSettings(r.BreakerSettings())
	}
}

type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}
