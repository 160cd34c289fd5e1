package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/config"
	"github.com/Mindburn-Labs/conveyor/pkg/monitor"
	"github.com/Mindburn-Labs/conveyor/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CONVEYOR_CONFIG", "DATABASE_URL", "SQLITE_PATH", "REDIS_URL", "ADMIN_ADDR", "ADMIN_JWT_SECRET", "LOG_LEVEL",
	"LOG_FORMAT", "WORKER_ID", "WORKER_POOL_SIZE", "POLL_INTERVAL", "HEARTBEAT_INTERVAL",
	"HANDLER_TIMEOUT", "STUCK_THRESHOLD", "SWEEP_INTERVAL", "STUCK_MODE", "RETRY_BASE",
	"RETRY_MULTIPLIER", "RETRY_JITTER", "RETRY_MAX", "OTEL_ENABLED", "OTEL_ENDPOINT",
	"NTFY_URL", "NTFY_TOPIC",
}

// cleanEnv unsets every variable Load reads. t.Setenv restores them afterwards.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Chdir(t.TempDir())
}

// TestLoad_Defaults verifies the engine boots in lite mode with no configuration.
func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.LiteMode())
	assert.Equal(t, "data/conveyor.db", cfg.SQLitePath)
	assert.Equal(t, ":8080", cfg.AdminAddr)
	assert.Equal(t, 4, cfg.Worker.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Stuck.Threshold)
	assert.Equal(t, monitor.ModeRecover, cfg.Stuck.Mode)
	assert.Equal(t, 2*time.Second, cfg.Retry.Base)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("DATABASE_URL", "postgres://conveyor@db:5432/conveyor")
	t.Setenv("WORKER_POOL_SIZE", "16")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("STUCK_THRESHOLD", "2m")
	t.Setenv("STUCK_MODE", "flag")
	t.Setenv("RETRY_JITTER", "0")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.False(t, cfg.LiteMode())
	assert.Equal(t, 16, cfg.Worker.PoolSize)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.Stuck.Threshold)
	assert.Equal(t, monitor.ModeFlag, cfg.Stuck.Mode)
	assert.Zero(t, cfg.Retry.Jitter)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"WORKER_POOL_SIZE": "many",
		"POLL_INTERVAL":    "soon",
		"STUCK_MODE":       "delete",
		"RETRY_JITTER":     "1.5",
		"LOG_FORMAT":       "xml",
		"STUCK_THRESHOLD":  "1s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(key, val)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

const resourceYAML = `
rate_limits:
  default: {requests_per_minute: 20, requests_per_hour: 600}
  arxiv: {requests_per_minute: 10, requests_per_hour: 200}
circuit_breakers:
  default: {failure_threshold: 4, window: 30s, recovery_wait: 15s}
  flaky_source: {failure_threshold: 2}
worker:
  pool_size: 8
retry:
  max: 5m
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	writeFile(t, path, resourceYAML)
	t.Setenv("CONVEYOR_CONFIG", path)
	t.Setenv("WORKER_POOL_SIZE", "3")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Worker.PoolSize, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval, "unset keys keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.Retry.Max)
	assert.Equal(t, 2*time.Second, cfg.Retry.Base)

	def, keys := cfg.LimitTable()
	assert.Equal(t, ratelimit.Limit{PerMinute: 20, PerHour: 600}, def)
	assert.Equal(t, ratelimit.Limit{PerMinute: 10, PerHour: 200}, keys["arxiv"])
	assert.NotContains(t, keys, config.DefaultKey)

	bdef, overrides := cfg.BreakerSettings()
	assert.Equal(t, breaker.Settings{FailureThreshold: 4, Window: 30 * time.Second, RecoveryWait: 15 * time.Second}, bdef)
	assert.Equal(t, 2, overrides["flaky_source"].FailureThreshold)
}

func TestShippedConfigParses(t *testing.T) {
	r, err := config.LoadResources(filepath.Join("..", "..", "configs", "conveyor.yaml"))
	require.NoError(t, err)
	def, keys := r.LimitTable()
	assert.Equal(t, ratelimit.DefaultLimit(), def)
	assert.Equal(t, 100, keys["semantic_scholar"].PerMinute)
	assert.Equal(t, 200, keys["arxiv"].PerHour)
}

func TestWatch_ReloadsResources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	writeFile(t, path, resourceYAML)

	table := ratelimit.NewTable(ratelimit.DefaultLimit(), nil)
	var mu sync.Mutex
	reloads := 0
	apply := func(r config.Resources) {
		r.Apply(table, nil)
		mu.Lock()
		reloads++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- config.Watch(ctx, path, apply, nil) }()
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, `
rate_limits:
  arxiv: {requests_per_minute: 3, requests_per_hour: 30}
`)
	require.Eventually(t, func() bool {
		return table.For("arxiv").PerMinute == 3
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	assert.GreaterOrEqual(t, reloads, 1)
	mu.Unlock()
}
