package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/aggregator"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "statpipe.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Ledger.FreshnessHours)
	assert.Equal(t, 3, cfg.Breaker.OpenThreshold)
	assert.Equal(t, 7, cfg.Breaker.CooldownDays)
	assert.Equal(t, "fallback.yaml", cfg.Fallback.ConfigPath)
	assert.Equal(t, 6, cfg.Sweep.StaleAfterHours)
	assert.Equal(t, 4, cfg.Sweep.Concurrency)
	assert.Equal(t, 7, cfg.Sweep.RangeDays)
	assert.Equal(t, 6, cfg.Alerting.DigestPerHour)
	assert.False(t, cfg.Backfill)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Config{
		Ledger:  LedgerConfig{FreshnessHours: 2},
		Breaker: BreakerConfig{CooldownDays: 7},
		Sweep:   SweepConfig{StaleAfterHours: 6},
	}
	assert.Equal(t, "2h0m0s", cfg.Ledger.Freshness().String())
	assert.Equal(t, "168h0m0s", cfg.Breaker.Cooldown().String())
	assert.Equal(t, "6h0m0s", cfg.Sweep.StaleAfter().String())
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  path: engine.db
log:
  level: debug
  format: console
server:
  port: 9090
stages:
  - name: collect
    expected: 3
    next: process
  - name: process
    expected: 5
    next: publish
dependencies:
  - processor: player-stats
    upstream: game-collector
    lookback: 7
detect:
  comparison_fields: [score, status]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "engine.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Stages, 2)
	assert.Equal(t, aggregator.StageConfig{Name: "collect", Expected: 3, Next: "process"}, cfg.Stages[0])
	assert.Equal(t, []string{"score", "status"}, cfg.Detect.ComparisonFields)

	dep, ok := cfg.Dependency("player-stats")
	require.True(t, ok)
	assert.Equal(t, "game-collector", dep.Upstream)
	assert.Equal(t, 7, dep.Lookback)

	_, ok = cfg.Dependency("nobody")
	assert.False(t, ok)

	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Breaker.OpenThreshold)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("STATPIPE_STORE_DRIVER", "postgres")
	t.Setenv("STATPIPE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("STATPIPE_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation in every mode.
func validDefaults() *Config {
	return &Config{
		Store:  StoreConfig{Driver: "sqlite", Path: "statpipe.db"},
		Server: ServerConfig{Port: 8080},
		Stages: []aggregator.StageConfig{{Name: "collect", Expected: 3, Next: "process"}},
		Processors: []ProcessorConfig{
			{Name: "player-stats", Stage: "process", Endpoint: "http://localhost:9100/run"},
		},
		Sweep: SweepConfig{StaleAfterHours: 6, Concurrency: 4, RangeDays: 7},
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg = validDefaults()
	cfg.Stages = nil
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stage transition")
}

func TestValidateSweep(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("sweep"))

	cfg.Sweep.RangeDays = 0
	err := cfg.Validate("sweep")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sweep.range_days")

	cfg = validDefaults()
	cfg.Sweep.Concurrency = 100
	err = cfg.Validate("sweep")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sweep.concurrency")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate("migrate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")

	cfg = validDefaults()
	cfg.Store.Driver = "postgres"
	err = cfg.Validate("migrate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/statpipe"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateDependencies(t *testing.T) {
	cfg := validDefaults()
	cfg.Dependencies = []DependencyConfig{{Processor: "player-stats"}}
	err := cfg.Validate("check")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "processor and upstream")
}

func TestValidateRun(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("run"))

	cfg.Processors = nil
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one processor")

	cfg = validDefaults()
	cfg.Processors[0].Endpoint = ""
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "name, stage, and endpoint")

	cfg = validDefaults()
	cfg.Processors = append(cfg.Processors, cfg.Processors[0])
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate processor")
}

func TestProcessorTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ProcessorConfig{}.Timeout())
	assert.Equal(t, 30*time.Second, ProcessorConfig{TimeoutSeconds: 30}.Timeout())
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
