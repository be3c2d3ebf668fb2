package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chTempDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3600, cfg.Cache.DefaultTTLSecs)
	assert.Equal(t, 21600, cfg.Cache.StaleRetentionSecs)
	assert.Equal(t, 6, cfg.Scheduler.ConcurrencyLimit)
	assert.Equal(t, 10, cfg.Scheduler.PerCallTimeoutSec)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.InDelta(t, 0.5, cfg.Correlator.SimilarityThreshold, 0.001)
	assert.InDelta(t, 0.05, cfg.Correlator.TieEpsilon, 0.001)
	assert.InDelta(t, 0.45, cfg.Correlator.BaseWeight, 0.001)
	assert.InDelta(t, 0.4, cfg.Correlator.SingleSourceCeiling, 0.001)
	assert.Equal(t, 256, cfg.Bus.Buffer)
	assert.Equal(t, "https://newsapi.org/v2", cfg.Sources.NewsAPI.BaseURL)
	assert.Equal(t, "https://hn.algolia.com/api/v1", cfg.Sources.HackerNews.BaseURL)
	assert.Equal(t, "text-embedding-3-small", cfg.OpenAI.EmbeddingModel)
}

func TestLoadFromYAML(t *testing.T) {
	chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/signals
log:
  level: debug
  format: console
scheduler:
  concurrency_limit: 12
  rate_limits:
    newsapi: 2.5
sources:
  rss:
    feeds:
      - https://example.com/a.xml
      - https://example.com/b.xml
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 12, cfg.Scheduler.ConcurrencyLimit)
	assert.InDelta(t, 2.5, cfg.Scheduler.RateLimits["newsapi"], 0.001)
	assert.Len(t, cfg.Sources.RSS.Feeds, 2)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chTempDir(t)

	t.Setenv("SIGNAL_SERVER_PORT", "3000")
	t.Setenv("SIGNAL_STORE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func validDefaults() *Config {
	return &Config{
		Store: StoreConfig{Driver: "sqlite", DatabaseURL: "signal-engine.db"},
		Server: ServerConfig{
			Port: 8080,
		},
		Scheduler: SchedulerConfig{ConcurrencyLimit: 6, PerCallTimeoutSec: 10},
		Correlator: CorrelatorConfig{
			SimilarityThreshold: 0.5,
			TieEpsilon:          0.05,
			SingleSourceCeiling: 0.4,
		},
	}
}

func TestValidateRun(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateMissingDatabaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Scheduler.ConcurrencyLimit = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency_limit must be between 1 and 64")

	cfg.Scheduler.ConcurrencyLimit = 65
	err = cfg.Validate("run")
	assert.Error(t, err)

	cfg.Scheduler.ConcurrencyLimit = 64
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateTieEpsilon(t *testing.T) {
	cfg := validDefaults()
	cfg.Correlator.TieEpsilon = 0.6
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tie_epsilon")
}

func TestValidateReliabilityWeights(t *testing.T) {
	cfg := validDefaults()
	cfg.Correlator.Reliability = map[string]float64{"rss": 1.2}
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reliability.rss")
}

func TestValidateServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("export")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
