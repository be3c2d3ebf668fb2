package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Correlator CorrelatorConfig `yaml:"correlator" mapstructure:"correlator"`
	Variety    VarietyConfig    `yaml:"variety" mapstructure:"variety"`
	Bus        BusConfig        `yaml:"bus" mapstructure:"bus"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP streaming server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CacheConfig configures the signal cache.
type CacheConfig struct {
	DefaultTTLSecs     int  `yaml:"default_ttl_secs" mapstructure:"default_ttl_secs"`
	StaleRetentionSecs int  `yaml:"stale_retention_secs" mapstructure:"stale_retention_secs"`
	SweepIntervalSecs  int  `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	Persist            bool `yaml:"persist" mapstructure:"persist"`
}

// SchedulerConfig configures the fetch wave scheduler.
type SchedulerConfig struct {
	ConcurrencyLimit  int                `yaml:"concurrency_limit" mapstructure:"concurrency_limit"`
	PerCallTimeoutSec int                `yaml:"per_call_timeout_secs" mapstructure:"per_call_timeout_secs"`
	GlobalTimeoutSecs int                `yaml:"global_timeout_secs" mapstructure:"global_timeout_secs"`
	MaxAttempts       int                `yaml:"max_attempts" mapstructure:"max_attempts"`
	CacheTTLSecs      map[string]int     `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	RateLimits        map[string]float64 `yaml:"rate_limits" mapstructure:"rate_limits"`
}

// CorrelatorConfig configures clustering and confidence scoring.
type CorrelatorConfig struct {
	SimilarityThreshold float64            `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	TieEpsilon          float64            `yaml:"tie_epsilon" mapstructure:"tie_epsilon"`
	ReevalIntervalSecs  int                `yaml:"reeval_interval_secs" mapstructure:"reeval_interval_secs"`
	BaseWeight          float64            `yaml:"base_weight" mapstructure:"base_weight"`
	SingleSourceCeiling float64            `yaml:"single_source_ceiling" mapstructure:"single_source_ceiling"`
	RecencyHalfLifeHrs  float64            `yaml:"recency_half_life_hours" mapstructure:"recency_half_life_hours"`
	Reliability         map[string]float64 `yaml:"reliability" mapstructure:"reliability"`
}

// VarietyConfig configures emission quotas.
type VarietyConfig struct {
	ConfigPath   string `yaml:"config_path" mapstructure:"config_path"`
	DefaultTotal int    `yaml:"default_total" mapstructure:"default_total"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	Buffer int `yaml:"buffer" mapstructure:"buffer"`
}

// SourcesConfig configures the built-in source adapters.
type SourcesConfig struct {
	RSS        RSSConfig        `yaml:"rss" mapstructure:"rss"`
	NewsAPI    NewsAPIConfig    `yaml:"newsapi" mapstructure:"newsapi"`
	HackerNews HackerNewsConfig `yaml:"hackernews" mapstructure:"hackernews"`
}

// RSSConfig holds feed URLs for the RSS adapter.
type RSSConfig struct {
	Feeds []string `yaml:"feeds" mapstructure:"feeds"`
	Tier  string   `yaml:"tier" mapstructure:"tier"`
}

// NewsAPIConfig holds NewsAPI credentials and settings.
type NewsAPIConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	PageSize int    `yaml:"page_size" mapstructure:"page_size"`
	Tier     string `yaml:"tier" mapstructure:"tier"`
}

// HackerNewsConfig holds Hacker News search settings.
type HackerNewsConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Hits    int    `yaml:"hits" mapstructure:"hits"`
	Tier    string `yaml:"tier" mapstructure:"tier"`
}

// OpenAIConfig holds OpenAI API settings for embedding signatures.
type OpenAIConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "signal-engine.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.default_ttl_secs", 3600)
	v.SetDefault("cache.stale_retention_secs", 21600)
	v.SetDefault("cache.sweep_interval_secs", 300)
	v.SetDefault("cache.persist", true)
	v.SetDefault("scheduler.concurrency_limit", 6)
	v.SetDefault("scheduler.per_call_timeout_secs", 10)
	v.SetDefault("scheduler.global_timeout_secs", 60)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("correlator.similarity_threshold", 0.5)
	v.SetDefault("correlator.tie_epsilon", 0.05)
	v.SetDefault("correlator.reeval_interval_secs", 2)
	v.SetDefault("correlator.base_weight", 0.45)
	v.SetDefault("correlator.single_source_ceiling", 0.4)
	v.SetDefault("correlator.recency_half_life_hours", 72)
	v.SetDefault("variety.default_total", 10)
	v.SetDefault("bus.buffer", 256)
	v.SetDefault("sources.rss.tier", "critical")
	v.SetDefault("sources.newsapi.base_url", "https://newsapi.org/v2")
	v.SetDefault("sources.newsapi.page_size", 50)
	v.SetDefault("sources.newsapi.tier", "enrichment")
	v.SetDefault("sources.hackernews.base_url", "https://hn.algolia.com/api/v1")
	v.SetDefault("sources.hackernews.hits", 30)
	v.SetDefault("sources.hackernews.tier", "optional")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode.
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "run", "serve":
		check(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres",
			"store.driver must be sqlite or postgres")
		check(c.Store.DatabaseURL != "", "store.database_url is required")
		check(c.Scheduler.ConcurrencyLimit >= 1 && c.Scheduler.ConcurrencyLimit <= 64,
			"scheduler.concurrency_limit must be between 1 and 64")
		check(c.Scheduler.PerCallTimeoutSec > 0, "scheduler.per_call_timeout_secs must be > 0")
		check(c.Correlator.SimilarityThreshold > 0 && c.Correlator.SimilarityThreshold <= 1,
			"correlator.similarity_threshold must be in (0, 1]")
		check(c.Correlator.TieEpsilon >= 0 && c.Correlator.TieEpsilon < c.Correlator.SimilarityThreshold,
			"correlator.tie_epsilon must be >= 0 and below the similarity threshold")
		check(c.Correlator.SingleSourceCeiling > 0 && c.Correlator.SingleSourceCeiling <= 1,
			"correlator.single_source_ceiling must be in (0, 1]")
		for id, w := range c.Correlator.Reliability {
			check(w >= 0 && w <= 1, "correlator.reliability."+id+" must be in [0, 1]")
		}
		if mode == "serve" {
			check(c.Server.Port > 0, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
