package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/bus"
	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/correlator"
	"github.com/sells-group/signal-engine/internal/engine"
	"github.com/sells-group/signal-engine/internal/monitoring"
	"github.com/sells-group/signal-engine/internal/resilience"
	"github.com/sells-group/signal-engine/internal/scheduler"
	"github.com/sells-group/signal-engine/internal/source"
	"github.com/sells-group/signal-engine/internal/store"
	"github.com/sells-group/signal-engine/internal/variety"
	"github.com/sells-group/signal-engine/pkg/embed"
	"github.com/sells-group/signal-engine/pkg/hackernews"
	"github.com/sells-group/signal-engine/pkg/newsapi"
)

// engineEnv holds the initialized store, bus, and engine needed by the
// run/serve commands.
type engineEnv struct {
	Store     store.Store
	Cache     *cache.Cache
	Registry  *adapter.Registry
	Breakers  *resilience.AdapterBreakers
	Bus       *bus.Bus
	Engine    *engine.Engine
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Bus != nil {
		e.Bus.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "signal-engine.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEngine sets up the store, source adapters, cache, scheduler, and
// engine. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	registry := adapter.NewRegistry()

	if len(cfg.Sources.RSS.Feeds) > 0 {
		rssOpts := []source.RSSOption{}
		if cfg.Sources.RSS.Tier != "" {
			rssOpts = append(rssOpts, source.WithRSSTier(adapter.ParseTier(cfg.Sources.RSS.Tier)))
		}
		if err := registry.Register(source.NewRSS(cfg.Sources.RSS.Feeds, rssOpts...)); err != nil {
			_ = st.Close()
			return nil, err
		}
		zap.L().Info("rss adapter enabled", zap.Int("feeds", len(cfg.Sources.RSS.Feeds)))
	}

	if cfg.Sources.NewsAPI.Key != "" {
		newsClient := newsapi.NewClient(cfg.Sources.NewsAPI.Key,
			newsapi.WithBaseURL(cfg.Sources.NewsAPI.BaseURL))
		newsOpts := []source.NewsOption{}
		if cfg.Sources.NewsAPI.PageSize > 0 {
			newsOpts = append(newsOpts, source.WithNewsPageSize(cfg.Sources.NewsAPI.PageSize))
		}
		if cfg.Sources.NewsAPI.Tier != "" {
			newsOpts = append(newsOpts, source.WithNewsTier(adapter.ParseTier(cfg.Sources.NewsAPI.Tier)))
		}
		if err := registry.Register(source.NewNews(newsClient, newsOpts...)); err != nil {
			_ = st.Close()
			return nil, err
		}
		zap.L().Info("newsapi adapter enabled")
	} else {
		zap.L().Debug("SIGNAL_SOURCES_NEWSAPI_KEY not set, newsapi adapter disabled")
	}

	hnClient := hackernews.NewClient(hackernews.WithBaseURL(cfg.Sources.HackerNews.BaseURL))
	hnOpts := []source.HNOption{}
	if cfg.Sources.HackerNews.Hits > 0 {
		hnOpts = append(hnOpts, source.WithHNHits(cfg.Sources.HackerNews.Hits))
	}
	if cfg.Sources.HackerNews.Tier != "" {
		hnOpts = append(hnOpts, source.WithHNTier(adapter.ParseTier(cfg.Sources.HackerNews.Tier)))
	}
	if err := registry.Register(source.NewHackerNews(hnClient, hnOpts...)); err != nil {
		_ = st.Close()
		return nil, err
	}

	// Cache persists across restarts only when backed by the store.
	var persister cache.Persister
	if cfg.Cache.Persist {
		persister = st
	}
	c := cache.New(cache.Config{
		DefaultTTL:     time.Duration(cfg.Cache.DefaultTTLSecs) * time.Second,
		StaleRetention: time.Duration(cfg.Cache.StaleRetentionSecs) * time.Second,
		SweepInterval:  time.Duration(cfg.Cache.SweepIntervalSecs) * time.Second,
	}, persister)

	breakers := resilience.NewAdapterBreakers(resilience.CircuitBreakerConfig{})
	b := bus.New(bus.WithBuffer(cfg.Bus.Buffer))

	cacheTTLs := make(map[string]time.Duration, len(cfg.Scheduler.CacheTTLSecs))
	for id, secs := range cfg.Scheduler.CacheTTLSecs {
		cacheTTLs[id] = time.Duration(secs) * time.Second
	}
	sched := scheduler.New(scheduler.Config{
		ConcurrencyLimit: cfg.Scheduler.ConcurrencyLimit,
		PerCallTimeout:   time.Duration(cfg.Scheduler.PerCallTimeoutSec) * time.Second,
		Retry:            resilience.RetryConfig{MaxAttempts: cfg.Scheduler.MaxAttempts},
		CacheTTLs:        cacheTTLs,
		RateLimits:       cfg.Scheduler.RateLimits,
	}, registry, c, breakers, b)

	// Embedding signatures are optional; without a key the correlator falls
	// back to shingle signatures.
	var signer correlator.Signer
	if cfg.OpenAI.Key != "" {
		signer = embed.NewSigner(cfg.OpenAI.Key, embed.WithModel(cfg.OpenAI.EmbeddingModel))
		zap.L().Info("embedding signatures enabled", zap.String("model", cfg.OpenAI.EmbeddingModel))
	} else {
		zap.L().Debug("SIGNAL_OPENAI_KEY not set, using shingle signatures")
	}

	varietyCfg := variety.Config{DefaultTotal: cfg.Variety.DefaultTotal}
	if cfg.Variety.ConfigPath != "" {
		varietyCfg, err = variety.LoadConfig(cfg.Variety.ConfigPath)
		if err != nil {
			zap.L().Warn("variety config not loaded, using defaults", zap.Error(err))
			varietyCfg = variety.Config{DefaultTotal: cfg.Variety.DefaultTotal}
		}
	}

	eng := engine.New(engine.Options{
		Store:     st,
		Cache:     c,
		Registry:  registry,
		Scheduler: sched,
		Bus:       b,
		Correlator: correlator.Config{
			SimilarityThreshold: cfg.Correlator.SimilarityThreshold,
			TieEpsilon:          cfg.Correlator.TieEpsilon,
			ReevalInterval:      time.Duration(cfg.Correlator.ReevalIntervalSecs) * time.Second,
			Confidence: correlator.ConfidenceConfig{
				BaseWeight:          cfg.Correlator.BaseWeight,
				SingleSourceCeiling: cfg.Correlator.SingleSourceCeiling,
				RecencyHalfLife:     time.Duration(cfg.Correlator.RecencyHalfLifeHrs * float64(time.Hour)),
				Reliability:         cfg.Correlator.Reliability,
			},
		},
		Signer:        signer,
		Variety:       varietyCfg,
		GlobalTimeout: time.Duration(cfg.Scheduler.GlobalTimeoutSecs) * time.Second,
	})

	return &engineEnv{
		Store:     st,
		Cache:     c,
		Registry:  registry,
		Breakers:  breakers,
		Bus:       b,
		Engine:    eng,
		Collector: monitoring.NewCollector(st, c, breakers, b),
	}, nil
}
