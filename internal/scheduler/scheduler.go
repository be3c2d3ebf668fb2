// Package scheduler runs bounded-concurrency fetch waves across registered
// adapters and streams each adapter's result to the event bus the moment it
// resolves. Partial results are useful results: one adapter failing never
// aborts the run.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/bus"
	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
)

const (
	// defaultConcurrency mirrors common per-origin connection limits: fail
	// fast rather than queue indefinitely.
	defaultConcurrency = 6
	defaultCallTimeout = 10 * time.Second
)

// Config controls wave scheduling.
type Config struct {
	// ConcurrencyLimit bounds in-flight fetches across all tiers. Default: 6.
	ConcurrencyLimit int

	// PerCallTimeout is the deadline for a single fetch attempt. Default: 10s.
	PerCallTimeout time.Duration

	// TierTimeouts overrides PerCallTimeout per tier.
	TierTimeouts map[adapter.Tier]time.Duration

	// Retry is the retry policy applied to every adapter fetch.
	Retry resilience.RetryConfig

	// TierRetry overrides Retry per tier.
	TierRetry map[adapter.Tier]resilience.RetryConfig

	// DefaultCacheTTL applies when an adapter has no per-adapter TTL. Some
	// sources change hourly, others daily.
	DefaultCacheTTL time.Duration

	// CacheTTLs maps adapter id to its cache TTL.
	CacheTTLs map[string]time.Duration

	// RateLimits maps adapter id to requests per second (burst = ceil).
	RateLimits map[string]float64
}

// WaveScheduler fans a query out across adapters in priority tiers.
type WaveScheduler struct {
	cfg      Config
	registry *adapter.Registry
	cache    *cache.Cache
	breakers *resilience.AdapterBreakers
	bus      *bus.Bus

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a wave scheduler. All collaborators are injected so concurrent
// runs for different tenants never share state unless they share these
// structures deliberately.
func New(cfg Config, registry *adapter.Registry, c *cache.Cache, breakers *resilience.AdapterBreakers, b *bus.Bus) *WaveScheduler {
	return &WaveScheduler{
		cfg:      cfg,
		registry: registry,
		cache:    c,
		breakers: breakers,
		bus:      b,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Breakers exposes the per-adapter breaker registry for observability.
func (s *WaveScheduler) Breakers() *resilience.AdapterBreakers { return s.breakers }

// Run executes one fetch wave sequence for the given run. Adapters are
// partitioned into tiers and launched tier by tier — launch ordering only,
// never a completion barrier. Each result (success, stale fallback, or
// unavailable) is published to topic runID the moment it resolves.
//
// Run returns a configuration error for unregistered adapter ids; individual
// adapter failures are contained in the outcomes.
func (s *WaveScheduler) Run(ctx context.Context, runID string, rc model.RunConfig) ([]model.AdapterOutcome, error) {
	adapters, err := s.registry.Select(rc.Adapters)
	if err != nil {
		return nil, err
	}

	limit := rc.ConcurrencyLimit
	if limit <= 0 {
		limit = s.cfg.ConcurrencyLimit
	}
	if limit <= 0 {
		limit = defaultConcurrency
	}

	log := zap.L().With(zap.String("run_id", runID))
	log.Info("scheduler: launching waves",
		zap.Int("adapters", len(adapters)),
		zap.Int("concurrency", limit),
	)

	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	outcomes := make([]model.AdapterOutcome, 0, len(adapters))

	// Launch tiers in priority order. The semaphore grants permits roughly
	// in request order, so critical adapters get capacity first without
	// blocking later tiers behind their completion.
	for _, tier := range adapter.ByTier(adapters) {
		for _, a := range tier {
			g.Go(func() error {
				outcome := s.fetchOne(gctx, sem, runID, a, rc)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
				return nil
			})
		}
	}

	_ = g.Wait()
	return outcomes, nil
}

// fetchOne resolves a single adapter: cache check, single-flight fetch with
// per-call timeout, retry with backoff, circuit breaking, and stale fallback.
// The result is published immediately regardless of how the rest of the wave
// is doing.
func (s *WaveScheduler) fetchOne(ctx context.Context, sem *semaphore.Weighted, runID string, a adapter.SourceAdapter, rc model.RunConfig) model.AdapterOutcome {
	start := time.Now()
	outcome := model.AdapterOutcome{AdapterID: a.ID()}

	if err := sem.Acquire(ctx, 1); err != nil {
		outcome.Staleness = model.StalenessUnavailable
		outcome.Error = "run cancelled before launch"
		outcome.DurationMS = time.Since(start).Milliseconds()
		s.publish(runID, a.ID(), nil, model.StalenessUnavailable)
		return outcome
	}
	defer sem.Release(1)

	key := cache.Key(a.ID(), rc.Query)
	s.cache.Warm(ctx, key)

	var attempts atomic.Int64
	retryCfg := s.retryFor(a.Tier())
	userOnRetry := retryCfg.OnRetry
	retryCfg.OnRetry = func(attempt int, err error) {
		if userOnRetry != nil {
			userOnRetry(attempt, err)
		}
		resilience.RetryLogger(a.ID(), "fetch")(attempt, err)
	}

	breaker := s.breakers.Get(a.ID())
	callTimeout := s.timeoutFor(a.Tier(), rc)

	fetchFn := func(fctx context.Context) ([]model.RawSignal, error) {
		return resilience.DoVal(fctx, retryCfg, func(rctx context.Context) ([]model.RawSignal, error) {
			return resilience.ExecuteVal(rctx, breaker, func(bctx context.Context) ([]model.RawSignal, error) {
				attempts.Add(1)
				if err := s.limiterFor(a.ID()).Wait(bctx); err != nil {
					return nil, err
				}
				cctx, cancel := context.WithTimeout(bctx, callTimeout)
				defer cancel()
				signals, err := a.Fetch(cctx, rc.Query)
				if err != nil {
					return nil, adapter.Classify(a.ID(), err)
				}
				return signals, nil
			})
		})
	}

	signals, staleness, err := s.cache.Fetch(ctx, key, s.ttlFor(a.ID()), fetchFn)
	outcome.Attempts = int(attempts.Load())

	if err != nil {
		// Degraded mode: an expired entry is still better than nothing.
		if stale, _, ok := s.cache.Get(key); ok {
			signals, staleness = stale, model.StalenessStale
		} else {
			signals, staleness = nil, model.StalenessUnavailable
		}
		outcome.Error = errString(err)
		zap.L().Warn("scheduler: adapter degraded",
			zap.String("run_id", runID),
			zap.String("adapter", a.ID()),
			zap.String("staleness", string(staleness)),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(err),
		)
	}

	outcome.Staleness = staleness
	outcome.Signals = len(signals)
	outcome.DurationMS = time.Since(start).Milliseconds()

	s.publish(runID, a.ID(), signals, staleness)
	return outcome
}

func (s *WaveScheduler) publish(runID, adapterID string, signals []model.RawSignal, staleness model.Staleness) {
	s.bus.Publish(runID, model.Event{
		Type:      model.EventSignalBatch,
		RunID:     runID,
		AdapterID: adapterID,
		Signals:   signals,
		Staleness: staleness,
		Timestamp: time.Now().UTC(),
	})
}

func (s *WaveScheduler) retryFor(t adapter.Tier) resilience.RetryConfig {
	if cfg, ok := s.cfg.TierRetry[t]; ok {
		return cfg
	}
	if s.cfg.Retry.MaxAttempts > 0 {
		return s.cfg.Retry
	}
	return resilience.DefaultRetryConfig()
}

func (s *WaveScheduler) timeoutFor(t adapter.Tier, rc model.RunConfig) time.Duration {
	if rc.PerCallTimeout > 0 {
		return rc.PerCallTimeout
	}
	if d, ok := s.cfg.TierTimeouts[t]; ok && d > 0 {
		return d
	}
	if s.cfg.PerCallTimeout > 0 {
		return s.cfg.PerCallTimeout
	}
	return defaultCallTimeout
}

func (s *WaveScheduler) ttlFor(adapterID string) time.Duration {
	if ttl, ok := s.cfg.CacheTTLs[adapterID]; ok && ttl > 0 {
		return ttl
	}
	return s.cfg.DefaultCacheTTL
}

func (s *WaveScheduler) limiterFor(adapterID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[adapterID]; ok {
		return l
	}
	rps := s.cfg.RateLimits[adapterID]
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	s.limiters[adapterID] = l
	return l
}

func errString(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return string(adapter.KindCircuitOpen)
	}
	return err.Error()
}
