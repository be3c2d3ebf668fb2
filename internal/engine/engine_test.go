package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/adapter"
	"github.com/sells-group/signal-engine/internal/bus"
	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
	"github.com/sells-group/signal-engine/internal/scheduler"
	"github.com/sells-group/signal-engine/internal/store"
	"github.com/sells-group/signal-engine/internal/variety"
)

type stubAdapter struct {
	id      string
	tier    adapter.Tier
	signals []model.RawSignal
	err     error
	delay   time.Duration
}

func (s *stubAdapter) ID() string         { return s.id }
func (s *stubAdapter) Tier() adapter.Tier { return s.tier }

func (s *stubAdapter) Fetch(ctx context.Context, _ model.Query) ([]model.RawSignal, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.signals, nil
}

func signalsFor(sourceID string, texts ...string) []model.RawSignal {
	now := time.Now().UTC()
	out := make([]model.RawSignal, len(texts))
	for i, text := range texts {
		out[i] = model.RawSignal{
			ID:        model.SignalID(sourceID, text),
			SourceID:  sourceID,
			FetchedAt: now,
			Title:     text,
			Text:      text,
			DimensionTags: model.DimensionTags{
				"medium": sourceID,
			},
		}
	}
	return out
}

func newTestEngine(t *testing.T, adapters ...adapter.SourceAdapter) *Engine {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	registry := adapter.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}

	c := cache.New(cache.Config{}, nil)
	breakers := resilience.NewAdapterBreakers(resilience.CircuitBreakerConfig{})
	b := bus.New()
	sched := scheduler.New(scheduler.Config{
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}, registry, c, breakers, b)

	return New(Options{
		Store:     st,
		Cache:     c,
		Registry:  registry,
		Scheduler: sched,
		Bus:       b,
		Variety:   variety.Config{},
	})
}

func TestExecutePartialFailureCompletes(t *testing.T) {
	healthy := &stubAdapter{
		id: "rss", tier: adapter.TierCritical,
		signals: signalsFor("rss",
			"chip shortage hits automakers across europe this quarter",
			"completely unrelated story about gardening tips"),
	}
	broken := &stubAdapter{
		id: "newsapi", tier: adapter.TierEnrichment,
		err: adapter.NewError(adapter.KindParse, "newsapi", eris.New("schema drift")),
	}

	e := newTestEngine(t, healthy, broken)
	run, err := e.Execute(context.Background(), model.RunConfig{
		Query: model.Query{Text: "chip shortage"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 2, run.Result.SignalsTotal)
	require.Len(t, run.Result.Outcomes, 2)

	byID := map[string]model.AdapterOutcome{}
	for _, o := range run.Result.Outcomes {
		byID[o.AdapterID] = o
	}
	assert.Equal(t, model.StalenessFresh, byID["rss"].Staleness)
	assert.Equal(t, model.StalenessUnavailable, byID["newsapi"].Staleness)
	assert.Contains(t, byID["newsapi"].Error, "parse")

	assert.Equal(t, 2, run.Result.ClustersTotal)
	assert.NotEmpty(t, run.Result.Emitted)

	// Terminal state is persisted.
	stored, err := e.Store().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, stored.Status)
	require.NotNil(t, stored.Result)
}

func TestExecuteAllAdaptersFail(t *testing.T) {
	a := &stubAdapter{
		id: "rss", tier: adapter.TierCritical,
		err: adapter.NewError(adapter.KindParse, "rss", eris.New("boom")),
	}
	b := &stubAdapter{
		id: "newsapi", tier: adapter.TierEnrichment,
		err: adapter.NewError(adapter.KindParse, "newsapi", eris.New("boom")),
	}

	e := newTestEngine(t, a, b)
	run, err := e.Execute(context.Background(), model.RunConfig{
		Query: model.Query{Text: "anything"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Result)
	assert.Zero(t, run.Result.SignalsTotal)
	for _, o := range run.Result.Outcomes {
		assert.False(t, o.Usable())
	}
}

func TestExecuteUnknownAdapterFailsRun(t *testing.T) {
	e := newTestEngine(t, &stubAdapter{id: "rss", tier: adapter.TierCritical})

	run, err := e.Execute(context.Background(), model.RunConfig{
		Query:    model.Query{Text: "q"},
		Adapters: []string{"rss", "no-such-adapter"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrUnregistered)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestExecuteCorrelatesAcrossAdapters(t *testing.T) {
	text := "major cloud provider reports widespread outage in us-east region"
	a := &stubAdapter{id: "rss", tier: adapter.TierCritical, signals: signalsFor("rss", text)}
	b := &stubAdapter{id: "hackernews", tier: adapter.TierOptional, signals: signalsFor("hackernews", text)}

	e := newTestEngine(t, a, b)
	run, err := e.Execute(context.Background(), model.RunConfig{
		Query: model.Query{Text: "outage"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 2, run.Result.SignalsTotal)
	// Identical content from two adapters triangulates into one cluster.
	assert.Equal(t, 1, run.Result.ClustersTotal)
	require.NotEmpty(t, run.Result.Emitted)
	assert.Equal(t, 2, run.Result.Emitted[0].Cluster.SourceCount)

	// The full version chain is persisted, superseded versions included.
	versions, err := e.Store().ListClusterVersions(context.Background(), run.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(versions), 2)
	assert.True(t, versions[0].Superseded)
	assert.False(t, versions[len(versions)-1].Superseded)
}

func TestExecuteGlobalTimeout(t *testing.T) {
	slow := &stubAdapter{
		id: "rss", tier: adapter.TierCritical,
		delay:   time.Second,
		signals: signalsFor("rss", "never arrives"),
	}

	e := newTestEngine(t, slow)
	run, err := e.Execute(context.Background(), model.RunConfig{
		Query:         model.Query{Text: "q"},
		GlobalTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.TimedOut)
}

func TestExecuteMaxEmissions(t *testing.T) {
	a := &stubAdapter{
		id: "rss", tier: adapter.TierCritical,
		signals: signalsFor("rss",
			"first distinct insight about database performance tuning",
			"second distinct insight about kubernetes cluster upgrades",
			"third distinct insight about typescript compiler internals",
		),
	}

	e := newTestEngine(t, a)
	run, err := e.Execute(context.Background(), model.RunConfig{
		Query:        model.Query{Text: "q"},
		MaxEmissions: 2,
	})
	require.NoError(t, err)

	require.NotNil(t, run.Result)
	assert.Equal(t, 3, run.Result.ClustersTotal)
	assert.Len(t, run.Result.Emitted, 2)
	assert.Equal(t, 1, run.Result.Emitted[0].Rank)
	assert.Equal(t, 2, run.Result.Emitted[1].Rank)
}

func TestStartPublishesTerminalEvent(t *testing.T) {
	a := &stubAdapter{
		id: "rss", tier: adapter.TierCritical,
		delay:   50 * time.Millisecond,
		signals: signalsFor("rss", "some insight worth clustering"),
	}

	e := newTestEngine(t, a)
	run, err := e.Start(context.Background(), model.RunConfig{
		Query: model.Query{Text: "q"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, run.Status)

	sub := e.Bus().Subscribe(run.ID)
	defer sub.Cancel()

	var terminal model.Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub.C():
				if ev.Type == model.EventRunComplete || ev.Type == model.EventRunFailed {
					terminal = ev
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.EventRunComplete, terminal.Type)
	require.NotNil(t, terminal.Result)
	assert.Equal(t, 1, terminal.Result.SignalsTotal)
}
