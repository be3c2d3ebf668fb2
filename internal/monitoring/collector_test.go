package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
	"github.com/sells-group/signal-engine/internal/store"
)

func seedRuns(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	complete, err := st.CreateRun(ctx, model.RunConfig{Query: model.Query{Text: "q"}})
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, complete.ID, model.RunStatusComplete, &model.RunResult{
		SignalsTotal: 10, ClustersTotal: 3,
	}))

	failed, err := st.CreateRun(ctx, model.RunConfig{Query: model.Query{Text: "q"}})
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, failed.ID, model.RunStatusFailed, &model.RunResult{}))

	active, err := st.CreateRun(ctx, model.RunConfig{Query: model.Query{Text: "q"}})
	require.NoError(t, err)
	require.NoError(t, st.UpdateRunStatus(ctx, active.ID, model.RunStatusStreaming))
}

type fakeDrops struct{ n int64 }

func (f fakeDrops) Dropped() int64 { return f.n }

func TestCollect(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	seedRuns(t, st)

	c := cache.New(cache.Config{}, nil)
	breakers := resilience.NewAdapterBreakers(resilience.CircuitBreakerConfig{})
	breakers.Get("rss")

	collector := NewCollector(st, c, breakers, fakeDrops{n: 7})
	snap, err := collector.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsActive)
	assert.InDelta(t, 0.5, snap.RunFailRate, 0.001)
	assert.Equal(t, 10, snap.SignalsTotal)
	assert.Equal(t, 3, snap.ClustersTotal)
	assert.Equal(t, int64(7), snap.EventsDropped)
	assert.Equal(t, "closed", snap.Breakers["rss"])
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollectNilSources(t *testing.T) {
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	collector := NewCollector(st, nil, nil, nil)
	snap, err := collector.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Empty(t, snap.Breakers)
}
