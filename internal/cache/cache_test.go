package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/signal-engine/internal/model"
)

func batch(texts ...string) []model.RawSignal {
	out := make([]model.RawSignal, len(texts))
	for i, text := range texts {
		out[i] = model.RawSignal{
			ID:       model.SignalID("rss", text),
			SourceID: "rss",
			Title:    text,
			Text:     text,
		}
	}
	return out
}

func TestKeyDeterministic(t *testing.T) {
	q := model.Query{Text: "chip shortage", Filters: map[string]string{"lang": "en", "region": "eu"}}
	same := model.Query{Text: "chip shortage", Filters: map[string]string{"region": "eu", "lang": "en"}}

	assert.Equal(t, Key("rss", q), Key("rss", same))
	assert.NotEqual(t, Key("rss", q), Key("newsapi", q))
	assert.NotEqual(t, Key("rss", q), Key("rss", model.Query{Text: "other"}))
}

func TestGetFreshStaleAndExpired(t *testing.T) {
	now := time.Now()
	c := New(Config{DefaultTTL: time.Hour, StaleRetention: 2 * time.Hour}, nil)
	c.nowFunc = func() time.Time { return now }

	c.Put(context.Background(), "k", batch("a"), 0)

	got, fresh, ok := c.Get("k")
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Len(t, got, 1)

	// Past TTL the entry serves stale.
	now = now.Add(90 * time.Minute)
	got, fresh, ok = c.Get("k")
	require.True(t, ok)
	assert.False(t, fresh)
	assert.Len(t, got, 1)

	// Past TTL plus retention it is gone even before the sweeper runs.
	now = now.Add(2 * time.Hour)
	_, _, ok = c.Get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.StaleHits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestFetchMissCallsThrough(t *testing.T) {
	c := New(Config{}, nil)

	calls := 0
	signals, staleness, err := c.Fetch(context.Background(), "k", time.Hour, func(context.Context) ([]model.RawSignal, error) {
		calls++
		return batch("a", "b"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StalenessFresh, staleness)
	assert.Len(t, signals, 2)
	assert.Equal(t, 1, calls)

	// Second fetch is a pure cache hit.
	_, staleness, err = c.Fetch(context.Background(), "k", time.Hour, func(context.Context) ([]model.RawSignal, error) {
		calls++
		return nil, eris.New("should not be called")
	})
	require.NoError(t, err)
	assert.Equal(t, model.StalenessFresh, staleness)
	assert.Equal(t, 1, calls)
}

func TestFetchErrorIsUnavailable(t *testing.T) {
	c := New(Config{}, nil)

	_, staleness, err := c.Fetch(context.Background(), "k", time.Hour, func(context.Context) ([]model.RawSignal, error) {
		return nil, eris.New("provider down")
	})
	require.Error(t, err)
	assert.Equal(t, model.StalenessUnavailable, staleness)
}

func TestFetchSingleFlight(t *testing.T) {
	c := New(Config{}, nil)

	var calls atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signals, _, err := c.Fetch(context.Background(), "k", time.Hour, func(context.Context) ([]model.RawSignal, error) {
				calls.Add(1)
				<-release
				return batch("shared"), nil
			})
			assert.NoError(t, err)
			assert.Len(t, signals, 1)
		}()
	}

	// Let the goroutines pile onto the flight before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), c.Stats().NetCalls)
}

func TestFetchServesStaleAndRefreshes(t *testing.T) {
	now := time.Now()
	c := New(Config{DefaultTTL: time.Hour, StaleRetention: 6 * time.Hour}, nil)
	c.nowFunc = func() time.Time { return now }

	c.Put(context.Background(), "k", batch("old"), time.Hour)
	now = now.Add(2 * time.Hour)

	refreshed := make(chan struct{})
	signals, staleness, err := c.Fetch(context.Background(), "k", time.Hour, func(context.Context) ([]model.RawSignal, error) {
		defer close(refreshed)
		return batch("new"), nil
	})
	require.NoError(t, err)

	// The stale batch is returned immediately, flagged stale.
	assert.Equal(t, model.StalenessStale, staleness)
	require.Len(t, signals, 1)
	assert.Equal(t, "old", signals[0].Title)

	// The background refresh replaces the entry.
	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never ran")
	}
	assert.Eventually(t, func() bool {
		got, fresh, ok := c.Get("k")
		return ok && fresh && len(got) == 1 && got[0].Title == "new"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidate(t *testing.T) {
	c := New(Config{}, nil)
	c.Put(context.Background(), "k", batch("a"), time.Hour)
	c.Invalidate("k")

	_, _, ok := c.Get("k")
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	now := time.Now()
	c := New(Config{DefaultTTL: time.Hour, StaleRetention: time.Hour}, nil)
	c.nowFunc = func() time.Time { return now }

	c.Put(context.Background(), "dead", batch("a"), time.Hour)
	now = now.Add(3 * time.Hour)
	c.Put(context.Background(), "live", batch("b"), time.Hour)

	assert.Equal(t, 1, c.Sweep())

	_, _, ok := c.Get("dead")
	assert.False(t, ok)
	_, _, ok = c.Get("live")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

type memPersister struct {
	mu   sync.Mutex
	rows map[string][]model.RawSignal
}

func (p *memPersister) GetCachedSignals(_ context.Context, key string) ([]model.RawSignal, time.Time, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[key], time.Now(), time.Hour, nil
}

func (p *memPersister) SetCachedSignals(_ context.Context, key string, signals []model.RawSignal, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rows == nil {
		p.rows = make(map[string][]model.RawSignal)
	}
	p.rows[key] = signals
	return nil
}

func TestPersistAndWarm(t *testing.T) {
	p := &memPersister{}

	warm := New(Config{}, p)
	warm.Put(context.Background(), "k", batch("persisted"), time.Hour)

	// A fresh cache sharing the persister can warm the entry back in.
	cold := New(Config{}, p)
	_, _, ok := cold.Get("k")
	require.False(t, ok)

	cold.Warm(context.Background(), "k")
	got, fresh, ok := cold.Get("k")
	require.True(t, ok)
	assert.True(t, fresh)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Title)
}
