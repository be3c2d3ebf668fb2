package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/cache"
	"github.com/sells-group/signal-engine/internal/model"
	"github.com/sells-group/signal-engine/internal/resilience"
	"github.com/sells-group/signal-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsComplete  int     `json:"runs_complete"`
	RunsFailed    int     `json:"runs_failed"`
	RunsActive    int     `json:"runs_active"`
	RunFailRate   float64 `json:"run_fail_rate"`
	SignalsTotal  int     `json:"signals_total"`
	ClustersTotal int     `json:"clusters_total"`
	EventsDropped int64   `json:"events_dropped"`

	// Cache metrics (process lifetime).
	Cache cache.Stats `json:"cache"`

	// Circuit breaker states per adapter.
	Breakers map[string]string `json:"breakers"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource exposes cache counters.
type StatsSource interface {
	Stats() cache.Stats
}

// BreakerSource exposes per-adapter circuit states.
type BreakerSource interface {
	States() map[string]resilience.CircuitState
}

// DropSource exposes the bus's dropped-event counter.
type DropSource interface {
	Dropped() int64
}

// Collector gathers metrics from the store, cache, breakers, and bus.
type Collector struct {
	store    store.Store
	cache    StatsSource
	breakers BreakerSource
	bus      DropSource
}

// NewCollector creates a metrics collector. Any source may be nil; its
// section of the snapshot is simply left zeroed.
func NewCollector(st store.Store, cacheSrc StatsSource, breakers BreakerSource, bus DropSource) *Collector {
	return &Collector{store: st, cache: cacheSrc, breakers: breakers, bus: bus}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
		Breakers:      map[string]string{},
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsActive++
		}
		if r.Result != nil {
			snap.SignalsTotal += r.Result.SignalsTotal
			snap.ClustersTotal += r.Result.ClustersTotal
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.cache != nil {
		snap.Cache = c.cache.Stats()
	}
	if c.breakers != nil {
		for id, state := range c.breakers.States() {
			snap.Breakers[id] = state.String()
		}
	}
	if c.bus != nil {
		snap.EventsDropped = c.bus.Dropped()
	}

	return snap, nil
}
