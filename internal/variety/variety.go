// Package variety re-ranks correlated clusters before emission so the
// output respects a target distribution across configured dimensions
// instead of clumping on whichever topic had the most chatter.
package variety

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// Quota bounds one dimension's share of the emitted set.
type Quota struct {
	// MaxFraction caps how much of the output may share one value of the
	// dimension, e.g. 0.4 = no more than 40% from a single category.
	MaxFraction float64 `yaml:"max_fraction"`
	// MinFloor guarantees each present value at least this many slots,
	// when candidates exist for it.
	MinFloor int `yaml:"min_floor,omitempty"`
}

// Config holds per-dimension quotas.
type Config struct {
	// Quotas maps dimension key (e.g. "category") to its quota.
	Quotas map[string]Quota `yaml:"quotas"`
	// DefaultTotal is the emission count when the run requests none.
	DefaultTotal int `yaml:"default_total"`
}

func (c Config) withDefaults() Config {
	if c.DefaultTotal <= 0 {
		c.DefaultTotal = 10
	}
	return c
}

// Merge overlays run-level quota fractions onto the configured quotas.
func (c Config) Merge(runQuotas map[string]float64) Config {
	if len(runQuotas) == 0 {
		return c
	}
	out := Config{Quotas: make(map[string]Quota, len(c.Quotas)+len(runQuotas)), DefaultTotal: c.DefaultTotal}
	for k, q := range c.Quotas {
		out.Quotas[k] = q
	}
	for dim, frac := range runQuotas {
		q := out.Quotas[dim]
		q.MaxFraction = frac
		out.Quotas[dim] = q
	}
	return out
}

// Enforcer selects which cluster versions to emit for one run. It remembers
// what it has emitted, so no cluster version is ever emitted twice within
// the run.
type Enforcer struct {
	cfg Config

	mu      sync.Mutex
	emitted map[string]struct{} // cluster version keys already emitted
}

// New creates an enforcer for one run.
func New(cfg Config) *Enforcer {
	return &Enforcer{
		cfg:     cfg.withDefaults(),
		emitted: make(map[string]struct{}),
	}
}

// Select picks up to total clusters honoring quotas:
//
//  1. floors first — every present value of a floored dimension gets its
//     minimum share from its highest-confidence candidates
//  2. greedy fill by confidence, skipping candidates that would push a
//     dimension value past ceil(MaxFraction·total)
//  3. backfill — if quota-respecting candidates run out before total is
//     met, remaining slots are filled by confidence regardless of bucket
//
// Already-emitted cluster versions and superseded versions are excluded.
// Records are ranked in selection (confidence-then-diversity) order.
func (e *Enforcer) Select(clusters []model.InsightCluster, total int, now time.Time) []model.EmissionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	if total <= 0 {
		total = e.cfg.DefaultTotal
	}

	candidates := make([]model.InsightCluster, 0, len(clusters))
	for _, cl := range clusters {
		if cl.Superseded {
			continue
		}
		if _, done := e.emitted[cl.VersionKey()]; done {
			continue
		}
		candidates = append(candidates, cl)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > 0 && total > len(candidates) {
		total = len(candidates)
	}

	caps := e.bucketCaps(total)
	counts := make(map[string]map[string]int) // dimension → value → selected

	selected := make([]model.InsightCluster, 0, total)
	taken := make(map[string]struct{}, total)

	take := func(cl model.InsightCluster) {
		selected = append(selected, cl)
		taken[cl.VersionKey()] = struct{}{}
		for dim := range e.cfg.Quotas {
			if v, ok := cl.DimensionTags[dim]; ok {
				if counts[dim] == nil {
					counts[dim] = make(map[string]int)
				}
				counts[dim][v]++
			}
		}
	}

	// Pass 1: representation floors.
	for dim, quota := range e.cfg.Quotas {
		if quota.MinFloor <= 0 {
			continue
		}
		need := make(map[string]int)
		for _, cl := range candidates {
			if v, ok := cl.DimensionTags[dim]; ok {
				if _, seen := need[v]; !seen {
					need[v] = quota.MinFloor
				}
			}
		}
		for _, cl := range candidates {
			if len(selected) >= total {
				break
			}
			if _, already := taken[cl.VersionKey()]; already {
				continue
			}
			v, ok := cl.DimensionTags[dim]
			if !ok || need[v] <= 0 {
				continue
			}
			need[v]--
			take(cl)
		}
	}

	// Pass 2: greedy by confidence within quota caps.
	var skipped []model.InsightCluster
	for _, cl := range candidates {
		if len(selected) >= total {
			break
		}
		if _, already := taken[cl.VersionKey()]; already {
			continue
		}
		if e.exceedsCap(cl, caps, counts) {
			skipped = append(skipped, cl)
			continue
		}
		take(cl)
	}

	// Pass 3: backfill so the total is still met.
	for _, cl := range skipped {
		if len(selected) >= total {
			break
		}
		take(cl)
	}

	records := make([]model.EmissionRecord, len(selected))
	for i, cl := range selected {
		e.emitted[cl.VersionKey()] = struct{}{}
		records[i] = model.EmissionRecord{
			Cluster:   cl,
			Rank:      i + 1,
			EmittedAt: now,
		}
	}
	return records
}

func (e *Enforcer) bucketCaps(total int) map[string]int {
	caps := make(map[string]int, len(e.cfg.Quotas))
	for dim, quota := range e.cfg.Quotas {
		if quota.MaxFraction <= 0 || quota.MaxFraction >= 1 {
			continue
		}
		caps[dim] = int(math.Ceil(quota.MaxFraction * float64(total)))
	}
	return caps
}

func (e *Enforcer) exceedsCap(cl model.InsightCluster, caps map[string]int, counts map[string]map[string]int) bool {
	for dim, limit := range caps {
		v, ok := cl.DimensionTags[dim]
		if !ok {
			continue
		}
		if counts[dim][v]+1 > limit {
			return true
		}
	}
	return false
}
