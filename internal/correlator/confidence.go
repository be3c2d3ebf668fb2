package correlator

import (
	"math"
	"time"

	"github.com/sells-group/signal-engine/internal/model"
)

// ConfidenceConfig parameterizes the triangulation confidence formula.
type ConfidenceConfig struct {
	// BaseWeight is the probability mass one fully reliable, fully recent
	// source contributes. Default: 0.45.
	BaseWeight float64

	// SingleSourceCeiling caps clusters backed by one distinct source. The
	// engine must never report single-source speculation as high confidence.
	// Default: 0.4.
	SingleSourceCeiling float64

	// RecencyHalfLife is the age at which a signal's contribution halves.
	// Default: 72h.
	RecencyHalfLife time.Duration

	// RecencyFloor bounds how far recency decay can erode a contribution,
	// so old corroboration still counts. Default: 0.5.
	RecencyFloor float64

	// Reliability maps adapter id to a weight in (0,1]. Missing adapters
	// default to 1.
	Reliability map[string]float64
}

func (c ConfidenceConfig) withDefaults() ConfidenceConfig {
	if c.BaseWeight <= 0 || c.BaseWeight > 1 {
		c.BaseWeight = 0.45
	}
	if c.SingleSourceCeiling <= 0 || c.SingleSourceCeiling > 1 {
		c.SingleSourceCeiling = 0.4
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 72 * time.Hour
	}
	if c.RecencyFloor <= 0 || c.RecencyFloor > 1 {
		c.RecencyFloor = 0.5
	}
	return c
}

// Confidence scores a cluster from its members:
//
//	confidence = 1 − Π over distinct sources (1 − BaseWeight·reliability·recency)
//
// Each distinct source multiplies in one factor, so adding a genuinely new
// source can only raise or hold the score — monotonicity by construction.
// Within a source only its best contribution counts: duplicate or repeated
// signals from one adapter never masquerade as triangulation. Single-source
// clusters are capped at SingleSourceCeiling.
func Confidence(cfg ConfidenceConfig, members []model.RawSignal, now time.Time) float64 {
	cfg = cfg.withDefaults()
	if len(members) == 0 {
		return 0
	}

	// Best contribution per distinct source.
	bestPerSource := make(map[string]float64)
	for _, m := range members {
		contrib := cfg.BaseWeight * reliability(cfg, m.SourceID) * recency(cfg, m, now)
		if contrib > bestPerSource[m.SourceID] {
			bestPerSource[m.SourceID] = contrib
		}
	}

	miss := 1.0
	for _, contrib := range bestPerSource {
		miss *= 1 - contrib
	}
	score := 1 - miss

	if len(bestPerSource) == 1 && score > cfg.SingleSourceCeiling {
		score = cfg.SingleSourceCeiling
	}
	return score
}

func reliability(cfg ConfidenceConfig, sourceID string) float64 {
	if w, ok := cfg.Reliability[sourceID]; ok && w > 0 && w <= 1 {
		return w
	}
	return 1
}

// recency decays a member's contribution by age. PublishedAt is preferred
// when the provider supplied it; FetchedAt otherwise.
func recency(cfg ConfidenceConfig, m model.RawSignal, now time.Time) float64 {
	ts := m.FetchedAt
	if m.PublishedAt != nil && !m.PublishedAt.IsZero() {
		ts = *m.PublishedAt
	}
	if ts.IsZero() {
		return 1
	}
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	decayed := math.Pow(2, -age.Hours()/cfg.RecencyHalfLife.Hours())
	if decayed < cfg.RecencyFloor {
		return cfg.RecencyFloor
	}
	return decayed
}
