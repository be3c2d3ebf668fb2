// Package adapter defines the source adapter contract and the typed registry
// the scheduler draws from.
package adapter

import (
	"context"

	"github.com/sells-group/signal-engine/internal/model"
)

// Tier expresses scheduling priority. Tiers order wave launches; they are
// not completion barriers.
type Tier int

const (
	TierCritical Tier = iota
	TierEnrichment
	TierOptional
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierEnrichment:
		return "enrichment"
	case TierOptional:
		return "optional"
	default:
		return "unknown"
	}
}

// ParseTier maps a config string to a Tier. Unknown values fall back to
// optional so a typo never promotes an adapter.
func ParseTier(s string) Tier {
	switch s {
	case "critical":
		return TierCritical
	case "enrichment":
		return TierEnrichment
	default:
		return TierOptional
	}
}

// SourceAdapter wraps one external API. Implementations must be idempotent
// for identical queries within provider freshness semantics, and must
// classify errors (see Error) so the scheduler can apply the right retry
// policy. Fetch must honor ctx cancellation and deadlines.
type SourceAdapter interface {
	ID() string
	Tier() Tier
	Fetch(ctx context.Context, query model.Query) ([]model.RawSignal, error)
}

// ReliabilityWeighter is optionally implemented by adapters whose historical
// precision differs from the default; the correlator folds the weight into
// cluster confidence.
type ReliabilityWeighter interface {
	ReliabilityWeight() float64
}
