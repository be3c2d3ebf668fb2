package model

import (
	"strconv"
	"time"
)

// InsightCluster groups signals judged to describe the same underlying
// phenomenon. Cluster versions are immutable: merging a new signal produces
// a new version with a bumped Version and the old one is superseded, never
// mutated, so the full history stays auditable.
type InsightCluster struct {
	ID              string        `json:"id"`
	Version         int           `json:"version"`
	Members         []RawSignal   `json:"members"`
	CentroidSummary string        `json:"centroid_summary"`
	SourceCount     int           `json:"source_count"`
	Confidence      float64       `json:"confidence"`
	DimensionTags   DimensionTags `json:"dimension_tags,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Superseded      bool          `json:"superseded,omitempty"`
}

// VersionKey identifies one immutable cluster version.
func (c *InsightCluster) VersionKey() string {
	return c.ID + "#" + strconv.Itoa(c.Version)
}

// MemberIDs returns the ids of all member signals.
func (c *InsightCluster) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ID
	}
	return ids
}

// DistinctSources counts distinct source ids among members.
func DistinctSources(members []RawSignal) int {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		seen[m.SourceID] = struct{}{}
	}
	return len(seen)
}

// EmissionRecord is what the variety enforcer hands to consumers.
type EmissionRecord struct {
	Cluster   InsightCluster `json:"cluster"`
	Rank      int            `json:"rank"`
	EmittedAt time.Time      `json:"emitted_at"`
}
