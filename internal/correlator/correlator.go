// Package correlator turns the unordered signal stream into confidence
// scored insight clusters. All cluster state is owned by the single
// processing goroutine inside Run; the mutex only guards read snapshots, so
// cluster mutation is serialized without a lock held across any I/O.
package correlator

import (
	"context"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/bus"
	"github.com/sells-group/signal-engine/internal/model"
)

// Config controls clustering behavior.
type Config struct {
	// SimilarityThreshold is τ: the minimum centroid similarity for a merge.
	// Tunable per deployment; 0.5 is the validated default for shingle
	// signatures.
	SimilarityThreshold float64

	// TieEpsilon is ε: candidates whose similarity is within ε of the best
	// are tied, and the tie is broken toward the cluster with the most
	// distinct sources. Triangulated evidence beats recency.
	TieEpsilon float64

	// CentroidRecencyWeight is how strongly an incoming signal pulls the
	// centroid toward itself on merge. Default: 0.3.
	CentroidRecencyWeight float64

	// ReevalInterval is how often singleton and low-confidence clusters are
	// re-checked against the rest for late-arriving corroboration.
	// Default: 2s.
	ReevalInterval time.Duration

	// ReevalConfidenceCeiling bounds which clusters the sweep reconsiders.
	// Default: 0.5.
	ReevalConfidenceCeiling float64

	Confidence ConfidenceConfig
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.5
	}
	if c.TieEpsilon < 0 {
		c.TieEpsilon = 0
	} else if c.TieEpsilon == 0 {
		c.TieEpsilon = 0.05
	}
	if c.CentroidRecencyWeight <= 0 || c.CentroidRecencyWeight >= 1 {
		c.CentroidRecencyWeight = 0.3
	}
	if c.ReevalInterval <= 0 {
		c.ReevalInterval = 2 * time.Second
	}
	if c.ReevalConfidenceCeiling <= 0 {
		c.ReevalConfidenceCeiling = 0.5
	}
	return c
}

type clusterState struct {
	latest   model.InsightCluster
	centroid Signature
}

// Correlator consumes raw signals for one run and maintains cluster
// versions. Create one per run; it is not reused.
type Correlator struct {
	cfg    Config
	signer Signer
	bus    *bus.Bus
	runID  string

	mu       sync.RWMutex
	seen     map[string]struct{}      // signal ids already processed
	live     map[string]*clusterState // cluster id → latest version
	versions []model.InsightCluster   // every version ever created, oldest first
	memberOf map[string]string        // signal id → owning cluster id

	nowFunc func() time.Time
}

// New creates a correlator for one run. signer defaults to a 3-token
// ShingleSigner when nil.
func New(cfg Config, signer Signer, b *bus.Bus, runID string) *Correlator {
	if signer == nil {
		signer = ShingleSigner{}
	}
	return &Correlator{
		cfg:      cfg.withDefaults(),
		signer:   signer,
		bus:      b,
		runID:    runID,
		seen:     make(map[string]struct{}),
		live:     make(map[string]*clusterState),
		memberOf: make(map[string]string),
		nowFunc:  time.Now,
	}
}

// Run consumes signal batches from sub until the subscription closes or ctx
// is cancelled, re-evaluating low-confidence clusters on a timer. It blocks.
func (c *Correlator) Run(ctx context.Context, sub *bus.Subscription) {
	ticker := time.NewTicker(c.cfg.ReevalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reevaluate()
		case ev, ok := <-sub.C():
			if !ok {
				// Stream drained: one final late-merge pass.
				c.Reevaluate()
				return
			}
			if ev.Type != model.EventSignalBatch {
				continue
			}
			for _, sig := range ev.Signals {
				c.Process(sig)
			}
		}
	}
}

// Process ingests a single signal: dedup by id, then merge into the most
// similar cluster above τ or open a new singleton.
func (c *Correlator) Process(sig model.RawSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[sig.ID]; dup {
		return
	}
	c.seen[sig.ID] = struct{}{}

	sg, err := c.signer.Sign(sig.Text)
	if err != nil {
		zap.L().Warn("correlator: sign failed",
			zap.String("run_id", c.runID),
			zap.String("signal_id", sig.ID),
			zap.Error(err),
		)
		return
	}

	if target := c.bestMatch(sg); target != nil {
		c.merge(target, sig, sg)
		return
	}
	c.newSingleton(sig, sg)
}

// bestMatch finds the cluster to merge into, or nil. Candidates within
// TieEpsilon of the top similarity are tied; the tie goes to the cluster
// with the most distinct sources, then to the higher similarity.
func (c *Correlator) bestMatch(sg Signature) *clusterState {
	type candidate struct {
		cs  *clusterState
		sim float64
	}
	var candidates []candidate
	best := 0.0
	for _, cs := range c.live {
		sim := cs.centroid.Similarity(sg)
		if sim >= c.cfg.SimilarityThreshold {
			candidates = append(candidates, candidate{cs, sim})
			if sim > best {
				best = sim
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0].cs
	}

	var tied []candidate
	for _, cand := range candidates {
		if best-cand.sim <= c.cfg.TieEpsilon {
			tied = append(tied, cand)
		}
	}
	sort.Slice(tied, func(i, j int) bool {
		si, sj := tied[i].cs.latest.SourceCount, tied[j].cs.latest.SourceCount
		if si != sj {
			return si > sj
		}
		return tied[i].sim > tied[j].sim
	})
	return tied[0].cs
}

// merge creates a new immutable version of the target cluster containing
// sig. The previous version is retired, never mutated.
func (c *Correlator) merge(target *clusterState, sig model.RawSignal, sg Signature) {
	now := c.nowFunc()
	prev := target.latest

	members := make([]model.RawSignal, 0, len(prev.Members)+1)
	members = append(members, prev.Members...)
	members = append(members, sig)

	next := model.InsightCluster{
		ID:              prev.ID,
		Version:         prev.Version + 1,
		Members:         members,
		CentroidSummary: summarize(members),
		SourceCount:     model.DistinctSources(members),
		DimensionTags:   voteTags(members),
		CreatedAt:       now,
	}
	next.Confidence = Confidence(c.cfg.Confidence, members, now)
	// Versions never lose confidence: corroboration only accumulates, and
	// pure recency aging must not walk an established score backward.
	if next.Confidence < prev.Confidence {
		next.Confidence = prev.Confidence
	}

	c.retire(prev)
	target.latest = next
	target.centroid = target.centroid.Blend(sg, c.cfg.CentroidRecencyWeight)
	c.versions = append(c.versions, next)
	c.memberOf[sig.ID] = next.ID

	c.publish(next)
}

func (c *Correlator) newSingleton(sig model.RawSignal, sg Signature) {
	now := c.nowFunc()
	members := []model.RawSignal{sig}
	cl := model.InsightCluster{
		ID:              uuid.New().String(),
		Version:         1,
		Members:         members,
		CentroidSummary: summarize(members),
		SourceCount:     1,
		Confidence:      Confidence(c.cfg.Confidence, members, now),
		DimensionTags:   voteTags(members),
		CreatedAt:       now,
	}
	c.live[cl.ID] = &clusterState{latest: cl, centroid: sg}
	c.versions = append(c.versions, cl)
	c.memberOf[sig.ID] = cl.ID

	c.publish(cl)
}

// Reevaluate re-checks singleton and low-confidence clusters against the
// rest for delayed merges. Late-arriving corroboration is folded in by
// merging the weaker cluster into the stronger one as a new version.
func (c *Correlator) Reevaluate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var weak []*clusterState
	for _, cs := range c.live {
		if cs.latest.SourceCount == 1 || cs.latest.Confidence < c.cfg.ReevalConfidenceCeiling {
			weak = append(weak, cs)
		}
	}
	// Deterministic order keeps repeated sweeps stable.
	sort.Slice(weak, func(i, j int) bool { return weak[i].latest.ID < weak[j].latest.ID })

	for _, w := range weak {
		if _, alive := c.live[w.latest.ID]; !alive {
			continue // absorbed earlier in this sweep
		}
		var best *clusterState
		bestSim := 0.0
		for _, other := range c.live {
			if other.latest.ID == w.latest.ID {
				continue
			}
			sim := other.centroid.Similarity(w.centroid)
			if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
				best, bestSim = other, sim
			}
		}
		if best == nil {
			continue
		}
		c.absorb(best, w)
	}
}

// absorb merges all of weak's members into strong as one new version and
// retires both prior versions.
func (c *Correlator) absorb(strong, weak *clusterState) {
	now := c.nowFunc()
	prev := strong.latest

	members := make([]model.RawSignal, 0, len(prev.Members)+len(weak.latest.Members))
	members = append(members, prev.Members...)
	members = append(members, weak.latest.Members...)

	next := model.InsightCluster{
		ID:              prev.ID,
		Version:         prev.Version + 1,
		Members:         members,
		CentroidSummary: summarize(members),
		SourceCount:     model.DistinctSources(members),
		DimensionTags:   voteTags(members),
		CreatedAt:       now,
	}
	next.Confidence = Confidence(c.cfg.Confidence, members, now)
	if next.Confidence < prev.Confidence {
		next.Confidence = prev.Confidence
	}

	c.retire(prev)
	c.retire(weak.latest)
	delete(c.live, weak.latest.ID)

	strong.latest = next
	strong.centroid = strong.centroid.Blend(weak.centroid, c.cfg.CentroidRecencyWeight)
	c.versions = append(c.versions, next)
	for _, m := range weak.latest.Members {
		c.memberOf[m.ID] = next.ID
	}

	zap.L().Debug("correlator: late merge",
		zap.String("run_id", c.runID),
		zap.String("into", next.ID),
		zap.String("absorbed", weak.latest.ID),
		zap.Int("source_count", next.SourceCount),
	)
	c.publish(next)
}

// retire marks a stored version superseded. Versions are never deleted;
// the full chain stays available for audit.
func (c *Correlator) retire(old model.InsightCluster) {
	for i := len(c.versions) - 1; i >= 0; i-- {
		if c.versions[i].ID == old.ID && c.versions[i].Version == old.Version {
			c.versions[i].Superseded = true
			return
		}
	}
}

func (c *Correlator) publish(cl model.InsightCluster) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(c.runID, model.Event{
		Type:      model.EventClusterUpdate,
		RunID:     c.runID,
		Clusters:  []model.InsightCluster{cl},
		Timestamp: c.nowFunc().UTC(),
	})
}

// Clusters returns the latest live (non-superseded) cluster versions.
func (c *Correlator) Clusters() []model.InsightCluster {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.InsightCluster, 0, len(c.live))
	for _, cs := range c.live {
		out = append(out, cs.latest)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Versions returns every cluster version ever created, oldest first.
func (c *Correlator) Versions() []model.InsightCluster {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.InsightCluster, len(c.versions))
	copy(out, c.versions)
	return out
}

// Owner reports which cluster currently owns the signal id, if any.
func (c *Correlator) Owner(signalID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.memberOf[signalID]
	return id, ok
}

// summarize picks the centroid summary: the title (or text head) of the
// most recently published member.
func summarize(members []model.RawSignal) string {
	if len(members) == 0 {
		return ""
	}
	best := members[0]
	for _, m := range members[1:] {
		if memberTime(m).After(memberTime(best)) {
			best = m
		}
	}
	if best.Title != "" {
		return best.Title
	}
	return truncate(best.Text, 140)
}

func memberTime(m model.RawSignal) time.Time {
	if m.PublishedAt != nil && !m.PublishedAt.IsZero() {
		return *m.PublishedAt
	}
	return m.FetchedAt
}

// voteTags builds cluster dimension tags by majority vote per key across
// members, falling back to first-seen on ties.
func voteTags(members []model.RawSignal) model.DimensionTags {
	counts := make(map[string]map[string]int)
	order := make(map[string][]string)
	for _, m := range members {
		for k, v := range m.DimensionTags {
			if counts[k] == nil {
				counts[k] = make(map[string]int)
			}
			if counts[k][v] == 0 {
				order[k] = append(order[k], v)
			}
			counts[k][v]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	out := make(model.DimensionTags, len(counts))
	for k, votes := range counts {
		bestV, bestN := "", 0
		for _, v := range order[k] {
			if votes[v] > bestN {
				bestV, bestN = v, votes[v]
			}
		}
		out[k] = bestV
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so a multi-byte character is never split.
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
