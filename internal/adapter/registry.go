package adapter

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Registry holds registered source adapters keyed by id. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]SourceAdapter)}
}

// Register adds an adapter. Registering a duplicate id is an error.
func (r *Registry) Register(a SourceAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.ID()]; exists {
		return eris.Errorf("adapter: %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Get returns the adapter with the given id, or nil.
func (r *Registry) Get(id string) SourceAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[id]
}

// List returns all registered adapter ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Select resolves the requested adapter ids, or all registered adapters when
// ids is empty. An unknown id returns ErrUnregistered.
func (r *Registry) Select(ids []string) ([]SourceAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(ids) == 0 {
		out := make([]SourceAdapter, 0, len(r.adapters))
		for _, a := range r.adapters {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
		return out, nil
	}

	out := make([]SourceAdapter, 0, len(ids))
	for _, id := range ids {
		a, ok := r.adapters[id]
		if !ok {
			return nil, eris.Wrapf(ErrUnregistered, "%q", id)
		}
		out = append(out, a)
	}
	return out, nil
}

// ByTier partitions adapters into launch order: critical, enrichment,
// optional. Empty tiers are omitted.
func ByTier(adapters []SourceAdapter) [][]SourceAdapter {
	tiers := make(map[Tier][]SourceAdapter)
	for _, a := range adapters {
		tiers[a.Tier()] = append(tiers[a.Tier()], a)
	}
	var out [][]SourceAdapter
	for _, t := range []Tier{TierCritical, TierEnrichment, TierOptional} {
		if len(tiers[t]) > 0 {
			out = append(out, tiers[t])
		}
	}
	return out
}
