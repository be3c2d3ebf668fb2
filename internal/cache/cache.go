// Package cache implements the TTL signal cache consulted before any
// network call, with single-flight fetch-through semantics.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/signal-engine/internal/model"
)

// Key derives the cache key for an adapter/query pair:
// sha256(adapterID || normalizedQuery).
func Key(adapterID string, query model.Query) string {
	h := sha256.New()
	h.Write([]byte(adapterID))
	h.Write([]byte{0})
	h.Write([]byte(query.Normalized()))
	return hex.EncodeToString(h.Sum(nil))
}

// Persister optionally backs the in-memory cache with durable storage so
// restarts keep warm entries. Implemented by the store.
type Persister interface {
	GetCachedSignals(ctx context.Context, key string) ([]model.RawSignal, time.Time, time.Duration, error)
	SetCachedSignals(ctx context.Context, key string, signals []model.RawSignal, ttl time.Duration) error
}

type entry struct {
	signals  []model.RawSignal
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// Config controls cache behavior.
type Config struct {
	// DefaultTTL applies when a fetch supplies no TTL. Default: 1h.
	DefaultTTL time.Duration
	// StaleRetention is how long expired entries remain available for
	// degraded-mode fallback before the sweeper drops them. Default: 6h.
	StaleRetention time.Duration
	// SweepInterval is the period of the background eviction sweep.
	// Default: 5m.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.StaleRetention <= 0 {
		c.StaleRetention = 6 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	StaleHits int64 `json:"stale_hits"`
	NetCalls  int64 `json:"net_calls"`
	Evictions int64 `json:"evictions"`
}

// Cache is a keyed TTL store of prior fetch results. Reads never block on
// eviction; concurrent fetch-through for the same missing key collapses to a
// single underlying call.
type Cache struct {
	cfg     Config
	mu      sync.RWMutex
	entries map[string]*entry
	flight  singleflight.Group
	persist Persister

	hits      atomic.Int64
	misses    atomic.Int64
	staleHits atomic.Int64
	netCalls  atomic.Int64
	evictions atomic.Int64

	nowFunc func() time.Time
}

// New creates a cache. persist may be nil for a purely in-memory cache.
func New(cfg Config, persist Persister) *Cache {
	return &Cache{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		persist: persist,
		nowFunc: time.Now,
	}
}

// Get returns the cached batch for key. fresh is false when the entry has
// outlived its TTL; such entries are only suitable for degraded fallback and
// must be flagged stale to consumers. ok is false on a miss.
func (c *Cache) Get(key string) (signals []model.RawSignal, fresh, ok bool) {
	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		c.misses.Add(1)
		return nil, false, false
	}

	now := c.nowFunc()
	if e.fresh(now) {
		c.hits.Add(1)
		return e.signals, true, true
	}

	// Lazy expiry: past TTL plus retention the entry is gone even if the
	// sweeper has not run yet.
	if now.Sub(e.storedAt) >= e.ttl+c.cfg.StaleRetention {
		c.misses.Add(1)
		return nil, false, false
	}

	c.staleHits.Add(1)
	return e.signals, false, true
}

// Put stores a batch under key with the given TTL (DefaultTTL when ttl<=0).
// The write is atomic with respect to concurrent readers.
func (c *Cache) Put(ctx context.Context, key string, signals []model.RawSignal, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	e := &entry{signals: signals, storedAt: c.nowFunc(), ttl: ttl}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	if c.persist != nil {
		if err := c.persist.SetCachedSignals(ctx, key, signals, ttl); err != nil {
			zap.L().Warn("cache: persist failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Invalidate removes the entry for key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// FetchFunc performs the underlying network call on a cache miss.
type FetchFunc func(ctx context.Context) ([]model.RawSignal, error)

// Fetch resolves key through the cache:
//
//   - fresh entry: returned immediately, no network call
//   - stale entry: returned immediately flagged stale, with a background
//     single-flight refresh so the caller is never blocked on it
//   - miss: fn runs under single-flight — concurrent callers for the same
//     missing key share exactly one underlying call
//
// The returned staleness is fresh for cache hits and successful fetches,
// stale for stale serves.
func (c *Cache) Fetch(ctx context.Context, key string, ttl time.Duration, fn FetchFunc) ([]model.RawSignal, model.Staleness, error) {
	if signals, fresh, ok := c.Get(key); ok {
		if fresh {
			return signals, model.StalenessFresh, nil
		}
		c.refreshAsync(ctx, key, ttl, fn)
		return signals, model.StalenessStale, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the entry between the
		// miss and acquiring the flight.
		if signals, fresh, ok := c.Get(key); ok && fresh {
			return signals, nil
		}
		c.netCalls.Add(1)
		signals, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, signals, ttl)
		return signals, nil
	})
	if err != nil {
		return nil, model.StalenessUnavailable, err
	}
	return v.([]model.RawSignal), model.StalenessFresh, nil
}

// refreshAsync triggers a non-blocking single-flight refresh of a stale key.
// The refresh detaches from the caller's cancellation but keeps its values,
// bounded by the entry TTL so an abandoned refresh cannot leak.
func (c *Cache) refreshAsync(ctx context.Context, key string, ttl time.Duration, fn FetchFunc) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), ttl)
	go func() {
		defer cancel()
		_, err, _ := c.flight.Do(key, func() (any, error) {
			c.netCalls.Add(1)
			signals, err := fn(bg)
			if err != nil {
				return nil, err
			}
			c.Put(bg, key, signals, ttl)
			return signals, nil
		})
		if err != nil {
			zap.L().Debug("cache: background refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Warm loads a persisted entry into memory if the in-memory copy is absent.
func (c *Cache) Warm(ctx context.Context, key string) {
	if c.persist == nil {
		return
	}
	c.mu.RLock()
	_, exists := c.entries[key]
	c.mu.RUnlock()
	if exists {
		return
	}
	signals, storedAt, ttl, err := c.persist.GetCachedSignals(ctx, key)
	if err != nil || signals == nil {
		return
	}
	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = &entry{signals: signals, storedAt: storedAt, ttl: ttl}
	}
	c.mu.Unlock()
}

// Run starts the periodic eviction sweep. It blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.Sweep()
			if n > 0 {
				zap.L().Debug("cache: swept expired entries", zap.Int("evicted", n))
			}
		}
	}
}

// Sweep removes entries past TTL plus stale retention. It copies the key set
// under a read lock first so readers are never blocked behind eviction.
func (c *Cache) Sweep() int {
	now := c.nowFunc()

	c.mu.RLock()
	var expired []string
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= e.ttl+c.cfg.StaleRetention {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	evicted := 0
	c.mu.Lock()
	for _, key := range expired {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		// Re-check under the write lock: a concurrent Put may have renewed it.
		if now.Sub(e.storedAt) >= e.ttl+c.cfg.StaleRetention {
			delete(c.entries, key)
			evicted++
		}
	}
	c.mu.Unlock()

	c.evictions.Add(int64(evicted))
	return evicted
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return Stats{
		Entries:   n,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.staleHits.Load(),
		NetCalls:  c.netCalls.Load(),
		Evictions: c.evictions.Load(),
	}
}
