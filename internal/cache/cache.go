package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
	"github.com/tangy83/HandyConnect-sub003/internal/metrics"
)

const (
	defaultCapacity = 256
	defaultTTL      = 5 * time.Second

	// failureLogEvery spaces out repeated build-failure logs per key.
	failureLogEvery = 30 * time.Second
)

// GenerationSource is the shared staleness authority. The engine's
// Generations table satisfies it; the cache reads Current on every Get and
// bumps through it on Invalidate so both sides always agree.
type GenerationSource interface {
	Current(scope string) uint64
	Bump(scopes ...string)
}

// Stats is the counter snapshot served by the admin surface.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	StaleHits uint64 `json:"stale_hits"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

type entry struct {
	view       domain.View
	computedAt time.Time
	generation uint64
}

// ViewCache is a bounded LRU of computed views with a dual staleness
// contract: an entry is served only while its generation matches the current
// one for its scope and its age stays under the TTL. Stale entries are
// misses for the caller but stay in place until overwritten or evicted, so a
// failed recompute can still fall back to them.
type ViewCache struct {
	ttl      time.Duration
	capacity int
	gens     GenerationSource
	logger   *slog.Logger
	now      func() time.Time

	store *lru.Cache[domain.ViewKey, *entry]

	hits      atomic.Uint64
	misses    atomic.Uint64
	staleHits atomic.Uint64
	evictions atomic.Uint64
	purging   atomic.Bool

	failMu   sync.Mutex
	failures map[domain.ViewKey]time.Time
}

// New builds a view cache. gens must be the same instance the engine bumps.
func New(capacity int, ttl time.Duration, gens GenerationSource, logger *slog.Logger) (*ViewCache, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger != nil {
		logger = logger.With("component", "view_cache")
	}
	c := &ViewCache{
		ttl:      ttl,
		capacity: capacity,
		gens:     gens,
		logger:   logger,
		now:      time.Now,
		failures: make(map[domain.ViewKey]time.Time),
	}
	store, err := lru.NewWithEvict[domain.ViewKey, *entry](capacity, func(domain.ViewKey, *entry) {
		if c.purging.Load() {
			return
		}
		c.evictions.Add(1)
		metrics.CacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	c.store = store
	return c, nil
}

// Get returns the cached view for key when it is both generation-current and
// within TTL. A stale entry counts as a miss and is left in place.
func (c *ViewCache) Get(key domain.ViewKey) (domain.View, bool) {
	e, ok := c.store.Get(key)
	if !ok {
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return domain.View{}, false
	}
	if c.stale(key, e) {
		c.staleHits.Add(1)
		metrics.CacheStaleHits.Inc()
		return domain.View{}, false
	}
	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return e.view, true
}

func (c *ViewCache) stale(key domain.ViewKey, e *entry) bool {
	if c.gens != nil && e.generation < c.gens.Current(key.Series) {
		return true
	}
	return c.now().Sub(e.computedAt) > c.ttl
}

// Put stores a view, overwriting any entry under the same key.
func (c *ViewCache) Put(v domain.View) {
	c.store.Add(v.Key, &entry{view: v, computedAt: c.now(), generation: v.Generation})
}

// Invalidate bumps the generation for a scope, instantly staling every
// cached view that recorded an older one.
func (c *ViewCache) Invalidate(scope string) {
	if c.gens != nil {
		c.gens.Bump(scope)
	}
}

// GetOrBuild serves the cached view or computes and stores a fresh one. When
// the build fails but a stale entry survives, the stale view is served as a
// degraded result instead of an error.
func (c *ViewCache) GetOrBuild(key domain.ViewKey, build func(domain.ViewKey) (domain.View, error)) (domain.View, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, false, nil
	}
	v, err := build(key)
	if err != nil {
		c.noteBuildFailure(key, err)
		if e, ok := c.store.Peek(key); ok {
			return e.view, true, nil
		}
		return domain.View{}, false, err
	}
	c.Put(v)
	return v, false, nil
}

// Preload computes and stores the given keys; failures are logged and
// skipped so one broken key never blocks the rest.
func (c *ViewCache) Preload(keys []domain.ViewKey, build func(domain.ViewKey) (domain.View, error)) {
	for _, key := range keys {
		v, err := build(key)
		if err != nil {
			c.noteBuildFailure(key, err)
			continue
		}
		c.Put(v)
	}
}

// Clear drops every entry. Purged entries do not count as evictions.
func (c *ViewCache) Clear() {
	c.purging.Store(true)
	c.store.Purge()
	c.purging.Store(false)
}

func (c *ViewCache) noteBuildFailure(key domain.ViewKey, err error) {
	if c.logger == nil {
		return
	}
	now := c.now()
	c.failMu.Lock()
	last, seen := c.failures[key]
	if seen && now.Sub(last) < failureLogEvery {
		c.failMu.Unlock()
		return
	}
	c.failures[key] = now
	c.failMu.Unlock()
	c.logger.Warn("view build failed", "key", key.String(), "error", err)
}

// Stats returns the counter snapshot.
func (c *ViewCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.staleHits.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.store.Len(),
		Capacity:  c.capacity,
	}
}
