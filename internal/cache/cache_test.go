package cache

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

type genStub struct {
	mu   sync.Mutex
	gens map[string]uint64
}

func newGenStub() *genStub {
	return &genStub{gens: make(map[string]uint64)}
}

func (g *genStub) Current(scope string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gens[scope]
}

func (g *genStub) Bump(scopes ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range scopes {
		g.gens[s]++
	}
}

func viewKey(series string) domain.ViewKey {
	return domain.ViewKey{Type: domain.ViewCurrent, Series: series, Resolution: domain.ResolutionFine}
}

func view(series string, gen uint64) domain.View {
	return domain.View{
		Key:        viewKey(series),
		Generation: gen,
		Data:       json.RawMessage(`{"series":"` + series + `"}`),
	}
}

// testCache returns a cache with a controllable clock.
func testCache(t *testing.T, capacity int, ttl time.Duration, gens GenerationSource) (*ViewCache, *time.Time) {
	t.Helper()
	c, err := New(capacity, ttl, gens, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCacheHitAndMiss(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 8, 5*time.Second, gens)

	if _, ok := c.Get(viewKey("cpu.load")); ok {
		t.Fatalf("empty cache must miss")
	}

	c.Put(view("cpu.load", 0))
	got, ok := c.Get(viewKey("cpu.load"))
	if !ok {
		t.Fatalf("expected hit after put")
	}
	if string(got.Data) != `{"series":"cpu.load"}` {
		t.Fatalf("unexpected cached data: %s", got.Data)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCacheGenerationStaleness(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 8, time.Hour, gens)

	c.Put(view("cpu.load", 0))
	gens.Bump("cpu.load")

	if _, ok := c.Get(viewKey("cpu.load")); ok {
		t.Fatalf("entry behind the current generation must not serve")
	}
	stats := c.Stats()
	if stats.StaleHits != 1 {
		t.Fatalf("expected 1 stale hit, got %+v", stats)
	}
	if stats.Size != 1 {
		t.Fatalf("stale entry must stay in place, got size %d", stats.Size)
	}

	// A recompute at the new generation serves again.
	c.Put(view("cpu.load", gens.Current("cpu.load")))
	if _, ok := c.Get(viewKey("cpu.load")); !ok {
		t.Fatalf("expected hit after recompute at current generation")
	}
}

func TestCacheTTLStaleness(t *testing.T) {
	gens := newGenStub()
	c, now := testCache(t, 8, 5*time.Second, gens)

	c.Put(view("cpu.load", 0))
	*now = now.Add(3 * time.Second)
	if _, ok := c.Get(viewKey("cpu.load")); !ok {
		t.Fatalf("entry within ttl must serve")
	}

	*now = now.Add(3 * time.Second)
	if _, ok := c.Get(viewKey("cpu.load")); ok {
		t.Fatalf("entry past ttl must not serve even at the current generation")
	}
	if got := c.Stats().StaleHits; got != 1 {
		t.Fatalf("expected 1 stale hit, got %d", got)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 2, time.Hour, gens)

	c.Put(view("a", 0))
	c.Put(view("b", 0))
	// Touch a so b becomes the least recently used entry.
	if _, ok := c.Get(viewKey("a")); !ok {
		t.Fatalf("expected hit for a")
	}

	c.Put(view("c", 0))
	if _, ok := c.Get(viewKey("b")); ok {
		t.Fatalf("least recently used entry must be evicted")
	}
	if _, ok := c.Get(viewKey("a")); !ok {
		t.Fatalf("recently used entry must survive")
	}
	if _, ok := c.Get(viewKey("c")); !ok {
		t.Fatalf("new entry must be cached")
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", stats.Evictions)
	}
	if stats.Size != 2 {
		t.Fatalf("size must stay at capacity, got %d", stats.Size)
	}
}

func TestCacheGetOrBuild(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 8, time.Hour, gens)

	builds := 0
	build := func(key domain.ViewKey) (domain.View, error) {
		builds++
		return view(key.Series, gens.Current(key.Series)), nil
	}

	v, stale, err := c.GetOrBuild(viewKey("cpu.load"), build)
	if err != nil || stale {
		t.Fatalf("unexpected build result: stale=%v err=%v", stale, err)
	}
	if string(v.Data) != `{"series":"cpu.load"}` {
		t.Fatalf("unexpected built view: %s", v.Data)
	}
	if builds != 1 {
		t.Fatalf("expected 1 build, got %d", builds)
	}

	// Second call is a pure cache hit.
	if _, _, err := c.GetOrBuild(viewKey("cpu.load"), build); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if builds != 1 {
		t.Fatalf("cached result must not rebuild, got %d builds", builds)
	}
}

func TestCacheGetOrBuildDegraded(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 8, time.Hour, gens)

	c.Put(view("cpu.load", 0))
	gens.Bump("cpu.load")

	failing := func(domain.ViewKey) (domain.View, error) {
		return domain.View{}, errors.New("window locked")
	}
	v, stale, err := c.GetOrBuild(viewKey("cpu.load"), failing)
	if err != nil {
		t.Fatalf("stale fallback must not error: %v", err)
	}
	if !stale {
		t.Fatalf("fallback result must be marked stale")
	}
	if string(v.Data) != `{"series":"cpu.load"}` {
		t.Fatalf("expected the stale cached view, got %s", v.Data)
	}

	// Without a cached fallback the build error surfaces.
	if _, _, err := c.GetOrBuild(viewKey("ghost"), failing); err == nil {
		t.Fatalf("expected build error without a fallback entry")
	}
}

func TestCachePreload(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 8, time.Hour, gens)

	keys := []domain.ViewKey{viewKey("a"), viewKey("broken"), viewKey("b")}
	c.Preload(keys, func(key domain.ViewKey) (domain.View, error) {
		if key.Series == "broken" {
			return domain.View{}, errors.New("no window")
		}
		return view(key.Series, 0), nil
	})

	if _, ok := c.Get(viewKey("a")); !ok {
		t.Fatalf("preloaded view a missing")
	}
	if _, ok := c.Get(viewKey("b")); !ok {
		t.Fatalf("a failing key must not block later keys")
	}
	if _, ok := c.Get(viewKey("broken")); ok {
		t.Fatalf("failed preload must not cache")
	}
}

func TestCacheClear(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 8, time.Hour, gens)

	c.Put(view("a", 0))
	c.Put(view("b", 0))
	c.Clear()

	stats := c.Stats()
	if stats.Size != 0 {
		t.Fatalf("clear must empty the cache, got size %d", stats.Size)
	}
	if stats.Evictions != 0 {
		t.Fatalf("purged entries must not count as evictions, got %d", stats.Evictions)
	}
}

func TestCacheInvalidate(t *testing.T) {
	gens := newGenStub()
	c, _ := testCache(t, 8, time.Hour, gens)

	c.Put(view("cpu.load", 0))
	c.Invalidate("cpu.load")
	if _, ok := c.Get(viewKey("cpu.load")); ok {
		t.Fatalf("invalidate must stale the cached view")
	}
	if got := gens.Current("cpu.load"); got != 1 {
		t.Fatalf("invalidate must bump the shared generation, got %d", got)
	}
}
