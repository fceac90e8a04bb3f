package aggregate

import "sync"

// Generations tracks a monotonically increasing counter per invalidation
// scope. Scopes are canonical series keys plus bare metric names, so a view
// spanning every tagged series of a metric can be invalidated by one bump.
// The engine is the only writer; the view cache reads Current to decide
// staleness.
type Generations struct {
	mu   sync.RWMutex
	gens map[string]uint64
}

// NewGenerations returns an empty table; unseen scopes read as zero.
func NewGenerations() *Generations {
	return &Generations{gens: make(map[string]uint64)}
}

// Current returns the generation for scope.
func (g *Generations) Current(scope string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gens[scope]
}

// Bump increments each scope exactly once, deduplicating repeats.
func (g *Generations) Bump(scopes ...string) {
	if len(scopes) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		g.gens[s]++
	}
}
