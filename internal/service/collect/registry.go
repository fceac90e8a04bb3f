package collect

import (
	"context"
	"sync"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

// maxPending bounds how many registered readings may wait for the next tick.
const maxPending = 16384

// Registry accepts custom business readings from collaborators (HTTP ingest,
// in-process callers) and hands them to the collector on the next tick. It is
// itself a Source, so custom readings flow through the same pipeline as
// sampled ones.
type Registry struct {
	mu      sync.Mutex
	pending []domain.Reading
	dropped uint64
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Register enqueues one reading for the next tick. A zero timestamp is
// stamped with the current instant. Registrations beyond the pending cap are
// dropped and counted; the window between ticks is short, so hitting the cap
// means the feed is outrunning the engine.
func (r *Registry) Register(metric string, value float64, unit string, tags map[string]string) {
	r.Add(domain.Reading{Metric: metric, Value: value, Unit: unit, Tags: tags})
}

// Add enqueues a fully built reading for the next tick.
func (r *Registry) Add(reading domain.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= maxPending {
		r.dropped++
		return
	}
	if reading.At.IsZero() {
		reading.At = r.now().UTC()
	}
	r.pending = append(r.pending, reading)
}

// Name implements Source.
func (r *Registry) Name() string { return "custom" }

// Sample implements Source by draining everything registered since the last
// tick. The drain is atomic: registrations racing with it land in the next
// batch, never split across two.
func (r *Registry) Sample(ctx context.Context) ([]domain.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.pending
	r.pending = nil
	return batch, nil
}

// Dropped reports how many registrations were lost to the pending cap.
func (r *Registry) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Pending reports how many readings wait for the next tick.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
