package collect

import (
	"context"
	"runtime"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

// RuntimeSource samples the process itself: heap usage, goroutine count, GC
// activity and uptime. It is the built-in source every deployment gets.
type RuntimeSource struct {
	startedAt time.Time
	now       func() time.Time
}

// NewRuntimeSource returns a runtime source anchored at the current instant.
func NewRuntimeSource() *RuntimeSource {
	return &RuntimeSource{startedAt: time.Now(), now: time.Now}
}

// Name implements Source.
func (s *RuntimeSource) Name() string { return "runtime" }

// Sample implements Source. Reading the runtime is cheap and never blocks, so
// ctx is only consulted for early cancellation.
func (s *RuntimeSource) Sample(ctx context.Context) ([]domain.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	at := s.now().UTC()
	return []domain.Reading{
		{Metric: "runtime.heap_alloc_bytes", Value: float64(mem.HeapAlloc), Unit: "bytes", At: at},
		{Metric: "runtime.heap_objects", Value: float64(mem.HeapObjects), Unit: "objects", At: at},
		{Metric: "runtime.goroutines", Value: float64(runtime.NumGoroutine()), Unit: "goroutines", At: at},
		{Metric: "runtime.gc_cycles", Value: float64(mem.NumGC), Unit: "cycles", At: at},
		{Metric: "runtime.uptime_seconds", Value: at.Sub(s.startedAt).Seconds(), Unit: "seconds", At: at},
	}, nil
}
