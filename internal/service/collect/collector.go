package collect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
	"github.com/tangy83/HandyConnect-sub003/internal/metrics"
)

const defaultSourceTimeout = 500 * time.Millisecond

// Collector fans a sampling pass out across every registered source. Sources
// are isolated from each other: one failing, hanging or panicking source
// costs its own readings for that tick and nothing else.
type Collector struct {
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	sources   []Source
	errCounts map[string]uint64
}

// NewCollector constructs a collector with the given per-source timeout.
func NewCollector(timeout time.Duration, logger *slog.Logger) *Collector {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	if logger != nil {
		logger = logger.With("component", "collector")
	}
	return &Collector{
		timeout:   timeout,
		logger:    logger,
		errCounts: make(map[string]uint64),
	}
}

// Register adds a source. Safe to call while collections run; the new source
// joins the next pass.
func (c *Collector) Register(src Source) {
	if src == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

type sampleResult struct {
	readings []domain.Reading
	err      error
}

// Collect samples every source in parallel and returns the combined readings
// in registration order. It returns within roughly the per-source timeout no
// matter how sources behave: a source that ignores its context is abandoned,
// its late result discarded into a buffered channel.
func (c *Collector) Collect(ctx context.Context) []domain.Reading {
	c.mu.Lock()
	sources := make([]Source, len(c.sources))
	copy(sources, c.sources)
	c.mu.Unlock()

	results := make([][]domain.Reading, len(sources))
	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			ch := make(chan sampleResult, 1)
			go func() {
				readings, err := sampleSafely(sctx, src)
				ch <- sampleResult{readings: readings, err: err}
			}()

			select {
			case res := <-ch:
				if res.err != nil {
					c.recordError(src.Name(), res.err)
					return nil
				}
				results[i] = res.readings
			case <-sctx.Done():
				c.recordError(src.Name(), sctx.Err())
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []domain.Reading
	for _, readings := range results {
		out = append(out, readings...)
	}
	return out
}

// sampleSafely converts a panicking source into an erroring one.
func sampleSafely(ctx context.Context, src Source) (readings []domain.Reading, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("source panicked: %v", rec)
		}
	}()
	return src.Sample(ctx)
}

func (c *Collector) recordError(source string, err error) {
	c.mu.Lock()
	c.errCounts[source]++
	c.mu.Unlock()
	metrics.SourceErrorsTotal.WithLabelValues(source).Inc()
	if c.logger != nil {
		c.logger.Warn("source sample failed", "source", source, "error", err)
	}
}

// ErrorCounts returns a copy of the per-source failure counters.
func (c *Collector) ErrorCounts() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.errCounts))
	for k, v := range c.errCounts {
		out[k] = v
	}
	return out
}
