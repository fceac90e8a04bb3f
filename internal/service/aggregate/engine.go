package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
	"github.com/tangy83/HandyConnect-sub003/internal/metrics"
	"github.com/tangy83/HandyConnect-sub003/internal/repository"
	"github.com/tangy83/HandyConnect-sub003/internal/service/collect"
)

const (
	defaultTickInterval = time.Second
	defaultFineCap      = 300
	defaultCoarseSpan   = time.Minute
	defaultCoarseCap    = 1440

	// LiveRoom receives one combined hot-view update per tick.
	LiveRoom = "dashboard-live"
	// AlertRoom receives engine health alerts.
	AlertRoom = "dashboard-alerts"
	// SeriesRoomPrefix + canonical series key addresses per-series updates.
	SeriesRoomPrefix = "metrics:"
)

// ErrUnknownSeries is returned when a view targets a series no window tracks.
var ErrUnknownSeries = errors.New("unknown series")

// Publisher fans messages out to stream subscribers. *ws.Hub satisfies it.
type Publisher interface {
	Publish(room string, msg domain.StreamMessage)
}

// ViewSink receives eagerly recomputed hot views. The view cache satisfies it.
type ViewSink interface {
	Put(v domain.View)
}

// Config tunes the engine. Zero values fall back to defaults; CoarseSpan is
// rounded up to a multiple of TickInterval so coarse buckets nest cleanly.
type Config struct {
	TickInterval   time.Duration
	FineCapacity   int
	CoarseSpan     time.Duration
	CoarseCapacity int
	HotSeries      []string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.FineCapacity <= 0 {
		c.FineCapacity = defaultFineCap
	}
	if c.CoarseSpan <= 0 {
		c.CoarseSpan = defaultCoarseSpan
	}
	if c.CoarseCapacity <= 0 {
		c.CoarseCapacity = defaultCoarseCap
	}
	if rem := c.CoarseSpan % c.TickInterval; rem != 0 {
		c.CoarseSpan += c.TickInterval - rem
	}
	return c
}

// EngineStats is the snapshot served by health and admin endpoints.
type EngineStats struct {
	Ticks            uint64            `json:"ticks"`
	LastTickMillis   float64           `json:"last_tick_ms"`
	WindowCount      int               `json:"window_count"`
	Ingested         uint64            `json:"ingested"`
	DroppedMalformed uint64            `json:"dropped_malformed"`
	DroppedLate      uint64            `json:"dropped_late"`
	SeriesPanics     uint64            `json:"series_panics"`
	SourceErrors     map[string]uint64 `json:"source_errors"`
}

// Engine owns every window and drives the data tick: sample, fold, bump
// generations, refresh hot views, publish. Windows are only ever mutated
// inside tick under the write lock; readers build views under the read lock
// and hand out immutable snapshots.
type Engine struct {
	cfg       Config
	collector *collect.Collector
	gens      *Generations
	views     ViewSink
	hub       Publisher
	repo      repository.RollupRepository
	logger    *slog.Logger
	now       func() time.Time
	once      sync.Once

	mu      sync.RWMutex
	windows map[string]*Window

	statsMu sync.Mutex
	stats   EngineStats
}

// NewEngine wires the aggregation engine. gens is required; views, hub and
// repo may be nil, disabling eager caching, publishing and persistence
// respectively.
func NewEngine(cfg Config, collector *collect.Collector, gens *Generations, views ViewSink, hub Publisher, repo repository.RollupRepository, logger *slog.Logger) *Engine {
	if gens == nil {
		gens = NewGenerations()
	}
	if logger != nil {
		logger = logger.With("component", "aggregate_engine")
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		collector: collector,
		gens:      gens,
		views:     views,
		hub:       hub,
		repo:      repo,
		logger:    logger,
		now:       time.Now,
		windows:   make(map[string]*Window),
	}
}

// Generation exposes the current generation for an invalidation scope.
func (e *Engine) Generation(scope string) uint64 {
	return e.gens.Current(scope)
}

// Run drives ticks until the context is cancelled, then flushes pending
// rollups. It blocks and is meant to run on its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	if e == nil {
		return
	}
	e.once.Do(func() {
		if e.logger != nil {
			e.logger.Info("aggregation engine started",
				"tick_interval", e.cfg.TickInterval,
				"fine_capacity", e.cfg.FineCapacity,
				"coarse_span", e.cfg.CoarseSpan,
				"coarse_capacity", e.cfg.CoarseCapacity)
		}
	})
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flushAll(context.Background())
			if e.logger != nil {
				e.logger.Info("aggregation engine stopped")
			}
			return
		case <-ticker.C:
			e.Tick(ctx, e.now().UTC())
		}
	}
}

// Tick executes one full data tick at the given instant. Exposed so tests
// and the entrypoint can drive time explicitly.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	started := time.Now()

	var readings []domain.Reading
	if e.collector != nil {
		readings = e.collector.Collect(ctx)
	}

	rows, dirtyScopes := e.ingest(readings, now)
	e.persistRollups(ctx, rows)
	e.refreshHotViews(dirtyScopes, now)

	elapsed := time.Since(started)
	metrics.TickDuration.Observe(elapsed.Seconds())
	metrics.TicksTotal.Inc()
	e.statsMu.Lock()
	e.stats.Ticks++
	e.stats.LastTickMillis = float64(elapsed.Microseconds()) / 1000
	if e.collector != nil {
		e.stats.SourceErrors = e.collector.ErrorCounts()
	}
	e.statsMu.Unlock()
	if e.logger != nil {
		e.logger.Debug("tick complete", "elapsed", elapsed, "readings", len(readings))
	}
	if elapsed > e.cfg.TickInterval {
		if e.logger != nil {
			e.logger.Warn("tick overran interval", "elapsed", elapsed, "interval", e.cfg.TickInterval)
		}
		e.publishAlert("tick_overrun", elapsed)
	}
}

// ingest advances every window to now, folds the readings in, and bumps
// generations for each scope that changed. It returns pending rollup rows
// and the set of dirtied scopes.
func (e *Engine) ingest(readings []domain.Reading, now time.Time) ([]domain.MetricRollup, map[string]struct{}) {
	bySeries := make(map[string][]domain.Reading)
	var malformed uint64
	for _, r := range readings {
		if err := r.Validate(now); err != nil {
			malformed++
			metrics.ReadingsDroppedTotal.WithLabelValues("malformed").Inc()
			if e.logger != nil {
				e.logger.Debug("reading dropped", "error", err)
			}
			continue
		}
		series := r.Series()
		bySeries[series] = append(bySeries[series], r)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for series := range bySeries {
		if _, ok := e.windows[series]; !ok {
			e.windows[series] = NewWindow(series, e.cfg.TickInterval, e.cfg.FineCapacity, e.cfg.CoarseSpan, e.cfg.CoarseCapacity)
		}
	}

	var rows []domain.MetricRollup
	var ingested, late, panics uint64
	dirtyScopes := make(map[string]struct{})
	for series, win := range e.windows {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					panics++
					if e.logger != nil {
						e.logger.Error("series fold panicked", "series", series, "panic", fmt.Sprint(rec))
					}
				}
			}()
			rows = append(rows, win.Advance(now)...)
			for _, r := range bySeries[series] {
				if win.Observe(r.At, r.Value, r.Unit) {
					ingested++
					metrics.ReadingsIngestedTotal.Inc()
				} else {
					late++
					metrics.ReadingsDroppedTotal.WithLabelValues("late").Inc()
				}
			}
			if win.takeDirty() {
				dirtyScopes[series] = struct{}{}
				dirtyScopes[domain.SeriesMetric(series)] = struct{}{}
			}
		}()
	}

	scopes := make([]string, 0, len(dirtyScopes))
	for s := range dirtyScopes {
		scopes = append(scopes, s)
	}
	e.gens.Bump(scopes...)

	e.statsMu.Lock()
	e.stats.Ingested += ingested
	e.stats.DroppedMalformed += malformed
	e.stats.DroppedLate += late
	e.stats.SeriesPanics += panics
	e.stats.WindowCount = len(e.windows)
	e.statsMu.Unlock()
	return rows, dirtyScopes
}

func (e *Engine) persistRollups(ctx context.Context, rows []domain.MetricRollup) {
	if e.repo == nil || len(rows) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.repo.UpsertRollups(pctx, rows); err != nil {
		metrics.RollupPersistErrors.Inc()
		if e.logger != nil {
			e.logger.Error("rollup persist failed", "rows", len(rows), "error", err)
		}
		return
	}
	metrics.RollupsPersistedTotal.Add(float64(len(rows)))
}

// refreshHotViews eagerly recomputes the configured hot keys, hands them to
// the view sink, and publishes the combined live payload plus per-series
// updates for hot series dirtied this tick.
func (e *Engine) refreshHotViews(dirtyScopes map[string]struct{}, now time.Time) {
	type livePayload struct {
		Tick   uint64            `json:"tick"`
		Series []json.RawMessage `json:"series"`
	}
	e.statsMu.Lock()
	tickNo := e.stats.Ticks + 1
	e.statsMu.Unlock()

	live := livePayload{Tick: tickNo, Series: make([]json.RawMessage, 0, len(e.cfg.HotSeries))}
	for _, series := range e.cfg.HotSeries {
		var currentData json.RawMessage
		for _, key := range hotKeysFor(series) {
			v, err := e.BuildView(key)
			if err != nil {
				continue
			}
			if e.views != nil {
				e.views.Put(v)
			}
			if key.Type == domain.ViewCurrent {
				currentData = v.Data
			}
		}
		if currentData == nil {
			continue
		}
		live.Series = append(live.Series, currentData)
		if _, dirty := dirtyScopes[series]; dirty {
			e.publish(SeriesRoomPrefix+series, domain.MessageMetricUpdate, currentData)
		}
	}
	data, err := json.Marshal(live)
	if err != nil {
		return
	}
	e.publish(LiveRoom, domain.MessageMetricUpdate, data)
}

func (e *Engine) publish(room string, typ domain.MessageType, data json.RawMessage) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(room, domain.StreamMessage{Type: typ, Data: data})
}

func (e *Engine) publishAlert(reason string, elapsed time.Duration) {
	payload := struct {
		Reason     string  `json:"reason"`
		ElapsedMS  float64 `json:"elapsed_ms"`
		IntervalMS float64 `json:"interval_ms"`
	}{reason, float64(elapsed.Microseconds()) / 1000, float64(e.cfg.TickInterval.Microseconds()) / 1000}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	e.publish(AlertRoom, domain.MessageAlert, data)
}

// BuildView computes a view from current window state. The result is
// determined entirely by window contents and the key; callers own the copy.
func (e *Engine) BuildView(key domain.ViewKey) (domain.View, error) {
	if !key.Type.Valid() {
		return domain.View{}, fmt.Errorf("invalid view type %q", key.Type)
	}
	if key.Resolution == "" {
		key.Resolution = domain.ResolutionFine
	}
	if !key.Resolution.Valid() {
		return domain.View{}, fmt.Errorf("invalid resolution %q", key.Resolution)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	gen := e.gens.Current(key.Series)
	if key.Type == domain.ViewTopN {
		return buildTopN(key, e.windows, gen)
	}
	win, ok := e.windows[key.Series]
	if !ok {
		return domain.View{}, fmt.Errorf("%w: %s", ErrUnknownSeries, key.Series)
	}
	switch key.Type {
	case domain.ViewCurrent:
		return buildCurrent(key, win, gen)
	case domain.ViewAverage:
		return buildAverage(key, win, gen)
	case domain.ViewPercentiles:
		return buildPercentiles(key, win, gen)
	default:
		return buildSeries(key, win, gen)
	}
}

// Series lists every tracked canonical series key, sorted for stable output.
func (e *Engine) Series() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.windows))
	for s := range e.windows {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	stats := e.stats
	if stats.SourceErrors != nil {
		copied := make(map[string]uint64, len(stats.SourceErrors))
		for k, v := range stats.SourceErrors {
			copied[k] = v
		}
		stats.SourceErrors = copied
	}
	return stats
}

// PreloadKeys returns the hot view keys for every configured hot series;
// the cache preloads and the tick loop eagerly refreshes exactly these keys.
func (e *Engine) PreloadKeys() []domain.ViewKey {
	var keys []domain.ViewKey
	for _, series := range e.cfg.HotSeries {
		keys = append(keys, hotKeysFor(series)...)
	}
	return keys
}

func hotKeysFor(series string) []domain.ViewKey {
	return []domain.ViewKey{
		{Type: domain.ViewCurrent, Series: series, Resolution: domain.ResolutionFine},
		{Type: domain.ViewAverage, Series: series, Resolution: domain.ResolutionFine, Points: 60},
		{Type: domain.ViewSeries, Series: series, Resolution: domain.ResolutionFine, Points: 120},
	}
}

func (e *Engine) flushAll(ctx context.Context) {
	if e.repo == nil {
		return
	}
	e.mu.RLock()
	var rows []domain.MetricRollup
	for _, win := range e.windows {
		rows = append(rows, win.FlushRows()...)
	}
	e.mu.RUnlock()
	if len(rows) == 0 {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.repo.UpsertRollups(fctx, rows); err != nil {
		if e.logger != nil {
			e.logger.Error("final rollup flush failed", "rows", len(rows), "error", err)
		}
		return
	}
	if e.logger != nil {
		e.logger.Info("final rollup flush complete", "rows", len(rows))
	}
}
