package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
	"github.com/tangy83/HandyConnect-sub003/internal/repository"
	"github.com/tangy83/HandyConnect-sub003/internal/service/collect"
)

var engineBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type publisherStub struct {
	mu   sync.Mutex
	msgs map[string][]domain.StreamMessage
}

func newPublisherStub() *publisherStub {
	return &publisherStub{msgs: make(map[string][]domain.StreamMessage)}
}

func (p *publisherStub) Publish(room string, msg domain.StreamMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[room] = append(p.msgs[room], msg)
}

func (p *publisherStub) count(room string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[room])
}

func (p *publisherStub) last(room string) (domain.StreamMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.msgs[room]
	if len(batch) == 0 {
		return domain.StreamMessage{}, false
	}
	return batch[len(batch)-1], true
}

type sinkStub struct {
	mu    sync.Mutex
	views []domain.View
}

func (s *sinkStub) Put(v domain.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, v)
}

func (s *sinkStub) keys() []domain.ViewKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ViewKey, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v.Key)
	}
	return out
}

type repoStub struct {
	mu      sync.Mutex
	batches [][]domain.MetricRollup
	err     error
}

func (r *repoStub) UpsertRollups(_ context.Context, rollups []domain.MetricRollup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	batch := make([]domain.MetricRollup, len(rollups))
	copy(batch, rollups)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *repoStub) ListRollups(context.Context, string, int) ([]domain.MetricRollup, error) {
	return nil, nil
}

func (r *repoStub) PruneRollups(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *repoStub) rows() []domain.MetricRollup {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.MetricRollup
	for _, batch := range r.batches {
		out = append(out, batch...)
	}
	return out
}

// feedEngine builds an engine fed by a registry so tests control exactly
// which readings each tick sees.
func feedEngine(cfg Config, hub Publisher, sink ViewSink, repo repository.RollupRepository) (*Engine, *collect.Registry) {
	registry := collect.NewRegistry()
	collector := collect.NewCollector(time.Second, nil)
	collector.Register(registry)
	engine := NewEngine(cfg, collector, NewGenerations(), sink, hub, repo, nil)
	return engine, registry
}

func tickReading(metric string, value float64, at time.Time, tags map[string]string) domain.Reading {
	return domain.Reading{Metric: metric, Value: value, At: at, Tags: tags}
}

func TestEngineAggregatesAcrossTicks(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second, FineCapacity: 60}, nil, nil, nil)
	ctx := context.Background()

	for i, v := range []float64{10, 20, 30} {
		at := engineBase.Add(time.Duration(i) * time.Second)
		registry.Add(tickReading("cpu.load", v, at, nil))
		engine.Tick(ctx, at)
	}

	view, err := engine.BuildView(domain.ViewKey{Type: domain.ViewCurrent, Series: "cpu.load", Resolution: domain.ResolutionFine})
	if err != nil {
		t.Fatalf("build current view: %v", err)
	}
	var current struct {
		Series string   `json:"series"`
		State  string   `json:"state"`
		Value  *float64 `json:"value"`
	}
	if err := json.Unmarshal(view.Data, &current); err != nil {
		t.Fatalf("decode current view: %v", err)
	}
	if current.Series != "cpu.load" || current.State != "filling" {
		t.Fatalf("unexpected current view header: %+v", current)
	}
	if current.Value == nil || *current.Value != 30 {
		t.Fatalf("expected current value 30, got %v", current.Value)
	}

	avgView, err := engine.BuildView(domain.ViewKey{Type: domain.ViewAverage, Series: "cpu.load", Resolution: domain.ResolutionFine, Points: 60})
	if err != nil {
		t.Fatalf("build average view: %v", err)
	}
	var avg struct {
		Count int64    `json:"count"`
		Avg   *float64 `json:"avg"`
		Min   *float64 `json:"min"`
		Max   *float64 `json:"max"`
	}
	if err := json.Unmarshal(avgView.Data, &avg); err != nil {
		t.Fatalf("decode average view: %v", err)
	}
	if avg.Count != 3 || avg.Avg == nil || *avg.Avg != 20 {
		t.Fatalf("expected count 3 avg 20, got %+v", avg)
	}
	if *avg.Min != 10 || *avg.Max != 30 {
		t.Fatalf("expected min 10 max 30, got %+v", avg)
	}

	stats := engine.Stats()
	if stats.Ticks != 3 || stats.Ingested != 3 || stats.WindowCount != 1 {
		t.Fatalf("unexpected engine stats: %+v", stats)
	}
}

func TestEngineViewDeterminism(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second}, nil, nil, nil)
	registry.Add(tickReading("cpu.load", 0.7, engineBase, nil))
	engine.Tick(context.Background(), engineBase)

	key := domain.ViewKey{Type: domain.ViewSeries, Series: "cpu.load", Resolution: domain.ResolutionFine, Points: 10}
	first, err := engine.BuildView(key)
	if err != nil {
		t.Fatalf("build view: %v", err)
	}
	second, err := engine.BuildView(key)
	if err != nil {
		t.Fatalf("rebuild view: %v", err)
	}
	if first.Generation != second.Generation {
		t.Fatalf("generation changed without a tick: %d then %d", first.Generation, second.Generation)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Fatalf("same window state must yield byte-identical views:\n%s\n%s", first.Data, second.Data)
	}
}

func TestEngineGenerationBumpsOncePerDirtyTick(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second}, nil, nil, nil)
	ctx := context.Background()

	registry.Add(tickReading("cpu.load", 1, engineBase, nil))
	engine.Tick(ctx, engineBase)
	if got := engine.Generation("cpu.load"); got != 1 {
		t.Fatalf("expected generation 1 after first dirty tick, got %d", got)
	}

	registry.Add(tickReading("cpu.load", 2, engineBase.Add(time.Second), nil))
	engine.Tick(ctx, engineBase.Add(time.Second))
	if got := engine.Generation("cpu.load"); got != 2 {
		t.Fatalf("expected generation 2 after second dirty tick, got %d", got)
	}

	// A tick with no readings leaves every generation untouched.
	engine.Tick(ctx, engineBase.Add(2*time.Second))
	if got := engine.Generation("cpu.load"); got != 2 {
		t.Fatalf("clean tick must not bump, got %d", got)
	}
}

func TestEngineTaggedSeriesBumpMetricScope(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second}, nil, nil, nil)
	registry.Add(tickReading("http.requests", 4, engineBase, map[string]string{"route": "a"}))
	engine.Tick(context.Background(), engineBase)

	if got := engine.Generation("http.requests{route=a}"); got != 1 {
		t.Fatalf("series scope not bumped, got %d", got)
	}
	if got := engine.Generation("http.requests"); got != 1 {
		t.Fatalf("bare metric scope not bumped, got %d", got)
	}
}

func TestEngineDropsMalformedAndLate(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second, FineCapacity: 2}, nil, nil, nil)
	ctx := context.Background()

	registry.Add(tickReading("", 1, engineBase, nil))
	registry.Add(tickReading("cpu.load", 1, engineBase, nil))
	engine.Tick(ctx, engineBase)

	stats := engine.Stats()
	if stats.DroppedMalformed != 1 || stats.Ingested != 1 {
		t.Fatalf("expected 1 malformed drop and 1 ingested, got %+v", stats)
	}

	// A reading far behind the fine ring is dropped as late.
	registry.Add(tickReading("cpu.load", 2, engineBase.Add(-time.Minute), nil))
	engine.Tick(ctx, engineBase.Add(time.Second))
	stats = engine.Stats()
	if stats.DroppedLate != 1 {
		t.Fatalf("expected 1 late drop, got %+v", stats)
	}
	if got := engine.Generation("cpu.load"); got != 1 {
		t.Fatalf("dropped readings must not dirty the series, got generation %d", got)
	}
}

func TestEngineUnknownSeries(t *testing.T) {
	engine, _ := feedEngine(Config{}, nil, nil, nil)
	_, err := engine.BuildView(domain.ViewKey{Type: domain.ViewCurrent, Series: "ghost"})
	if !errors.Is(err, ErrUnknownSeries) {
		t.Fatalf("expected ErrUnknownSeries, got %v", err)
	}

	if _, err := engine.BuildView(domain.ViewKey{Type: "bogus", Series: "cpu.load"}); err == nil {
		t.Fatalf("expected error for invalid view type")
	}
	if _, err := engine.BuildView(domain.ViewKey{Type: domain.ViewCurrent, Series: "cpu.load", Resolution: "nano"}); err == nil {
		t.Fatalf("expected error for invalid resolution")
	}
}

func TestEngineHotViewPublishing(t *testing.T) {
	hub := newPublisherStub()
	sink := &sinkStub{}
	engine, registry := feedEngine(Config{TickInterval: time.Second, HotSeries: []string{"cpu.load"}}, hub, sink, nil)
	ctx := context.Background()

	registry.Add(tickReading("cpu.load", 0.5, engineBase, nil))
	engine.Tick(ctx, engineBase)

	if got := hub.count(LiveRoom); got != 1 {
		t.Fatalf("expected 1 live message, got %d", got)
	}
	if got := hub.count(SeriesRoomPrefix + "cpu.load"); got != 1 {
		t.Fatalf("expected 1 series room message on dirty tick, got %d", got)
	}
	msg, _ := hub.last(LiveRoom)
	if msg.Type != domain.MessageMetricUpdate {
		t.Fatalf("expected metric_update, got %s", msg.Type)
	}
	var live struct {
		Tick   uint64            `json:"tick"`
		Series []json.RawMessage `json:"series"`
	}
	if err := json.Unmarshal(msg.Data, &live); err != nil {
		t.Fatalf("decode live payload: %v", err)
	}
	if live.Tick != 1 || len(live.Series) != 1 {
		t.Fatalf("unexpected live payload: tick=%d series=%d", live.Tick, len(live.Series))
	}

	// Eager refresh hands every hot key to the sink.
	if got := len(sink.keys()); got != len(hotKeysFor("cpu.load")) {
		t.Fatalf("expected %d cached hot views, got %d", len(hotKeysFor("cpu.load")), got)
	}

	// A clean tick still refreshes the live room but not the series room.
	engine.Tick(ctx, engineBase.Add(time.Second))
	if got := hub.count(LiveRoom); got != 2 {
		t.Fatalf("expected live message every tick, got %d", got)
	}
	if got := hub.count(SeriesRoomPrefix + "cpu.load"); got != 1 {
		t.Fatalf("series room must stay quiet on clean ticks, got %d", got)
	}
}

func TestEngineTopNRanking(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second}, nil, nil, nil)
	ctx := context.Background()

	registry.Add(tickReading("http.requests", 30, engineBase, map[string]string{"route": "a"}))
	registry.Add(tickReading("http.requests", 50, engineBase, map[string]string{"route": "b"}))
	registry.Add(tickReading("http.requests", 50, engineBase, map[string]string{"route": "c"}))
	registry.Add(tickReading("other.metric", 99, engineBase, map[string]string{"route": "z"}))
	engine.Tick(ctx, engineBase)

	view, err := engine.BuildView(domain.ViewKey{
		Type:       domain.ViewTopN,
		Series:     "http.requests",
		Resolution: domain.ResolutionFine,
		Points:     2,
		Param:      "route",
	})
	if err != nil {
		t.Fatalf("build topn view: %v", err)
	}
	var payload struct {
		Metric  string `json:"metric"`
		Limit   int    `json:"limit"`
		Entries []struct {
			TagValue string  `json:"tag_value"`
			Sum      float64 `json:"sum"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(view.Data, &payload); err != nil {
		t.Fatalf("decode topn view: %v", err)
	}
	if payload.Metric != "http.requests" || payload.Limit != 2 {
		t.Fatalf("unexpected topn header: %+v", payload)
	}
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Entries))
	}
	// Equal sums order by tag value; the third route falls off the limit.
	if payload.Entries[0].TagValue != "b" || payload.Entries[1].TagValue != "c" {
		t.Fatalf("unexpected ranking: %+v", payload.Entries)
	}
}

func TestEnginePercentilesView(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second}, nil, nil, nil)
	ctx := context.Background()

	// One reading per tick makes each bucket mean equal its reading.
	for i, v := range []float64{100, 200, 300, 400} {
		at := engineBase.Add(time.Duration(i) * time.Second)
		registry.Add(tickReading("req.latency", v, at, nil))
		engine.Tick(ctx, at)
	}

	view, err := engine.BuildView(domain.ViewKey{Type: domain.ViewPercentiles, Series: "req.latency", Resolution: domain.ResolutionFine})
	if err != nil {
		t.Fatalf("build percentiles view: %v", err)
	}
	var payload struct {
		Samples int      `json:"samples"`
		P50     *float64 `json:"p50"`
		P99     *float64 `json:"p99"`
		Min     *float64 `json:"min"`
		Max     *float64 `json:"max"`
	}
	if err := json.Unmarshal(view.Data, &payload); err != nil {
		t.Fatalf("decode percentiles view: %v", err)
	}
	if payload.Samples != 4 {
		t.Fatalf("expected 4 samples, got %d", payload.Samples)
	}
	if payload.P50 == nil || *payload.P50 != 250 {
		t.Fatalf("expected interpolated p50 250, got %v", payload.P50)
	}
	if payload.P99 == nil || *payload.P99 <= 390 || *payload.P99 > 400 {
		t.Fatalf("expected p99 just under the max, got %v", payload.P99)
	}
	if *payload.Min != 100 || *payload.Max != 400 {
		t.Fatalf("expected min 100 max 400, got %+v", payload)
	}
}

func TestEnginePersistsEvictedRollups(t *testing.T) {
	repo := &repoStub{}
	engine, registry := feedEngine(Config{TickInterval: time.Second, FineCapacity: 2, CoarseSpan: 2 * time.Second}, nil, nil, repo)
	ctx := context.Background()

	for i, v := range []float64{10, 20, 30} {
		at := engineBase.Add(time.Duration(i) * time.Second)
		registry.Add(tickReading("cpu.load", v, at, nil))
		engine.Tick(ctx, at)
	}

	rows := repo.rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted rollup, got %d", len(rows))
	}
	if rows[0].Count != 1 || rows[0].Sum != 10 || !rows[0].BucketStart.Equal(engineBase) {
		t.Fatalf("unexpected persisted row: %+v", rows[0])
	}
}

func TestEnginePersistFailureDoesNotBreakTick(t *testing.T) {
	repo := &repoStub{err: errors.New("database down")}
	engine, registry := feedEngine(Config{TickInterval: time.Second, FineCapacity: 2, CoarseSpan: 2 * time.Second}, nil, nil, repo)
	ctx := context.Background()

	for i, v := range []float64{10, 20, 30, 40} {
		at := engineBase.Add(time.Duration(i) * time.Second)
		registry.Add(tickReading("cpu.load", v, at, nil))
		engine.Tick(ctx, at)
	}

	// Ticks keep aggregating even while persistence fails.
	stats := engine.Stats()
	if stats.Ticks != 4 || stats.Ingested != 4 {
		t.Fatalf("engine must survive persist failures: %+v", stats)
	}
	view, err := engine.BuildView(domain.ViewKey{Type: domain.ViewCurrent, Series: "cpu.load"})
	if err != nil {
		t.Fatalf("build view after persist failures: %v", err)
	}
	var current struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(view.Data, &current); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if current.Value == nil || *current.Value != 40 {
		t.Fatalf("expected current value 40, got %v", current.Value)
	}
}

func TestEngineRunFlushesOnShutdown(t *testing.T) {
	repo := &repoStub{}
	engine, registry := feedEngine(Config{TickInterval: time.Second, CoarseSpan: 2 * time.Second}, nil, nil, repo)

	registry.Add(tickReading("cpu.load", 10, engineBase, nil))
	engine.Tick(context.Background(), engineBase)
	registry.Add(tickReading("cpu.load", 20, engineBase.Add(time.Second), nil))
	engine.Tick(context.Background(), engineBase.Add(time.Second))

	// Run with a cancelled context performs only the shutdown flush.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine.Run(ctx)

	rows := repo.rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 flushed rollup span, got %d", len(rows))
	}
	if rows[0].Count != 2 || rows[0].Sum != 30 || rows[0].Last != 20 {
		t.Fatalf("unexpected flushed row: %+v", rows[0])
	}
}

func TestEngineSeriesSorted(t *testing.T) {
	engine, registry := feedEngine(Config{TickInterval: time.Second}, nil, nil, nil)
	registry.Add(tickReading("zeta", 1, engineBase, nil))
	registry.Add(tickReading("alpha", 1, engineBase, nil))
	registry.Add(tickReading("mid", 1, engineBase, nil))
	engine.Tick(context.Background(), engineBase)

	series := engine.Series()
	if len(series) != 3 || series[0] != "alpha" || series[1] != "mid" || series[2] != "zeta" {
		t.Fatalf("expected sorted series listing, got %v", series)
	}
}

func TestEnginePreloadKeys(t *testing.T) {
	engine, _ := feedEngine(Config{HotSeries: []string{"cpu.load", "mem.used"}}, nil, nil, nil)
	keys := engine.PreloadKeys()
	if len(keys) != 6 {
		t.Fatalf("expected 3 hot keys per series, got %d", len(keys))
	}
	if keys[0].Type != domain.ViewCurrent || keys[0].Series != "cpu.load" {
		t.Fatalf("unexpected first hot key: %+v", keys[0])
	}
}
