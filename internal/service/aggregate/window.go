package aggregate

import (
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

// WindowState describes how much history a window has accumulated.
type WindowState string

const (
	WindowEmpty   WindowState = "empty"
	WindowFilling WindowState = "filling"
	WindowSteady  WindowState = "steady"
)

// Bucket is one time slot of a window. Start times are aligned to the ring
// span; adjacent materialized buckets always differ by exactly one span.
type Bucket struct {
	Start   time.Time
	Stats   domain.BucketStats
	HasData bool
}

// ring is a fixed-capacity sequence of contiguous buckets. The zero slot
// layout is circular: head points at the newest bucket.
type ring struct {
	buckets []Bucket
	span    time.Duration
	head    int
	size    int
}

func newRing(span time.Duration, capacity int) ring {
	return ring{buckets: make([]Bucket, capacity), span: span}
}

func (r *ring) cap() int { return len(r.buckets) }

func (r *ring) newest() *Bucket {
	if r.size == 0 {
		return nil
	}
	return &r.buckets[r.head]
}

// fromNewest returns the bucket `back` steps behind the newest one.
func (r *ring) fromNewest(back int) *Bucket {
	if back < 0 || back >= r.size {
		return nil
	}
	idx := (r.head - back + r.cap()) % r.cap()
	return &r.buckets[idx]
}

// push appends a bucket, evicting the oldest when full.
func (r *ring) push(b Bucket) (evicted Bucket, ok bool) {
	if r.size == 0 {
		r.head = 0
		r.buckets[0] = b
		r.size = 1
		return Bucket{}, false
	}
	r.head = (r.head + 1) % r.cap()
	if r.size < r.cap() {
		r.size++
	} else {
		evicted, ok = r.buckets[r.head], true
	}
	r.buckets[r.head] = b
	return evicted, ok
}

// advanceTo materializes empty buckets until the newest covers target, which
// must be span-aligned. Evicted buckets return in oldest-first order. A gap
// wider than the whole ring resets it: everything evicts and one fresh bucket
// starts at target.
func (r *ring) advanceTo(target time.Time) []Bucket {
	if r.size == 0 {
		r.push(Bucket{Start: target})
		return nil
	}
	newest := r.newest().Start
	if !target.After(newest) {
		return nil
	}
	steps := int(target.Sub(newest) / r.span)
	if steps > r.cap()+r.size {
		evicted := r.tail(r.size)
		r.size = 0
		r.push(Bucket{Start: target})
		return evicted
	}
	var evicted []Bucket
	for i := 1; i <= steps; i++ {
		if ev, ok := r.push(Bucket{Start: newest.Add(time.Duration(i) * r.span)}); ok {
			evicted = append(evicted, ev)
		}
	}
	return evicted
}

// tail copies the oldest n materialized buckets in chronological order.
func (r *ring) tail(n int) []Bucket {
	if n > r.size {
		n = r.size
	}
	out := make([]Bucket, 0, n)
	for back := r.size - 1; back >= r.size-n; back-- {
		out = append(out, *r.fromNewest(back))
	}
	return out
}

// recent copies the newest n materialized buckets in chronological order,
// everything when n <= 0.
func (r *ring) recent(n int) []Bucket {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Bucket, 0, n)
	for back := n - 1; back >= 0; back-- {
		out = append(out, *r.fromNewest(back))
	}
	return out
}

// Window holds the bounded history of one series: a fine ring at tick
// resolution and a coarse ring fed by fine evictions. All methods assume the
// engine's write lock; only snapshot copies leave the window.
type Window struct {
	series   string
	unit     string
	fine     ring
	coarse   ring
	dirty    bool
	everData bool
}

// NewWindow builds an empty window. coarseSpan must be a multiple of
// fineSpan; the engine normalizes configuration before construction.
func NewWindow(series string, fineSpan time.Duration, fineCap int, coarseSpan time.Duration, coarseCap int) *Window {
	return &Window{
		series: series,
		fine:   newRing(fineSpan, fineCap),
		coarse: newRing(coarseSpan, coarseCap),
	}
}

// Advance moves the fine ring to the bucket containing now, materializing
// empty buckets over any gap and folding evictions into the coarse ring.
// It returns upsert rows for every coarse bucket the fold touched.
func (w *Window) Advance(now time.Time) []domain.MetricRollup {
	target := now.Truncate(w.fine.span)
	evicted := w.fine.advanceTo(target)
	if len(evicted) == 0 {
		return nil
	}
	touched := make(map[time.Time]Bucket)
	for i := range evicted {
		ev := evicted[i]
		cs := ev.Start.Truncate(w.coarse.span)
		w.coarse.advanceTo(cs)
		cur := w.coarse.newest()
		if ev.HasData {
			cur.Stats.Merge(ev.Stats)
			cur.HasData = true
			touched[cs] = *cur
		}
	}
	if len(touched) == 0 {
		return nil
	}
	rows := make([]domain.MetricRollup, 0, len(touched))
	for _, b := range touched {
		rows = append(rows, w.rollupRow(b))
	}
	return rows
}

// Observe folds one value into the bucket covering at. Values newer than the
// current bucket clamp into it (clock skew within the validation bound);
// values older than the fine ring are rejected.
func (w *Window) Observe(at time.Time, value float64, unit string) bool {
	cur := w.fine.newest()
	if cur == nil {
		return false
	}
	target := cur
	if at.Before(cur.Start) {
		back := int(cur.Start.Sub(at.Truncate(w.fine.span)) / w.fine.span)
		target = w.fine.fromNewest(back)
		if target == nil {
			return false
		}
	}
	target.Stats.Observe(value)
	target.HasData = true
	if unit != "" {
		w.unit = unit
	}
	w.dirty = true
	w.everData = true
	return true
}

// Buckets returns chronological copies of the newest n buckets of the chosen
// ring, everything when n <= 0.
func (w *Window) Buckets(res domain.Resolution, n int) []Bucket {
	if res == domain.ResolutionCoarse {
		return w.coarse.recent(n)
	}
	return w.fine.recent(n)
}

// Span returns the bucket span of the chosen ring.
func (w *Window) Span(res domain.Resolution) time.Duration {
	if res == domain.ResolutionCoarse {
		return w.coarse.span
	}
	return w.fine.span
}

// Unit returns the unit last observed on this series.
func (w *Window) Unit() string { return w.unit }

// State reports the fill progression of the fine ring.
func (w *Window) State() WindowState {
	if !w.everData {
		return WindowEmpty
	}
	if w.fine.size < w.fine.cap() {
		return WindowFilling
	}
	return WindowSteady
}

// FlushRows snapshots every coarse-span bucket that still holds unpersisted
// fine data, merging the live fine ring into coarse copies without mutating
// either ring. Used on shutdown.
func (w *Window) FlushRows() []domain.MetricRollup {
	merged := make(map[time.Time]Bucket)
	if cur := w.coarse.newest(); cur != nil && cur.HasData {
		merged[cur.Start] = *cur
	}
	for _, b := range w.fine.recent(0) {
		if !b.HasData {
			continue
		}
		cs := b.Start.Truncate(w.coarse.span)
		agg := merged[cs]
		agg.Start = cs
		agg.Stats.Merge(b.Stats)
		agg.HasData = true
		merged[cs] = agg
	}
	rows := make([]domain.MetricRollup, 0, len(merged))
	for _, b := range merged {
		rows = append(rows, w.rollupRow(b))
	}
	return rows
}

func (w *Window) rollupRow(b Bucket) domain.MetricRollup {
	return domain.MetricRollup{
		Series:      w.series,
		BucketStart: b.Start,
		BucketSpan:  w.coarse.span,
		Count:       b.Stats.Count,
		Sum:         b.Stats.Sum,
		Min:         b.Stats.Min,
		Max:         b.Stats.Max,
		Last:        b.Stats.Last,
	}
}

func (w *Window) takeDirty() bool {
	d := w.dirty
	w.dirty = false
	return d
}
