package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

// View payload shapes. Every field is derived from window contents alone, so
// building the same key at the same generation yields byte-identical JSON.

type currentPayload struct {
	Series      string     `json:"series"`
	Unit        string     `json:"unit,omitempty"`
	State       string     `json:"state"`
	BucketStart *time.Time `json:"bucket_start,omitempty"`
	Value       *float64   `json:"value,omitempty"`
}

type averagePayload struct {
	Series  string   `json:"series"`
	Unit    string   `json:"unit,omitempty"`
	Buckets int      `json:"buckets"`
	Count   int64    `json:"count"`
	Avg     *float64 `json:"avg,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

type percentilesPayload struct {
	Series  string   `json:"series"`
	Unit    string   `json:"unit,omitempty"`
	Buckets int      `json:"buckets"`
	Samples int      `json:"samples"`
	P50     *float64 `json:"p50,omitempty"`
	P90     *float64 `json:"p90,omitempty"`
	P99     *float64 `json:"p99,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

type seriesPoint struct {
	Start time.Time `json:"start"`
	Empty bool      `json:"empty,omitempty"`
	Count int64     `json:"count,omitempty"`
	Avg   *float64  `json:"avg,omitempty"`
	Min   *float64  `json:"min,omitempty"`
	Max   *float64  `json:"max,omitempty"`
	Last  *float64  `json:"last,omitempty"`
}

type seriesPayload struct {
	Series      string        `json:"series"`
	Unit        string        `json:"unit,omitempty"`
	Resolution  string        `json:"resolution"`
	SpanSeconds float64       `json:"span_seconds"`
	Points      []seriesPoint `json:"points"`
}

type topEntry struct {
	TagValue string  `json:"tag_value"`
	Series   string  `json:"series"`
	Count    int64   `json:"count"`
	Sum      float64 `json:"sum"`
	Avg      float64 `json:"avg"`
	Last     float64 `json:"last"`
}

type topnPayload struct {
	Metric  string     `json:"metric"`
	Tag     string     `json:"tag"`
	Limit   int        `json:"limit"`
	Entries []topEntry `json:"entries"`
}

func buildCurrent(key domain.ViewKey, win *Window, gen uint64) (domain.View, error) {
	payload := currentPayload{Series: key.Series, Unit: win.Unit(), State: string(win.State())}
	buckets := win.Buckets(key.Resolution, key.Points)
	for i := len(buckets) - 1; i >= 0; i-- {
		if buckets[i].HasData {
			v := buckets[i].Stats.Last
			start := buckets[i].Start
			payload.Value = &v
			payload.BucketStart = &start
			break
		}
	}
	return marshalView(key, gen, payload)
}

func buildAverage(key domain.ViewKey, win *Window, gen uint64) (domain.View, error) {
	buckets := win.Buckets(key.Resolution, key.Points)
	payload := averagePayload{Series: key.Series, Unit: win.Unit(), Buckets: len(buckets)}
	var agg domain.BucketStats
	for _, b := range buckets {
		if b.HasData {
			agg.Merge(b.Stats)
		}
	}
	payload.Count = agg.Count
	if agg.Count > 0 {
		avg, min, max := agg.Avg(), agg.Min, agg.Max
		payload.Avg = &avg
		payload.Min = &min
		payload.Max = &max
	}
	return marshalView(key, gen, payload)
}

// buildPercentiles estimates percentile bands across the window. Buckets keep
// count/sum/min/max/last rather than raw samples, so the bands interpolate
// over bucket means, one sample per non-empty bucket.
func buildPercentiles(key domain.ViewKey, win *Window, gen uint64) (domain.View, error) {
	buckets := win.Buckets(key.Resolution, key.Points)
	payload := percentilesPayload{Series: key.Series, Unit: win.Unit(), Buckets: len(buckets)}
	var samples []float64
	var agg domain.BucketStats
	for _, b := range buckets {
		if b.HasData {
			samples = append(samples, b.Stats.Avg())
			agg.Merge(b.Stats)
		}
	}
	payload.Samples = len(samples)
	if len(samples) > 0 {
		sort.Float64s(samples)
		p50 := percentile(samples, 0.50)
		p90 := percentile(samples, 0.90)
		p99 := percentile(samples, 0.99)
		min, max := agg.Min, agg.Max
		payload.P50 = &p50
		payload.P90 = &p90
		payload.P99 = &p99
		payload.Min = &min
		payload.Max = &max
	}
	return marshalView(key, gen, payload)
}

func buildSeries(key domain.ViewKey, win *Window, gen uint64) (domain.View, error) {
	buckets := win.Buckets(key.Resolution, key.Points)
	payload := seriesPayload{
		Series:      key.Series,
		Unit:        win.Unit(),
		Resolution:  string(key.Resolution),
		SpanSeconds: win.Span(key.Resolution).Seconds(),
		Points:      make([]seriesPoint, 0, len(buckets)),
	}
	for _, b := range buckets {
		point := seriesPoint{Start: b.Start}
		if !b.HasData {
			point.Empty = true
		} else {
			avg, min, max, last := b.Stats.Avg(), b.Stats.Min, b.Stats.Max, b.Stats.Last
			point.Count = b.Stats.Count
			point.Avg = &avg
			point.Min = &min
			point.Max = &max
			point.Last = &last
		}
		payload.Points = append(payload.Points, point)
	}
	return marshalView(key, gen, payload)
}

// buildTopN ranks the tagged children of a metric by activity over the chosen
// ring. Ties break on the tag value so the ordering is stable.
func buildTopN(key domain.ViewKey, windows map[string]*Window, gen uint64) (domain.View, error) {
	tag := key.Param
	limit := key.Points
	if limit <= 0 {
		limit = 10
	}
	payload := topnPayload{Metric: key.Series, Tag: tag, Limit: limit, Entries: []topEntry{}}
	for series, win := range windows {
		if domain.SeriesMetric(series) != key.Series {
			continue
		}
		value, ok := domain.SeriesTag(series, tag)
		if !ok {
			continue
		}
		var agg domain.BucketStats
		for _, b := range win.Buckets(key.Resolution, 0) {
			if b.HasData {
				agg.Merge(b.Stats)
			}
		}
		if agg.Count == 0 {
			continue
		}
		payload.Entries = append(payload.Entries, topEntry{
			TagValue: value,
			Series:   series,
			Count:    agg.Count,
			Sum:      agg.Sum,
			Avg:      agg.Avg(),
			Last:     agg.Last,
		})
	}
	sort.Slice(payload.Entries, func(i, j int) bool {
		if payload.Entries[i].Sum != payload.Entries[j].Sum {
			return payload.Entries[i].Sum > payload.Entries[j].Sum
		}
		return payload.Entries[i].TagValue < payload.Entries[j].TagValue
	})
	if len(payload.Entries) > limit {
		payload.Entries = payload.Entries[:limit]
	}
	return marshalView(key, gen, payload)
}

func marshalView(key domain.ViewKey, gen uint64, payload any) (domain.View, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.View{}, fmt.Errorf("marshal %s view: %w", key.Type, err)
	}
	return domain.View{Key: key, Generation: gen, Data: data}, nil
}

// percentile interpolates linearly between the two samples straddling p.
// values must be sorted ascending.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}
