package domain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Reading is a single metric observation produced by a source.
type Reading struct {
	Metric string
	Value  float64
	Unit   string
	At     time.Time
	Tags   map[string]string
}

// ErrMalformedReading marks readings that must be dropped before aggregation.
var ErrMalformedReading = errors.New("malformed reading")

// maxFutureSkew bounds how far ahead of the server clock a reading may claim to be.
const maxFutureSkew = 5 * time.Minute

// Validate reports whether the reading is usable at the given instant.
func (r Reading) Validate(now time.Time) error {
	if strings.TrimSpace(r.Metric) == "" {
		return fmt.Errorf("%w: empty metric name", ErrMalformedReading)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: non-finite value", ErrMalformedReading)
	}
	if r.At.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrMalformedReading)
	}
	if r.At.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("%w: timestamp %s too far in the future", ErrMalformedReading, r.At.Format(time.RFC3339))
	}
	return nil
}

// Series returns the canonical series identity for the reading.
func (r Reading) Series() string {
	return SeriesKey(r.Metric, r.Tags)
}

// SeriesKey canonicalizes a metric name plus tags into a stable series
// identifier: "name" without tags, "name{k=v,k2=v2}" with tag keys sorted.
func SeriesKey(metric string, tags map[string]string) string {
	metric = strings.TrimSpace(metric)
	if len(tags) == 0 {
		return metric
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// SeriesMetric returns the metric-name portion of a canonical series key.
func SeriesMetric(series string) string {
	if i := strings.IndexByte(series, '{'); i >= 0 {
		return series[:i]
	}
	return series
}

// SeriesTag extracts one tag value from a canonical series key, with ok=false
// when the key carries no such tag.
func SeriesTag(series, tag string) (string, bool) {
	open := strings.IndexByte(series, '{')
	if open < 0 || !strings.HasSuffix(series, "}") {
		return "", false
	}
	for _, pair := range strings.Split(series[open+1:len(series)-1], ",") {
		k, v, found := strings.Cut(pair, "=")
		if found && k == tag {
			return v, true
		}
	}
	return "", false
}
