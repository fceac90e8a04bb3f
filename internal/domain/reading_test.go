package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesKey_BareMetric(t *testing.T) {
	assert.Equal(t, "cpu.load", SeriesKey("cpu.load", nil))
	assert.Equal(t, "cpu.load", SeriesKey("cpu.load", map[string]string{}))
	assert.Equal(t, "cpu.load", SeriesKey("  cpu.load ", nil))
}

func TestSeriesKey_TagsSorted(t *testing.T) {
	tags := map[string]string{"region": "eu", "host": "a"}
	assert.Equal(t, "cpu.load{host=a,region=eu}", SeriesKey("cpu.load", tags))

	// Same tags in any insertion order canonicalize identically.
	other := map[string]string{"host": "a", "region": "eu"}
	assert.Equal(t, SeriesKey("cpu.load", tags), SeriesKey("cpu.load", other))
}

func TestSeriesMetric(t *testing.T) {
	assert.Equal(t, "cpu.load", SeriesMetric("cpu.load"))
	assert.Equal(t, "cpu.load", SeriesMetric("cpu.load{host=a}"))
}

func TestSeriesTag(t *testing.T) {
	v, ok := SeriesTag("http.requests{host=a,route=checkout}", "route")
	require.True(t, ok)
	assert.Equal(t, "checkout", v)

	_, ok = SeriesTag("http.requests{host=a}", "route")
	assert.False(t, ok)

	_, ok = SeriesTag("http.requests", "route")
	assert.False(t, ok)
}

func TestReadingSeries(t *testing.T) {
	r := Reading{Metric: "mem.used", Tags: map[string]string{"host": "b"}}
	assert.Equal(t, "mem.used{host=b}", r.Series())
}

func TestReadingValidate(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := Reading{Metric: "cpu.load", Value: 0.42, At: now}
	require.NoError(t, valid.Validate(now))

	cases := []struct {
		name    string
		reading Reading
	}{
		{"empty metric", Reading{Metric: "", Value: 1, At: now}},
		{"blank metric", Reading{Metric: "   ", Value: 1, At: now}},
		{"nan value", Reading{Metric: "cpu.load", Value: math.NaN(), At: now}},
		{"inf value", Reading{Metric: "cpu.load", Value: math.Inf(1), At: now}},
		{"zero timestamp", Reading{Metric: "cpu.load", Value: 1}},
		{"far future", Reading{Metric: "cpu.load", Value: 1, At: now.Add(6 * time.Minute)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.reading.Validate(now)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedReading)
		})
	}

	// Skew inside the allowance is accepted.
	near := Reading{Metric: "cpu.load", Value: 1, At: now.Add(4 * time.Minute)}
	assert.NoError(t, near.Validate(now))
}
