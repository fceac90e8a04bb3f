package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStatsObserve(t *testing.T) {
	var s BucketStats
	s.Observe(10)
	require.Equal(t, int64(1), s.Count)
	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 10.0, s.Max)
	assert.Equal(t, 10.0, s.Last)

	s.Observe(4)
	s.Observe(25)
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, 39.0, s.Sum)
	assert.Equal(t, 4.0, s.Min)
	assert.Equal(t, 25.0, s.Max)
	assert.Equal(t, 25.0, s.Last)
}

func TestBucketStatsObserve_NegativeFirst(t *testing.T) {
	// The first value must seed min and max even when it is below zero.
	var s BucketStats
	s.Observe(-3)
	assert.Equal(t, -3.0, s.Min)
	assert.Equal(t, -3.0, s.Max)
}

func TestBucketStatsMerge(t *testing.T) {
	var a BucketStats
	a.Observe(10)
	a.Observe(20)

	var b BucketStats
	b.Observe(5)
	b.Observe(30)

	a.Merge(b)
	assert.Equal(t, int64(4), a.Count)
	assert.Equal(t, 65.0, a.Sum)
	assert.Equal(t, 5.0, a.Min)
	assert.Equal(t, 30.0, a.Max)
	// b covers the later span, so its last observation wins.
	assert.Equal(t, 30.0, a.Last)
}

func TestBucketStatsMerge_Empty(t *testing.T) {
	var a BucketStats
	a.Observe(7)
	before := a

	a.Merge(BucketStats{})
	assert.Equal(t, before, a, "merging an empty bucket must not change anything")

	var fresh BucketStats
	fresh.Merge(a)
	assert.Equal(t, a, fresh, "merging into an empty bucket copies the source")
}

func TestBucketStatsAvg(t *testing.T) {
	var s BucketStats
	assert.Equal(t, 0.0, s.Avg())

	s.Observe(10)
	s.Observe(20)
	s.Observe(30)
	assert.Equal(t, 20.0, s.Avg())
}
