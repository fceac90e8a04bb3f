package domain

import "time"

// MetricRollup stores one folded bucket for durable retention.
type MetricRollup struct {
	Series      string
	BucketStart time.Time
	BucketSpan  time.Duration
	Count       int64
	Sum         float64
	Min         float64
	Max         float64
	Last        float64
	UpdatedAt   time.Time
}
