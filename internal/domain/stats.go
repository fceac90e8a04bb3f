package domain

// BucketStats aggregates every reading that landed in one time bucket.
type BucketStats struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Last  float64
}

// Observe folds one value into the bucket.
func (s *BucketStats) Observe(v float64) {
	if s.Count == 0 {
		s.Min = v
		s.Max = v
	} else {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Count++
	s.Sum += v
	s.Last = v
}

// Merge folds another bucket into this one. The other bucket is assumed to
// cover a later span, so its Last wins when it holds data.
func (s *BucketStats) Merge(o BucketStats) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = o
		return
	}
	if o.Min < s.Min {
		s.Min = o.Min
	}
	if o.Max > s.Max {
		s.Max = o.Max
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Last = o.Last
}

// Avg returns the arithmetic mean, zero when the bucket is empty.
func (s BucketStats) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}
