package domain

import (
	"encoding/json"
	"fmt"
)

// ViewType enumerates the computed view shapes served to dashboards.
type ViewType string

const (
	ViewCurrent     ViewType = "current"
	ViewAverage     ViewType = "average"
	ViewPercentiles ViewType = "percentiles"
	ViewSeries      ViewType = "series"
	ViewTopN        ViewType = "topn"
)

// Valid reports whether t is a known view type.
func (t ViewType) Valid() bool {
	switch t {
	case ViewCurrent, ViewAverage, ViewPercentiles, ViewSeries, ViewTopN:
		return true
	}
	return false
}

// Resolution selects which ring of a window a view reads from.
type Resolution string

const (
	ResolutionFine   Resolution = "fine"
	ResolutionCoarse Resolution = "coarse"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionFine || r == ResolutionCoarse
}

// ViewKey identifies one computed view. It is comparable and used directly as
// a cache key. Series holds a canonical series key, or a bare metric name for
// topn views that fan out across tagged series. Param carries the view-type
// specific argument (the breakdown tag for topn). Points bounds how many
// buckets the view reads, zero meaning the whole ring.
type ViewKey struct {
	Type       ViewType
	Series     string
	Resolution Resolution
	Points     int
	Param      string
}

// String renders the key for logs and error messages.
func (k ViewKey) String() string {
	return fmt.Sprintf("%s/%s/%s/p%d/%s", k.Type, k.Series, k.Resolution, k.Points, k.Param)
}

// View is an immutable computed snapshot. Data is a pure function of the
// window contents at Generation, so recomputing an unchanged series yields
// byte-identical Data.
type View struct {
	Key        ViewKey
	Generation uint64
	Data       json.RawMessage
}
