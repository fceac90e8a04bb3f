package repository

import (
	"context"
	"time"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
)

// RollupRepository persists folded coarse buckets. The engine runs without
// one; a nil repository means rollups stay in memory only.
type RollupRepository interface {
	UpsertRollups(ctx context.Context, rollups []domain.MetricRollup) error
	ListRollups(ctx context.Context, series string, limit int) ([]domain.MetricRollup, error)
	PruneRollups(ctx context.Context, olderThan time.Time) (int64, error)
}
