package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tangy83/HandyConnect-sub003/internal/domain"
	"github.com/tangy83/HandyConnect-sub003/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.RollupRepository = (*Repository)(nil)

// UpsertRollups writes folded buckets, replacing stats for buckets already
// present. Rows are keyed by series, bucket start and span, so re-flushing a
// bucket that gained data simply updates it.
func (r *Repository) UpsertRollups(ctx context.Context, rollups []domain.MetricRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	const query = `INSERT INTO metric_rollups (
		series,
		bucket_start,
		bucket_span_seconds,
		count,
		sum,
		min,
		max,
		last,
		updated_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,NOW()
	) ON CONFLICT (series, bucket_start, bucket_span_seconds)
	DO UPDATE SET
		count = EXCLUDED.count,
		sum = EXCLUDED.sum,
		min = EXCLUDED.min,
		max = EXCLUDED.max,
		last = EXCLUDED.last,
		updated_at = NOW()`
	batch := &pgx.Batch{}
	for _, rollup := range rollups {
		spanSeconds := int(rollup.BucketSpan.Seconds())
		if spanSeconds <= 0 {
			spanSeconds = 60
		}
		batch.Queue(query,
			rollup.Series,
			rollup.BucketStart,
			spanSeconds,
			rollup.Count,
			rollup.Sum,
			rollup.Min,
			rollup.Max,
			rollup.Last,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rollups {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListRollups returns the most recent persisted buckets for a series.
func (r *Repository) ListRollups(ctx context.Context, series string, limit int) ([]domain.MetricRollup, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT
		series,
		bucket_start,
		bucket_span_seconds,
		count,
		sum,
		min,
		max,
		last,
		updated_at
	FROM metric_rollups
	WHERE series = $1
	ORDER BY bucket_start DESC
	LIMIT $2`
	rows, err := r.pool.Query(ctx, query, series, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rollups := make([]domain.MetricRollup, 0)
	for rows.Next() {
		var (
			rollup      domain.MetricRollup
			spanSeconds int
		)
		if err := rows.Scan(
			&rollup.Series,
			&rollup.BucketStart,
			&spanSeconds,
			&rollup.Count,
			&rollup.Sum,
			&rollup.Min,
			&rollup.Max,
			&rollup.Last,
			&rollup.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rollup.BucketSpan = time.Duration(spanSeconds) * time.Second
		rollups = append(rollups, rollup)
	}
	return rollups, rows.Err()
}

// PruneRollups deletes buckets older than the cutoff and reports how many
// rows went away.
func (r *Repository) PruneRollups(ctx context.Context, olderThan time.Time) (int64, error) {
	const query = `DELETE FROM metric_rollups WHERE bucket_start < $1`
	tag, err := r.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
