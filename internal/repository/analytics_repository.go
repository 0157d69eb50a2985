package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
)

// AnalyticsRepository upserts and reads analytics_snapshots.
type AnalyticsRepository struct {
	db *database.DB
}

// NewAnalyticsRepository creates a new AnalyticsRepository.
func NewAnalyticsRepository(db *database.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

const snapshotColumns = `
	institution_id, data_type, day,
	total_submitted, total_approved, total_rejected, total_cancelled,
	total_pending, total_overdue, total_long_pending,
	avg_latency_seconds, level_latency, bottlenecks`

// UpsertSnapshot overwrites the row for the snapshot's key.
func (r *AnalyticsRepository) UpsertSnapshot(ctx context.Context, s *AnalyticsSnapshot) error {
	levelsJSON, err := json.Marshal(s.LevelLatency)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal level latency")
	}
	bottlenecks := s.Bottlenecks
	if bottlenecks == nil {
		bottlenecks = []Bottleneck{}
	}
	bottlenecksJSON, err := json.Marshal(bottlenecks)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal bottlenecks")
	}

	query := `
		INSERT INTO analytics_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3,
		        $4, $5, $6, $7,
		        $8, $9, $10,
		        $11, $12, $13)
		ON CONFLICT (institution_id, data_type, day) DO UPDATE SET
		    total_submitted     = EXCLUDED.total_submitted,
		    total_approved      = EXCLUDED.total_approved,
		    total_rejected      = EXCLUDED.total_rejected,
		    total_cancelled     = EXCLUDED.total_cancelled,
		    total_pending       = EXCLUDED.total_pending,
		    total_overdue       = EXCLUDED.total_overdue,
		    total_long_pending  = EXCLUDED.total_long_pending,
		    avg_latency_seconds = EXCLUDED.avg_latency_seconds,
		    level_latency       = EXCLUDED.level_latency,
		    bottlenecks         = EXCLUDED.bottlenecks
	`

	_, err = r.db.Exec(ctx, query,
		s.InstitutionID,
		s.DataType,
		s.Day,
		s.TotalSubmitted,
		s.TotalApproved,
		s.TotalRejected,
		s.TotalCancelled,
		s.TotalPending,
		s.TotalOverdue,
		s.TotalLongPending,
		s.AvgLatencySeconds,
		levelsJSON,
		bottlenecksJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert analytics snapshot")
	}
	return nil
}

// GetSnapshot returns the row for key.
func (r *AnalyticsRepository) GetSnapshot(ctx context.Context, key SnapshotKey) (*AnalyticsSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM analytics_snapshots
		WHERE institution_id = $1 AND data_type = $2 AND day = $3
	`

	s, err := r.scanSnapshot(r.db.QueryRow(ctx, query, key.InstitutionID, key.DataType, key.Day))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("analytics_snapshot", key.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get analytics snapshot")
	}
	return s, nil
}

// ListSnapshots returns snapshots ordered by day.
func (r *AnalyticsRepository) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*AnalyticsSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM analytics_snapshots
		WHERE ($1 = '' OR institution_id = $1)
		  AND ($2 = '' OR data_type = $2)
		  AND ($3::date IS NULL OR day >= $3::date)
		  AND ($4::date IS NULL OR day <= $4::date)
		ORDER BY day ASC, institution_id ASC, data_type ASC
	`

	rows, err := r.db.Query(ctx, query, filter.InstitutionID, filter.DataType, filter.From, filter.To)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list analytics snapshots")
	}
	defer rows.Close()

	var out []*AnalyticsSnapshot
	for rows.Next() {
		s, err := r.scanSnapshot(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan analytics snapshot")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type snapshotScanner interface {
	Scan(dest ...any) error
}

func (r *AnalyticsRepository) scanSnapshot(row snapshotScanner) (*AnalyticsSnapshot, error) {
	s := &AnalyticsSnapshot{}
	var levelsJSON, bottlenecksJSON []byte

	err := row.Scan(
		&s.InstitutionID,
		&s.DataType,
		&s.Day,
		&s.TotalSubmitted,
		&s.TotalApproved,
		&s.TotalRejected,
		&s.TotalCancelled,
		&s.TotalPending,
		&s.TotalOverdue,
		&s.TotalLongPending,
		&s.AvgLatencySeconds,
		&levelsJSON,
		&bottlenecksJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(levelsJSON, &s.LevelLatency); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bottlenecksJSON, &s.Bottlenecks); err != nil {
		return nil, err
	}
	return s, nil
}
