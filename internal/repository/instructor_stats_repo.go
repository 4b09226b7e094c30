package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InstructorStatsRepo tracks per-instructor counters fed by the check-in
// pipeline.
type InstructorStatsRepo struct {
	pool *pgxpool.Pool
}

func NewInstructorStatsRepo(pool *pgxpool.Pool) *InstructorStatsRepo {
	return &InstructorStatsRepo{pool: pool}
}

// IncrementScanCount bumps the instructor's QR scan counter, creating the
// stats row on first scan.
func (r *InstructorStatsRepo) IncrementScanCount(ctx context.Context, instructorID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO instructor_stats (instructor_id, scan_count) VALUES ($1, 1)
		ON CONFLICT (instructor_id) DO UPDATE SET scan_count = instructor_stats.scan_count + 1, updated_at = now()
	`, instructorID)
	return err
}
