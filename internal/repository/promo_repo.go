package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PromoRepo backs the "first lesson free" grant with a durable, atomically
// incremented counter instead of a process-wide variable, so the cap
// survives restarts and concurrent claims.
type PromoRepo struct {
	pool *pgxpool.Pool
}

func NewPromoRepo(pool *pgxpool.Pool) *PromoRepo {
	return &PromoRepo{pool: pool}
}

// TryClaim consumes one free-lesson grant for the user. Returns false when
// the campaign cap is exhausted or the user already claimed one. Both writes
// run in one transaction with the claim insert first: of two concurrent
// claims by the same user exactly one inserts the claim row, so only that
// one can reach the counter.
func (r *PromoRepo) TryClaim(ctx context.Context, promoCode string, userID uuid.UUID) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	claimed, err := tx.Exec(ctx, `
		INSERT INTO promo_claims (promo_code, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, promoCode, userID)
	if err != nil {
		return false, err
	}
	if claimed.RowsAffected() == 0 {
		return false, nil
	}
	granted, err := tx.Exec(ctx, `
		UPDATE promo_grants SET used = used + 1, updated_at = now()
		WHERE code = $1 AND used < cap
	`, promoCode)
	if err != nil {
		return false, err
	}
	if granted.RowsAffected() == 0 {
		// Cap exhausted; the rollback releases the claim row.
		return false, nil
	}
	return true, tx.Commit(ctx)
}

// Remaining reports how many grants are left for a campaign.
func (r *PromoRepo) Remaining(ctx context.Context, promoCode string) (int, error) {
	var remaining int
	err := r.pool.QueryRow(ctx, `
		SELECT cap - used FROM promo_grants WHERE code = $1
	`, promoCode).Scan(&remaining)
	return remaining, err
}
