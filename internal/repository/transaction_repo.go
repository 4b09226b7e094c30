package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lessonpass/backend/internal/models"
)

const transactionColumns = `id, wallet_id, type, gross_amount, platform_fee, net_amount, booking_id,
	counterparty_id, counterparty_name, description, status, created_at, completed_at, failed_at`

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// CreateTx appends a ledger row inside the given transaction, pairing it with
// the wallet balance mutation in the same commit.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, wallet_id, type, gross_amount, platform_fee, net_amount, booking_id,
			counterparty_id, counterparty_name, description, status, completed_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`, t.ID, t.WalletID, t.Type, t.GrossAmount, t.PlatformFee, t.NetAmount, t.BookingID,
		t.CounterpartyID, t.CounterpartyName, t.Description, t.Status, t.CompletedAt, t.FailedAt).Scan(&t.CreatedAt)
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	err := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id).Scan(
		&t.ID, &t.WalletID, &t.Type, &t.GrossAmount, &t.PlatformFee, &t.NetAmount, &t.BookingID,
		&t.CounterpartyID, &t.CounterpartyName, &t.Description, &t.Status, &t.CreatedAt, &t.CompletedAt, &t.FailedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) ListByWalletID(ctx context.Context, walletID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE wallet_id = $1 ORDER BY created_at DESC
	`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Type, &t.GrossAmount, &t.PlatformFee, &t.NetAmount, &t.BookingID,
			&t.CounterpartyID, &t.CounterpartyName, &t.Description, &t.Status, &t.CreatedAt, &t.CompletedAt, &t.FailedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

// CountByBookingID reports how many ledger rows reference the booking.
// Reconciliation uses this to avoid double-crediting a payout.
func (r *TransactionRepo) CountByBookingID(ctx context.Context, bookingID uuid.UUID, txType string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions WHERE booking_id = $1 AND type = $2
	`, bookingID, txType).Scan(&n)
	return n, err
}
