package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/models"
)

const walletColumns = `id, user_id, balance, total_earnings, total_withdrawn, lesson_count,
	bank_account_setup, payout_account_ref, created_at, updated_at`

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

func scanWallet(row bookingScanner) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Balance, &w.TotalEarnings, &w.TotalWithdrawn, &w.LessonCount,
		&w.BankAccountSetup, &w.PayoutAccountRef, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return scanWallet(row)
}

// GetOrCreateForUpdate returns the row-locked wallet for the user, creating
// it lazily on first use. Call within a transaction.
func (r *WalletRepo) GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New(), userID)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	return scanWallet(row)
}

// CreditBalance adds net to the balance and earnings totals and bumps the
// lesson counter. Returns the new balance.
func (r *WalletRepo) CreditBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, net decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance + $1, total_earnings = total_earnings + $1, lesson_count = lesson_count + 1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, net, walletID).Scan(&newBalance)
	return newBalance, err
}

// DebitBalance deducts amount only when the balance covers it; a pgx.ErrNoRows
// result means insufficient balance (and the balance is untouched).
func (r *WalletRepo) DebitBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	err := tx.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance - $1, total_withdrawn = total_withdrawn + $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, walletID).Scan(&newBalance)
	return newBalance, err
}

// SetPayoutAccount stores the processor recipient reference and flags the
// wallet as payout-ready. The raw bank identifier is never stored here.
func (r *WalletRepo) SetPayoutAccount(ctx context.Context, userID uuid.UUID, payoutRef string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE wallets SET payout_account_ref = $2, bank_account_setup = TRUE, updated_at = now()
		WHERE user_id = $1
	`, userID, payoutRef)
	return err
}

// EnsureExists creates an empty wallet for the user if none exists yet, so
// payout setup can precede the first credit.
func (r *WalletRepo) EnsureExists(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallets (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New(), userID)
	return err
}
