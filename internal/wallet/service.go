package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/models"
)

// ErrInsufficientBalance is returned when a debit would drive the balance
// negative. Terminal; the balance is left unchanged.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrAmountMismatch is returned when a credit's net does not equal gross - fee.
var ErrAmountMismatch = errors.New("net amount must equal gross minus fee")

// WalletRepo is the minimal wallet persistence interface for the ledger.
type WalletRepo interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Wallet, error)
	CreditBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, net decimal.Decimal) (decimal.Decimal, error)
	DebitBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	SetPayoutAccount(ctx context.Context, userID uuid.UUID, payoutRef string) error
	EnsureExists(ctx context.Context, userID uuid.UUID) error
}

// TransactionRepo is the minimal ledger-entry interface.
type TransactionRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ListByWalletID(ctx context.Context, walletID uuid.UUID) ([]*models.Transaction, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the only component allowed to mutate wallet balances. Every
// mutation pairs the balance update with an appended transaction row inside
// one database transaction; neither is ever visible without the other.
type Ledger struct {
	Pool         TxBeginner
	Wallets      WalletRepo
	Transactions TransactionRepo
}

func NewLedger(pool TxBeginner, wallets WalletRepo, transactions TransactionRepo) *Ledger {
	return &Ledger{Pool: pool, Wallets: wallets, Transactions: transactions}
}

// Credit applies a lesson payout: balance and earnings grow by net, the
// lesson counter increments, and a COMPLETED LESSON_PAYMENT row records the
// gross/fee/net breakdown.
func (l *Ledger) Credit(ctx context.Context, instructorID uuid.UUID, gross, fee, net decimal.Decimal, bookingID, counterpartyID uuid.UUID, counterpartyName, description string) (*models.Transaction, error) {
	if !net.Equal(gross.Sub(fee)) {
		return nil, fmt.Errorf("gross %s fee %s net %s: %w", gross, fee, net, ErrAmountMismatch)
	}
	tx, err := l.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := l.Wallets.GetOrCreateForUpdate(ctx, tx, instructorID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if _, err := l.Wallets.CreditBalance(ctx, tx, w.ID, net); err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	now := time.Now().UTC()
	entry := &models.Transaction{
		ID:               uuid.New(),
		WalletID:         w.ID,
		Type:             models.TxTypeLessonPayment,
		GrossAmount:      gross,
		PlatformFee:      fee,
		NetAmount:        net,
		BookingID:        &bookingID,
		CounterpartyID:   &counterpartyID,
		CounterpartyName: counterpartyName,
		Description:      description,
		Status:           models.TxStatusCompleted,
		CompletedAt:      &now,
	}
	if err := l.Transactions.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return entry, nil
}

// Debit withdraws amount from the wallet. Rejected with
// ErrInsufficientBalance when the balance does not cover it.
func (l *Ledger) Debit(ctx context.Context, instructorID uuid.UUID, amount decimal.Decimal, description string) (*models.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("debit amount must be positive")
	}
	tx, err := l.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	w, err := l.Wallets.GetOrCreateForUpdate(ctx, tx, instructorID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if _, err := l.Wallets.DebitBalance(ctx, tx, w.ID, amount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	now := time.Now().UTC()
	entry := &models.Transaction{
		ID:          uuid.New(),
		WalletID:    w.ID,
		Type:        models.TxTypePayout,
		GrossAmount: amount,
		PlatformFee: decimal.Zero,
		NetAmount:   amount,
		Description: description,
		Status:      models.TxStatusCompleted,
		CompletedAt: &now,
	}
	if err := l.Transactions.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return entry, nil
}

// Get returns the instructor's wallet, creating an empty one on first read.
func (l *Ledger) Get(ctx context.Context, instructorID uuid.UUID) (*models.Wallet, error) {
	if err := l.Wallets.EnsureExists(ctx, instructorID); err != nil {
		return nil, err
	}
	return l.Wallets.GetByUserID(ctx, instructorID)
}

// History lists the wallet's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, instructorID uuid.UUID) ([]*models.Transaction, error) {
	w, err := l.Get(ctx, instructorID)
	if err != nil {
		return nil, err
	}
	return l.Transactions.ListByWalletID(ctx, w.ID)
}

// SetupPayoutAccount stores the processor recipient reference for payouts.
// The raw bank identifier is only ever echoed back masked.
func (l *Ledger) SetupPayoutAccount(ctx context.Context, instructorID uuid.UUID, payoutRef string) error {
	if err := l.Wallets.EnsureExists(ctx, instructorID); err != nil {
		return err
	}
	return l.Wallets.SetPayoutAccount(ctx, instructorID, payoutRef)
}
