package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is the per-instructor running balance. Created lazily on first
// credit or debit; only the wallet service mutates it.
type Wallet struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
	TotalWithdrawn   decimal.Decimal `json:"total_withdrawn"`
	LessonCount      int             `json:"lesson_count"`
	BankAccountSetup bool            `json:"bank_account_setup"`
	PayoutAccountRef *string         `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
