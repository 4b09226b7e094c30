package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction type enums.
const (
	TxTypeLessonPayment = "LESSON_PAYMENT"
	TxTypePayout        = "PAYOUT"
	TxTypeRefund        = "REFUND"
	TxTypeAdjustment    = "ADJUSTMENT"
	TxTypeBonus         = "BONUS"
)

// Transaction status enums. Amounts are immutable once COMPLETED.
const (
	TxStatusPending    = "PENDING"
	TxStatusProcessing = "PROCESSING"
	TxStatusCompleted  = "COMPLETED"
	TxStatusFailed     = "FAILED"
	TxStatusRefunded   = "REFUNDED"
	TxStatusCancelled  = "CANCELLED"
)

// Transaction is an immutable wallet ledger entry. NetAmount must equal
// GrossAmount - PlatformFee; enforced at creation.
type Transaction struct {
	ID               uuid.UUID       `json:"id"`
	WalletID         uuid.UUID       `json:"wallet_id"`
	Type             string          `json:"type"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	PlatformFee      decimal.Decimal `json:"platform_fee"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	BookingID        *uuid.UUID      `json:"booking_id,omitempty"`
	CounterpartyID   *uuid.UUID      `json:"counterparty_id,omitempty"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	Description      string          `json:"description,omitempty"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
}
