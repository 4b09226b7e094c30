package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client is the narrow contract against the external payment processor.
// Amounts cross this boundary in currency minor units. Every mutating call
// carries the booking id as idempotency key so bounded retries cannot
// double-charge or double-pay.
type Client interface {
	// Hold reserves funds on the payment method without capturing them.
	Hold(ctx context.Context, amountMinor int64, currency, methodRef, idempotencyKey string) (authRef string, err error)
	// Capture converts a hold into an actual charge and returns the amount taken.
	Capture(ctx context.Context, authRef string) (capturedMinor int64, err error)
	// Transfer moves captured funds to a payee's external account.
	// Implementations must dedupe on idempotencyKey: submitting the same key
	// again returns the original transfer reference, never a second payout.
	Transfer(ctx context.Context, destinationRef string, amountMinor int64, idempotencyKey string) (transferRef string, err error)
	// Cancel voids an un-captured hold.
	Cancel(ctx context.Context, authRef string) error
	// Refund returns all or part of a captured charge.
	Refund(ctx context.Context, authRef string, amountMinor int64) (refundRef string, err error)
}

var minorFactor = decimal.NewFromInt(100)

// ToMinor converts a 2-decimal-place amount to currency minor units.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(minorFactor).IntPart()
}

// FromMinor converts currency minor units back to a decimal amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorFactor)
}
