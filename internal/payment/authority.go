package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/models"
)

// ErrPaymentDeclined is returned when the processor rejects the payment method.
var ErrPaymentDeclined = errors.New("payment declined")

// ErrCaptureFailed is returned when the processor could not capture the hold.
// The booking stays AUTHORIZED so reconciliation can retry.
var ErrCaptureFailed = errors.New("capture failed")

// ErrTransferFailed is returned when the payout leg fails after a successful
// capture. The booking stays CAPTURED with no transfer reference.
var ErrTransferFailed = errors.New("transfer failed")

// ErrNotAuthorized marks the idempotent no-op: the booking's payment is not
// in AUTHORIZED, so there is nothing to capture.
var ErrNotAuthorized = errors.New("payment is not authorized")

const processorAttempts = 3

// AuthorityBookingRepo is the booking persistence surface the authority needs.
type AuthorityBookingRepo interface {
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Booking, error)
	SetAuthorized(ctx context.Context, id uuid.UUID, authRef string) (bool, error)
	CASPaymentStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error)
	SetPaymentStatus(ctx context.Context, id uuid.UUID, status string) error
	SetTransferRef(ctx context.Context, id uuid.UUID, ref string) error
}

// PayoutLookup resolves an instructor's payout account reference.
type PayoutLookup interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Authority wraps the external processor with the hold/capture/transfer
// lifecycle and owns every payment-status transition on a booking.
type Authority struct {
	Pool      TxBeginner
	Bookings  AuthorityBookingRepo
	Payouts   PayoutLookup
	Processor Client
	FeeRate   decimal.Decimal
	Currency  string
	Logger    *slog.Logger
}

func NewAuthority(pool TxBeginner, bookings AuthorityBookingRepo, payouts PayoutLookup, processor Client, feeRate decimal.Decimal, currency string, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		Pool:      pool,
		Bookings:  bookings,
		Payouts:   payouts,
		Processor: processor,
		FeeRate:   feeRate,
		Currency:  currency,
		Logger:    logger,
	}
}

// CaptureResult reports the fee split of a captured payment.
type CaptureResult struct {
	Gross       decimal.Decimal
	Fee         decimal.Decimal
	Net         decimal.Decimal
	TransferRef string
}

// SplitFee computes platformFee = round(gross x rate, 2, half-up) and
// net = gross - platformFee.
func SplitFee(gross, rate decimal.Decimal) (fee, net decimal.Decimal) {
	fee = gross.Mul(rate).Round(2)
	net = gross.Sub(fee)
	return fee, net
}

// AuthorizeAndHold places a manual-capture hold for the booking's total
// amount and advances the payment to AUTHORIZED.
func (a *Authority) AuthorizeAndHold(ctx context.Context, b *models.Booking, methodRef string) (string, error) {
	if b.PaymentStatus != models.PaymentStatusPending {
		return "", fmt.Errorf("authorize from %s: %w", b.PaymentStatus, ErrNotAuthorized)
	}
	authRef, err := a.Processor.Hold(ctx, ToMinor(b.TotalAmount), a.Currency, methodRef, b.ID.String())
	if err != nil {
		return "", err
	}
	ok, err := a.Bookings.SetAuthorized(ctx, b.ID, authRef)
	if err != nil {
		return "", fmt.Errorf("store authorization: %w", err)
	}
	if !ok {
		// Payment moved underneath us; void the fresh hold so no funds stay reserved.
		if cancelErr := a.Processor.Cancel(ctx, authRef); cancelErr != nil {
			a.Logger.Error("void orphaned hold failed", "booking_id", b.ID, "auth_ref", authRef, "error", cancelErr)
		}
		return "", fmt.Errorf("booking %s: %w", b.ID, ErrNotAuthorized)
	}
	b.PaymentStatus = models.PaymentStatusAuthorized
	b.PaymentIntentRef = &authRef
	return authRef, nil
}

// CaptureAndTransfer captures the held amount and pays out the net to the
// instructor. Precondition payment==AUTHORIZED; otherwise it is an
// idempotent no-op (ErrNotAuthorized). The booking row lock plus the
// AUTHORIZED->CAPTURED compare-and-set guarantee at most one capture per
// booking even under concurrent duplicate scans. Capture-succeeded /
// transfer-failed leaves the booking CAPTURED with no transfer reference;
// that reconciliation state is resolved later, never reverted here.
func (a *Authority) CaptureAndTransfer(ctx context.Context, bookingID uuid.UUID) (*CaptureResult, error) {
	tx, err := a.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin capture tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	b, err := a.Bookings.GetByIDForUpdate(ctx, tx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load booking: %w", err)
	}
	if b.PaymentStatus != models.PaymentStatusAuthorized {
		return nil, ErrNotAuthorized
	}
	if b.PaymentIntentRef == nil {
		return nil, fmt.Errorf("booking %s has no authorization reference: %w", bookingID, ErrCaptureFailed)
	}

	var capturedMinor int64
	err = a.withRetry(ctx, func() error {
		var captureErr error
		capturedMinor, captureErr = a.Processor.Capture(ctx, *b.PaymentIntentRef)
		return captureErr
	})
	if err != nil {
		// Leave AUTHORIZED so a reconciliation retry can still capture.
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	ok, err := a.Bookings.CASPaymentStatus(ctx, tx, bookingID, models.PaymentStatusAuthorized, models.PaymentStatusCaptured)
	if err != nil {
		return nil, fmt.Errorf("mark captured: %w", err)
	}
	if !ok {
		return nil, ErrNotAuthorized
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit capture: %w", err)
	}
	tx = nil

	gross := FromMinor(capturedMinor)
	fee, net := SplitFee(gross, a.FeeRate)
	result := &CaptureResult{Gross: gross, Fee: fee, Net: net}

	wallet, err := a.Payouts.GetByUserID(ctx, b.InstructorID)
	if err != nil || wallet.PayoutAccountRef == nil {
		a.Logger.Warn("no payout account for instructor, booking left for reconciliation",
			"booking_id", bookingID, "instructor_id", b.InstructorID)
		return result, ErrTransferFailed
	}

	var transferRef string
	err = a.withRetry(ctx, func() error {
		var transferErr error
		transferRef, transferErr = a.Processor.Transfer(ctx, *wallet.PayoutAccountRef, ToMinor(net), bookingID.String())
		return transferErr
	})
	if err != nil {
		a.Logger.Error("transfer failed after capture, booking left for reconciliation",
			"booking_id", bookingID, "net", net.String(), "error", err)
		return result, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	if err := a.Bookings.SetTransferRef(ctx, bookingID, transferRef); err != nil {
		return result, fmt.Errorf("store transfer ref: %w", err)
	}
	result.TransferRef = transferRef
	return result, nil
}

// SettlePayout re-drives the payout leg for a captured payment with no
// transfer reference yet (capture succeeded, or the transfer went through
// but its reference was never stored). Resubmitting is safe: the processor
// dedupes on the booking-keyed idempotency key and hands back the original
// transfer, so a re-drive can never pay the instructor twice.
func (a *Authority) SettlePayout(ctx context.Context, bookingID uuid.UUID) (*CaptureResult, error) {
	tx, err := a.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin settle tx: %w", err)
	}
	b, err := a.Bookings.GetByIDForUpdate(ctx, tx, bookingID)
	_ = tx.Rollback(ctx)
	if err != nil {
		return nil, fmt.Errorf("load booking: %w", err)
	}
	if b.PaymentStatus != models.PaymentStatusCaptured {
		return nil, ErrNotAuthorized
	}

	fee, net := SplitFee(b.TotalAmount, a.FeeRate)
	result := &CaptureResult{Gross: b.TotalAmount, Fee: fee, Net: net}
	if b.TransferRef != nil {
		result.TransferRef = *b.TransferRef
		return result, nil
	}

	wallet, err := a.Payouts.GetByUserID(ctx, b.InstructorID)
	if err != nil || wallet.PayoutAccountRef == nil {
		return result, fmt.Errorf("%w: instructor %s has no payout account", ErrTransferFailed, b.InstructorID)
	}

	var transferRef string
	err = a.withRetry(ctx, func() error {
		var transferErr error
		transferRef, transferErr = a.Processor.Transfer(ctx, *wallet.PayoutAccountRef, ToMinor(net), bookingID.String())
		return transferErr
	})
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := a.Bookings.SetTransferRef(ctx, bookingID, transferRef); err != nil {
		return result, fmt.Errorf("store transfer ref: %w", err)
	}
	result.TransferRef = transferRef
	return result, nil
}

// Cancel voids an un-captured authorization. Only legal while AUTHORIZED.
func (a *Authority) Cancel(ctx context.Context, b *models.Booking) error {
	if b.PaymentStatus != models.PaymentStatusAuthorized {
		return fmt.Errorf("cancel from %s: %w", b.PaymentStatus, ErrNotAuthorized)
	}
	if b.PaymentIntentRef == nil {
		return fmt.Errorf("booking %s has no authorization reference", b.ID)
	}
	if err := a.Processor.Cancel(ctx, *b.PaymentIntentRef); err != nil {
		return fmt.Errorf("void hold: %w", err)
	}
	if err := a.Bookings.SetPaymentStatus(ctx, b.ID, models.PaymentStatusRefunded); err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	b.PaymentStatus = models.PaymentStatusRefunded
	return nil
}

// Refund returns amount (full or partial) of a captured payment.
func (a *Authority) Refund(ctx context.Context, b *models.Booking, amount decimal.Decimal, reason string) error {
	if b.PaymentStatus != models.PaymentStatusCaptured {
		return fmt.Errorf("refund from %s: %w", b.PaymentStatus, ErrNotAuthorized)
	}
	if b.PaymentIntentRef == nil {
		return fmt.Errorf("booking %s has no authorization reference", b.ID)
	}
	refundRef, err := a.Processor.Refund(ctx, *b.PaymentIntentRef, ToMinor(amount))
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	a.Logger.Info("payment refunded", "booking_id", b.ID, "refund_ref", refundRef, "amount", amount.String(), "reason", reason)
	if err := a.Bookings.SetPaymentStatus(ctx, b.ID, models.PaymentStatusRefunded); err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	b.PaymentStatus = models.PaymentStatusRefunded
	return nil
}

// withRetry runs f up to processorAttempts times with a short linear backoff.
// Only used for idempotent, booking-keyed processor calls.
func (a *Authority) withRetry(ctx context.Context, f func() error) error {
	var err error
	for attempt := 1; attempt <= processorAttempts; attempt++ {
		if err = f(); err == nil {
			return nil
		}
		if attempt == processorAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return err
}
