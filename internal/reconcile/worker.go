// Package reconcile re-drives payments that fell behind their check-in: a
// committed check-in whose capture, payout or wallet credit failed is queued
// here and retried with River's backoff until the money matches the lesson.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/models"
	"github.com/lessonpass/backend/internal/payment"
)

type PaymentReconcileArgs struct {
	BookingID uuid.UUID `json:"booking_id"`
}

func (PaymentReconcileArgs) Kind() string { return "payment_reconcile" }

// LessonReminderArgs is the periodic sweep that notifies customers about
// lessons starting soon.
type LessonReminderArgs struct{}

func (LessonReminderArgs) Kind() string { return "lesson_reminder" }

// PayoutSweepArgs is the periodic sweep over bookings that were captured but
// never paid out, catching payouts whose reconcile job exhausted its retries.
type PayoutSweepArgs struct{}

func (PayoutSweepArgs) Kind() string { return "payout_sweep" }

// BookingLookup is the read side the workers need.
type BookingLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	ListUpcomingBetween(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
	ListCapturedWithoutTransfer(ctx context.Context) ([]*models.Booking, error)
}

// Settler drives the capture/transfer legs of the payment lifecycle.
type Settler interface {
	CaptureAndTransfer(ctx context.Context, bookingID uuid.UUID) (*payment.CaptureResult, error)
	SettlePayout(ctx context.Context, bookingID uuid.UUID) (*payment.CaptureResult, error)
}

// WalletLedger credits the instructor's wallet.
type WalletLedger interface {
	Credit(ctx context.Context, instructorID uuid.UUID, gross, fee, net decimal.Decimal, bookingID, counterpartyID uuid.UUID, counterpartyName, description string) (*models.Transaction, error)
}

// TransactionCounter guards against double-crediting a payout.
type TransactionCounter interface {
	CountByBookingID(ctx context.Context, bookingID uuid.UUID, txType string) (int, error)
}

// Notifier emits the payment outcome events.
type Notifier interface {
	PaymentCaptured(ctx context.Context, userID, bookingID uuid.UUID, amount decimal.Decimal)
	LessonReminder(ctx context.Context, userID, bookingID uuid.UUID, scheduledAt time.Time)
}

// PaymentReconcileWorker retries the payment legs left incomplete by the
// check-in pipeline. Returning an error lets River back off and retry.
type PaymentReconcileWorker struct {
	river.WorkerDefaults[PaymentReconcileArgs]
	Bookings     BookingLookup
	Payments     Settler
	Ledger       WalletLedger
	Transactions TransactionCounter
	Notify       Notifier
	Logger       *slog.Logger
}

func NewPaymentReconcileWorker(bookings BookingLookup, payments Settler, ledger WalletLedger, transactions TransactionCounter, notify Notifier, logger *slog.Logger) *PaymentReconcileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentReconcileWorker{
		Bookings:     bookings,
		Payments:     payments,
		Ledger:       ledger,
		Transactions: transactions,
		Notify:       notify,
		Logger:       logger,
	}
}

func (w *PaymentReconcileWorker) Work(ctx context.Context, job *river.Job[PaymentReconcileArgs]) error {
	bookingID := job.Args.BookingID
	b, err := w.Bookings.GetByID(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("load booking %s: %w", bookingID, err)
	}

	var res *payment.CaptureResult
	switch b.PaymentStatus {
	case models.PaymentStatusAuthorized:
		res, err = w.Payments.CaptureAndTransfer(ctx, bookingID)
		if errors.Is(err, payment.ErrNotAuthorized) {
			// Another actor settled it between load and capture.
			return nil
		}
		if err != nil && res == nil {
			return fmt.Errorf("recapture booking %s: %w", bookingID, err)
		}
		if errors.Is(err, payment.ErrTransferFailed) {
			// Captured but not paid out; retry settles the payout next run.
			return fmt.Errorf("payout for booking %s: %w", bookingID, err)
		}

	case models.PaymentStatusCaptured:
		res, err = w.Payments.SettlePayout(ctx, bookingID)
		if err != nil {
			return fmt.Errorf("settle payout for booking %s: %w", bookingID, err)
		}

	default:
		// PENDING/FAILED holds are not retried here and REFUNDED is final.
		w.Logger.Info("nothing to reconcile", "booking_id", bookingID, "payment_status", b.PaymentStatus)
		return nil
	}

	if err := creditOnce(ctx, w.Transactions, w.Ledger, b, res); err != nil {
		return fmt.Errorf("credit wallet for booking %s: %w", bookingID, err)
	}
	w.Notify.PaymentCaptured(ctx, b.UserID, b.ID, res.Gross)
	w.Logger.Info("payment reconciled", "booking_id", bookingID,
		"gross", res.Gross.String(), "net", res.Net.String(), "transfer_ref", res.TransferRef)
	return nil
}

// creditOnce credits the instructor's wallet unless a ledger row for this
// booking already exists.
func creditOnce(ctx context.Context, counter TransactionCounter, ledger WalletLedger, b *models.Booking, res *payment.CaptureResult) error {
	n, err := counter.CountByBookingID(ctx, b.ID, models.TxTypeLessonPayment)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = ledger.Credit(ctx, b.InstructorID, res.Gross, res.Fee, res.Net,
		b.ID, b.UserID, "", "Lesson payment (reconciled)")
	return err
}

// reminderLead is how far ahead of the scheduled start reminders go out.
const reminderLead = time.Hour

// LessonReminderWorker runs periodically and pings customers whose confirmed
// lesson starts within the next hour.
type LessonReminderWorker struct {
	river.WorkerDefaults[LessonReminderArgs]
	Bookings BookingLookup
	Notify   Notifier
	Logger   *slog.Logger
}

func NewLessonReminderWorker(bookings BookingLookup, notify Notifier, logger *slog.Logger) *LessonReminderWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LessonReminderWorker{Bookings: bookings, Notify: notify, Logger: logger}
}

func (w *LessonReminderWorker) Work(ctx context.Context, _ *river.Job[LessonReminderArgs]) error {
	now := time.Now().UTC()
	upcoming, err := w.Bookings.ListUpcomingBetween(ctx, now, now.Add(reminderLead))
	if err != nil {
		return fmt.Errorf("list upcoming bookings: %w", err)
	}
	for _, b := range upcoming {
		w.Notify.LessonReminder(ctx, b.UserID, b.ID, b.ScheduledAt)
	}
	if len(upcoming) > 0 {
		w.Logger.Info("lesson reminders sent", "count", len(upcoming))
	}
	return nil
}

// PayoutSweepWorker is the safety net behind PaymentReconcileWorker: it
// periodically settles any booking left CAPTURED with no transfer reference.
// A partial sweep keeps going; the first error is returned at the end so
// River retries the remainder.
type PayoutSweepWorker struct {
	river.WorkerDefaults[PayoutSweepArgs]
	Bookings     BookingLookup
	Payments     Settler
	Ledger       WalletLedger
	Transactions TransactionCounter
	Notify       Notifier
	Logger       *slog.Logger
}

func NewPayoutSweepWorker(bookings BookingLookup, payments Settler, ledger WalletLedger, transactions TransactionCounter, notify Notifier, logger *slog.Logger) *PayoutSweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutSweepWorker{
		Bookings:     bookings,
		Payments:     payments,
		Ledger:       ledger,
		Transactions: transactions,
		Notify:       notify,
		Logger:       logger,
	}
}

func (w *PayoutSweepWorker) Work(ctx context.Context, _ *river.Job[PayoutSweepArgs]) error {
	stuck, err := w.Bookings.ListCapturedWithoutTransfer(ctx)
	if err != nil {
		return fmt.Errorf("list stuck payouts: %w", err)
	}

	var firstErr error
	for _, b := range stuck {
		res, err := w.Payments.SettlePayout(ctx, b.ID)
		if err != nil {
			w.Logger.Warn("payout sweep settle failed", "booking_id", b.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := creditOnce(ctx, w.Transactions, w.Ledger, b, res); err != nil {
			w.Logger.Warn("payout sweep credit failed", "booking_id", b.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.Notify.PaymentCaptured(ctx, b.UserID, b.ID, res.Gross)
		w.Logger.Info("stuck payout settled", "booking_id", b.ID, "transfer_ref", res.TransferRef)
	}
	return firstErr
}
