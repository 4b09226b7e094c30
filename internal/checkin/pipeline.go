package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/models"
	"github.com/lessonpass/backend/internal/payment"
)

var (
	// ErrTokenExpired marks a token older than the freshness bound.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid marks a malformed or future-dated token.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrNoBookingFound means no PENDING/CONFIRMED booking exists for this
	// customer and instructor today.
	ErrNoBookingFound = errors.New("no booking found for today")
	// ErrAlreadyCheckedIn marks a duplicate scan on an already-validated booking.
	ErrAlreadyCheckedIn = errors.New("already checked in")
	// ErrOutsideWindow is the base error every WindowError unwraps to.
	ErrOutsideWindow = errors.New("outside check-in window")
)

// checkInWindow is the half-width of the acceptance window around the
// scheduled lesson start. Scans exactly on the boundary are accepted.
const checkInWindow = 15 * time.Minute

// WindowError reports a scan outside the check-in window, with the direction
// and the whole-minute offset from the scheduled lesson start.
type WindowError struct {
	Early   bool
	Minutes int
}

func (e *WindowError) Error() string {
	if e.Early {
		return fmt.Sprintf("too early: lesson starts in %d min", e.Minutes)
	}
	return fmt.Sprintf("too late: lesson started %d min ago", e.Minutes)
}

func (e *WindowError) Unwrap() error { return ErrOutsideWindow }

// BookingRepo is the booking persistence surface the pipeline needs.
type BookingRepo interface {
	FindForCheckIn(ctx context.Context, userID, instructorID uuid.UUID, day time.Time) ([]*models.Booking, error)
	RecordCheckIn(ctx context.Context, id uuid.UUID, checkedAt time.Time, scannedQR bool, loc *models.Location, distanceM *float64) (bool, error)
}

// StatsRepo tracks per-instructor scan counters.
type StatsRepo interface {
	IncrementScanCount(ctx context.Context, instructorID uuid.UUID) error
}

// PaymentAuthority is the capture side of the payment lifecycle.
type PaymentAuthority interface {
	CaptureAndTransfer(ctx context.Context, bookingID uuid.UUID) (*payment.CaptureResult, error)
}

// WalletLedger credits the instructor's wallet after a successful payout.
type WalletLedger interface {
	Credit(ctx context.Context, instructorID uuid.UUID, gross, fee, net decimal.Decimal, bookingID, counterpartyID uuid.UUID, counterpartyName, description string) (*models.Transaction, error)
}

// Notifier fans out check-in and payment events. Implementations must not
// block the pipeline; failures are logged, never surfaced.
type Notifier interface {
	InstructorCheckIn(ctx context.Context, instructorID, customerID, bookingID uuid.UUID)
	PaymentCaptured(ctx context.Context, userID, bookingID uuid.UUID, amount decimal.Decimal)
	PaymentFailed(ctx context.Context, userID, bookingID uuid.UUID, reason string)
}

// ReconcileEnqueuer schedules a payment retry for a committed check-in whose
// payment leg did not complete.
type ReconcileEnqueuer interface {
	EnqueuePaymentReconcile(ctx context.Context, bookingID uuid.UUID) error
}

// Pipeline runs the scan-to-payment flow: token validation, booking
// discovery, time-window and location checks, the first-writer-wins check-in
// write, then capture, payout and wallet credit.
type Pipeline struct {
	Bookings  BookingRepo
	Stats     StatsRepo
	Payments  PaymentAuthority
	Ledger    WalletLedger
	Notify    Notifier
	Reconcile ReconcileEnqueuer
	Logger    *slog.Logger
}

func NewPipeline(bookings BookingRepo, stats StatsRepo, payments PaymentAuthority, ledger WalletLedger, notify Notifier, reconcile ReconcileEnqueuer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Bookings:  bookings,
		Stats:     stats,
		Payments:  payments,
		Ledger:    ledger,
		Notify:    notify,
		Reconcile: reconcile,
		Logger:    logger,
	}
}

// Result is the outcome of a committed check-in. Exactly one of
// PaymentCaptured / PaymentPending is set for paid bookings; both stay false
// when there was nothing to capture (free lessons, already-settled payments).
type Result struct {
	Booking         *models.Booking
	DistanceMeters  *float64
	DistanceWarning bool
	PaymentCaptured bool
	PaymentPending  bool
	Payment         *payment.CaptureResult
}

// ValidateAndCheckIn processes one scan. Once the check-in row is written the
// check-in is committed: any payment failure after that point is queued for
// reconciliation and reported in the Result, never returned as an error.
func (p *Pipeline) ValidateAndCheckIn(ctx context.Context, customerID uuid.UUID, rawToken string, scannedAt time.Time, loc *models.Location) (*Result, error) {
	tok, err := ParseToken(rawToken)
	if err != nil {
		return nil, err
	}
	if err := checkFreshness(tok, scannedAt); err != nil {
		return nil, err
	}

	bookings, err := p.Bookings.FindForCheckIn(ctx, customerID, tok.InstructorID, scannedAt)
	if err != nil {
		return nil, fmt.Errorf("find booking: %w", err)
	}
	if len(bookings) == 0 {
		return nil, ErrNoBookingFound
	}
	if len(bookings) > 1 {
		p.Logger.Warn("multiple bookings for pair today, using earliest",
			"customer_id", customerID, "instructor_id", tok.InstructorID, "count", len(bookings))
	}
	b := bookings[0]
	if b.ID != tok.BookingID {
		p.Logger.Warn("token booking id differs from matched booking",
			"token_booking_id", tok.BookingID, "matched_booking_id", b.ID)
	}

	delta := scannedAt.Sub(b.ScheduledAt)
	if delta < -checkInWindow {
		return nil, &WindowError{Early: true, Minutes: int((-delta).Minutes())}
	}
	if delta > checkInWindow {
		return nil, &WindowError{Early: false, Minutes: int(delta.Minutes())}
	}

	var distance *float64
	distanceWarning := false
	if loc != nil && b.LessonLocation != nil {
		d := HaversineMeters(loc.Lat, loc.Lng, b.LessonLocation.Lat, b.LessonLocation.Lng)
		distance = &d
		if d > maxPlausibleDistanceMeters {
			distanceWarning = true
			p.Logger.Warn("check-in location far from venue",
				"booking_id", b.ID, "distance_m", int(d))
		}
	}

	if b.CheckIn.CheckedInAt != nil {
		return nil, ErrAlreadyCheckedIn
	}
	ok, err := p.Bookings.RecordCheckIn(ctx, b.ID, scannedAt.UTC(), true, loc, distance)
	if err != nil {
		return nil, fmt.Errorf("record check-in: %w", err)
	}
	if !ok {
		// Lost the race to a concurrent scan.
		return nil, ErrAlreadyCheckedIn
	}

	// Committed. Everything below reports into the result instead of failing
	// the check-in.
	b.Status = models.BookingStatusInProgress
	at := scannedAt.UTC()
	b.CheckIn = models.CheckIn{CheckedInAt: &at, ScannedQR: true, Location: loc, DistanceMeters: distance}
	b.ValidatedAt = &at

	if err := p.Stats.IncrementScanCount(ctx, tok.InstructorID); err != nil {
		p.Logger.Error("increment scan count", "instructor_id", tok.InstructorID, "error", err)
	}
	p.Notify.InstructorCheckIn(ctx, b.InstructorID, customerID, b.ID)

	res := &Result{Booking: b, DistanceMeters: distance, DistanceWarning: distanceWarning}
	p.settlePayment(ctx, b, customerID, res)
	return res, nil
}

// settlePayment drives capture, payout and wallet credit for a freshly
// committed check-in, falling back to the reconciliation queue on any failure.
func (p *Pipeline) settlePayment(ctx context.Context, b *models.Booking, customerID uuid.UUID, res *Result) {
	capRes, err := p.Payments.CaptureAndTransfer(ctx, b.ID)
	switch {
	case err == nil:
		res.PaymentCaptured = true
		res.Payment = capRes
		if _, creditErr := p.Ledger.Credit(ctx, b.InstructorID, capRes.Gross, capRes.Fee, capRes.Net,
			b.ID, customerID, "", "Lesson payment"); creditErr != nil {
			p.Logger.Error("wallet credit after capture failed, queueing reconciliation",
				"booking_id", b.ID, "error", creditErr)
			p.enqueueReconcile(ctx, b.ID)
		}
		p.Notify.PaymentCaptured(ctx, b.UserID, b.ID, capRes.Gross)

	case errors.Is(err, payment.ErrNotAuthorized):
		// Free lesson or already settled; nothing to capture.
		p.Logger.Info("no capture needed", "booking_id", b.ID, "payment_status", b.PaymentStatus)

	default:
		res.PaymentPending = true
		res.Payment = capRes
		p.Logger.Error("payment settlement failed after check-in, queueing reconciliation",
			"booking_id", b.ID, "error", err)
		p.enqueueReconcile(ctx, b.ID)
		p.Notify.PaymentFailed(ctx, b.UserID, b.ID, err.Error())
	}
}

func (p *Pipeline) enqueueReconcile(ctx context.Context, bookingID uuid.UUID) {
	if err := p.Reconcile.EnqueuePaymentReconcile(ctx, bookingID); err != nil {
		p.Logger.Error("enqueue payment reconciliation", "booking_id", bookingID, "error", err)
	}
}
