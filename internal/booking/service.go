package booking

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
	// ErrNotFound is returned when the booking does not exist.
	ErrNotFound = errors.New("booking not found")
	// ErrIllegalTransition is returned for a booking-status edge the
	// lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal booking status transition")
	// ErrForbidden is returned when the caller does not own the booking side
	// required for the operation.
	ErrForbidden = errors.New("not allowed on this booking")
)

// FreeLessonPromoCode is the single active campaign. First lesson free,
// durable cap enforced in storage.
const FreeLessonPromoCode = "FIRST_LESSON_FREE"

// Repo is the booking persistence surface for the service.
type Repo interface {
	Create(ctx context.Context, b *models.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	SetCancelled(ctx context.Context, id uuid.UUID, status, by, reason string) (bool, error)
	SetPaymentStatus(ctx context.Context, id uuid.UUID, status string) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Booking, error)
	ListByInstructor(ctx context.Context, instructorID uuid.UUID) ([]*models.Booking, error)
}

// PromoRepo consumes free-lesson grants.
type PromoRepo interface {
	TryClaim(ctx context.Context, promoCode string, userID uuid.UUID) (bool, error)
	Remaining(ctx context.Context, promoCode string) (int, error)
}

// PaymentService is the hold/void/refund side of the payment lifecycle.
type PaymentService interface {
	AuthorizeAndHold(ctx context.Context, b *models.Booking, methodRef string) (string, error)
	Cancel(ctx context.Context, b *models.Booking) error
	Refund(ctx context.Context, b *models.Booking, amount decimal.Decimal, reason string) error
}

// Notifier emits booking lifecycle events.
type Notifier interface {
	BookingCreated(ctx context.Context, userID, instructorID, bookingID uuid.UUID)
	BookingCancelled(ctx context.Context, userID, instructorID, bookingID uuid.UUID, cancelledBy string)
}

// Service owns the booking lifecycle up to and after the check-in:
// creation with the payment hold, confirmation, cancellation with
// void-or-refund, completion and no-show.
type Service struct {
	Bookings Repo
	Promos   PromoRepo
	Payments PaymentService
	Notify   Notifier
	Logger   *slog.Logger
}

func NewService(bookings Repo, promos PromoRepo, payments PaymentService, notify Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Bookings: bookings, Promos: promos, Payments: payments, Notify: notify, Logger: logger}
}

// CreateParams carries the booking request.
type CreateParams struct {
	LessonID       uuid.UUID
	InstructorID   uuid.UUID
	UserID         uuid.UUID
	ScheduledAt    time.Time
	TotalAmount    decimal.Decimal
	LessonLocation *models.Location
	MethodRef      string
	PromoCode      string
}

// Create books a lesson. A free-lesson grant, when requested and still
// available, zeroes the amount and settles the payment immediately with no
// processor call. Paid bookings get a manual-capture hold; a declined hold
// marks the payment FAILED and surfaces the decline.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Booking, error) {
	if p.TotalAmount.IsNegative() {
		return nil, fmt.Errorf("total amount must not be negative")
	}
	if p.ScheduledAt.Before(time.Now().Add(-time.Minute)) {
		return nil, fmt.Errorf("scheduled time is in the past")
	}

	b := &models.Booking{
		ID:             uuid.New(),
		LessonID:       p.LessonID,
		InstructorID:   p.InstructorID,
		UserID:         p.UserID,
		ScheduledAt:    p.ScheduledAt.UTC(),
		Status:         models.BookingStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		TotalAmount:    p.TotalAmount,
		LessonLocation: p.LessonLocation,
	}

	free := false
	if p.PromoCode != "" {
		claimed, err := s.Promos.TryClaim(ctx, p.PromoCode, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("claim promo: %w", err)
		}
		// Exhausted or repeated claims fall through to a normal paid booking.
		free = claimed
	}
	if free || p.TotalAmount.IsZero() {
		b.TotalAmount = decimal.Zero
		b.PaymentStatus = models.PaymentStatusCaptured
	}

	if err := s.Bookings.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	if b.PaymentStatus == models.PaymentStatusPending {
		if _, err := s.Payments.AuthorizeAndHold(ctx, b, p.MethodRef); err != nil {
			if markErr := s.Bookings.SetPaymentStatus(ctx, b.ID, models.PaymentStatusFailed); markErr != nil {
				s.Logger.Error("mark payment failed", "booking_id", b.ID, "error", markErr)
			}
			b.PaymentStatus = models.PaymentStatusFailed
			return b, fmt.Errorf("authorize payment: %w", err)
		}
	}

	s.Notify.BookingCreated(ctx, b.UserID, b.InstructorID, b.ID)
	return b, nil
}

// Confirm moves a PENDING booking to CONFIRMED. Instructor action.
func (s *Service) Confirm(ctx context.Context, instructorID, bookingID uuid.UUID) (*models.Booking, error) {
	b, err := s.get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.InstructorID != instructorID {
		return nil, ErrForbidden
	}
	return s.transition(ctx, b, models.BookingStatusConfirmed)
}

// Cancel cancels a PENDING/CONFIRMED booking and releases the money: an
// un-captured hold is voided, a captured payment is refunded in full. Either
// way the payment ends REFUNDED. Both sides of the booking may cancel.
func (s *Service) Cancel(ctx context.Context, callerID uuid.UUID, bookingID uuid.UUID, cancelledBy, reason string) (*models.Booking, error) {
	b, err := s.get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if callerID != b.UserID && callerID != b.InstructorID {
		return nil, ErrForbidden
	}
	if !models.CanTransitionStatus(b.Status, models.BookingStatusCancelled) {
		return nil, fmt.Errorf("cancel from %s: %w", b.Status, ErrIllegalTransition)
	}

	ok, err := s.Bookings.SetCancelled(ctx, b.ID, models.BookingStatusCancelled, cancelledBy, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("cancel from %s: %w", b.Status, ErrIllegalTransition)
	}
	b.Status = models.BookingStatusCancelled
	b.CancelledBy = &cancelledBy
	b.CancelReason = &reason

	switch b.PaymentStatus {
	case models.PaymentStatusAuthorized:
		if err := s.Payments.Cancel(ctx, b); err != nil {
			s.Logger.Error("void hold on cancel", "booking_id", b.ID, "error", err)
		}
	case models.PaymentStatusCaptured:
		if b.TotalAmount.IsPositive() {
			if err := s.Payments.Refund(ctx, b, b.TotalAmount, "booking cancelled"); err != nil {
				s.Logger.Error("refund on cancel", "booking_id", b.ID, "error", err)
			}
		}
	}

	s.Notify.BookingCancelled(ctx, b.UserID, b.InstructorID, b.ID, cancelledBy)
	return b, nil
}

// Complete closes a lesson after it took place. Instructor action; legal
// from IN_PROGRESS (checked in) and from CONFIRMED (instructor vouches the
// lesson happened without a scan).
func (s *Service) Complete(ctx context.Context, instructorID, bookingID uuid.UUID) (*models.Booking, error) {
	b, err := s.get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.InstructorID != instructorID {
		return nil, ErrForbidden
	}
	return s.transition(ctx, b, models.BookingStatusCompleted)
}

// MarkNoShow flags a booking whose customer never arrived. Instructor action.
// The hold is voided; the customer is not charged.
func (s *Service) MarkNoShow(ctx context.Context, instructorID, bookingID uuid.UUID) (*models.Booking, error) {
	b, err := s.get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.InstructorID != instructorID {
		return nil, ErrForbidden
	}
	updated, err := s.transition(ctx, b, models.BookingStatusNoShow)
	if err != nil {
		return nil, err
	}
	if updated.PaymentStatus == models.PaymentStatusAuthorized {
		if err := s.Payments.Cancel(ctx, updated); err != nil {
			s.Logger.Error("void hold on no-show", "booking_id", updated.ID, "error", err)
		}
	}
	return updated, nil
}

// Get returns a booking visible to the caller.
func (s *Service) Get(ctx context.Context, callerID, bookingID uuid.UUID) (*models.Booking, error) {
	b, err := s.get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if callerID != b.UserID && callerID != b.InstructorID {
		return nil, ErrForbidden
	}
	return b, nil
}

// ListForCustomer returns the customer's bookings, newest lesson first.
func (s *Service) ListForCustomer(ctx context.Context, userID uuid.UUID) ([]*models.Booking, error) {
	return s.Bookings.ListByUser(ctx, userID)
}

// ListForInstructor returns the instructor's bookings, newest lesson first.
func (s *Service) ListForInstructor(ctx context.Context, instructorID uuid.UUID) ([]*models.Booking, error) {
	return s.Bookings.ListByInstructor(ctx, instructorID)
}

// PromoRemaining reports how many grants of a promotion are left unclaimed.
func (s *Service) PromoRemaining(ctx context.Context, promoCode string) (int, error) {
	n, err := s.Promos.Remaining(ctx, promoCode)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return n, nil
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	b, err := s.Bookings.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return b, nil
}

// transition applies a guarded status edge via the conditional UPDATE; the
// in-memory check gives a friendly error, the storage check wins races.
func (s *Service) transition(ctx context.Context, b *models.Booking, to string) (*models.Booking, error) {
	if !models.CanTransitionStatus(b.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", b.Status, to, ErrIllegalTransition)
	}
	ok, err := s.Bookings.UpdateStatus(ctx, b.ID, b.Status, to)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s -> %s: %w", b.Status, to, ErrIllegalTransition)
	}
	b.Status = to
	return b, nil
}

var _ PaymentService = (*payment.Authority)(nil)
