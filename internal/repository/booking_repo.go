package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lessonpass/backend/internal/models"
)

const bookingColumns = `id, lesson_id, instructor_id, user_id, scheduled_at, status, payment_status,
	total_amount, payment_intent_ref, transfer_ref, validated_at,
	checked_in_at, scanned_qr, checkin_lat, checkin_lng, checkin_distance_m,
	lesson_lat, lesson_lng, cancelled_by, cancel_reason, created_at, updated_at`

type BookingRepo struct {
	pool *pgxpool.Pool
}

func NewBookingRepo(pool *pgxpool.Pool) *BookingRepo {
	return &BookingRepo{pool: pool}
}

type bookingScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row bookingScanner) (*models.Booking, error) {
	var b models.Booking
	var checkinLat, checkinLng *float64
	var lessonLat, lessonLng *float64
	err := row.Scan(
		&b.ID, &b.LessonID, &b.InstructorID, &b.UserID, &b.ScheduledAt, &b.Status, &b.PaymentStatus,
		&b.TotalAmount, &b.PaymentIntentRef, &b.TransferRef, &b.ValidatedAt,
		&b.CheckIn.CheckedInAt, &b.CheckIn.ScannedQR, &checkinLat, &checkinLng, &b.CheckIn.DistanceMeters,
		&lessonLat, &lessonLng, &b.CancelledBy, &b.CancelReason, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if checkinLat != nil && checkinLng != nil {
		b.CheckIn.Location = &models.Location{Lat: *checkinLat, Lng: *checkinLng}
	}
	if lessonLat != nil && lessonLng != nil {
		b.LessonLocation = &models.Location{Lat: *lessonLat, Lng: *lessonLng}
	}
	return &b, nil
}

func (r *BookingRepo) Create(ctx context.Context, b *models.Booking) error {
	var lessonLat, lessonLng *float64
	if b.LessonLocation != nil {
		lessonLat, lessonLng = &b.LessonLocation.Lat, &b.LessonLocation.Lng
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO bookings (id, lesson_id, instructor_id, user_id, scheduled_at, status, payment_status,
			total_amount, payment_intent_ref, lesson_lat, lesson_lng)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, b.ID, b.LessonID, b.InstructorID, b.UserID, b.ScheduledAt, b.Status, b.PaymentStatus,
		b.TotalAmount, b.PaymentIntentRef, lessonLat, lessonLng).Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (r *BookingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

// GetByIDForUpdate locks the booking row. Call within a transaction; this is
// the single-writer guard for payment transitions on one booking.
func (r *BookingRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Booking, error) {
	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	return scanBooking(row)
}

// FindForCheckIn returns PENDING/CONFIRMED bookings for the (customer,
// instructor) pair scheduled on the given day, earliest first.
func (r *BookingRepo) FindForCheckIn(ctx context.Context, userID, instructorID uuid.UUID, day time.Time) ([]*models.Booking, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE user_id = $1 AND instructor_id = $2
		  AND scheduled_at >= $3 AND scheduled_at < $4
		  AND status IN ('PENDING', 'CONFIRMED')
		ORDER BY scheduled_at ASC
	`, userID, instructorID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// RecordCheckIn atomically writes the check-in block, moves the booking to
// IN_PROGRESS and stamps validated_at. The checked_in_at IS NULL condition
// makes the check-in first-writer-wins: a false return means someone else
// already checked in.
func (r *BookingRepo) RecordCheckIn(ctx context.Context, id uuid.UUID, checkedAt time.Time, scannedQR bool, loc *models.Location, distanceM *float64) (bool, error) {
	var lat, lng *float64
	if loc != nil {
		lat, lng = &loc.Lat, &loc.Lng
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET checked_in_at = $2, scanned_qr = $3, checkin_lat = $4, checkin_lng = $5, checkin_distance_m = $6,
		    status = 'IN_PROGRESS', validated_at = $2, updated_at = now()
		WHERE id = $1 AND checked_in_at IS NULL AND status IN ('PENDING', 'CONFIRMED')
	`, id, checkedAt, scannedQR, lat, lng, distanceM)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// UpdateStatus moves the booking to a new status only if it is still in the
// expected one. Returns false when the booking moved underneath the caller.
func (r *BookingRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE bookings SET status = $3, updated_at = now() WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetCancelled soft-cancels the booking recording who and why.
func (r *BookingRepo) SetCancelled(ctx context.Context, id uuid.UUID, status, by, reason string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE bookings SET status = $2, cancelled_by = $3, cancel_reason = $4, updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'CONFIRMED')
	`, id, status, by, reason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetAuthorized stores the processor hold reference and advances the payment
// to AUTHORIZED, only from PENDING.
func (r *BookingRepo) SetAuthorized(ctx context.Context, id uuid.UUID, authRef string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE bookings SET payment_status = 'AUTHORIZED', payment_intent_ref = $2, updated_at = now()
		WHERE id = $1 AND payment_status = 'PENDING'
	`, id, authRef)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// CASPaymentStatus performs the compare-and-set payment transition. Exactly
// one concurrent caller observes true for a given edge.
func (r *BookingRepo) CASPaymentStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE bookings SET payment_status = $3, updated_at = now() WHERE id = $1 AND payment_status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetPaymentStatus force-sets the payment status (refund/failure paths where
// the caller already validated the edge).
func (r *BookingRepo) SetPaymentStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bookings SET payment_status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}

// SetTransferRef records the payout reference after a successful transfer.
func (r *BookingRepo) SetTransferRef(ctx context.Context, id uuid.UUID, ref string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bookings SET transfer_ref = $2, updated_at = now() WHERE id = $1
	`, id, ref)
	return err
}

func (r *BookingRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY scheduled_at DESC`, userID)
}

func (r *BookingRepo) ListByInstructor(ctx context.Context, instructorID uuid.UUID) ([]*models.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE instructor_id = $1 ORDER BY scheduled_at DESC`, instructorID)
}

// ListUpcomingBetween returns CONFIRMED bookings scheduled inside the window.
// Read-only; used by the reminder job.
func (r *BookingRepo) ListUpcomingBetween(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	return r.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'CONFIRMED' AND scheduled_at >= $1 AND scheduled_at < $2
		ORDER BY scheduled_at ASC
	`, from, to)
}

// ListCapturedWithoutTransfer returns bookings stuck in the
// captured-but-not-paid-out reconciliation state.
func (r *BookingRepo) ListCapturedWithoutTransfer(ctx context.Context) ([]*models.Booking, error) {
	return r.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE payment_status = 'CAPTURED' AND transfer_ref IS NULL AND total_amount > 0
		ORDER BY updated_at ASC
	`)
}

func (r *BookingRepo) list(ctx context.Context, query string, args ...any) ([]*models.Booking, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// Begin exposes pool transactions to services that span repo calls.
func (r *BookingRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}
