package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Booking status enums. Status only advances PENDING -> CONFIRMED ->
// IN_PROGRESS -> COMPLETED; CANCELLED and NO_SHOW are reachable from
// PENDING/CONFIRMED only.
const (
	BookingStatusPending    = "PENDING"
	BookingStatusConfirmed  = "CONFIRMED"
	BookingStatusInProgress = "IN_PROGRESS"
	BookingStatusCompleted  = "COMPLETED"
	BookingStatusCancelled  = "CANCELLED"
	BookingStatusNoShow     = "NO_SHOW"
)

// Payment status enums. Advances PENDING -> AUTHORIZED -> CAPTURED;
// FAILED/REFUNDED per CanTransitionPayment.
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusAuthorized = "AUTHORIZED"
	PaymentStatusCaptured   = "CAPTURED"
	PaymentStatusRefunded   = "REFUNDED"
	PaymentStatusFailed     = "FAILED"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CheckIn records the single proof-of-presence event for a booking.
// CheckedInAt is set exactly once and is immutable thereafter.
type CheckIn struct {
	CheckedInAt    *time.Time `json:"checked_in_at,omitempty"`
	ScannedQR      bool       `json:"scanned_qr"`
	Location       *Location  `json:"location,omitempty"`
	DistanceMeters *float64   `json:"distance_meters,omitempty"`
}

type Booking struct {
	ID               uuid.UUID       `json:"id"`
	LessonID         uuid.UUID       `json:"lesson_id"`
	InstructorID     uuid.UUID       `json:"instructor_id"`
	UserID           uuid.UUID       `json:"user_id"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"payment_status"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PaymentIntentRef *string         `json:"payment_intent_ref,omitempty"`
	TransferRef      *string         `json:"transfer_ref,omitempty"`
	ValidatedAt      *time.Time      `json:"validated_at,omitempty"`
	CheckIn          CheckIn         `json:"check_in"`
	LessonLocation   *Location       `json:"lesson_location,omitempty"`
	CancelledBy      *string         `json:"cancelled_by,omitempty"`
	CancelReason     *string         `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CanTransitionStatus reports whether a booking status edge is legal.
func CanTransitionStatus(from, to string) bool {
	switch to {
	case BookingStatusConfirmed:
		return from == BookingStatusPending
	case BookingStatusInProgress:
		return from == BookingStatusPending || from == BookingStatusConfirmed
	case BookingStatusCompleted:
		return from == BookingStatusConfirmed || from == BookingStatusInProgress
	case BookingStatusCancelled, BookingStatusNoShow:
		return from == BookingStatusPending || from == BookingStatusConfirmed
	default:
		return false
	}
}

// CanTransitionPayment reports whether a payment status edge is legal.
// CAPTURED is terminal except for REFUNDED.
func CanTransitionPayment(from, to string) bool {
	switch to {
	case PaymentStatusAuthorized:
		return from == PaymentStatusPending
	case PaymentStatusCaptured:
		return from == PaymentStatusAuthorized
	case PaymentStatusFailed:
		return from == PaymentStatusPending || from == PaymentStatusAuthorized
	case PaymentStatusRefunded:
		return from == PaymentStatusPending || from == PaymentStatusAuthorized || from == PaymentStatusCaptured
	default:
		return false
	}
}
