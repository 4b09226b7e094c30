// Package notify fans out domain events over a RabbitMQ topic exchange.
// Downstream consumers (push, email, instructor dashboard) bind their own
// queues to the routing keys; the API never waits on them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

// Routing keys on the events exchange.
const (
	keyCheckInArrived   = "checkin.arrived"
	keyPaymentCaptured  = "payment.captured"
	keyPaymentFailed    = "payment.failed"
	keyLessonReminder   = "lesson.reminder"
	keyBookingCreated   = "booking.created"
	keyBookingCancelled = "booking.cancelled"
)

// Publisher emits events to the topic exchange. Publish failures are logged
// and swallowed: notifications are best-effort and never fail the caller.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *slog.Logger
}

func NewPublisher(url, exchange string, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, log: log}, nil
}

func (p *Publisher) publish(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		p.log.Error("marshal event", "key", key, "error", err)
		return
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        b,
	})
	if err != nil {
		p.log.Error("publish event", "key", key, "error", err)
	}
}

func (p *Publisher) InstructorCheckIn(ctx context.Context, instructorID, customerID, bookingID uuid.UUID) {
	p.publish(ctx, keyCheckInArrived, map[string]any{
		"instructor_id": instructorID,
		"customer_id":   customerID,
		"booking_id":    bookingID,
	})
}

func (p *Publisher) PaymentCaptured(ctx context.Context, userID, bookingID uuid.UUID, amount decimal.Decimal) {
	p.publish(ctx, keyPaymentCaptured, map[string]any{
		"user_id":    userID,
		"booking_id": bookingID,
		"amount":     amount,
	})
}

func (p *Publisher) PaymentFailed(ctx context.Context, userID, bookingID uuid.UUID, reason string) {
	p.publish(ctx, keyPaymentFailed, map[string]any{
		"user_id":    userID,
		"booking_id": bookingID,
		"reason":     reason,
	})
}

func (p *Publisher) LessonReminder(ctx context.Context, userID, bookingID uuid.UUID, scheduledAt time.Time) {
	p.publish(ctx, keyLessonReminder, map[string]any{
		"user_id":      userID,
		"booking_id":   bookingID,
		"scheduled_at": scheduledAt,
	})
}

func (p *Publisher) BookingCreated(ctx context.Context, userID, instructorID, bookingID uuid.UUID) {
	p.publish(ctx, keyBookingCreated, map[string]any{
		"user_id":       userID,
		"instructor_id": instructorID,
		"booking_id":    bookingID,
	})
}

func (p *Publisher) BookingCancelled(ctx context.Context, userID, instructorID, bookingID uuid.UUID, cancelledBy string) {
	p.publish(ctx, keyBookingCancelled, map[string]any{
		"user_id":       userID,
		"instructor_id": instructorID,
		"booking_id":    bookingID,
		"cancelled_by":  cancelledBy,
	})
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Noop is the fallback notifier used when no broker is configured.
type Noop struct{}

func (Noop) InstructorCheckIn(context.Context, uuid.UUID, uuid.UUID, uuid.UUID)        {}
func (Noop) PaymentCaptured(context.Context, uuid.UUID, uuid.UUID, decimal.Decimal)    {}
func (Noop) PaymentFailed(context.Context, uuid.UUID, uuid.UUID, string)               {}
func (Noop) LessonReminder(context.Context, uuid.UUID, uuid.UUID, time.Time)           {}
func (Noop) BookingCreated(context.Context, uuid.UUID, uuid.UUID, uuid.UUID)           {}
func (Noop) BookingCancelled(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, string) {}
