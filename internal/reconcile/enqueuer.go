package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// Enqueuer inserts reconciliation jobs through the River client.
type Enqueuer struct {
	Client *river.Client[pgx.Tx]
}

func NewEnqueuer(client *river.Client[pgx.Tx]) *Enqueuer {
	return &Enqueuer{Client: client}
}

func (e *Enqueuer) EnqueuePaymentReconcile(ctx context.Context, bookingID uuid.UUID) error {
	_, err := e.Client.Insert(ctx, PaymentReconcileArgs{BookingID: bookingID}, nil)
	return err
}
