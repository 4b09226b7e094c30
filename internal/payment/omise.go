package payment

import (
	"context"
	"fmt"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseClient binds the processor contract to Omise. Charges are created
// with manual capture (DontCapture) and tagged with the booking id in
// metadata for correlation, the same way webhooks find them again.
type OmiseClient struct {
	client   *omise.Client
	currency string
}

func NewOmiseClient(publicKey, secretKey, currency string) (*OmiseClient, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	return &OmiseClient{client: c, currency: currency}, nil
}

var _ Client = (*OmiseClient)(nil)

func (o *OmiseClient) Hold(ctx context.Context, amountMinor int64, currency, methodRef, idempotencyKey string) (string, error) {
	if currency == "" {
		currency = o.currency
	}
	ch := &omise.Charge{}
	err := o.client.Do(ch, &operations.CreateCharge{
		Amount:      amountMinor,
		Currency:    currency,
		Card:        methodRef,
		DontCapture: true,
		Metadata:    map[string]interface{}{"booking_id": idempotencyKey},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
	}
	if string(ch.Status) == "failed" {
		msg := "charge failed"
		if ch.FailureMessage != nil {
			msg = *ch.FailureMessage
		}
		return "", fmt.Errorf("%w: %s", ErrPaymentDeclined, msg)
	}
	return ch.ID, nil
}

func (o *OmiseClient) Capture(ctx context.Context, authRef string) (int64, error) {
	ch := &omise.Charge{}
	if err := o.client.Do(ch, &operations.CaptureCharge{ChargeID: authRef}); err != nil {
		return 0, fmt.Errorf("capture %s: %w", authRef, err)
	}
	return ch.Amount, nil
}

// Transfer submits the payout with the booking-keyed idemp_key, so a retry
// or a reconciliation re-drive of the same booking returns the original
// transfer instead of paying the recipient again.
func (o *OmiseClient) Transfer(ctx context.Context, destinationRef string, amountMinor int64, idempotencyKey string) (string, error) {
	tr := &omise.Transfer{}
	err := o.client.Do(tr, &operations.CreateTransfer{
		Amount:    amountMinor,
		Recipient: destinationRef,
		IdempKey:  idempotencyKey,
		Metadata:  map[string]interface{}{"booking_id": idempotencyKey},
	})
	if err != nil {
		return "", fmt.Errorf("transfer to %s: %w", destinationRef, err)
	}
	return tr.ID, nil
}

func (o *OmiseClient) Cancel(ctx context.Context, authRef string) error {
	ch := &omise.Charge{}
	if err := o.client.Do(ch, &operations.ReverseCharge{ChargeID: authRef}); err != nil {
		return fmt.Errorf("reverse %s: %w", authRef, err)
	}
	return nil
}

func (o *OmiseClient) Refund(ctx context.Context, authRef string, amountMinor int64) (string, error) {
	rf := &omise.Refund{}
	err := o.client.Do(rf, &operations.CreateRefund{
		ChargeID: authRef,
		Amount:   amountMinor,
	})
	if err != nil {
		return "", fmt.Errorf("refund %s: %w", authRef, err)
	}
	return rf.ID, nil
}
