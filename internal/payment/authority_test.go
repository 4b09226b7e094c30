package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- booking repo mock with a real CAS ---

type mockBookingRepo struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*models.Booking
}

func newMockBookingRepo(bs ...*models.Booking) *mockBookingRepo {
	m := &mockBookingRepo{bookings: make(map[uuid.UUID]*models.Booking)}
	for _, b := range bs {
		cp := *b
		m.bookings[b.ID] = &cp
	}
	return m
}

func (m *mockBookingRepo) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s not found", id)
	}
	cp := *b
	return &cp, nil
}

func (m *mockBookingRepo) SetAuthorized(_ context.Context, id uuid.UUID, authRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	b.PaymentStatus = models.PaymentStatusAuthorized
	b.PaymentIntentRef = &authRef
	return true, nil
}

func (m *mockBookingRepo) CASPaymentStatus(_ context.Context, _ pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.PaymentStatus != from {
		return false, nil
	}
	b.PaymentStatus = to
	return true, nil
}

func (m *mockBookingRepo) SetPaymentStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[id].PaymentStatus = status
	return nil
}

func (m *mockBookingRepo) SetTransferRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[id].TransferRef = &ref
	return nil
}

func (m *mockBookingRepo) paymentStatus(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookings[id].PaymentStatus
}

// --- payout lookup mock ---

type mockPayouts struct {
	wallets map[uuid.UUID]*models.Wallet
}

func (m *mockPayouts) GetByUserID(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, ok := m.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet for %s not found", userID)
	}
	return w, nil
}

// --- processor mock ---

// mockProcessor dedupes transfers on the idempotency key the way the real
// processor does: resubmitting a key returns the original reference without
// paying out again. loseResponses simulates submissions whose response never
// arrived (payout landed, caller saw an error).
type mockProcessor struct {
	mu            sync.Mutex
	holdErr       error
	captureErr    error
	transferErr   error
	loseResponses int
	captures      atomic.Int64
	transfers     atomic.Int64
	capturedAmt   int64
	lastTransfer  atomic.Int64
	payoutsByKey  map[string]string
}

func (m *mockProcessor) Hold(_ context.Context, amountMinor int64, _, _, _ string) (string, error) {
	if m.holdErr != nil {
		return "", m.holdErr
	}
	return "auth_" + uuid.NewString(), nil
}

func (m *mockProcessor) Capture(_ context.Context, authRef string) (int64, error) {
	if m.captureErr != nil {
		return 0, m.captureErr
	}
	m.captures.Add(1)
	return m.capturedAmt, nil
}

func (m *mockProcessor) Transfer(_ context.Context, _ string, amountMinor int64, idempotencyKey string) (string, error) {
	if m.transferErr != nil {
		return "", m.transferErr
	}
	m.transfers.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payoutsByKey == nil {
		m.payoutsByKey = make(map[string]string)
	}
	ref, ok := m.payoutsByKey[idempotencyKey]
	if !ok {
		ref = "trf_" + uuid.NewString()
		m.payoutsByKey[idempotencyKey] = ref
		m.lastTransfer.Store(amountMinor)
	}
	if m.loseResponses > 0 {
		m.loseResponses--
		return "", errors.New("timeout waiting for transfer response")
	}
	return ref, nil
}

// payouts reports how many distinct transfers actually moved money.
func (m *mockProcessor) payouts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payoutsByKey)
}

func (m *mockProcessor) Cancel(_ context.Context, _ string) error { return nil }

func (m *mockProcessor) Refund(_ context.Context, _ string, _ int64) (string, error) {
	return "rfnd_" + uuid.NewString(), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func feeRate() decimal.Decimal { return decimal.RequireFromString("0.05") }

func authorizedBooking(amount string) *models.Booking {
	authRef := "auth_test"
	return &models.Booking{
		ID:               uuid.New(),
		InstructorID:     uuid.New(),
		UserID:           uuid.New(),
		Status:           models.BookingStatusConfirmed,
		PaymentStatus:    models.PaymentStatusAuthorized,
		TotalAmount:      decimal.RequireFromString(amount),
		PaymentIntentRef: &authRef,
	}
}

func newAuthority(repo *mockBookingRepo, payouts *mockPayouts, proc *mockProcessor) *Authority {
	return NewAuthority(mockPool{}, repo, payouts, proc, feeRate(), "EUR", slog.Default())
}

func payoutsFor(b *models.Booking) *mockPayouts {
	ref := "recp_test"
	return &mockPayouts{wallets: map[uuid.UUID]*models.Wallet{
		b.InstructorID: {ID: uuid.New(), UserID: b.InstructorID, BankAccountSetup: true, PayoutAccountRef: &ref},
	}}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSplitFee(t *testing.T) {
	cases := []struct {
		gross, fee, net string
	}{
		{"50.00", "2.5", "47.5"},
		{"100.00", "5", "95"},
		{"33.33", "1.67", "31.66"}, // 1.6665 rounds half-up to 1.67
		{"10.10", "0.51", "9.59"},  // 0.505 rounds half-up
		{"0.00", "0", "0"},
	}
	for _, tc := range cases {
		fee, net := SplitFee(decimal.RequireFromString(tc.gross), feeRate())
		if !fee.Equal(decimal.RequireFromString(tc.fee)) {
			t.Errorf("gross %s: fee got %s, want %s", tc.gross, fee, tc.fee)
		}
		if !net.Equal(decimal.RequireFromString(tc.net)) {
			t.Errorf("gross %s: net got %s, want %s", tc.gross, net, tc.net)
		}
		if !fee.Add(net).Equal(decimal.RequireFromString(tc.gross)) {
			t.Errorf("gross %s: fee + net != gross", tc.gross)
		}
	}
}

func TestCaptureAndTransfer_Success(t *testing.T) {
	b := authorizedBooking("50.00")
	repo := newMockBookingRepo(b)
	proc := &mockProcessor{capturedAmt: 5000}
	svc := newAuthority(repo, payoutsFor(b), proc)

	res, err := svc.CaptureAndTransfer(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("CaptureAndTransfer: %v", err)
	}
	if !res.Gross.Equal(decimal.RequireFromString("50.00")) {
		t.Errorf("gross: got %s, want 50.00", res.Gross)
	}
	if !res.Fee.Equal(decimal.RequireFromString("2.50")) {
		t.Errorf("fee: got %s, want 2.50", res.Fee)
	}
	if !res.Net.Equal(decimal.RequireFromString("47.50")) {
		t.Errorf("net: got %s, want 47.50", res.Net)
	}
	if res.TransferRef == "" {
		t.Error("expected a transfer reference")
	}
	if got := repo.paymentStatus(b.ID); got != models.PaymentStatusCaptured {
		t.Errorf("payment status: got %s, want CAPTURED", got)
	}
	if got := proc.lastTransfer.Load(); got != 4750 {
		t.Errorf("transferred minor units: got %d, want 4750", got)
	}
}

func TestCaptureAndTransfer_NotAuthorizedIsNoop(t *testing.T) {
	b := authorizedBooking("50.00")
	b.PaymentStatus = models.PaymentStatusCaptured
	repo := newMockBookingRepo(b)
	proc := &mockProcessor{capturedAmt: 5000}
	svc := newAuthority(repo, payoutsFor(b), proc)

	_, err := svc.CaptureAndTransfer(context.Background(), b.ID)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if n := proc.captures.Load(); n != 0 {
		t.Errorf("processor capture calls: got %d, want 0", n)
	}
}

func TestCaptureAndTransfer_ConcurrentSingleCapture(t *testing.T) {
	b := authorizedBooking("50.00")
	repo := newMockBookingRepo(b)
	proc := &mockProcessor{capturedAmt: 5000}
	svc := newAuthority(repo, payoutsFor(b), proc)

	const racers = 8
	var wg sync.WaitGroup
	var successes atomic.Int64
	var noops atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CaptureAndTransfer(context.Background(), b.ID)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrNotAuthorized):
				noops.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("successful captures: got %d, want exactly 1", got)
	}
	if got := noops.Load(); got != racers-1 {
		t.Errorf("no-op captures: got %d, want %d", got, racers-1)
	}
	if got := proc.transfers.Load(); got != 1 {
		t.Errorf("transfers submitted: got %d, want exactly 1", got)
	}
	if got := repo.paymentStatus(b.ID); got != models.PaymentStatusCaptured {
		t.Errorf("payment status: got %s, want CAPTURED", got)
	}
}

func TestCaptureAndTransfer_CaptureFailureLeavesAuthorized(t *testing.T) {
	b := authorizedBooking("50.00")
	repo := newMockBookingRepo(b)
	proc := &mockProcessor{captureErr: errors.New("processor timeout")}
	svc := newAuthority(repo, payoutsFor(b), proc)

	_, err := svc.CaptureAndTransfer(context.Background(), b.ID)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	if got := repo.paymentStatus(b.ID); got != models.PaymentStatusAuthorized {
		t.Errorf("payment status after failed capture: got %s, want AUTHORIZED", got)
	}
}

func TestCaptureAndTransfer_TransferFailureLeavesCaptured(t *testing.T) {
	b := authorizedBooking("50.00")
	repo := newMockBookingRepo(b)
	proc := &mockProcessor{capturedAmt: 5000, transferErr: errors.New("payout gateway down")}
	svc := newAuthority(repo, payoutsFor(b), proc)

	res, err := svc.CaptureAndTransfer(context.Background(), b.ID)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if res == nil || !res.Net.Equal(decimal.RequireFromString("47.50")) {
		t.Error("expected the capture split to be reported despite transfer failure")
	}
	if got := repo.paymentStatus(b.ID); got != models.PaymentStatusCaptured {
		t.Errorf("payment status: got %s, want CAPTURED (reconciliation state)", got)
	}
	m := repo.bookings[b.ID]
	if m.TransferRef != nil {
		t.Error("transfer ref must stay empty when the transfer leg failed")
	}
}

// flakyTransferRefRepo drops the first SetTransferRef write, leaving the
// booking CAPTURED with no transfer reference after a successful payout.
type flakyTransferRefRepo struct {
	*mockBookingRepo
	failures int
}

func (r *flakyTransferRefRepo) SetTransferRef(ctx context.Context, id uuid.UUID, ref string) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset by peer")
	}
	return r.mockBookingRepo.SetTransferRef(ctx, id, ref)
}

func TestSettlePayout_ReDriveDoesNotPayTwice(t *testing.T) {
	b := authorizedBooking("50.00")
	inner := newMockBookingRepo(b)
	repo := &flakyTransferRefRepo{mockBookingRepo: inner, failures: 1}
	proc := &mockProcessor{capturedAmt: 5000}
	svc := NewAuthority(mockPool{}, repo, payoutsFor(b), proc, feeRate(), "EUR", slog.Default())

	// The transfer lands but storing its reference does not.
	if _, err := svc.CaptureAndTransfer(context.Background(), b.ID); err == nil {
		t.Fatal("expected the dropped transfer reference to surface as an error")
	}
	if got := inner.paymentStatus(b.ID); got != models.PaymentStatusCaptured {
		t.Fatalf("payment status: got %s, want CAPTURED", got)
	}

	// Reconciliation re-drives the payout leg for the ref-less booking.
	res, err := svc.SettlePayout(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("SettlePayout: %v", err)
	}
	if res.TransferRef == "" {
		t.Error("expected the transfer reference to be recovered")
	}
	if got := proc.payouts(); got != 1 {
		t.Errorf("instructor paid %d times for one booking, want 1", got)
	}
	if inner.bookings[b.ID].TransferRef == nil {
		t.Error("transfer ref must be stored after the re-drive")
	}
}

func TestCaptureAndTransfer_LostTransferResponseDoesNotPayTwice(t *testing.T) {
	b := authorizedBooking("50.00")
	repo := newMockBookingRepo(b)
	proc := &mockProcessor{capturedAmt: 5000, loseResponses: 1}
	svc := newAuthority(repo, payoutsFor(b), proc)

	res, err := svc.CaptureAndTransfer(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("CaptureAndTransfer: %v", err)
	}
	if got := proc.transfers.Load(); got != 2 {
		t.Errorf("transfer calls: got %d, want 2 (original plus retry)", got)
	}
	if got := proc.payouts(); got != 1 {
		t.Errorf("instructor paid %d times for one booking, want 1", got)
	}
	if res.TransferRef == "" {
		t.Error("expected a transfer reference")
	}
}

func TestAuthorizeAndHold(t *testing.T) {
	b := authorizedBooking("50.00")
	b.PaymentStatus = models.PaymentStatusPending
	b.PaymentIntentRef = nil
	repo := newMockBookingRepo(b)
	proc := &mockProcessor{}
	svc := newAuthority(repo, payoutsFor(b), proc)

	authRef, err := svc.AuthorizeAndHold(context.Background(), b, "card_tok")
	if err != nil {
		t.Fatalf("AuthorizeAndHold: %v", err)
	}
	if authRef == "" {
		t.Error("expected an authorization reference")
	}
	if got := repo.paymentStatus(b.ID); got != models.PaymentStatusAuthorized {
		t.Errorf("payment status: got %s, want AUTHORIZED", got)
	}

	// Declined method surfaces ErrPaymentDeclined.
	b2 := authorizedBooking("50.00")
	b2.PaymentStatus = models.PaymentStatusPending
	b2.PaymentIntentRef = nil
	repo2 := newMockBookingRepo(b2)
	proc2 := &mockProcessor{holdErr: fmt.Errorf("%w: card declined", ErrPaymentDeclined)}
	svc2 := newAuthority(repo2, payoutsFor(b2), proc2)
	if _, err := svc2.AuthorizeAndHold(context.Background(), b2, "card_tok"); !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected ErrPaymentDeclined, got %v", err)
	}
	if got := repo2.paymentStatus(b2.ID); got != models.PaymentStatusPending {
		t.Errorf("payment status after decline: got %s, want PENDING", got)
	}
}

func TestPaymentStatusPartialOrder(t *testing.T) {
	legal := [][2]string{
		{models.PaymentStatusPending, models.PaymentStatusAuthorized},
		{models.PaymentStatusAuthorized, models.PaymentStatusCaptured},
		{models.PaymentStatusAuthorized, models.PaymentStatusFailed},
		{models.PaymentStatusCaptured, models.PaymentStatusRefunded},
		{models.PaymentStatusAuthorized, models.PaymentStatusRefunded},
	}
	for _, edge := range legal {
		if !models.CanTransitionPayment(edge[0], edge[1]) {
			t.Errorf("edge %s -> %s should be legal", edge[0], edge[1])
		}
	}
	illegal := [][2]string{
		{models.PaymentStatusPending, models.PaymentStatusCaptured},
		{models.PaymentStatusCaptured, models.PaymentStatusAuthorized},
		{models.PaymentStatusRefunded, models.PaymentStatusCaptured},
		{models.PaymentStatusFailed, models.PaymentStatusCaptured},
		{models.PaymentStatusCaptured, models.PaymentStatusCaptured},
	}
	for _, edge := range illegal {
		if models.CanTransitionPayment(edge[0], edge[1]) {
			t.Errorf("edge %s -> %s must not be legal", edge[0], edge[1])
		}
	}
}
