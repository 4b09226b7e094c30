package checkin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lessonpass/backend/internal/models"
	"github.com/lessonpass/backend/internal/payment"
)

// ---------------------------------------------------------------------------
// In-memory collaborators.
// ---------------------------------------------------------------------------

type mockBookingRepo struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*models.Booking
}

func newMockBookingRepo(bs ...*models.Booking) *mockBookingRepo {
	m := &mockBookingRepo{bookings: make(map[uuid.UUID]*models.Booking)}
	for _, b := range bs {
		m.bookings[b.ID] = b
	}
	return m
}

func (m *mockBookingRepo) FindForCheckIn(_ context.Context, userID, instructorID uuid.UUID, day time.Time) ([]*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)
	var out []*models.Booking
	for _, b := range m.bookings {
		if b.UserID != userID || b.InstructorID != instructorID {
			continue
		}
		if b.Status != models.BookingStatusPending && b.Status != models.BookingStatusConfirmed {
			continue
		}
		if b.ScheduledAt.Before(dayStart) || !b.ScheduledAt.Before(dayEnd) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	// Earliest first, insertion-order ties are fine for these tests.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].ScheduledAt.Before(out[i].ScheduledAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *mockBookingRepo) RecordCheckIn(_ context.Context, id uuid.UUID, checkedAt time.Time, scannedQR bool, loc *models.Location, distanceM *float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, nil
	}
	if b.CheckIn.CheckedInAt != nil {
		return false, nil
	}
	if b.Status != models.BookingStatusPending && b.Status != models.BookingStatusConfirmed {
		return false, nil
	}
	b.CheckIn = models.CheckIn{CheckedInAt: &checkedAt, ScannedQR: scannedQR, Location: loc, DistanceMeters: distanceM}
	b.Status = models.BookingStatusInProgress
	b.ValidatedAt = &checkedAt
	return true, nil
}

func (m *mockBookingRepo) get(id uuid.UUID) *models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.bookings[id]
	return &cp
}

type mockStats struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
}

func (m *mockStats) IncrementScanCount(_ context.Context, instructorID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[uuid.UUID]int)
	}
	m.counts[instructorID]++
	return nil
}

type mockAuthority struct {
	mu     sync.Mutex
	result *payment.CaptureResult
	err    error
	calls  int
}

func (m *mockAuthority) CaptureAndTransfer(context.Context, uuid.UUID) (*payment.CaptureResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.result, m.err
}

type creditCall struct {
	instructorID    uuid.UUID
	gross, fee, net decimal.Decimal
}

type mockLedger struct {
	mu      sync.Mutex
	credits []creditCall
	err     error
}

func (m *mockLedger) Credit(_ context.Context, instructorID uuid.UUID, gross, fee, net decimal.Decimal, _, _ uuid.UUID, _, _ string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.credits = append(m.credits, creditCall{instructorID, gross, fee, net})
	return &models.Transaction{ID: uuid.New(), NetAmount: net}, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	checkIns int
	captured int
	failed   int
}

func (m *mockNotifier) InstructorCheckIn(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) {
	m.mu.Lock()
	m.checkIns++
	m.mu.Unlock()
}
func (m *mockNotifier) PaymentCaptured(context.Context, uuid.UUID, uuid.UUID, decimal.Decimal) {
	m.mu.Lock()
	m.captured++
	m.mu.Unlock()
}
func (m *mockNotifier) PaymentFailed(context.Context, uuid.UUID, uuid.UUID, string) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

type mockReconcile struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (m *mockReconcile) EnqueuePaymentReconcile(_ context.Context, bookingID uuid.UUID) error {
	m.mu.Lock()
	m.enqueued = append(m.enqueued, bookingID)
	m.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Fixture.
// ---------------------------------------------------------------------------

type fixture struct {
	pipeline  *Pipeline
	bookings  *mockBookingRepo
	stats     *mockStats
	authority *mockAuthority
	ledger    *mockLedger
	notify    *mockNotifier
	reconcile *mockReconcile
	booking   *models.Booking
	scheduled time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scheduled := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	booking := &models.Booking{
		ID:            uuid.New(),
		LessonID:      uuid.New(),
		InstructorID:  uuid.New(),
		UserID:        uuid.New(),
		ScheduledAt:   scheduled,
		Status:        models.BookingStatusConfirmed,
		PaymentStatus: models.PaymentStatusAuthorized,
		TotalAmount:   decimal.RequireFromString("50.00"),
		LessonLocation: &models.Location{
			Lat: 45.4642, Lng: 9.1900,
		},
	}
	f := &fixture{
		bookings: newMockBookingRepo(booking),
		stats:    &mockStats{},
		authority: &mockAuthority{result: &payment.CaptureResult{
			Gross:       decimal.RequireFromString("50.00"),
			Fee:         decimal.RequireFromString("2.50"),
			Net:         decimal.RequireFromString("47.50"),
			TransferRef: "trsf_test",
		}},
		ledger:    &mockLedger{},
		notify:    &mockNotifier{},
		reconcile: &mockReconcile{},
		booking:   booking,
		scheduled: scheduled,
	}
	f.pipeline = NewPipeline(f.bookings, f.stats, f.authority, f.ledger, f.notify, f.reconcile,
		slog.New(slog.DiscardHandler))
	return f
}

func (f *fixture) token(issuedAt time.Time) string {
	return EncodeToken(f.booking.ID, f.booking.InstructorID, issuedAt)
}

// nearVenue is ~115 m from the lesson location.
var nearVenue = &models.Location{Lat: 45.4652, Lng: 9.1905}

// ---------------------------------------------------------------------------
// Tests.
// ---------------------------------------------------------------------------

func TestValidateAndCheckIn_Success(t *testing.T) {
	f := newFixture(t)
	scannedAt := f.scheduled.Add(2 * time.Minute)

	res, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt.Add(-time.Minute)), scannedAt, nearVenue)
	if err != nil {
		t.Fatalf("ValidateAndCheckIn: %v", err)
	}

	if res.Booking.Status != models.BookingStatusInProgress {
		t.Errorf("status: got %s, want IN_PROGRESS", res.Booking.Status)
	}
	if res.Booking.CheckIn.CheckedInAt == nil {
		t.Fatal("checked_in_at not stamped")
	}
	if res.DistanceMeters == nil || *res.DistanceMeters > maxPlausibleDistanceMeters {
		t.Errorf("distance: got %v, want a plausible value", res.DistanceMeters)
	}
	if res.DistanceWarning {
		t.Error("no distance warning expected near the venue")
	}
	if !res.PaymentCaptured || res.PaymentPending {
		t.Errorf("payment flags: captured=%v pending=%v", res.PaymentCaptured, res.PaymentPending)
	}

	// One capture, one wallet credit with the 5% split, both notifications.
	if f.authority.calls != 1 {
		t.Errorf("capture calls: got %d, want 1", f.authority.calls)
	}
	if len(f.ledger.credits) != 1 {
		t.Fatalf("credits: got %d, want 1", len(f.ledger.credits))
	}
	c := f.ledger.credits[0]
	if c.instructorID != f.booking.InstructorID {
		t.Error("credit went to the wrong wallet")
	}
	if !c.gross.Equal(decimal.RequireFromString("50.00")) ||
		!c.fee.Equal(decimal.RequireFromString("2.50")) ||
		!c.net.Equal(decimal.RequireFromString("47.50")) {
		t.Errorf("split: gross=%s fee=%s net=%s", c.gross, c.fee, c.net)
	}
	if f.notify.checkIns != 1 || f.notify.captured != 1 || f.notify.failed != 0 {
		t.Errorf("notifications: checkIns=%d captured=%d failed=%d",
			f.notify.checkIns, f.notify.captured, f.notify.failed)
	}
	if f.stats.counts[f.booking.InstructorID] != 1 {
		t.Error("scan counter not incremented")
	}
	if len(f.reconcile.enqueued) != 0 {
		t.Error("nothing should be queued for reconciliation on success")
	}
}

func TestValidateAndCheckIn_TokenFreshnessBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		tokenAge  time.Duration
		wantErr   error
	}{
		{"at 300s still valid", 300 * time.Second, nil},
		{"at 301s expired", 301 * time.Second, ErrTokenExpired},
		{"61s in the future", -61 * time.Second, ErrTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			scannedAt := f.scheduled.Add(time.Minute)
			_, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
				f.token(scannedAt.Add(-tc.tokenAge)), scannedAt, nil)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if f.bookings.get(f.booking.ID).CheckIn.CheckedInAt != nil {
				t.Error("rejected scan must not write a check-in")
			}
		})
	}
}

func TestValidateAndCheckIn_WindowBoundaries(t *testing.T) {
	cases := []struct {
		name        string
		offset      time.Duration
		wantErr     bool
		wantEarly   bool
		wantMinutes int
	}{
		{"15 min early accepted", -15 * time.Minute, false, false, 0},
		{"15 min late accepted", 15 * time.Minute, false, false, 0},
		{"one second too early", -(15*time.Minute + time.Second), true, true, 15},
		{"one second too late", 15*time.Minute + time.Second, true, false, 15},
		{"an hour early", -time.Hour, true, true, 60},
		{"40 min late", 40 * time.Minute, true, false, 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			scannedAt := f.scheduled.Add(tc.offset)
			_, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
				f.token(scannedAt), scannedAt, nil)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("expected in-window success, got %v", err)
				}
				return
			}
			var winErr *WindowError
			if !errors.As(err, &winErr) {
				t.Fatalf("expected WindowError, got %v", err)
			}
			if !errors.Is(err, ErrOutsideWindow) {
				t.Error("WindowError must unwrap to ErrOutsideWindow")
			}
			if winErr.Early != tc.wantEarly {
				t.Errorf("early: got %v, want %v", winErr.Early, tc.wantEarly)
			}
			if winErr.Minutes != tc.wantMinutes {
				t.Errorf("minutes: got %d, want %d", winErr.Minutes, tc.wantMinutes)
			}
		})
	}
}

func TestValidateAndCheckIn_NoBookingToday(t *testing.T) {
	f := newFixture(t)
	stranger := uuid.New()
	scannedAt := f.scheduled.Add(time.Minute)

	_, err := f.pipeline.ValidateAndCheckIn(context.Background(), stranger,
		f.token(scannedAt), scannedAt, nil)
	if !errors.Is(err, ErrNoBookingFound) {
		t.Fatalf("expected ErrNoBookingFound, got %v", err)
	}
}

func TestValidateAndCheckIn_SecondScanRejected(t *testing.T) {
	f := newFixture(t)
	scannedAt := f.scheduled.Add(time.Minute)

	if _, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt), scannedAt, nil); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	_, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt), scannedAt.Add(time.Minute), nil)
	if !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Fatalf("expected ErrAlreadyCheckedIn, got %v", err)
	}
	if f.authority.calls != 1 {
		t.Errorf("capture calls after duplicate scan: got %d, want 1", f.authority.calls)
	}
	if len(f.ledger.credits) != 1 {
		t.Errorf("credits after duplicate scan: got %d, want 1", len(f.ledger.credits))
	}
}

func TestValidateAndCheckIn_EarliestBookingWins(t *testing.T) {
	f := newFixture(t)
	later := &models.Booking{
		ID:            uuid.New(),
		InstructorID:  f.booking.InstructorID,
		UserID:        f.booking.UserID,
		ScheduledAt:   f.scheduled.Add(6 * time.Hour),
		Status:        models.BookingStatusConfirmed,
		PaymentStatus: models.PaymentStatusAuthorized,
		TotalAmount:   decimal.RequireFromString("80.00"),
	}
	f.bookings.bookings[later.ID] = later

	scannedAt := f.scheduled.Add(time.Minute)
	res, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt), scannedAt, nil)
	if err != nil {
		t.Fatalf("ValidateAndCheckIn: %v", err)
	}
	if res.Booking.ID != f.booking.ID {
		t.Errorf("matched booking: got %s, want the earlier %s", res.Booking.ID, f.booking.ID)
	}
	if f.bookings.get(later.ID).CheckIn.CheckedInAt != nil {
		t.Error("the later booking must stay untouched")
	}
}

func TestValidateAndCheckIn_FarLocationWarnsButCommits(t *testing.T) {
	f := newFixture(t)
	scannedAt := f.scheduled.Add(time.Minute)
	farAway := &models.Location{Lat: 45.5500, Lng: 9.3000} // ~12 km out

	res, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt), scannedAt, farAway)
	if err != nil {
		t.Fatalf("ValidateAndCheckIn: %v", err)
	}
	if !res.DistanceWarning {
		t.Error("expected a distance warning")
	}
	if res.DistanceMeters == nil || *res.DistanceMeters <= maxPlausibleDistanceMeters {
		t.Errorf("distance: got %v, want > %d", res.DistanceMeters, maxPlausibleDistanceMeters)
	}
	if !res.PaymentCaptured {
		t.Error("distance warning must not block the payment")
	}
}

func TestValidateAndCheckIn_CaptureFailureCommitsCheckIn(t *testing.T) {
	f := newFixture(t)
	f.authority.result = nil
	f.authority.err = payment.ErrCaptureFailed
	scannedAt := f.scheduled.Add(time.Minute)

	res, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt), scannedAt, nil)
	if err != nil {
		t.Fatalf("payment failure must not fail the check-in: %v", err)
	}

	if res.Booking.Status != models.BookingStatusInProgress {
		t.Errorf("status: got %s, want IN_PROGRESS", res.Booking.Status)
	}
	if got := f.bookings.get(f.booking.ID); got.CheckIn.CheckedInAt == nil {
		t.Error("check-in must stay committed after payment failure")
	}
	if res.PaymentCaptured || !res.PaymentPending {
		t.Errorf("payment flags: captured=%v pending=%v", res.PaymentCaptured, res.PaymentPending)
	}
	if len(f.reconcile.enqueued) != 1 || f.reconcile.enqueued[0] != f.booking.ID {
		t.Errorf("reconciliation queue: got %v, want [%s]", f.reconcile.enqueued, f.booking.ID)
	}
	if f.notify.failed != 1 || f.notify.captured != 0 {
		t.Errorf("notifications: failed=%d captured=%d", f.notify.failed, f.notify.captured)
	}
	if len(f.ledger.credits) != 0 {
		t.Error("no wallet credit without a capture")
	}
}

func TestValidateAndCheckIn_FreeLessonSkipsCapture(t *testing.T) {
	f := newFixture(t)
	f.booking.TotalAmount = decimal.Zero
	f.booking.PaymentStatus = models.PaymentStatusCaptured
	f.authority.result = nil
	f.authority.err = payment.ErrNotAuthorized
	scannedAt := f.scheduled.Add(time.Minute)

	res, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt), scannedAt, nil)
	if err != nil {
		t.Fatalf("ValidateAndCheckIn: %v", err)
	}
	if res.PaymentCaptured || res.PaymentPending {
		t.Errorf("free lesson flags: captured=%v pending=%v", res.PaymentCaptured, res.PaymentPending)
	}
	if len(f.reconcile.enqueued) != 0 {
		t.Error("free lesson must not queue reconciliation")
	}
	if len(f.ledger.credits) != 0 {
		t.Error("free lesson must not credit the wallet")
	}
}

func TestValidateAndCheckIn_CreditFailureQueuesReconciliation(t *testing.T) {
	f := newFixture(t)
	f.ledger.err = errors.New("wallet storage down")
	scannedAt := f.scheduled.Add(time.Minute)

	res, err := f.pipeline.ValidateAndCheckIn(context.Background(), f.booking.UserID,
		f.token(scannedAt), scannedAt, nil)
	if err != nil {
		t.Fatalf("ValidateAndCheckIn: %v", err)
	}
	if !res.PaymentCaptured {
		t.Error("capture succeeded, result must say so")
	}
	if len(f.reconcile.enqueued) != 1 {
		t.Errorf("reconciliation queue: got %d entries, want 1", len(f.reconcile.enqueued))
	}
}
