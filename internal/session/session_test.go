package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockEscrow records release/refund calls and can be told to fail.
type mockEscrow struct {
	mu       sync.Mutex
	released []string
	refunded map[string]string // booking id -> reason
	err      error
}

func newMockEscrow() *mockEscrow {
	return &mockEscrow{refunded: make(map[string]string)}
}

func (m *mockEscrow) Release(ctx context.Context, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.released = append(m.released, bookingID)
	return nil
}

func (m *mockEscrow) Refund(ctx context.Context, bookingID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.refunded[bookingID] = reason
	return nil
}

func (m *mockEscrow) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *mockEscrow, *fakeClock) {
	t.Helper()
	escrowEng := newMockEscrow()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := NewService(NewMemoryStore(), escrowEng, testLogger()).WithClock(clock.Now)
	return svc, escrowEng, clock
}

func schedule(t *testing.T, svc *Service, clock *fakeClock, bookingID string) *Session {
	t.Helper()
	sess, err := svc.Schedule(context.Background(), ScheduleRequest{
		BookingID:      bookingID,
		AspirantID:     "aspirant",
		AchieverID:     "achiever",
		ScheduledStart: clock.Now().Add(time.Hour),
		ScheduledEnd:   clock.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	return sess
}

func TestSchedule(t *testing.T) {
	svc, _, clock := newTestService(t)
	sess := schedule(t, svc, clock, "bk_1")

	if sess.Status != StatusScheduled {
		t.Errorf("status = %s, want scheduled", sess.Status)
	}

	// One session per booking.
	_, err := svc.Schedule(context.Background(), ScheduleRequest{
		BookingID:      "bk_1",
		AspirantID:     "aspirant",
		AchieverID:     "achiever",
		ScheduledStart: clock.Now().Add(time.Hour),
		ScheduledEnd:   clock.Now().Add(2 * time.Hour),
	})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
}

func TestBothJoin_CompletesAtScheduledEnd(t *testing.T) {
	svc, escrowEng, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	clock.Advance(61 * time.Minute) // 1 minute past start
	if _, err := svc.MarkJoined(ctx, sess.ID, RoleAspirant); err != nil {
		t.Fatalf("aspirant join failed: %v", err)
	}
	got, err := svc.MarkJoined(ctx, sess.ID, RoleAchiever)
	if err != nil {
		t.Fatalf("achiever join failed: %v", err)
	}
	if got.Status != StatusOngoing {
		t.Errorf("status = %s after both joined, want ongoing", got.Status)
	}

	clock.Advance(60 * time.Minute) // past scheduled end
	svc.Tick(ctx)

	got, _ = svc.Get(ctx, sess.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s after scheduled end, want completed", got.Status)
	}
	if got.Pattern != PatternBothJoined {
		t.Errorf("pattern = %s, want both_joined", got.Pattern)
	}
	if !got.PaymentDistributed {
		t.Error("payment not distributed")
	}
	if escrowEng.releaseCount() != 1 {
		t.Errorf("release count = %d, want 1", escrowEng.releaseCount())
	}
}

func TestNeitherJoins_NoShowRefund(t *testing.T) {
	svc, escrowEng, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	clock.Advance(61 * time.Minute)
	svc.Tick(ctx)

	got, _ := svc.Get(ctx, sess.ID)
	if got.Status != StatusGracePeriod {
		t.Fatalf("status = %s one minute past start, want grace_period", got.Status)
	}

	clock.Advance(10 * time.Minute) // grace period over
	svc.Tick(ctx)

	got, _ = svc.Get(ctx, sess.ID)
	if got.Status != StatusNoShow {
		t.Errorf("status = %s, want no_show", got.Status)
	}
	if got.Pattern != PatternNeitherJoined {
		t.Errorf("pattern = %s, want neither_joined", got.Pattern)
	}
	if _, ok := escrowEng.refunded["bk_1"]; !ok {
		t.Error("escrow not refunded for no-show")
	}
	if escrowEng.releaseCount() != 0 {
		t.Error("escrow released for no-show")
	}
}

func TestAspirantOnly_NoShowRefund(t *testing.T) {
	svc, escrowEng, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	clock.Advance(61 * time.Minute)
	if _, err := svc.MarkJoined(ctx, sess.ID, RoleAspirant); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	clock.Advance(10 * time.Minute)
	svc.Tick(ctx)

	got, _ := svc.Get(ctx, sess.ID)
	if got.Status != StatusNoShow {
		t.Errorf("status = %s, want no_show", got.Status)
	}
	if got.Pattern != PatternAspirantOnly {
		t.Errorf("pattern = %s, want aspirant_only", got.Pattern)
	}
	if _, ok := escrowEng.refunded["bk_1"]; !ok {
		t.Error("escrow not refunded")
	}
}

func TestAchieverOnly_PaidInFullOnManualComplete(t *testing.T) {
	svc, escrowEng, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	clock.Advance(61 * time.Minute)
	if _, err := svc.MarkJoined(ctx, sess.ID, RoleAchiever); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	clock.Advance(10 * time.Minute)
	svc.Tick(ctx)

	got, _ := svc.Get(ctx, sess.ID)
	if got.Status != StatusAchieverOnly {
		t.Fatalf("status = %s, want achiever_only", got.Status)
	}
	// Achiever honored the slot; not refunded automatically.
	if len(escrowEng.refunded) != 0 {
		t.Error("achiever-only session refunded")
	}

	got, err := svc.CompleteManually(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CompleteManually failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Pattern != PatternAchieverOnly {
		t.Errorf("pattern = %s, want achiever_only", got.Pattern)
	}
	if escrowEng.releaseCount() != 1 {
		t.Errorf("release count = %d, want 1", escrowEng.releaseCount())
	}
}

func TestLateAspirantSalvagesSession(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	clock.Advance(61 * time.Minute)
	_, _ = svc.MarkJoined(ctx, sess.ID, RoleAchiever)
	clock.Advance(10 * time.Minute)
	svc.Tick(ctx)

	got, _ := svc.Get(ctx, sess.ID)
	if got.Status != StatusAchieverOnly {
		t.Fatalf("status = %s, want achiever_only", got.Status)
	}

	// Aspirant shows up after the grace period but before the end.
	clock.Advance(5 * time.Minute)
	got, err := svc.MarkJoined(ctx, sess.ID, RoleAspirant)
	if err != nil {
		t.Fatalf("late join failed: %v", err)
	}
	if got.Status != StatusOngoing {
		t.Errorf("status = %s after late join, want ongoing", got.Status)
	}
}

func TestCancel_Refunds(t *testing.T) {
	svc, escrowEng, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	got, err := svc.Cancel(ctx, sess.ID, "aspirant")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.CancelledBy != "aspirant" {
		t.Errorf("cancelledBy = %q", got.CancelledBy)
	}
	if reason := escrowEng.refunded["bk_1"]; reason != "cancelled by aspirant" {
		t.Errorf("refund reason = %q", reason)
	}

	// Terminal sessions cannot be cancelled again or joined.
	if _, err := svc.Cancel(ctx, sess.ID, "achiever"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double cancel: got %v, want ErrInvalidStateTransition", err)
	}
	if _, err := svc.MarkJoined(ctx, sess.ID, RoleAspirant); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("join after cancel: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestSettleRetriesOnEscrowFailure(t *testing.T) {
	svc, escrowEng, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	escrowEng.err = errors.New("ledger unavailable")

	clock.Advance(71 * time.Minute)
	svc.Tick(ctx)

	got, _ := svc.Get(ctx, sess.ID)
	if got.Status != StatusNoShow {
		t.Fatalf("status = %s, want no_show", got.Status)
	}
	if got.PaymentDistributed {
		t.Fatal("payment marked distributed despite escrow failure")
	}

	// Next tick retries and succeeds.
	escrowEng.err = nil
	svc.Tick(ctx)

	got, _ = svc.Get(ctx, sess.ID)
	if !got.PaymentDistributed {
		t.Error("payment not distributed after retry")
	}
	if _, ok := escrowEng.refunded["bk_1"]; !ok {
		t.Error("escrow not refunded after retry")
	}
}

func TestFeedbackGate(t *testing.T) {
	escrowEng := newMockEscrow()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	svc := NewService(NewMemoryStore(), escrowEng, testLogger()).
		WithClock(clock.Now).
		WithFeedbackGate()
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	clock.Advance(61 * time.Minute)
	_, _ = svc.MarkJoined(ctx, sess.ID, RoleAspirant)
	_, _ = svc.MarkJoined(ctx, sess.ID, RoleAchiever)
	clock.Advance(60 * time.Minute)
	svc.Tick(ctx)

	got, _ := svc.Get(ctx, sess.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.PaymentDistributed {
		t.Fatal("released before feedback")
	}
	if escrowEng.releaseCount() != 0 {
		t.Fatal("escrow released before feedback")
	}

	if _, err := svc.SubmitFeedback(ctx, sess.ID, RoleAspirant); err != nil {
		t.Fatalf("feedback failed: %v", err)
	}
	if escrowEng.releaseCount() != 0 {
		t.Fatal("released after one-sided feedback")
	}

	got, err := svc.SubmitFeedback(ctx, sess.ID, RoleAchiever)
	if err != nil {
		t.Fatalf("feedback failed: %v", err)
	}
	if !got.PaymentDistributed {
		t.Error("not distributed after both feedbacks")
	}
	if escrowEng.releaseCount() != 1 {
		t.Errorf("release count = %d, want 1", escrowEng.releaseCount())
	}
}

func TestMarkJoinedBeforeStartDoesNotTransition(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	sess := schedule(t, svc, clock, "bk_1")

	// Joins before the scheduled start are recorded but the session stays
	// scheduled until the clock reaches the start.
	got, err := svc.MarkJoined(ctx, sess.ID, RoleAspirant)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if got.Status != StatusScheduled {
		t.Errorf("status = %s before start, want scheduled", got.Status)
	}

	_, _ = svc.MarkJoined(ctx, sess.ID, RoleAchiever)
	clock.Advance(61 * time.Minute)
	svc.Tick(ctx)

	got, _ = svc.Get(ctx, sess.ID)
	if got.Status != StatusOngoing {
		t.Errorf("status = %s after start with both joined, want ongoing", got.Status)
	}
}

func TestScheduleValidation(t *testing.T) {
	svc, _, clock := newTestService(t)
	_, err := svc.Schedule(context.Background(), ScheduleRequest{
		BookingID:      "bk_1",
		AspirantID:     "a",
		AchieverID:     "b",
		ScheduledStart: clock.Now().Add(2 * time.Hour),
		ScheduledEnd:   clock.Now().Add(time.Hour),
	})
	if err == nil {
		t.Fatal("expected error for end before start")
	}
}
