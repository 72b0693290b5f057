package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mentorpay/mentorpay/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockGateway records refunds and can be told to fail.
type mockGateway struct {
	mu      sync.Mutex
	refunds map[string]int64 // payment id -> amount
	err     error
}

func newMockGateway() *mockGateway {
	return &mockGateway{refunds: make(map[string]int64)}
}

func (m *mockGateway) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.refunds[paymentID] = amount
	return "rfnd_" + paymentID, nil
}

func newTestEngine(t *testing.T) (*Engine, *ledger.Service, *mockGateway) {
	t.Helper()
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore())
	gateway := newMockGateway()
	engine := NewEngine(NewMemoryStore(), ledgerSvc, gateway, testLogger())
	return engine, ledgerSvc, gateway
}

func TestSplitFees(t *testing.T) {
	tests := []struct {
		amount      int64
		platformFee int64
		gatewayFee  int64
		payeeAmount int64
	}{
		{50000, 5000, 1000, 44000},
		{500, 50, 10, 440},
		{1, 0, 0, 1},     // fees round to zero on tiny amounts
		{333, 33, 7, 293}, // 33.3 rounds down, 6.66 rounds up
		{0, 0, 0, 0},
	}
	for _, tt := range tests {
		platformFee, gatewayFee, payeeAmount := SplitFees(tt.amount)
		if platformFee != tt.platformFee || gatewayFee != tt.gatewayFee || payeeAmount != tt.payeeAmount {
			t.Errorf("SplitFees(%d) = (%d, %d, %d), want (%d, %d, %d)",
				tt.amount, platformFee, gatewayFee, payeeAmount,
				tt.platformFee, tt.gatewayFee, tt.payeeAmount)
		}
		if platformFee+gatewayFee+payeeAmount != tt.amount {
			t.Errorf("SplitFees(%d) does not conserve the amount", tt.amount)
		}
	}
}

func TestLock(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()

	esc, err := engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if esc.Status != StatusLocked {
		t.Errorf("status = %s, want locked", esc.Status)
	}
	if esc.PlatformFee != 5000 || esc.GatewayFee != 1000 || esc.PayeeAmount != 44000 {
		t.Errorf("unexpected split: %+v", esc)
	}

	payer, _ := ledgerSvc.Wallet(ctx, "aspirant")
	if payer.LockedBalance != 50000 {
		t.Errorf("payer lockedBalance = %d, want 50000", payer.LockedBalance)
	}
}

func TestLock_Duplicate(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1"); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	_, err := engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")
	if !errors.Is(err, ErrDuplicateEscrow) {
		t.Fatalf("expected ErrDuplicateEscrow, got %v", err)
	}

	// The retried lock posting is idempotent; no double-lock.
	payer, _ := ledgerSvc.Wallet(ctx, "aspirant")
	if payer.LockedBalance != 50000 {
		t.Errorf("payer lockedBalance = %d after duplicate lock, want 50000", payer.LockedBalance)
	}
}

func TestLock_Validation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Lock(ctx, "bk_1", "a", "b", 0, "pay_1"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := engine.Lock(ctx, "bk_1", "a", "b", -100, "pay_1"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := engine.Lock(ctx, "bk_1", "same", "same", 100, "pay_1"); err == nil {
		t.Error("expected error for payer == payee")
	}
}

func TestRelease(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()

	_, _ = engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")
	if err := engine.Release(ctx, "bk_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	esc, _ := engine.Get(ctx, "bk_1")
	if esc.Status != StatusReleased {
		t.Errorf("status = %s, want released", esc.Status)
	}
	if esc.ReleasedAt == nil {
		t.Error("ReleasedAt not set")
	}

	payee, _ := ledgerSvc.Wallet(ctx, "achiever")
	if payee.Balance != 44000 {
		t.Errorf("payee balance = %d, want 44000", payee.Balance)
	}
	platform, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if platform.Balance != 5000 {
		t.Errorf("platform balance = %d, want 5000", platform.Balance)
	}
	payer, _ := ledgerSvc.Wallet(ctx, "aspirant")
	if payer.LockedBalance != 0 {
		t.Errorf("payer lockedBalance = %d, want 0", payer.LockedBalance)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()

	_, _ = engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")
	for i := 0; i < 3; i++ {
		if err := engine.Release(ctx, "bk_1"); err != nil {
			t.Fatalf("Release attempt %d failed: %v", i, err)
		}
	}

	payee, _ := ledgerSvc.Wallet(ctx, "achiever")
	if payee.Balance != 44000 {
		t.Errorf("payee balance = %d after repeated release, want 44000", payee.Balance)
	}
}

func TestRelease_ConcurrentSingleCredit(t *testing.T) {
	engine, ledgerSvc, _ := newTestEngine(t)
	ctx := context.Background()

	_, _ = engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")

	// Racing triggers (timer tick vs. manual completion) must produce
	// exactly one credit per leg.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.Release(ctx, "bk_1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Release failed: %v", err)
		}
	}

	payee, _ := ledgerSvc.Wallet(ctx, "achiever")
	if payee.Balance != 44000 {
		t.Errorf("payee balance = %d, want 44000", payee.Balance)
	}
	platform, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if platform.Balance != 5000 {
		t.Errorf("platform balance = %d, want 5000", platform.Balance)
	}
	payer, _ := ledgerSvc.Wallet(ctx, "aspirant")
	if payer.LockedBalance != 0 {
		t.Errorf("payer lockedBalance = %d, want 0", payer.LockedBalance)
	}
}

func TestRefund(t *testing.T) {
	engine, ledgerSvc, gateway := newTestEngine(t)
	ctx := context.Background()

	_, _ = engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")
	if err := engine.Refund(ctx, "bk_1", "no-show"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	esc, _ := engine.Get(ctx, "bk_1")
	if esc.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded", esc.Status)
	}
	if esc.ExternalRefundID == "" {
		t.Error("ExternalRefundID not set")
	}
	if esc.RefundReason != "no-show" {
		t.Errorf("refundReason = %q", esc.RefundReason)
	}

	if gateway.refunds["pay_1"] != 50000 {
		t.Errorf("gateway refund = %d, want 50000", gateway.refunds["pay_1"])
	}
	payer, _ := ledgerSvc.Wallet(ctx, "aspirant")
	if payer.LockedBalance != 0 {
		t.Errorf("payer lockedBalance = %d, want 0", payer.LockedBalance)
	}
	payee, _ := ledgerSvc.Wallet(ctx, "achiever")
	if payee.Balance != 0 {
		t.Errorf("payee balance = %d after refund, want 0", payee.Balance)
	}
}

func TestRefund_GatewayFailureStaysLocked(t *testing.T) {
	engine, _, gateway := newTestEngine(t)
	ctx := context.Background()

	_, _ = engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")

	gateway.err = errors.New("gateway timeout")
	err := engine.Refund(ctx, "bk_1", "no-show")
	if !errors.Is(err, ErrRefundFailed) {
		t.Fatalf("expected ErrRefundFailed, got %v", err)
	}

	esc, _ := engine.Get(ctx, "bk_1")
	if esc.Status != StatusLocked {
		t.Errorf("status = %s after failed refund, want locked", esc.Status)
	}

	// Retry after the gateway recovers.
	gateway.err = nil
	if err := engine.Refund(ctx, "bk_1", "no-show"); err != nil {
		t.Fatalf("retried Refund failed: %v", err)
	}
	esc, _ = engine.Get(ctx, "bk_1")
	if esc.Status != StatusRefunded {
		t.Errorf("status = %s after retried refund, want refunded", esc.Status)
	}
	if gateway.refunds["pay_1"] != 50000 {
		t.Errorf("gateway refund = %d, want 50000", gateway.refunds["pay_1"])
	}
}

func TestRefund_AfterReleaseIsNoOp(t *testing.T) {
	engine, ledgerSvc, gateway := newTestEngine(t)
	ctx := context.Background()

	_, _ = engine.Lock(ctx, "bk_1", "aspirant", "achiever", 50000, "pay_1")
	_ = engine.Release(ctx, "bk_1")

	// A late no-show verdict after release must not move money.
	if err := engine.Refund(ctx, "bk_1", "late verdict"); err != nil {
		t.Fatalf("Refund after release errored: %v", err)
	}
	if len(gateway.refunds) != 0 {
		t.Error("gateway refund issued for released escrow")
	}
	esc, _ := engine.Get(ctx, "bk_1")
	if esc.Status != StatusReleased {
		t.Errorf("status = %s, want released", esc.Status)
	}
	payee, _ := ledgerSvc.Wallet(ctx, "achiever")
	if payee.Balance != 44000 {
		t.Errorf("payee balance = %d, want 44000", payee.Balance)
	}
}

func TestRelease_NotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if err := engine.Release(context.Background(), "bk_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}
