package payout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mentorpay/mentorpay/internal/ledger"
	"github.com/mentorpay/mentorpay/internal/paygate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockPayoutGateway records payouts by idempotency reference and can be
// told to fail.
type mockPayoutGateway struct {
	mu      sync.Mutex
	payouts map[string]int64 // reference -> amount
	err     error
	seq     int
}

func newMockPayoutGateway() *mockPayoutGateway {
	return &mockPayoutGateway{payouts: make(map[string]int64)}
}

func (m *mockPayoutGateway) CreatePayout(ctx context.Context, amount int64, dest paygate.PayoutDestination, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if _, ok := m.payouts[reference]; !ok {
		m.seq++
	}
	m.payouts[reference] = amount
	return "pout_" + reference, nil
}

func (m *mockPayoutGateway) payoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payouts)
}

func newTestService(t *testing.T) (*Service, *ledger.Service, *mockPayoutGateway) {
	t.Helper()
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore())
	gateway := newMockPayoutGateway()
	crypto, err := NewDestinationCrypto("test-encryption-secret")
	if err != nil {
		t.Fatalf("NewDestinationCrypto failed: %v", err)
	}
	svc := NewService(NewMemoryStore(), ledgerSvc, gateway, crypto, 10000, 500, testLogger())
	return svc, ledgerSvc, gateway
}

func fund(t *testing.T, ledgerSvc *ledger.Service, userID string, amount int64) {
	t.Helper()
	err := ledgerSvc.Post(context.Background(), userID, &ledger.Transaction{
		Kind:   ledger.KindCredit,
		Amount: amount,
		Source: ledger.SourceTopup,
	})
	if err != nil {
		t.Fatalf("funding wallet failed: %v", err)
	}
}

func TestFee(t *testing.T) {
	tests := []struct {
		amount int64
		minFee int64
		want   int64
	}{
		{100000, 500, 2000}, // 2% of ₹1000
		{10000, 500, 500},   // 2% = 200, floored at minFee
		{25000, 500, 500},   // 2% = 500, exactly the floor
		{25100, 500, 502},
		{33333, 500, 667}, // 666.66 rounds up
		{10000, 0, 200},
	}
	for _, tt := range tests {
		if got := Fee(tt.amount, tt.minFee); got != tt.want {
			t.Errorf("Fee(%d, %d) = %d, want %d", tt.amount, tt.minFee, got, tt.want)
		}
	}
}

func TestRequest(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	wd, err := svc.Request(ctx, CreateRequest{
		UserID:          "achiever",
		Amount:          50000,
		Destination:     "user@upi",
		DestinationKind: "upi",
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if wd.Status != StatusPending {
		t.Errorf("status = %s, want pending", wd.Status)
	}
	if wd.Fee != 1000 || wd.NetAmount != 49000 {
		t.Errorf("fee = %d, net = %d; want 1000, 49000", wd.Fee, wd.NetAmount)
	}
	if wd.Destination == "user@upi" {
		t.Error("destination stored in plaintext")
	}

	// Pending requests leave the wallet untouched.
	acct, _ := ledgerSvc.Wallet(ctx, "achiever")
	if acct.Balance != 100000 {
		t.Errorf("balance = %d after pending request, want 100000", acct.Balance)
	}
}

func TestRequest_Validation(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	if _, err := svc.Request(ctx, CreateRequest{UserID: "achiever", Amount: 5000, Destination: "d", DestinationKind: "upi"}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("below minimum: got %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Request(ctx, CreateRequest{UserID: "achiever", Amount: 500000, Destination: "d", DestinationKind: "upi"}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("over balance: got %v, want ErrInsufficientFunds", err)
	}
}

func TestApprove(t *testing.T) {
	svc, ledgerSvc, gateway := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	wd, _ := svc.Request(ctx, CreateRequest{
		UserID: "achiever", Amount: 50000, Destination: "user@upi", DestinationKind: "upi",
	})

	got, err := svc.Approve(ctx, wd.ID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
	if got.ExternalPayoutID == "" {
		t.Error("external payout id not set")
	}

	// Full amount debited, gateway paid the net.
	acct, _ := ledgerSvc.Wallet(ctx, "achiever")
	if acct.Balance != 50000 {
		t.Errorf("balance = %d after approval, want 50000", acct.Balance)
	}
	if gateway.payouts[wd.ID] != 49000 {
		t.Errorf("gateway payout = %d, want net 49000", gateway.payouts[wd.ID])
	}
}

func TestApprove_GatewayFailureStaysApproved(t *testing.T) {
	svc, ledgerSvc, gateway := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	wd, _ := svc.Request(ctx, CreateRequest{
		UserID: "achiever", Amount: 50000, Destination: "user@upi", DestinationKind: "upi",
	})

	gateway.err = errors.New("gateway down")
	if _, err := svc.Approve(ctx, wd.ID); err == nil {
		t.Fatal("expected approve to fail")
	}

	got, _ := svc.Get(ctx, wd.ID)
	if got.Status != StatusApproved {
		t.Fatalf("status = %s after gateway failure, want approved", got.Status)
	}
	// Funds stay debited while the request waits for a retry.
	acct, _ := ledgerSvc.Wallet(ctx, "achiever")
	if acct.Balance != 50000 {
		t.Errorf("balance = %d, want 50000", acct.Balance)
	}

	// Retry: debit is idempotent by request id, so no double debit.
	gateway.err = nil
	got, err := svc.Approve(ctx, wd.ID)
	if err != nil {
		t.Fatalf("retried Approve failed: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("status = %s after retry, want processing", got.Status)
	}
	acct, _ = ledgerSvc.Wallet(ctx, "achiever")
	if acct.Balance != 50000 {
		t.Errorf("balance = %d after retry, want 50000", acct.Balance)
	}
	if gateway.payoutCount() != 1 {
		t.Errorf("gateway payouts = %d, want 1", gateway.payoutCount())
	}
}

func TestRejectAndCancel(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	wd, _ := svc.Request(ctx, CreateRequest{
		UserID: "achiever", Amount: 50000, Destination: "d", DestinationKind: "upi",
	})
	got, err := svc.Reject(ctx, wd.ID, "kyc pending")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if got.Status != StatusRejected || got.FailureReason != "kyc pending" {
		t.Errorf("got status %s reason %q", got.Status, got.FailureReason)
	}

	// A resolved request cannot be approved or cancelled.
	if _, err := svc.Approve(ctx, wd.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("approve rejected request: got %v", err)
	}
	if _, err := svc.Cancel(ctx, wd.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("cancel rejected request: got %v", err)
	}

	wd2, _ := svc.Request(ctx, CreateRequest{
		UserID: "achiever", Amount: 50000, Destination: "d", DestinationKind: "upi",
	})
	got, err = svc.Cancel(ctx, wd2.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestHandleProcessed(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	wd, _ := svc.Request(ctx, CreateRequest{
		UserID: "achiever", Amount: 50000, Destination: "d", DestinationKind: "upi",
	})
	approved, _ := svc.Approve(ctx, wd.ID)

	for i := 0; i < 2; i++ {
		if err := svc.HandleProcessed(ctx, approved.ExternalPayoutID); err != nil {
			t.Fatalf("HandleProcessed attempt %d failed: %v", i, err)
		}
	}

	got, _ := svc.Get(ctx, wd.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}
}

func TestHandleFailed_RecreditsOnce(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	wd, _ := svc.Request(ctx, CreateRequest{
		UserID: "achiever", Amount: 50000, Destination: "d", DestinationKind: "upi",
	})
	approved, _ := svc.Approve(ctx, wd.ID)

	// Replayed failure webhooks re-credit at most once.
	for i := 0; i < 3; i++ {
		if err := svc.HandleFailed(ctx, approved.ExternalPayoutID, "account closed"); err != nil {
			t.Fatalf("HandleFailed attempt %d failed: %v", i, err)
		}
	}

	got, _ := svc.Get(ctx, wd.ID)
	if got.Status != StatusFailed || got.FailureReason != "account closed" {
		t.Errorf("got status %s reason %q", got.Status, got.FailureReason)
	}
	acct, _ := ledgerSvc.Wallet(ctx, "achiever")
	if acct.Balance != 100000 {
		t.Errorf("balance = %d after re-credit, want 100000", acct.Balance)
	}
}

func TestHandleReversed_AfterCompletion(t *testing.T) {
	svc, ledgerSvc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, ledgerSvc, "achiever", 100000)

	wd, _ := svc.Request(ctx, CreateRequest{
		UserID: "achiever", Amount: 50000, Destination: "d", DestinationKind: "upi",
	})
	approved, _ := svc.Approve(ctx, wd.ID)
	if err := svc.HandleProcessed(ctx, approved.ExternalPayoutID); err != nil {
		t.Fatalf("HandleProcessed failed: %v", err)
	}

	// A bank reversal lands after the processed webhook: the completed
	// request flips to failed and the amount comes back.
	if err := svc.HandleFailed(ctx, approved.ExternalPayoutID, "reversed by bank"); err != nil {
		t.Fatalf("HandleFailed after completion failed: %v", err)
	}

	got, _ := svc.Get(ctx, wd.ID)
	if got.Status != StatusFailed || got.FailureReason != "reversed by bank" {
		t.Errorf("got status %s reason %q", got.Status, got.FailureReason)
	}
	acct, _ := ledgerSvc.Wallet(ctx, "achiever")
	if acct.Balance != 100000 {
		t.Errorf("balance = %d after reversal, want 100000", acct.Balance)
	}

	// Redelivered reversal webhooks do not credit again.
	if err := svc.HandleFailed(ctx, approved.ExternalPayoutID, "reversed by bank"); err != nil {
		t.Fatalf("replayed HandleFailed errored: %v", err)
	}
	acct, _ = ledgerSvc.Wallet(ctx, "achiever")
	if acct.Balance != 100000 {
		t.Errorf("balance = %d after replay, want 100000", acct.Balance)
	}
}

func TestHandleProcessed_UnknownPayout(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.HandleProcessed(context.Background(), "pout_unknown"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestDestinationCrypto(t *testing.T) {
	crypto, err := NewDestinationCrypto("secret-key")
	if err != nil {
		t.Fatalf("NewDestinationCrypto failed: %v", err)
	}

	sealed, err := crypto.Encrypt("1234567890@ybl")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plain, err := crypto.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plain != "1234567890@ybl" {
		t.Errorf("roundtrip = %q", plain)
	}

	// A different key cannot open the ciphertext.
	other, _ := NewDestinationCrypto("different-key")
	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("decrypt with wrong key succeeded")
	}
	if _, err := crypto.Decrypt("not-base64!!"); err == nil {
		t.Error("decrypt of malformed ciphertext succeeded")
	}
	if _, err := NewDestinationCrypto(""); err == nil {
		t.Error("empty secret accepted")
	}
}
