package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mentorpay/mentorpay/internal/ledger"
	"github.com/mentorpay/mentorpay/internal/paygate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReconciler(t *testing.T) (*Reconciler, *ledger.Service, *paygate.FakeClient) {
	t.Helper()
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore())
	gateway := paygate.NewFakeClient()
	rec := NewReconciler(NewMemoryStore(), ledgerSvc, gateway, testLogger())
	return rec, ledgerSvc, gateway
}

func fundPlatform(t *testing.T, ledgerSvc *ledger.Service, amount int64) {
	t.Helper()
	err := ledgerSvc.Post(context.Background(), ledger.PlatformAccountID, &ledger.Transaction{
		Kind:   ledger.KindCredit,
		Amount: amount,
		Source: ledger.SourceAdminFee,
	})
	if err != nil {
		t.Fatalf("funding platform wallet failed: %v", err)
	}
}

func record(externalID, status string, gross, fee int64) paygate.SettlementRecord {
	return paygate.SettlementRecord{
		ExternalID:  externalID,
		GrossAmount: gross,
		FeeAmount:   fee,
		NetAmount:   gross - fee,
		Status:      status,
		SettledAt:   time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC),
	}
}

func TestIngest(t *testing.T) {
	rec, ledgerSvc, _ := newTestReconciler(t)
	ctx := context.Background()
	fundPlatform(t, ledgerSvc, 100000)

	stl, err := rec.Ingest(ctx, record("setl_1", StatusProcessed, 50000, 1000))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if stl.Status != StatusProcessed {
		t.Errorf("status = %s, want processed", stl.Status)
	}
	if !stl.Reconciled {
		t.Error("processed settlement not reconciled")
	}

	// Net amount debited from the platform wallet.
	acct, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 51000 {
		t.Errorf("platform balance = %d, want 51000", acct.Balance)
	}
}

func TestIngest_DuplicateIsNoOp(t *testing.T) {
	rec, ledgerSvc, _ := newTestReconciler(t)
	ctx := context.Background()
	fundPlatform(t, ledgerSvc, 100000)

	for i := 0; i < 3; i++ {
		if _, err := rec.Ingest(ctx, record("setl_1", StatusProcessed, 50000, 1000)); err != nil {
			t.Fatalf("Ingest attempt %d failed: %v", i, err)
		}
	}

	acct, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 51000 {
		t.Errorf("platform balance = %d after replays, want 51000", acct.Balance)
	}
	list, _ := rec.List(ctx, 10)
	if len(list) != 1 {
		t.Errorf("got %d settlements, want 1", len(list))
	}
}

func TestIngest_StatusUpgradeTriggersDebit(t *testing.T) {
	rec, ledgerSvc, _ := newTestReconciler(t)
	ctx := context.Background()
	fundPlatform(t, ledgerSvc, 100000)

	stl, err := rec.Ingest(ctx, record("setl_1", StatusCreated, 50000, 1000))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if stl.Reconciled {
		t.Fatal("created settlement reconciled early")
	}
	acct, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 100000 {
		t.Fatalf("platform balance = %d before processing, want 100000", acct.Balance)
	}

	stl, err = rec.Ingest(ctx, record("setl_1", StatusProcessed, 50000, 1000))
	if err != nil {
		t.Fatalf("upgrade Ingest failed: %v", err)
	}
	if stl.Status != StatusProcessed || !stl.Reconciled {
		t.Errorf("after upgrade: status = %s, reconciled = %v", stl.Status, stl.Reconciled)
	}
	acct, _ = ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 51000 {
		t.Errorf("platform balance = %d after upgrade, want 51000", acct.Balance)
	}
}

func TestIngest_RejectsMismatchedAmounts(t *testing.T) {
	rec, _, _ := newTestReconciler(t)

	bad := paygate.SettlementRecord{
		ExternalID:  "setl_bad",
		GrossAmount: 50000,
		FeeAmount:   1000,
		TaxAmount:   180,
		NetAmount:   48000, // should be 48820
		Status:      StatusProcessed,
		SettledAt:   time.Now(),
	}
	if _, err := rec.Ingest(context.Background(), bad); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if _, err := rec.Ingest(context.Background(), paygate.SettlementRecord{}); err == nil {
		t.Fatal("expected error for missing external id")
	}
}

func TestIngest_TaxedFees(t *testing.T) {
	rec, ledgerSvc, _ := newTestReconciler(t)
	ctx := context.Background()
	fundPlatform(t, ledgerSvc, 100000)

	// 18% GST on the gateway fee comes out of the settlement too.
	stl, err := rec.Ingest(ctx, paygate.SettlementRecord{
		ExternalID:  "setl_1",
		GrossAmount: 50000,
		FeeAmount:   1000,
		TaxAmount:   180,
		NetAmount:   48820,
		Status:      StatusProcessed,
		SettledAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if stl.TaxAmount != 180 {
		t.Errorf("taxAmount = %d, want 180", stl.TaxAmount)
	}

	acct, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 100000-48820 {
		t.Errorf("platform balance = %d, want %d", acct.Balance, 100000-48820)
	}
}

func TestPoll_IngestsFromGateway(t *testing.T) {
	rec, ledgerSvc, gateway := newTestReconciler(t)
	ctx := context.Background()
	fundPlatform(t, ledgerSvc, 200000)

	gateway.AddSettlement(record("setl_1", StatusProcessed, 50000, 1000))
	gateway.AddSettlement(record("setl_2", StatusProcessed, 30000, 600))

	rec.Poll(ctx)

	list, _ := rec.List(ctx, 10)
	if len(list) != 2 {
		t.Fatalf("got %d settlements after poll, want 2", len(list))
	}
	acct, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 200000-49000-29400 {
		t.Errorf("platform balance = %d, want %d", acct.Balance, 200000-49000-29400)
	}

	// A second poll re-lists the same batches; nothing double-debits.
	rec.Poll(ctx)
	acct, _ = ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 200000-49000-29400 {
		t.Errorf("platform balance = %d after re-poll, want %d", acct.Balance, 200000-49000-29400)
	}
}

func TestPoll_RetriesFailedDebit(t *testing.T) {
	rec, ledgerSvc, _ := newTestReconciler(t)
	ctx := context.Background()

	// Platform wallet cannot cover the debit yet; the batch stays
	// unreconciled instead of failing the ingest.
	stl, err := rec.Ingest(ctx, record("setl_1", StatusProcessed, 50000, 1000))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if stl.Reconciled {
		t.Fatal("reconciled despite empty platform wallet")
	}

	pending, _ := rec.store.ListUnreconciled(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("got %d unreconciled, want 1", len(pending))
	}

	fundPlatform(t, ledgerSvc, 100000)
	rec.Poll(ctx)

	got, _ := rec.Get(ctx, "setl_1")
	if !got.Reconciled {
		t.Error("not reconciled after retry poll")
	}
	acct, _ := ledgerSvc.Wallet(ctx, ledger.PlatformAccountID)
	if acct.Balance != 51000 {
		t.Errorf("platform balance = %d, want 51000", acct.Balance)
	}
}
