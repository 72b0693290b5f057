package paygate

import (
	"context"
	"sync"
	"time"

	"github.com/mentorpay/mentorpay/internal/idgen"
)

// FakeClient is an in-memory gateway for demo mode and tests. Every
// operation succeeds unless a failure is injected.
type FakeClient struct {
	mu          sync.Mutex
	orders      map[string]int64 // order id -> amount
	refunds     map[string]int64 // refund id -> amount
	payouts     map[string]int64 // payout id -> amount
	settlements []SettlementRecord
	refundErr   error
	payoutErr   error
}

// NewFakeClient creates a fake gateway client.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		orders:  make(map[string]int64),
		refunds: make(map[string]int64),
		payouts: make(map[string]int64),
	}
}

// FailRefunds makes subsequent Refund calls return err (nil to clear).
func (f *FakeClient) FailRefunds(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundErr = err
}

// FailPayouts makes subsequent CreatePayout calls return err (nil to clear).
func (f *FakeClient) FailPayouts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payoutErr = err
}

// AddSettlement seeds a settlement batch for ListSettlements to return.
func (f *FakeClient) AddSettlement(rec SettlementRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements = append(f.settlements, rec)
}

func (f *FakeClient) CreateOrder(ctx context.Context, amount int64, currency, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idgen.WithPrefix("order_")
	f.orders[id] = amount
	return id, nil
}

func (f *FakeClient) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return "", f.refundErr
	}
	id := idgen.WithPrefix("rfnd_")
	f.refunds[id] = amount
	return id, nil
}

func (f *FakeClient) CreatePayout(ctx context.Context, amount int64, dest PayoutDestination, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payoutErr != nil {
		return "", f.payoutErr
	}
	id := idgen.WithPrefix("pout_")
	f.payouts[id] = amount
	return id, nil
}

func (f *FakeClient) ListSettlements(ctx context.Context, since time.Time, limit int) ([]SettlementRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []SettlementRecord
	for _, rec := range f.settlements {
		if rec.SettledAt.Before(since) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RefundCount reports how many refunds have been issued (test helper).
func (f *FakeClient) RefundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

// PayoutCount reports how many payouts have been created (test helper).
func (f *FakeClient) PayoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payouts)
}
