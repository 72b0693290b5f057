// Package settlement reconciles gateway settlement batches against the
// platform ledger.
//
// The gateway periodically transfers captured payments minus its fees to
// the platform's bank account. Each batch is ingested at most once (by
// external id) and, when the gateway marks it processed, the net amount
// is debited from the platform wallet so custodial balances track what
// the platform actually still holds.
//
// Batches arrive two ways: pushed via the settlement webhook and pulled
// by the polling timer. Both funnel into Ingest, which makes the overlap
// harmless.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentorpay/mentorpay/internal/idgen"
	"github.com/mentorpay/mentorpay/internal/metrics"
	"github.com/mentorpay/mentorpay/internal/paygate"
	"github.com/mentorpay/mentorpay/internal/syncutil"
)

var (
	ErrSettlementNotFound  = errors.New("settlement not found")
	ErrDuplicateSettlement = errors.New("settlement already ingested")
	ErrAmountMismatch      = errors.New("settlement amounts do not reconcile")
)

// Settlement statuses mirror the gateway's: created means announced but
// not yet transferred, processed means the money moved.
const (
	StatusCreated   = "created"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// Settlement is an ingested gateway settlement batch.
type Settlement struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"externalId"`
	GrossAmount int64     `json:"grossAmount"`
	FeeAmount   int64     `json:"feeAmount"`
	TaxAmount   int64     `json:"taxAmount"`
	NetAmount   int64     `json:"netAmount"`
	Status      string    `json:"status"`
	// Reconciled is set once the platform wallet debit has been posted.
	Reconciled bool      `json:"reconciled"`
	SettledAt  time.Time `json:"settledAt"`
	IngestedAt time.Time `json:"ingestedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists settlements.
type Store interface {
	// Create fails with ErrDuplicateSettlement on a repeated external id.
	Create(ctx context.Context, stl *Settlement) error
	GetByExternalID(ctx context.Context, externalID string) (*Settlement, error)
	Update(ctx context.Context, stl *Settlement) error
	List(ctx context.Context, limit int) ([]*Settlement, error)
	// ListUnreconciled returns processed settlements whose ledger debit is
	// still outstanding.
	ListUnreconciled(ctx context.Context, limit int) ([]*Settlement, error)
	// LatestSettledAt returns the newest settled-at time seen, or the zero
	// time when nothing has been ingested.
	LatestSettledAt(ctx context.Context) (time.Time, error)
}

// LedgerService abstracts the single posting reconciliation needs.
type LedgerService interface {
	SettlementDebit(ctx context.Context, netAmount int64, externalSettlementID string) error
}

// SettlementGateway lists settlement batches from the payment gateway.
type SettlementGateway interface {
	ListSettlements(ctx context.Context, since time.Time, limit int) ([]paygate.SettlementRecord, error)
}

// Reconciler ingests settlement batches and keeps the platform wallet in
// sync with them.
type Reconciler struct {
	store   Store
	ledger  LedgerService
	gateway SettlementGateway
	locks   syncutil.ShardedMutex
	logger  *slog.Logger
}

// NewReconciler creates a settlement reconciler.
func NewReconciler(store Store, ledgerSvc LedgerService, gateway SettlementGateway, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		ledger:  ledgerSvc,
		gateway: gateway,
		logger:  logger,
	}
}

// Ingest records one settlement batch. Idempotent by external id: a
// repeat of a known batch is a no-op unless it carries a status upgrade
// (created → processed), which triggers the wallet debit.
func (r *Reconciler) Ingest(ctx context.Context, rec paygate.SettlementRecord) (*Settlement, error) {
	if rec.ExternalID == "" {
		metrics.SettlementsIngestedTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("settlement record missing external id")
	}
	if rec.GrossAmount-rec.FeeAmount-rec.TaxAmount != rec.NetAmount {
		metrics.SettlementsIngestedTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: gross %d - fee %d - tax %d != net %d",
			ErrAmountMismatch, rec.GrossAmount, rec.FeeAmount, rec.TaxAmount, rec.NetAmount)
	}

	unlock := r.locks.Lock(rec.ExternalID)
	defer unlock()

	existing, err := r.store.GetByExternalID(ctx, rec.ExternalID)
	switch {
	case err == nil:
		return r.upgrade(ctx, existing, rec)
	case errors.Is(err, ErrSettlementNotFound):
		// fall through to create
	default:
		return nil, err
	}

	now := time.Now()
	stl := &Settlement{
		ID:          idgen.WithPrefix("stl_"),
		ExternalID:  rec.ExternalID,
		GrossAmount: rec.GrossAmount,
		FeeAmount:   rec.FeeAmount,
		TaxAmount:   rec.TaxAmount,
		NetAmount:   rec.NetAmount,
		Status:      rec.Status,
		SettledAt:   rec.SettledAt,
		IngestedAt:  now,
		UpdatedAt:   now,
	}
	if err := r.store.Create(ctx, stl); err != nil {
		if errors.Is(err, ErrDuplicateSettlement) {
			metrics.SettlementsIngestedTotal.WithLabelValues("duplicate").Inc()
			return r.store.GetByExternalID(ctx, rec.ExternalID)
		}
		return nil, err
	}

	metrics.SettlementsIngestedTotal.WithLabelValues("new").Inc()
	r.logger.Info("settlement ingested",
		"settlementId", stl.ID, "externalId", stl.ExternalID,
		"gross", stl.GrossAmount, "fee", stl.FeeAmount, "net", stl.NetAmount,
		"status", stl.Status)

	if stl.Status == StatusProcessed {
		r.reconcile(ctx, stl)
	}
	return stl, nil
}

// upgrade applies a status change to an already-ingested batch.
func (r *Reconciler) upgrade(ctx context.Context, stl *Settlement, rec paygate.SettlementRecord) (*Settlement, error) {
	if stl.Status == rec.Status || stl.Status == StatusProcessed {
		metrics.SettlementsIngestedTotal.WithLabelValues("duplicate").Inc()
		return stl, nil
	}

	stl.Status = rec.Status
	stl.UpdatedAt = time.Now()
	if err := r.store.Update(ctx, stl); err != nil {
		return nil, err
	}

	metrics.SettlementsIngestedTotal.WithLabelValues("updated").Inc()
	r.logger.Info("settlement status updated",
		"settlementId", stl.ID, "externalId", stl.ExternalID, "status", stl.Status)

	if stl.Status == StatusProcessed {
		r.reconcile(ctx, stl)
	}
	return stl, nil
}

// reconcile posts the platform wallet debit for a processed batch. The
// posting is idempotent by external id; on failure the batch stays
// unreconciled and the next poll retries it. Caller holds the lock.
func (r *Reconciler) reconcile(ctx context.Context, stl *Settlement) {
	if stl.Reconciled {
		return
	}
	if err := r.ledger.SettlementDebit(ctx, stl.NetAmount, stl.ExternalID); err != nil {
		// A platform wallet that cannot cover the settlement means ledger
		// postings and gateway reality have diverged; loud log, retried
		// next poll either way.
		r.logger.Error("settlement debit failed",
			"settlementId", stl.ID, "externalId", stl.ExternalID,
			"net", stl.NetAmount, "error", err)
		return
	}

	stl.Reconciled = true
	stl.UpdatedAt = time.Now()
	if err := r.store.Update(ctx, stl); err != nil {
		// Debit is idempotent, so losing the flag write only costs a
		// harmless retry.
		r.logger.Warn("failed to persist reconciled flag",
			"settlementId", stl.ID, "error", err)
		return
	}
	r.logger.Info("settlement reconciled",
		"settlementId", stl.ID, "externalId", stl.ExternalID, "net", stl.NetAmount)
}

// Poll pulls new batches from the gateway since the newest one seen and
// retries any outstanding debits. Called by the timer.
func (r *Reconciler) Poll(ctx context.Context) {
	since, err := r.store.LatestSettledAt(ctx)
	if err != nil {
		r.logger.Warn("failed to read settlement cursor", "error", err)
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}

	records, err := r.gateway.ListSettlements(ctx, since, 100)
	if err != nil {
		r.logger.Warn("settlement poll failed", "error", err)
	} else {
		for _, rec := range records {
			if _, err := r.Ingest(ctx, rec); err != nil {
				r.logger.Warn("failed to ingest settlement",
					"externalId", rec.ExternalID, "error", err)
			}
		}
	}

	pending, err := r.store.ListUnreconciled(ctx, 100)
	if err != nil {
		r.logger.Warn("failed to list unreconciled settlements", "error", err)
		return
	}
	for _, stl := range pending {
		unlock := r.locks.Lock(stl.ExternalID)
		fresh, err := r.store.GetByExternalID(ctx, stl.ExternalID)
		if err == nil && fresh.Status == StatusProcessed {
			r.reconcile(ctx, fresh)
		}
		unlock()
	}
}

// Get returns a settlement by external id.
func (r *Reconciler) Get(ctx context.Context, externalID string) (*Settlement, error) {
	return r.store.GetByExternalID(ctx, externalID)
}

// List returns recent settlements, newest first.
func (r *Reconciler) List(ctx context.Context, limit int) ([]*Settlement, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.List(ctx, limit)
}
