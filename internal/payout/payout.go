// Package payout handles achiever withdrawal requests.
//
// Flow:
//  1. Achiever requests a withdrawal → pending, funds still in the wallet
//  2. Admin approves → full amount debited, gateway payout created for the
//     net amount → processing
//  3. Gateway webhook reports processed → completed, or failed/reversed →
//     failed and the full amount is re-credited. A bank reversal can land
//     after the processed webhook, so completed → failed is allowed too.
//
// A pending request can be rejected by an admin or cancelled by the user;
// neither touches the wallet because the debit only happens at approval.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentorpay/mentorpay/internal/idgen"
	"github.com/mentorpay/mentorpay/internal/ledger"
	"github.com/mentorpay/mentorpay/internal/metrics"
	"github.com/mentorpay/mentorpay/internal/paygate"
	"github.com/mentorpay/mentorpay/internal/syncutil"
	"github.com/mentorpay/mentorpay/internal/traces"
)

var (
	ErrRequestNotFound = errors.New("withdrawal request not found")
	ErrInvalidAmount   = errors.New("invalid withdrawal amount")
	// ErrInvalidStateTransition marks actions the request's current status
	// forbids.
	ErrInvalidStateTransition = errors.New("invalid withdrawal state transition")
)

// Status represents the state of a withdrawal request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ProcessingFeeBps is the gateway transfer fee passed on to the achiever.
const ProcessingFeeBps = 200 // 2%

// Fee computes the processing fee for a withdrawal: 2% of the amount,
// round half-up, floored at minFee.
func Fee(amount, minFee int64) int64 {
	fee := (amount*ProcessingFeeBps + 5000) / 10000
	if fee < minFee {
		fee = minFee
	}
	return fee
}

// Request is a withdrawal request record.
type Request struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	Amount           int64      `json:"amount"` // gross, debited from the wallet
	Fee              int64      `json:"fee"`
	NetAmount        int64      `json:"netAmount"` // paid out by the gateway
	Status           Status     `json:"status"`
	Destination      string     `json:"-"` // encrypted at rest, never serialized
	DestinationKind  string     `json:"destinationKind"`
	ExternalPayoutID string     `json:"externalPayoutId,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists withdrawal requests.
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// GetByExternalID looks a request up by the gateway payout id.
	GetByExternalID(ctx context.Context, externalPayoutID string) (*Request, error)
	Update(ctx context.Context, req *Request) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
}

// LedgerService abstracts the wallet operations payouts need.
type LedgerService interface {
	Wallet(ctx context.Context, userID string) (*ledger.Account, error)
	WithdrawalDebit(ctx context.Context, userID string, amount int64, requestID string) error
	PayoutRecredit(ctx context.Context, userID string, amount int64, externalPayoutID string) error
}

// PayoutGateway initiates bank transfers.
type PayoutGateway interface {
	CreatePayout(ctx context.Context, amount int64, dest paygate.PayoutDestination, reference string) (string, error)
}

// Service implements the withdrawal workflow.
type Service struct {
	store     Store
	ledger    LedgerService
	gateway   PayoutGateway
	crypto    *DestinationCrypto
	locks     syncutil.ShardedMutex
	logger    *slog.Logger
	minAmount int64
	minFee    int64
}

// NewService creates a payout service. minAmount is the smallest
// withdrawal accepted and minFee the floor for the processing fee, both
// in paise.
func NewService(store Store, ledgerSvc LedgerService, gateway PayoutGateway, crypto *DestinationCrypto, minAmount, minFee int64, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ledgerSvc,
		gateway:   gateway,
		crypto:    crypto,
		logger:    logger,
		minAmount: minAmount,
		minFee:    minFee,
	}
}

// CreateRequest contains the parameters for requesting a withdrawal.
type CreateRequest struct {
	UserID          string `json:"userId" binding:"required"`
	Amount          int64  `json:"amount" binding:"required"`
	Destination     string `json:"destination" binding:"required"`
	DestinationKind string `json:"destinationKind" binding:"required"`
}

// Request creates a pending withdrawal. The wallet is only soft-checked
// here; the authoritative funds check is the debit at approval.
func (s *Service) Request(ctx context.Context, req CreateRequest) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "payout.request", traces.UserID(req.UserID), traces.Amount(req.Amount))
	defer span.End()

	if req.Amount < s.minAmount {
		return nil, fmt.Errorf("%w: minimum withdrawal is %d", ErrInvalidAmount, s.minAmount)
	}
	fee := Fee(req.Amount, s.minFee)
	if req.Amount <= fee {
		return nil, fmt.Errorf("%w: amount does not cover the %d processing fee", ErrInvalidAmount, fee)
	}

	wallet, err := s.ledger.Wallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance < req.Amount {
		return nil, fmt.Errorf("%w: available %d, requested %d", ledger.ErrInsufficientFunds, wallet.Balance, req.Amount)
	}

	encrypted, err := s.crypto.Encrypt(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt destination: %w", err)
	}

	wd := &Request{
		ID:              idgen.WithPrefix("wd_"),
		UserID:          req.UserID,
		Amount:          req.Amount,
		Fee:             fee,
		NetAmount:       req.Amount - fee,
		Status:          StatusPending,
		Destination:     encrypted,
		DestinationKind: req.DestinationKind,
		CreatedAt:       time.Now(),
	}
	if err := s.store.Create(ctx, wd); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("withdrawal requested",
		"requestId", wd.ID, "userId", wd.UserID,
		"amount", wd.Amount, "fee", wd.Fee, "net", wd.NetAmount)
	return wd, nil
}

// Get returns a withdrawal request by id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's withdrawal requests, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListPending returns pending requests for the admin approval queue.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusPending, limit)
}

// Approve debits the full amount from the wallet and creates the gateway
// payout for the net amount. Safe to retry: the debit is idempotent by
// request id and the gateway call carries the same id as idempotency key,
// so a request stuck in approved after a gateway outage is re-approved
// without double-paying.
func (s *Service) Approve(ctx context.Context, id string) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "payout.approve")
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	wd, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wd.Status != StatusPending && wd.Status != StatusApproved {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidStateTransition, wd.Status)
	}

	if err := s.ledger.WithdrawalDebit(ctx, wd.UserID, wd.Amount, wd.ID); err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	if wd.Status != StatusApproved {
		wd.Status = StatusApproved
		if err := s.store.Update(ctx, wd); err != nil {
			return nil, err
		}
		metrics.PayoutsTotal.WithLabelValues(string(StatusApproved)).Inc()
	}

	dest, err := s.crypto.Decrypt(wd.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt destination: %w", err)
	}
	payoutID, err := s.gateway.CreatePayout(ctx, wd.NetAmount,
		paygate.PayoutDestination{Kind: wd.DestinationKind, Account: dest}, wd.ID)
	if err != nil {
		// Funds stay debited and the request stays approved; the admin
		// retries once the gateway recovers.
		s.logger.Warn("gateway payout failed, request remains approved",
			"requestId", wd.ID, "error", err)
		return nil, fmt.Errorf("failed to create gateway payout: %w", err)
	}

	wd.ExternalPayoutID = payoutID
	wd.Status = StatusProcessing
	if err := s.store.Update(ctx, wd); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusProcessing)).Inc()
	s.logger.Info("withdrawal approved",
		"requestId", wd.ID, "userId", wd.UserID,
		"net", wd.NetAmount, "payoutId", payoutID)
	return wd, nil
}

// Reject declines a pending request. No wallet action needed.
func (s *Service) Reject(ctx context.Context, id, reason string) (*Request, error) {
	return s.resolvePending(ctx, id, StatusRejected, reason)
}

// Cancel withdraws a pending request at the user's initiative.
func (s *Service) Cancel(ctx context.Context, id string) (*Request, error) {
	return s.resolvePending(ctx, id, StatusCancelled, "cancelled by user")
}

func (s *Service) resolvePending(ctx context.Context, id string, to Status, reason string) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	wd, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wd.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidStateTransition, to, wd.Status)
	}

	now := time.Now()
	wd.Status = to
	wd.FailureReason = reason
	wd.ResolvedAt = &now
	if err := s.store.Update(ctx, wd); err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("withdrawal resolved", "requestId", wd.ID, "status", to, "reason", reason)
	return wd, nil
}

// HandleProcessed marks a processing request completed. Called by the
// webhook gateway; idempotent by status check.
func (s *Service) HandleProcessed(ctx context.Context, externalPayoutID string) error {
	wd, err := s.store.GetByExternalID(ctx, externalPayoutID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(wd.ID)
	defer unlock()

	wd, err = s.store.Get(ctx, wd.ID)
	if err != nil {
		return err
	}
	if wd.Status != StatusProcessing {
		s.logger.Debug("payout processed webhook ignored", "requestId", wd.ID, "status", wd.Status)
		return nil
	}

	now := time.Now()
	wd.Status = StatusCompleted
	wd.ResolvedAt = &now
	if err := s.store.Update(ctx, wd); err != nil {
		return err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.logger.Info("withdrawal completed", "requestId", wd.ID, "payoutId", externalPayoutID)
	return nil
}

// HandleFailed marks a request failed and returns the full amount to
// the wallet. Accepted from processing (payout bounced) and from
// completed (bank reversal arriving after the processed webhook). The
// re-credit is keyed by the external payout id, so replayed failure
// webhooks credit at most once.
func (s *Service) HandleFailed(ctx context.Context, externalPayoutID, reason string) error {
	wd, err := s.store.GetByExternalID(ctx, externalPayoutID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(wd.ID)
	defer unlock()

	wd, err = s.store.Get(ctx, wd.ID)
	if err != nil {
		return err
	}
	if wd.Status != StatusProcessing && wd.Status != StatusCompleted {
		s.logger.Debug("payout failed webhook ignored", "requestId", wd.ID, "status", wd.Status)
		return nil
	}

	if err := s.ledger.PayoutRecredit(ctx, wd.UserID, wd.Amount, externalPayoutID); err != nil {
		return fmt.Errorf("failed to re-credit wallet: %w", err)
	}

	now := time.Now()
	wd.Status = StatusFailed
	wd.FailureReason = reason
	wd.ResolvedAt = &now
	if err := s.store.Update(ctx, wd); err != nil {
		return err
	}

	metrics.PayoutsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.logger.Warn("withdrawal failed, amount returned",
		"requestId", wd.ID, "userId", wd.UserID,
		"amount", wd.Amount, "reason", reason)
	return nil
}
