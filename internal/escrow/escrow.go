// Package escrow owns the lock → release/refund state machine for a
// booking's payment.
//
// Flow:
//  1. Gateway confirms the booking payment → funds locked against the payer
//  2. Session reaches an outcome → release (split to achiever + platform)
//     or refund (gateway refund to the payer's payment method)
//  3. Escrow status is terminal once released/refunded; retried webhooks
//     and timer ticks short-circuit on the status check
//
// The three-way split is exact: platformFee + gatewayFee + payeeAmount
// always equals the locked amount.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentorpay/mentorpay/internal/ledger"
	"github.com/mentorpay/mentorpay/internal/metrics"
	"github.com/mentorpay/mentorpay/internal/syncutil"
	"github.com/mentorpay/mentorpay/internal/traces"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrDuplicateEscrow = errors.New("escrow already exists for booking")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrRefundFailed    = errors.New("gateway refund failed")
	// ErrInvalidStateTransition marks programmer errors, not the
	// idempotent no-op paths (those return success).
	ErrInvalidStateTransition = errors.New("invalid escrow state transition")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Fee basis points. The payee amount is derived by subtraction, so any
// rounding remainder stays on the platform side of the split and the sum
// is always exact.
const (
	PlatformFeeBps = 1000 // 10%
	GatewayFeeBps  = 200  // 2%
)

// SplitFees computes the three-way split for a locked amount.
// platformFee + gatewayFee + payeeAmount == amount for all amount >= 0.
func SplitFees(amount int64) (platformFee, gatewayFee, payeeAmount int64) {
	platformFee = roundBps(amount, PlatformFeeBps)
	gatewayFee = roundBps(amount, GatewayFeeBps)
	payeeAmount = amount - platformFee - gatewayFee
	return
}

// roundBps applies a basis-point rate with round-half-up.
func roundBps(amount, bps int64) int64 {
	return (amount*bps + 5000) / 10000
}

// Escrow is the locked-transaction record for a paid booking. Kept
// forever as an audit record.
type Escrow struct {
	BookingID         string     `json:"bookingId"`
	PayerID           string     `json:"payerId"`
	PayeeID           string     `json:"payeeId"`
	Amount            int64      `json:"amount"`
	PlatformFee       int64      `json:"platformFee"`
	GatewayFee        int64      `json:"gatewayFee"`
	PayeeAmount       int64      `json:"payeeAmount"`
	Status            Status     `json:"status"`
	ExternalPaymentID string     `json:"externalPaymentId"`
	ExternalRefundID  string     `json:"externalRefundId,omitempty"`
	RefundReason      string     `json:"refundReason,omitempty"`
	LockedAt          time.Time  `json:"lockedAt"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
}

// Terminal returns true once the escrow has been released or refunded.
// Terminal escrows never transition again.
func (e *Escrow) Terminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrow records.
type Store interface {
	// Create fails with ErrDuplicateEscrow if an escrow already exists
	// for the booking.
	Create(ctx context.Context, esc *Escrow) error
	GetByBooking(ctx context.Context, bookingID string) (*Escrow, error)
	Update(ctx context.Context, esc *Escrow) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
}

// LedgerService abstracts the ledger postings escrow needs, so escrow
// does not depend on the ledger package's internals. Every method is
// idempotent by booking-derived reference.
type LedgerService interface {
	LockFunds(ctx context.Context, payerID string, amount int64, bookingID, externalPaymentID string) error
	CreditSessionPayment(ctx context.Context, payeeID string, amount int64, bookingID string) error
	CreditPlatformFee(ctx context.Context, amount int64, bookingID string) error
	UnlockFunds(ctx context.Context, payerID string, amount int64, bookingID string, source ledger.Source, description string) error
}

// RefundGateway issues refunds on the external payment gateway.
type RefundGateway interface {
	Refund(ctx context.Context, paymentID string, amount int64) (refundID string, err error)
}

// Engine implements the escrow state machine.
type Engine struct {
	store         Store
	ledger        LedgerService
	gateway       RefundGateway
	locks         syncutil.ShardedMutex
	logger        *slog.Logger
	refundTimeout time.Duration
}

// NewEngine creates an escrow engine.
func NewEngine(store Store, ledgerSvc LedgerService, gateway RefundGateway, logger *slog.Logger) *Engine {
	return &Engine{
		store:         store,
		ledger:        ledgerSvc,
		gateway:       gateway,
		logger:        logger,
		refundTimeout: 15 * time.Second,
	}
}

// Lock creates the escrow for a gateway-confirmed booking payment and
// earmarks the amount on the payer wallet.
func (e *Engine) Lock(ctx context.Context, bookingID, payerID, payeeID string, amount int64, externalPaymentID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.lock", traces.BookingID(bookingID), traces.Amount(amount))
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if payerID == payeeID {
		return nil, fmt.Errorf("payer and payee cannot be the same user")
	}

	unlock := e.locks.Lock(bookingID)
	defer unlock()

	platformFee, gatewayFee, payeeAmount := SplitFees(amount)
	esc := &Escrow{
		BookingID:         bookingID,
		PayerID:           payerID,
		PayeeID:           payeeID,
		Amount:            amount,
		PlatformFee:       platformFee,
		GatewayFee:        gatewayFee,
		PayeeAmount:       payeeAmount,
		Status:            StatusLocked,
		ExternalPaymentID: externalPaymentID,
		LockedAt:          time.Now(),
	}

	// Lock funds first; LockFunds is idempotent by booking, so a crash
	// between the posting and the record create resumes cleanly when the
	// payment confirmation is retried.
	if err := e.ledger.LockFunds(ctx, payerID, amount, bookingID, externalPaymentID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := e.store.Create(ctx, esc); err != nil {
		if errors.Is(err, ErrDuplicateEscrow) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsLockedTotal.Inc()
	e.logger.Info("escrow locked",
		"bookingId", bookingID,
		"payer", payerID,
		"payee", payeeID,
		"amount", amount,
		"platformFee", platformFee,
		"gatewayFee", gatewayFee,
		"payeeAmount", payeeAmount,
	)
	return esc, nil
}

// Release settles a locked escrow in the achiever's favor: the payee
// amount and platform fee are credited and the payer's lock is removed.
// The gateway fee is not credited anywhere; it is value retained by the
// gateway and only becomes visible through settlement reconciliation.
//
// Idempotent: a non-locked status is a successful no-op, so a webhook and
// a timer tick racing on the same booking cannot double-post.
func (e *Engine) Release(ctx context.Context, bookingID string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.BookingID(bookingID))
	defer span.End()

	unlock := e.locks.Lock(bookingID)
	defer unlock()

	esc, err := e.store.GetByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if esc.Status != StatusLocked {
		e.logger.Debug("release skipped, escrow not locked", "bookingId", bookingID, "status", esc.Status)
		return nil
	}

	// Each posting is keyed by a deterministic reference, so a crash
	// mid-sequence is resumed here without double-crediting.
	if err := e.ledger.CreditSessionPayment(ctx, esc.PayeeID, esc.PayeeAmount, bookingID); err != nil {
		return fmt.Errorf("failed to credit payee: %w", err)
	}
	if err := e.ledger.CreditPlatformFee(ctx, esc.PlatformFee, bookingID); err != nil {
		return fmt.Errorf("failed to credit platform fee: %w", err)
	}
	if err := e.ledger.UnlockFunds(ctx, esc.PayerID, esc.Amount, bookingID,
		ledger.SourceSessionCompleted, "session completed, escrow released"); err != nil {
		return fmt.Errorf("failed to unlock payer funds: %w", err)
	}

	now := time.Now()
	esc.Status = StatusReleased
	esc.ReleasedAt = &now
	if err := e.store.Update(ctx, esc); err != nil {
		// Retry once — funds already moved, the state change must persist.
		if retryErr := e.store.Update(ctx, esc); retryErr != nil {
			e.logger.Error("escrow funds released but status update failed, manual resolution required",
				"bookingId", bookingID, "error", retryErr)
			return fmt.Errorf("failed to update escrow after release: %w", err)
		}
	}

	metrics.EscrowsReleasedTotal.Inc()
	e.logger.Info("escrow released",
		"bookingId", bookingID,
		"payee", esc.PayeeID,
		"payeeAmount", esc.PayeeAmount,
		"platformFee", esc.PlatformFee,
	)
	return nil
}

// Refund settles a locked escrow in the payer's favor. The lock is
// removed first (idempotent), then the gateway refund is issued with a
// bounded timeout; the escrow only turns refunded on gateway
// confirmation, so a failed refund stays locked and is retried by the
// session timer.
func (e *Engine) Refund(ctx context.Context, bookingID, reason string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.BookingID(bookingID))
	defer span.End()

	unlock := e.locks.Lock(bookingID)
	defer unlock()

	esc, err := e.store.GetByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if esc.Status != StatusLocked {
		e.logger.Debug("refund skipped, escrow not locked", "bookingId", bookingID, "status", esc.Status)
		return nil
	}

	if err := e.ledger.UnlockFunds(ctx, esc.PayerID, esc.Amount, bookingID,
		ledger.SourceRefund, "booking refunded: "+reason); err != nil {
		return fmt.Errorf("failed to unlock payer funds: %w", err)
	}

	refundCtx, cancel := context.WithTimeout(ctx, e.refundTimeout)
	defer cancel()
	refundID, err := e.gateway.Refund(refundCtx, esc.ExternalPaymentID, esc.Amount)
	if err != nil {
		// Status stays locked; the unlock posting above is idempotent so
		// the retry on the next tick only re-attempts the gateway call.
		return fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}

	now := time.Now()
	esc.Status = StatusRefunded
	esc.RefundedAt = &now
	esc.RefundReason = reason
	esc.ExternalRefundID = refundID
	if err := e.store.Update(ctx, esc); err != nil {
		if retryErr := e.store.Update(ctx, esc); retryErr != nil {
			e.logger.Error("escrow refunded at gateway but status update failed, manual resolution required",
				"bookingId", bookingID, "refundId", refundID, "error", retryErr)
			return fmt.Errorf("failed to update escrow after refund: %w", err)
		}
	}

	metrics.EscrowsRefundedTotal.Inc()
	e.logger.Info("escrow refunded",
		"bookingId", bookingID,
		"payer", esc.PayerID,
		"amount", esc.Amount,
		"refundId", refundID,
		"reason", reason,
	)
	return nil
}

// Get returns the escrow for a booking.
func (e *Engine) Get(ctx context.Context, bookingID string) (*Escrow, error) {
	return e.store.GetByBooking(ctx, bookingID)
}

// ListLocked returns open escrows, for the administrative surface.
func (e *Engine) ListLocked(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByStatus(ctx, StatusLocked, limit)
}
