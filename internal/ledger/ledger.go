// Package ledger tracks per-user wallet balances on the platform.
//
// Flow:
//  1. Booking payment confirmed → escrow locks funds against the aspirant wallet
//  2. Session reaches an outcome → escrow releases to the achiever or refunds
//  3. Achiever withdraws earnings → payout debits the wallet
//  4. Gateway settles to the bank → settlement debits the platform wallet
//
// Every balance mutation goes through Post, which appends exactly one
// transaction and updates the denormalized balance fields atomically for
// that account. Cross-account movements are composed by callers as a
// sequence of posts keyed by deterministic external references, so a
// crashed sequence can be resumed by re-checking posted markers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mentorpay/mentorpay/internal/idgen"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrDuplicateTransaction = errors.New("transaction already posted")
)

// PlatformAccountID is the well-known wallet that accrues platform fees
// and is debited when gateway settlements land in the bank account.
const PlatformAccountID = "platform"

// Kind is the direction of a transaction.
type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

// Bucket selects which balance field a transaction moves.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// Source categorizes why money moved.
type Source string

const (
	SourceSessionPayment   Source = "session_payment"
	SourceRefund           Source = "refund"
	SourceWithdrawal       Source = "withdrawal"
	SourceAdminFee         Source = "admin_fee"
	SourceTopup            Source = "topup"
	SourceBooking          Source = "booking"
	SourceSettlement       Source = "settlement"
	SourceSessionCompleted Source = "session_completed"
)

// Transaction is an immutable ledger entry. Amounts are minor currency
// units (paise); entries are never mutated or deleted after creation.
type Transaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Kind        Kind      `json:"kind"`
	Bucket      Bucket    `json:"bucket"`
	Amount      int64     `json:"amount"`
	Source      Source    `json:"source"`
	Description string    `json:"description,omitempty"`
	BookingID   string    `json:"bookingId,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	ExternalRef string    `json:"externalRef,omitempty"` // gateway txn id or idempotency reference
	CreatedAt   time.Time `json:"createdAt"`
}

// Account is a user wallet. Balance and LockedBalance are independently
// non-negative; both are denormalized from the transaction log.
type Account struct {
	ID             string    `json:"id"`
	Balance        int64     `json:"balance"`
	LockedBalance  int64     `json:"lockedBalance"`
	TotalEarnings  int64     `json:"totalEarnings"`
	TotalWithdrawn int64     `json:"totalWithdrawn"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// effects returns the signed deltas a transaction applies to the account's
// denormalized fields. Lifetime totals: earnings grow on session-payment
// credits, withdrawn grows on withdrawal and settlement debits.
func (t *Transaction) effects() (balance, locked, earnings, withdrawn int64) {
	amt := t.Amount
	if t.Kind == KindDebit {
		amt = -amt
	}
	switch t.Bucket {
	case BucketLocked:
		locked = amt
	default:
		balance = amt
	}
	if t.Kind == KindCredit && t.Source == SourceSessionPayment {
		earnings = t.Amount
	}
	if t.Kind == KindDebit && (t.Source == SourceWithdrawal || t.Source == SourceSettlement) {
		withdrawn = t.Amount
	}
	return
}

// Store persists accounts and their transaction logs.
type Store interface {
	// FindAccount returns the account, creating a zero-balance one on
	// first access.
	FindAccount(ctx context.Context, accountID string) (*Account, error)
	// Post appends the transaction and applies its balance effects in one
	// unit of work. A debit that would drive a balance negative fails with
	// ErrInsufficientFunds and posts nothing. A transaction whose
	// ExternalRef was already posted for the account fails with
	// ErrDuplicateTransaction and posts nothing.
	Post(ctx context.Context, accountID string, tx *Transaction) error
	// History returns the most recent transactions, newest first.
	History(ctx context.Context, accountID string, limit int) ([]*Transaction, error)
	// HasPosting reports whether a transaction with the given external
	// reference has been posted to the account.
	HasPosting(ctx context.Context, accountID, externalRef string) (bool, error)
}

// Service validates and posts ledger transactions. The higher-level
// escrow/payout/settlement postings live here so those packages depend on
// narrow interfaces instead of importing ledger.
type Service struct {
	store Store
}

// NewService creates a ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Wallet returns a user's wallet, creating it lazily.
func (s *Service) Wallet(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrInvalidTransaction)
	}
	return s.store.FindAccount(ctx, userID)
}

// History returns the most recent ledger entries for a wallet.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, userID, limit)
}

// Post validates and appends a transaction.
func (s *Service) Post(ctx context.Context, accountID string, tx *Transaction) error {
	if accountID == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidTransaction)
	}
	if tx.Amount <= 0 {
		return ErrInvalidAmount
	}
	if tx.Kind != KindCredit && tx.Kind != KindDebit {
		return fmt.Errorf("%w: kind %q", ErrInvalidTransaction, tx.Kind)
	}
	if tx.Bucket == "" {
		tx.Bucket = BucketAvailable
	}
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("txn_")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	tx.AccountID = accountID
	return s.store.Post(ctx, accountID, tx)
}

// postIdempotent posts the transaction unless its external reference has
// already been applied, in which case it is a silent no-op. This is the
// resumability primitive for multi-account sequences.
func (s *Service) postIdempotent(ctx context.Context, accountID string, tx *Transaction) error {
	posted, err := s.store.HasPosting(ctx, accountID, tx.ExternalRef)
	if err != nil {
		return err
	}
	if posted {
		return nil
	}
	err = s.Post(ctx, accountID, tx)
	if errors.Is(err, ErrDuplicateTransaction) {
		// Lost a race with a concurrent duplicate trigger; the posting exists.
		return nil
	}
	return err
}

// LockFunds earmarks a confirmed booking payment against the payer wallet.
// The gateway charge funds the lock, so available balance is untouched.
func (s *Service) LockFunds(ctx context.Context, payerID string, amount int64, bookingID, externalPaymentID string) error {
	return s.postIdempotent(ctx, payerID, &Transaction{
		Kind:        KindCredit,
		Bucket:      BucketLocked,
		Amount:      amount,
		Source:      SourceBooking,
		Description: "booking payment locked in escrow",
		BookingID:   bookingID,
		ExternalRef: "lock:" + bookingID,
	})
}

// CreditSessionPayment pays the achiever their share of a released escrow.
func (s *Service) CreditSessionPayment(ctx context.Context, payeeID string, amount int64, bookingID string) error {
	return s.postIdempotent(ctx, payeeID, &Transaction{
		Kind:        KindCredit,
		Amount:      amount,
		Source:      SourceSessionPayment,
		Description: "session payment released from escrow",
		BookingID:   bookingID,
		ExternalRef: "release:payee:" + bookingID,
	})
}

// CreditPlatformFee pays the platform wallet its share of a released escrow.
func (s *Service) CreditPlatformFee(ctx context.Context, amount int64, bookingID string) error {
	return s.postIdempotent(ctx, PlatformAccountID, &Transaction{
		Kind:        KindCredit,
		Amount:      amount,
		Source:      SourceAdminFee,
		Description: "platform fee",
		BookingID:   bookingID,
		ExternalRef: "release:fee:" + bookingID,
	})
}

// UnlockFunds removes a settled escrow's lock from the payer wallet and
// appends the matching audit debit. Source distinguishes release
// (session_completed) from refund.
func (s *Service) UnlockFunds(ctx context.Context, payerID string, amount int64, bookingID string, source Source, description string) error {
	ref := "release:unlock:" + bookingID
	if source == SourceRefund {
		ref = "refund:unlock:" + bookingID
	}
	return s.postIdempotent(ctx, payerID, &Transaction{
		Kind:        KindDebit,
		Bucket:      BucketLocked,
		Amount:      amount,
		Source:      source,
		Description: description,
		BookingID:   bookingID,
		ExternalRef: ref,
	})
}

// WithdrawalDebit moves an approved withdrawal out of the available balance.
func (s *Service) WithdrawalDebit(ctx context.Context, userID string, amount int64, requestID string) error {
	return s.postIdempotent(ctx, userID, &Transaction{
		Kind:        KindDebit,
		Amount:      amount,
		Source:      SourceWithdrawal,
		Description: "withdrawal approved",
		ExternalRef: "payout:" + requestID,
	})
}

// PayoutRecredit returns a failed payout's amount to the wallet. Keyed by
// the external payout id so repeated failure webhooks credit at most once.
func (s *Service) PayoutRecredit(ctx context.Context, userID string, amount int64, externalPayoutID string) error {
	return s.postIdempotent(ctx, userID, &Transaction{
		Kind:        KindCredit,
		Amount:      amount,
		Source:      SourceRefund,
		Description: "payout failed, amount returned",
		ExternalRef: "payout_failed:" + externalPayoutID,
	})
}

// SettlementDebit records custodial funds leaving to the platform's bank
// account. At most one debit per external settlement id.
func (s *Service) SettlementDebit(ctx context.Context, netAmount int64, externalSettlementID string) error {
	return s.postIdempotent(ctx, PlatformAccountID, &Transaction{
		Kind:        KindDebit,
		Amount:      netAmount,
		Source:      SourceSettlement,
		Description: "gateway settlement to bank",
		ExternalRef: "settlement:" + externalSettlementID,
	})
}

// Posted reports whether a posting with the given reference exists.
func (s *Service) Posted(ctx context.Context, accountID, externalRef string) (bool, error) {
	return s.store.HasPosting(ctx, accountID, externalRef)
}
