package paygate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mentorpay/mentorpay/internal/retry"
)

const (
	maxAttempts = 3
	baseDelay   = 500 * time.Millisecond
)

// StripeClient implements Client against the Stripe API. Payments are
// modeled as payment intents, payouts as bank payouts, and settlements
// as payout-type balance transactions.
type StripeClient struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeClient creates a Stripe-backed gateway client.
func NewStripeClient(apiKey string, logger *slog.Logger) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api, logger: logger}
}

func (s *StripeClient) CreateOrder(ctx context.Context, amount int64, currency, reference string) (string, error) {
	if currency == "" {
		currency = string(stripe.CurrencyINR)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.SetIdempotencyKey("order:" + reference)

	var intent *stripe.PaymentIntent
	err := s.call(ctx, func() error {
		pi, err := s.api.PaymentIntents.New(params)
		if err != nil {
			return mapStripeErr("create order", err)
		}
		intent = pi
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("gateway order created", "orderId", intent.ID, "amount", amount, "reference", reference)
	return intent.ID, nil
}

func (s *StripeClient) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	// Retries of the same payment produce one refund at most.
	params.SetIdempotencyKey("refund:" + paymentID)

	var refund *stripe.Refund
	err := s.call(ctx, func() error {
		r, err := s.api.Refunds.New(params)
		if err != nil {
			return mapStripeErr("refund", err)
		}
		refund = r
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("gateway refund created", "paymentId", paymentID, "refundId", refund.ID, "amount", amount)
	return refund.ID, nil
}

func (s *StripeClient) CreatePayout(ctx context.Context, amount int64, dest PayoutDestination, reference string) (string, error) {
	params := &stripe.PayoutParams{
		Amount:              stripe.Int64(amount),
		Currency:            stripe.String(string(stripe.CurrencyINR)),
		StatementDescriptor: stripe.String("MENTORPAY"),
	}
	params.Context = ctx
	if dest.Account != "" {
		params.Destination = stripe.String(dest.Account)
	}
	// Idempotency key ties retries of the same withdrawal to one payout.
	params.SetIdempotencyKey(reference)

	var payout *stripe.Payout
	err := s.call(ctx, func() error {
		p, err := s.api.Payouts.New(params)
		if err != nil {
			return mapStripeErr("payout", err)
		}
		payout = p
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("gateway payout created", "payoutId", payout.ID, "amount", amount, "reference", reference)
	return payout.ID, nil
}

func (s *StripeClient) ListSettlements(ctx context.Context, since time.Time, limit int) ([]SettlementRecord, error) {
	params := &stripe.BalanceTransactionListParams{
		Type: stripe.String("payout"),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: since.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))

	var records []SettlementRecord
	err := s.call(ctx, func() error {
		records = records[:0]
		iter := s.api.BalanceTransactions.List(params)
		for iter.Next() {
			bt := iter.BalanceTransaction()
			tax := feeTax(bt.FeeDetails)
			records = append(records, SettlementRecord{
				ExternalID:  bt.ID,
				GrossAmount: abs(bt.Amount),
				FeeAmount:   bt.Fee - tax,
				TaxAmount:   tax,
				NetAmount:   abs(bt.Net),
				Status:      settlementStatus(bt.Status),
				SettledAt:   time.Unix(bt.Created, 0).UTC(),
			})
		}
		if err := iter.Err(); err != nil {
			return mapStripeErr("list settlements", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// call runs one gateway operation, retrying transient failures with
// backoff. Rejections are permanent. Safe because refunds and payouts
// carry idempotency keys and listing is read-only.
func (s *StripeClient) call(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, maxAttempts, baseDelay, func() error {
		err := fn()
		if err != nil && errors.Is(err, ErrRejected) {
			return retry.Permanent(err)
		}
		return err
	})
}

// settlementStatus normalizes Stripe balance transaction statuses to the
// values the reconciler understands.
func settlementStatus(s stripe.BalanceTransactionStatus) string {
	switch s {
	case stripe.BalanceTransactionStatusAvailable:
		return "processed"
	case stripe.BalanceTransactionStatusPending:
		return "created"
	default:
		return string(s)
	}
}

// feeTax sums the tax portions of a balance transaction's fee breakdown.
func feeTax(details []*stripe.BalanceTransactionFeeDetail) int64 {
	var tax int64
	for _, d := range details {
		if d != nil && d.Type == "tax" {
			tax += d.Amount
		}
	}
	return tax
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// mapStripeErr folds Stripe errors into the two buckets callers act on:
// retry later (ErrUnavailable) or give up (ErrRejected).
func mapStripeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w: %v", op, ErrRejected, err)
	}
	// Network-level failures are transient.
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
