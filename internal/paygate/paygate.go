// Package paygate talks to the external payment gateway.
//
// The platform never stores card data; the gateway confirms payments on
// its side and the backend verifies the confirmation signature before
// trusting it. Outbound calls (refunds, payouts, settlement listing) go
// through the Client interface so demo mode can run against the fake.
package paygate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrUnavailable indicates a transient gateway failure worth retrying.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected indicates the gateway refused the operation permanently.
	ErrRejected = errors.New("payment gateway rejected the operation")
)

// PayoutDestination is the bank account or UPI handle a payout goes to.
type PayoutDestination struct {
	Kind    string `json:"kind"` // "bank_account" or "upi"
	Account string `json:"account"`
}

// SettlementRecord is one settlement batch as reported by the gateway:
// captured payments minus gateway fees and tax, transferred to the
// platform's bank account. GrossAmount = FeeAmount + TaxAmount +
// NetAmount.
type SettlementRecord struct {
	ExternalID  string    `json:"externalId"`
	GrossAmount int64     `json:"grossAmount"`
	FeeAmount   int64     `json:"feeAmount"`
	TaxAmount   int64     `json:"taxAmount"` // tax on the gateway's fee
	NetAmount   int64     `json:"netAmount"`
	Status      string    `json:"status"` // "created", "processed", "failed"
	SettledAt   time.Time `json:"settledAt"`
}

// Client is the outbound gateway surface.
type Client interface {
	// CreateOrder registers a payment order for checkout. The returned
	// order id is what the client pays against and what the confirmation
	// signature covers.
	CreateOrder(ctx context.Context, amount int64, currency, reference string) (orderID string, err error)
	// Refund refunds a captured payment back to the payer's instrument.
	Refund(ctx context.Context, paymentID string, amount int64) (refundID string, err error)
	// CreatePayout initiates a bank transfer to an achiever. The returned
	// id is the gateway's payout id; completion arrives via webhook.
	CreatePayout(ctx context.Context, amount int64, dest PayoutDestination, reference string) (payoutID string, err error)
	// ListSettlements returns settlement batches created since the given
	// time, oldest first.
	ListSettlements(ctx context.Context, since time.Time, limit int) ([]SettlementRecord, error)
}

// Sign computes the payment confirmation signature the gateway attaches
// to checkout callbacks: HMAC-SHA256 over "orderID|paymentID", hex.
func Sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a payment confirmation signature in constant
// time.
func VerifySignature(secret, orderID, paymentID, signature string) bool {
	expected := Sign(secret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
