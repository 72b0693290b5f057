// Package webhooks receives inbound event notifications from the payment
// gateway.
//
// Every request is authenticated by an HMAC-SHA256 signature over the
// raw body before any parsing happens. Handlers are idempotent end to
// end (the services they call dedupe by external id), so the gateway's
// at-least-once redelivery is safe.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mentorpay/mentorpay/internal/metrics"
	"github.com/mentorpay/mentorpay/internal/paygate"
	"github.com/mentorpay/mentorpay/internal/settlement"
)

// SignatureHeader carries the gateway's hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// maxBodySize bounds webhook payloads; gateway events are small.
const maxBodySize = 1 << 20

// Event types the gateway delivers.
const (
	EventPayoutProcessed     = "payout.processed"
	EventPayoutFailed        = "payout.failed"
	EventPayoutReversed      = "payout.reversed"
	EventSettlementProcessed = "settlement.processed"
)

// PayoutService is the payout surface webhooks drive.
type PayoutService interface {
	HandleProcessed(ctx context.Context, externalPayoutID string) error
	HandleFailed(ctx context.Context, externalPayoutID, reason string) error
}

// SettlementIngester accepts pushed settlement batches.
type SettlementIngester interface {
	Ingest(ctx context.Context, rec paygate.SettlementRecord) (*settlement.Settlement, error)
}

// envelope is the gateway's webhook wire format.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type payoutPayload struct {
	PayoutID string `json:"payoutId"`
	Reason   string `json:"reason"`
}

type settlementPayload struct {
	SettlementID string    `json:"settlementId"`
	GrossAmount  int64     `json:"grossAmount"`
	FeeAmount    int64     `json:"feeAmount"`
	TaxAmount    int64     `json:"taxAmount"`
	NetAmount    int64     `json:"netAmount"`
	SettledAt    time.Time `json:"settledAt"`
}

// Handler verifies and dispatches inbound gateway webhooks.
type Handler struct {
	secret      string
	payouts     PayoutService
	settlements SettlementIngester
	logger      *slog.Logger
}

// NewHandler creates a webhook handler. secret is the shared HMAC key
// configured on the gateway dashboard.
func NewHandler(secret string, payouts PayoutService, settlements SettlementIngester, logger *slog.Logger) *Handler {
	return &Handler{
		secret:      secret,
		payouts:     payouts,
		settlements: settlements,
		logger:      logger,
	}
}

// RegisterRoutes sets up the webhook ingress route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /v1/webhooks/gateway
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		metrics.WebhookRejectedTotal.Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	if !h.verify(body, c.GetHeader(SignatureHeader)) {
		metrics.WebhookRejectedTotal.Inc()
		h.logger.Warn("webhook rejected, bad signature", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Event == "" {
		metrics.WebhookRejectedTotal.Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed webhook envelope",
		})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(env.Event).Inc()

	if err := h.dispatch(c.Request.Context(), env); err != nil {
		// Non-2xx makes the gateway redeliver; dispatch is idempotent.
		h.logger.Warn("webhook dispatch failed", "event", env.Event, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "dispatch_failed",
			"message": "Event processing failed, will be retried",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) dispatch(ctx context.Context, env envelope) error {
	switch env.Event {
	case EventPayoutProcessed:
		var p payoutPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return h.payouts.HandleProcessed(ctx, p.PayoutID)

	case EventPayoutFailed, EventPayoutReversed:
		var p payoutPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		reason := p.Reason
		if reason == "" {
			reason = env.Event
		}
		return h.payouts.HandleFailed(ctx, p.PayoutID, reason)

	case EventSettlementProcessed:
		var p settlementPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := h.settlements.Ingest(ctx, paygate.SettlementRecord{
			ExternalID:  p.SettlementID,
			GrossAmount: p.GrossAmount,
			FeeAmount:   p.FeeAmount,
			TaxAmount:   p.TaxAmount,
			NetAmount:   p.NetAmount,
			Status:      "processed",
			SettledAt:   p.SettledAt,
		})
		return err

	default:
		// Unknown events are acknowledged so the gateway stops resending
		// event types this version does not handle.
		h.logger.Debug("ignoring unhandled webhook event", "event", env.Event)
		return nil
	}
}

// verify checks the body signature in constant time.
func (h *Handler) verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature for a payload; exported for tests and for
// the demo gateway fake.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
