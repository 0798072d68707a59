package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/rentledger/internal/retry"
)

// ErrInvalidSignature is returned for webhook payloads that fail the
// Stripe-Signature check.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// StripeConfig configures StripeGateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string // ISO code, lower case; defaults to "kes"
}

// StripeGateway takes payments through Stripe Checkout. The provider
// transaction id travels as the session's client_reference_id.
type StripeGateway struct {
	api *client.API
	cfg StripeConfig
}

// NewStripeGateway creates a gateway using its own API client rather than
// stripe-go's package globals.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	if cfg.Currency == "" {
		cfg.Currency = "kes"
	}
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return &StripeGateway{api: sc, cfg: cfg}
}

func (g *StripeGateway) Name() string { return "stripe" }

// Checkout creates a payment-mode Checkout Session. Retries reuse the
// idempotency key, so Stripe returns the same session.
func (g *StripeGateway) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.Amount <= 0 {
		return nil, retry.Permanent(fmt.Errorf("checkout amount must be positive, got %d", req.Amount))
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.cfg.SuccessURL),
		CancelURL:         stripe.String(g.cfg.CancelURL),
		ClientReferenceID: stripe.String(req.ProviderTransactionID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.cfg.Currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + req.ProviderTransactionID)
	params.AddMetadata("provider_tx_id", req.ProviderTransactionID)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return &CheckoutSession{RedirectURL: sess.URL, ProviderRef: sess.ID}, nil
}

// Verify fetches the Checkout Session and reports its payment state.
func (g *StripeGateway) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	if req.ProviderRef == "" {
		return nil, ErrUnknownPayment
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := g.api.CheckoutSessions.Get(req.ProviderRef, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if sess.ClientReferenceID != req.ProviderTransactionID {
		return nil, retry.Permanent(fmt.Errorf("stripe session %s belongs to another payment", sess.ID))
	}
	return &Verification{Status: sessionStatus(sess), Amount: sess.AmountTotal}, nil
}

func sessionStatus(sess *stripe.CheckoutSession) Status {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return StatusSuccess
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return StatusFailed
	}
	return StatusPending
}

// mapStripeError marks client errors permanent so they are neither retried
// nor counted against the circuit.
func mapStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return ErrUnknownPayment
		case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("stripe unavailable: %w", err)
		case se.HTTPStatusCode >= http.StatusBadRequest:
			return retry.Permanent(fmt.Errorf("stripe rejected request (%s): %w", se.Code, err))
		}
	}
	return fmt.Errorf("stripe call failed: %w", err)
}

// WebhookEvent is the part of a Stripe event settlement cares about.
type WebhookEvent struct {
	Type                  string
	ProviderTransactionID string
	Status                Status
}

// ParseWebhook checks the Stripe-Signature header and extracts the Checkout
// Session outcome. Events that do not concern Checkout Sessions return nil.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	return ParseStripeWebhook(payload, signature, g.cfg.WebhookSecret)
}

// ParseStripeWebhook is ParseWebhook with an explicit secret.
func ParseStripeWebhook(payload []byte, signature, secret string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var status Status
	switch string(event.Type) {
	case "checkout.session.completed":
		status = StatusPending // async methods confirm later; decided below
	case "checkout.session.async_payment_succeeded":
		status = StatusSuccess
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		status = StatusFailed
	default:
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	if string(event.Type) == "checkout.session.completed" {
		status = sessionStatus(&sess)
	}
	return &WebhookEvent{
		Type:                  string(event.Type),
		ProviderTransactionID: sess.ClientReferenceID,
		Status:                status,
	}, nil
}
