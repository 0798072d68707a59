package settlement

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/httperr"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/provider"
	"github.com/mbd888/rentledger/internal/validation"
)

const maxWebhookBody = 64 << 10

// WebhookParser verifies and decodes a signed provider webhook.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*provider.WebhookEvent, error)
}

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
	stripe  WebhookParser
}

// NewHandler creates a new payment handler. stripe may be nil when Stripe is
// not the configured provider.
func NewHandler(service *Service, stripe WebhookParser) *Handler {
	return &Handler{service: service, stripe: stripe}
}

// RegisterRoutes sets up the unauthenticated provider-facing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/callback", h.Callback)
	if h.stripe != nil {
		r.POST("/payments/stripe/webhook", h.StripeWebhook)
	}
}

// RegisterProtectedRoutes sets up protected (auth-required) payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.Initiate)
	r.GET("/payments/:txId", validation.IDParamMiddleware("txId"), h.GetPayment)
}

// Initiate handles POST /v1/payments
func (h *Handler) Initiate(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidID("bookingId", req.BookingID),
		validation.ValidID("leaseId", req.LeaseID),
		validation.ValidPhone("payerPhone", req.PayerPhone),
	); len(errs) > 0 {
		httperr.Write(c, domain.Invalid(errs[0].Field, "%s", errs[0].Message))
		return
	}
	res, err := h.service.Initiate(c.Request.Context(), p, req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetPayment handles GET /v1/payments/:txId
func (h *Handler) GetPayment(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	payment, err := h.service.Get(c.Request.Context(), p, c.Param("txId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// CallbackRequest is the provider notification. Providers post it either as
// JSON or as a form.
type CallbackRequest struct {
	ProviderTransactionID string `json:"providerTransactionId" form:"providerTransactionId"`
	TransactionID         string `json:"transactionId" form:"transactionId"`
	Status                string `json:"status" form:"status"`
}

func (r CallbackRequest) txID() string {
	if r.ProviderTransactionID != "" {
		return r.ProviderTransactionID
	}
	return r.TransactionID
}

// Callback handles POST /v1/payments/callback. It answers 200 to everything
// it has dealt with, including unknown and duplicate transactions, so the
// provider stops retrying. Only transient failures answer 503.
func (h *Handler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBind(&req); err != nil || req.txID() == "" {
		logging.L(c.Request.Context()).Warn("malformed payment callback", "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	h.apply(c, req.txID(), provider.ParseStatus(req.Status))
}

// StripeWebhook handles POST /v1/payments/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	evt, err := h.stripe.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.L(c.Request.Context()).Warn("rejected stripe webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	}
	if evt == nil || evt.ProviderTransactionID == "" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	h.apply(c, evt.ProviderTransactionID, evt.Status)
}

func (h *Handler) apply(c *gin.Context, txID string, status provider.Status) {
	out, err := h.service.OnProviderCallback(c.Request.Context(), txID, status)
	switch {
	case err == nil:
	case httperr.Retryable(err):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try_again", "message": "Payment could not be processed yet"})
		return
	case errors.Is(err, ErrUnknownTransaction):
	default:
		logging.L(c.Request.Context()).Error("payment callback failed", "provider_tx_id", txID, "error", err)
	}
	resp := gin.H{"received": true}
	if out != nil {
		resp["status"] = out.Status
	}
	c.JSON(http.StatusOK, resp)
}
