package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/httperr"
	"github.com/mbd888/rentledger/internal/pagination"
	"github.com/mbd888/rentledger/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	svc *Service
}

// NewHandler creates a new wallet handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up caller-scoped wallet routes. The group must
// already require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/balance", h.GetBalance)
	r.GET("/wallet/history", h.GetHistory)
	r.POST("/wallet/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/balances/resync", h.Resync)
	r.POST("/wallet/credit", h.AdminCredit)
}

func classParam(c *gin.Context) (domain.BalanceClass, error) {
	v := c.DefaultQuery("class", string(domain.ClassWallet))
	return domain.ParseBalanceClass(v)
}

// GetBalance handles GET /v1/wallet/balance?class=WALLET
func (h *Handler) GetBalance(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	class, err := classParam(c)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	bal, err := h.svc.CurrentBalance(c.Request.Context(), p.UserID, class)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":       p.UserID,
		"balanceClass": class,
		"balance":      bal,
	})
}

// GetHistory handles GET /v1/wallet/history?class=&cursor=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	var class domain.BalanceClass
	if v := c.Query("class"); v != "" {
		parsed, err := domain.ParseBalanceClass(v)
		if err != nil {
			httperr.Write(c, err)
			return
		}
		class = parsed
	}
	page, err := h.svc.History(c.Request.Context(), p.UserID, class, c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// WithdrawRequest is the body of POST /v1/wallet/withdraw
type WithdrawRequest struct {
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// Withdraw handles POST /v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Required("destination", req.Destination),
		validation.MaxLength("destination", req.Destination, 128),
	); len(errs) > 0 {
		httperr.Write(c, domain.Invalid(errs[0].Field, "%s", errs[0].Message))
		return
	}

	entry, err := h.svc.Withdraw(c.Request.Context(), p, req.Amount, validation.SanitizeString(req.Destination, 128))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	bal, err := h.svc.CurrentBalance(c.Request.Context(), p.UserID, domain.ClassWallet)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "withdrawn",
		"entry":   entry,
		"balance": bal,
	})
}

// ResyncRequest is the body of POST /v1/admin/balances/resync
type ResyncRequest struct {
	UserID       string `json:"userId"`
	BalanceClass string `json:"balanceClass"`
}

// Resync handles POST /v1/admin/balances/resync
func (h *Handler) Resync(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	var req ResyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if req.UserID == "" {
		httperr.Write(c, domain.Invalid("userId", "is required"))
		return
	}
	class, err := domain.ParseBalanceClass(req.BalanceClass)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	res, err := h.svc.Resync(c.Request.Context(), p, req.UserID, class)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreditRequest is the body of POST /v1/admin/wallet/credit
type CreditRequest struct {
	UserID            string `json:"userId"`
	BalanceClass      string `json:"balanceClass"`
	Amount            int64  `json:"amount"`
	Reason            string `json:"reason"`
	ExternalReference string `json:"externalReference"`
}

// AdminCredit handles POST /v1/admin/wallet/credit, the manual top-up used
// for offline deposits. The credit and its audit record commit together.
func (h *Handler) AdminCredit(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidID("userId", req.UserID),
		validation.PositiveAmount("amount", req.Amount),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		httperr.Write(c, domain.Invalid(errs[0].Field, "%s", errs[0].Message))
		return
	}
	class, err := domain.ParseBalanceClass(req.BalanceClass)
	if err != nil {
		httperr.Write(c, err)
		return
	}

	entry, err := h.svc.AdminCredit(c.Request.Context(), p, Mutation{
		UserID:      req.UserID,
		Class:       class,
		Amount:      req.Amount,
		Kind:        domain.KindCredit,
		Reason:      validation.SanitizeString(req.Reason, validation.MaxStringLength),
		ExternalRef: req.ExternalReference,
	})
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}
