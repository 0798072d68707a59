package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/httperr"
	"github.com/mbd888/rentledger/internal/validation"
)

// Handler provides HTTP endpoints for leases and their deposits.
type Handler struct {
	service *Service
}

// NewHandler creates a new lease handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) lease routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	leases := r.Group("/leases/:id", validation.IDParamMiddleware("id"))
	leases.GET("", h.GetLease)
	leases.GET("/deposit", h.GetDeposit)
	leases.POST("/deposit/settle", h.SettleDeposit)
}

// SettleRequest names how much of the deposit the owner keeps.
type SettleRequest struct {
	DeductionAmount *int64 `json:"deductionAmount"`
}

// SettleDeposit handles POST /v1/leases/:id/deposit/settle
func (h *Handler) SettleDeposit(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return
	}
	if req.DeductionAmount == nil {
		httperr.Write(c, domain.Invalid("deductionAmount", "is required"))
		return
	}
	if errs := validation.Validate(
		validation.NonNegativeAmount("deductionAmount", *req.DeductionAmount),
	); len(errs) > 0 {
		httperr.Write(c, domain.Invalid(errs[0].Field, "%s", errs[0].Message))
		return
	}

	dep, err := h.service.SettleDeposit(c.Request.Context(), p, c.Param("id"), *req.DeductionAmount)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": dep})
}

// GetLease handles GET /v1/leases/:id
func (h *Handler) GetLease(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	l, err := h.service.GetLease(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease": l})
}

// GetDeposit handles GET /v1/leases/:id/deposit
func (h *Handler) GetDeposit(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	d, err := h.service.GetDeposit(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": d})
}
