package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/httperr"
	"github.com/mbd888/rentledger/internal/provider"
)

type completeSandboxRequest struct {
	Status string `json:"status" binding:"required"`
}

// completeSandboxPayment plays the payer and the provider for local
// development: it finalizes the sandbox payment and delivers the callback.
// POST /v1/admin/sandbox/payments/:txId/complete
func (s *Server) completeSandboxPayment(c *gin.Context) {
	var req completeSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "status is required")
		return
	}
	status := provider.ParseStatus(req.Status)
	if status == provider.StatusPending {
		httperr.BadRequest(c, "status must be a final status")
		return
	}

	txID := c.Param("txId")
	if err := s.sandbox.Complete(txID, status); err != nil {
		if errors.Is(err, provider.ErrUnknownPayment) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such sandbox payment"})
			return
		}
		httperr.Write(c, err)
		return
	}

	out, err := s.payments.OnProviderCallback(c.Request.Context(), txID, status)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
