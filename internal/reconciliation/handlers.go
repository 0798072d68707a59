package reconciliation

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/httperr"
	"github.com/mbd888/rentledger/internal/validation"
)

// Handler exposes reconciliation to operators holding the shared secret.
type Handler struct {
	runner *Runner
	secret string
}

// NewHandler creates a reconciliation handler. An empty secret disables the
// endpoints.
func NewHandler(runner *Runner, secret string) *Handler {
	return &Handler{runner: runner, secret: secret}
}

// RegisterRoutes sets up the secret-guarded internal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/reconcile", h.requireSecret)
	g.POST("", h.Trigger)
	g.GET("/runs/:runId/anomalies", validation.IDParamMiddleware("runId"), h.ListAnomalies)
}

func (h *Handler) requireSecret(c *gin.Context) {
	if h.secret == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Reconciliation trigger is disabled"})
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid reconciliation secret"})
		return
	}
	c.Next()
}

// Trigger handles POST /internal/reconcile
func (h *Handler) Trigger(c *gin.Context) {
	report, err := h.runner.Run(c.Request.Context())
	if errors.Is(err, ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_running", "message": "A reconciliation run is already in progress"})
		return
	}
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListAnomalies handles GET /internal/reconcile/runs/:runId/anomalies
func (h *Handler) ListAnomalies(c *gin.Context) {
	anomalies, err := h.runner.Anomalies(c.Request.Context(), c.Param("runId"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies, "count": len(anomalies)})
}
