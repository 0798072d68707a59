package arrears

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/httperr"
	"github.com/mbd888/rentledger/internal/validation"
)

// Handler serves lease arrears.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up protected (auth-required) arrears routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/leases/:id/arrears", validation.IDParamMiddleware("id"), h.GetArrears)
}

// GetArrears handles GET /v1/leases/:id/arrears
func (h *Handler) GetArrears(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	a, err := h.service.Assess(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
