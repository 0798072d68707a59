package booking

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/httperr"
	"github.com/mbd888/rentledger/internal/validation"
)

// Handler provides HTTP endpoints for bookings.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id/quote", validation.IDParamMiddleware("id"), h.GetQuote)
}

// RegisterProtectedRoutes sets up protected (auth-required) booking routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
	r.POST("/bookings/wallet", h.CreateWalletBooking)
	r.GET("/bookings/:id", validation.IDParamMiddleware("id"), h.GetBooking)
	r.POST("/bookings/:id/cancel", validation.IDParamMiddleware("id"), h.CancelBooking)
}

// CreateRequest is the body of POST /v1/bookings. Prices are never read
// from the client, and neither is PAID: a client may ask for a PENDING
// request or a CONFIRMED hold.
type CreateRequest struct {
	ListingID string `json:"listingId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Status    string `json:"status,omitempty"`
}

func (h *Handler) bind(c *gin.Context) (ReserveRequest, bool) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.BadRequest(c, "Invalid request body")
		return ReserveRequest{}, false
	}
	if errs := validation.Validate(
		validation.Required("listingId", req.ListingID),
		validation.ValidID("listingId", req.ListingID),
		validation.Required("startDate", req.StartDate),
		validation.ValidDate("startDate", req.StartDate),
		validation.Required("endDate", req.EndDate),
		validation.ValidDate("endDate", req.EndDate),
		validation.OneOf("status", req.Status, string(domain.ReservationPending),
			string(domain.ReservationConfirmed)),
	); len(errs) > 0 {
		httperr.Write(c, domain.Invalid(errs[0].Field, "%s", errs[0].Message))
		return ReserveRequest{}, false
	}
	start, _ := domain.ParseDate("startDate", req.StartDate)
	end, _ := domain.ParseDate("endDate", req.EndDate)

	p, _ := auth.GetPrincipal(c)
	return ReserveRequest{
		ListingID: req.ListingID,
		GuestID:   p.UserID,
		StartDate: start,
		EndDate:   end,
		Status:    domain.ReservationStatus(req.Status),
	}, true
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	r, err := h.service.Reserve(c.Request.Context(), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reservation": r})
}

// CreateWalletBooking handles POST /v1/bookings/wallet
func (h *Handler) CreateWalletBooking(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}
	out, err := h.service.ReserveAndPayFromWallet(c.Request.Context(), req)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	r, err := h.service.Get(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// CancelBooking handles POST /v1/bookings/:id/cancel
func (h *Handler) CancelBooking(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	r, err := h.service.Cancel(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// GetQuote handles GET /v1/listings/:id/quote?startDate=&endDate=
func (h *Handler) GetQuote(c *gin.Context) {
	startRaw, endRaw := c.Query("startDate"), c.Query("endDate")
	if errs := validation.Validate(
		validation.Required("startDate", startRaw),
		validation.ValidDate("startDate", startRaw),
		validation.Required("endDate", endRaw),
		validation.ValidDate("endDate", endRaw),
	); len(errs) > 0 {
		httperr.Write(c, domain.Invalid(errs[0].Field, "%s", errs[0].Message))
		return
	}
	start, _ := domain.ParseDate("startDate", startRaw)
	end, _ := domain.ParseDate("endDate", endRaw)

	q, err := h.service.Quote(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listingId": c.Param("id"), "quote": q})
}
