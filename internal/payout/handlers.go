package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mentorpay/mentorpay/internal/ledger"
)

// Handler provides HTTP endpoints for withdrawal operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up user-facing withdrawal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Create)
	r.GET("/withdrawals/:id", h.Get)
	r.GET("/users/:userId/withdrawals", h.ListByUser)
	r.POST("/withdrawals/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up the admin approval queue routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/withdrawals/pending", h.ListPending)
	r.POST("/withdrawals/:id/approve", h.Approve)
	r.POST("/withdrawals/:id/reject", h.Reject)
}

// Create handles POST /v1/withdrawals
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId, amount, destination and destinationKind are required",
		})
		return
	}

	wd, err := h.service.Request(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ledger.ErrInsufficientFunds):
			status = http.StatusUnprocessableEntity
			code = "insufficient_funds"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": wd})
}

// Get handles GET /v1/withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	wd, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

// ListByUser handles GET /v1/users/:userId/withdrawals
func (h *Handler) ListByUser(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	wds, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": wds, "count": len(wds)})
}

// Cancel handles POST /v1/withdrawals/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	wd, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

// ListPending handles GET /v1/admin/withdrawals/pending
func (h *Handler) ListPending(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	wds, err := h.service.ListPending(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": wds, "count": len(wds)})
}

// Approve handles POST /v1/admin/withdrawals/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	wd, err := h.service.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrRequestNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidStateTransition):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ledger.ErrInsufficientFunds):
			status = http.StatusUnprocessableEntity
			code = "insufficient_funds"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /v1/admin/withdrawals/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req rejectRequest
	_ = c.ShouldBindJSON(&req) // reason optional

	wd, err := h.service.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": wd})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRequestNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidStateTransition):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func parseLimit(raw string) int {
	limit := 50
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
