package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for session lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.Schedule)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/bookings/:bookingId/session", h.GetByBooking)
	r.POST("/sessions/:id/join", h.Join)
	r.POST("/sessions/:id/complete", h.Complete)
	r.POST("/sessions/:id/cancel", h.Cancel)
	r.POST("/sessions/:id/feedback", h.Feedback)
}

// Schedule handles POST /v1/sessions
func (h *Handler) Schedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "bookingId, aspirantId, achieverId, scheduledStart and scheduledEnd are required",
		})
		return
	}

	sess, err := h.service.Schedule(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_session",
				"message": "A session already exists for this booking",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "schedule_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// GetByBooking handles GET /v1/bookings/:bookingId/session
func (h *Handler) GetByBooking(c *gin.Context) {
	sess, err := h.service.GetByBooking(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type joinRequest struct {
	Role Role `json:"role" binding:"required"`
}

// Join handles POST /v1/sessions/:id/join
func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role is required (aspirant or achiever)",
		})
		return
	}

	sess, err := h.service.MarkJoined(c.Request.Context(), c.Param("id"), req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// Complete handles POST /v1/sessions/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	sess, err := h.service.CompleteManually(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type cancelRequest struct {
	CancelledBy string `json:"cancelledBy"`
}

// Cancel handles POST /v1/sessions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req) // body optional

	sess, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.CancelledBy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type feedbackRequest struct {
	Role Role `json:"role" binding:"required"`
}

// Feedback handles POST /v1/sessions/:id/feedback
func (h *Handler) Feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role is required (aspirant or achiever)",
		})
		return
	}

	sess, err := h.service.SubmitFeedback(c.Request.Context(), c.Param("id"), req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidRole):
		status = http.StatusBadRequest
		code = "invalid_role"
	case errors.Is(err, ErrInvalidStateTransition):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
