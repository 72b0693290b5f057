package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints for settlement inspection.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new settlement handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterAdminRoutes sets up the settlement admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/settlements", h.List)
	r.GET("/settlements/:externalId", h.Get)
	r.POST("/settlements/poll", h.Poll)
}

// List handles GET /v1/admin/settlements
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	settlements, err := h.reconciler.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": settlements, "count": len(settlements)})
}

// Get handles GET /v1/admin/settlements/:externalId
func (h *Handler) Get(c *gin.Context) {
	stl, err := h.reconciler.Get(c.Request.Context(), c.Param("externalId"))
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Settlement not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": stl})
}

// Poll handles POST /v1/admin/settlements/poll, forcing an immediate
// gateway poll outside the timer schedule.
func (h *Handler) Poll(c *gin.Context) {
	h.reconciler.Poll(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "poll_triggered"})
}
