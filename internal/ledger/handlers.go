package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet queries.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/wallet", h.GetWallet)
	r.GET("/users/:userId/wallet/transactions", h.GetTransactions)
}

// RegisterAdminRoutes sets up the platform wallet admin route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/platform/wallet", h.GetPlatformWallet)
	r.GET("/platform/wallet/transactions", h.GetPlatformTransactions)
}

// GetWallet handles GET /v1/users/:userId/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.service.Wallet(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// GetTransactions handles GET /v1/users/:userId/wallet/transactions
func (h *Handler) GetTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.service.History(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// GetPlatformWallet handles GET /v1/admin/platform/wallet
func (h *Handler) GetPlatformWallet(c *gin.Context) {
	wallet, err := h.service.Wallet(c.Request.Context(), PlatformAccountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// GetPlatformTransactions handles GET /v1/admin/platform/wallet/transactions
func (h *Handler) GetPlatformTransactions(c *gin.Context) {
	txns, err := h.service.History(c.Request.Context(), PlatformAccountID, 100)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if errors.Is(err, ErrInvalidTransaction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
