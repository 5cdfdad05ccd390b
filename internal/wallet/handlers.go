package wallet

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet balances.
type Handler struct {
	wallet *Service
	logger *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(wallet *Service, logger *slog.Logger) *Handler {
	return &Handler{wallet: wallet, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:id", h.GetBalance)
}

// GetBalance handles GET /wallets/:id
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("id")

	balance, err := h.wallet.Balance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("balance query failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, balance)
}
