package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/huntboard/huntboard/internal/pagination"
)

// Handler provides HTTP endpoints for ledger queries.
type Handler struct {
	ledger *Service
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Service, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:id/transactions", h.GetHistory)
	r.GET("/tasks/:id/transactions", h.GetTaskHistory)
}

// GetHistory handles GET /wallets/:id/transactions?limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("id")

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed or expired",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	entries, err := h.ledger.History(c.Request.Context(), userID, limit+1, cursor)
	if err != nil {
		h.logger.Error("ledger history query failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve transaction history",
		})
		return
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// GetTaskHistory handles GET /tasks/:id/transactions
func (h *Handler) GetTaskHistory(c *gin.Context) {
	taskID := c.Param("id")

	entries, err := h.ledger.TaskHistory(c.Request.Context(), taskID)
	if err != nil {
		h.logger.Error("task ledger query failed", "task", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve task transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"count":        len(entries),
	})
}
