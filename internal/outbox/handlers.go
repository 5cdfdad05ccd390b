package outbox

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AdminHandler exposes operator endpoints for inspecting and retrying
// outbox events. Mount behind admin auth.
type AdminHandler struct {
	store  Store
	logger *slog.Logger
}

// NewAdminHandler creates an admin outbox handler.
func NewAdminHandler(store Store, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: store, logger: logger}
}

// RegisterRoutes sets up admin outbox routes.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/outbox/failed", h.List)
	r.GET("/outbox/:id", h.Get)
	r.POST("/outbox/:id/retry", h.Retry)
}

// List handles GET /outbox/failed?status=&limit=50 — defaults to the
// failed queue, the one operators act on.
func (h *AdminHandler) List(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusFailed)))
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be one of pending, processing, completed, failed",
		})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := h.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("outbox list failed", "status", status, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "outbox_error",
			"message": "Failed to list outbox events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// Get handles GET /outbox/:id
func (h *AdminHandler) Get(c *gin.Context) {
	ev, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "event_not_found",
				"message": "No outbox event with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "outbox_error",
			"message": "Failed to load outbox event",
		})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// Retry handles POST /outbox/:id/retry — resets a failed event to
// pending with a fresh retry budget.
func (h *AdminHandler) Retry(c *gin.Context) {
	id := c.Param("id")
	err := h.store.Retry(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrEventNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "event_not_found",
				"message": "No outbox event with that ID",
			})
		case errors.Is(err, ErrNotFailed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_failed",
				"message": "Only failed events can be retried",
			})
		default:
			h.logger.Error("outbox retry failed", "event", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "outbox_error",
				"message": "Failed to retry outbox event",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "requeued",
		"eventId": id,
	})
}
