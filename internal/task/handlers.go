package task

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/huntboard/huntboard/internal/processor"
	"github.com/huntboard/huntboard/internal/wallet"
)

// Handler provides HTTP endpoints for the task lifecycle.
type Handler struct {
	controller *Controller
	logger     *slog.Logger
}

// NewHandler creates a task handler.
func NewHandler(controller *Controller, logger *slog.Logger) *Handler {
	return &Handler{controller: controller, logger: logger}
}

// RegisterRoutes sets up task routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks", h.Create)
	r.GET("/tasks", h.ListOpen)
	r.GET("/tasks/:id", h.Get)
	r.POST("/tasks/:id/accept", h.Accept)
	r.POST("/tasks/:id/complete", h.Complete)
	r.POST("/tasks/:id/cancel", h.Cancel)
}

// CreateTaskRequest is the body for POST /tasks.
type CreateTaskRequest struct {
	PosterID    string `json:"posterId" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	AmountCents int64  `json:"amountCents" binding:"required"`
	Currency    string `json:"currency"`
}

// Create handles POST /tasks
func (h *Handler) Create(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.controller.Create(c.Request.Context(), CreateParams{
		PosterID:    req.PosterID,
		Title:       req.Title,
		Description: req.Description,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Get handles GET /tasks/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.controller.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListOpen handles GET /tasks?limit=
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	tasks, err := h.controller.store.ListOpen(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// AcceptRequest is the body for POST /tasks/:id/accept.
type AcceptRequest struct {
	HunterID string `json:"hunterId" binding:"required"`
}

// Accept handles POST /tasks/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.controller.Accept(c.Request.Context(), c.Param("id"), req.HunterID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// CallerRequest carries the acting user for complete/cancel.
type CallerRequest struct {
	CallerID string `json:"callerId" binding:"required"`
}

// Complete handles POST /tasks/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	var req CallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.controller.Complete(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task":   t,
		"status": "release_pending",
	})
}

// Cancel handles POST /tasks/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.controller.Cancel(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// respondError maps domain errors onto HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		ve  *ValidationError
		ste *StateTransitionError
		pe  *processor.PermanentError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"field":   ve.Field,
		})
	case errors.As(err, &ste):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "state_conflict",
			"message": ste.Error(),
			"status":  string(ste.Current),
		})
	case errors.Is(err, ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "task_not_found",
			"message": "No task with that ID",
		})
	case errors.Is(err, ErrNotPoster):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_poster",
			"message": "Only the task poster may do this",
		})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
	case errors.As(err, &pe):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_failed",
			"message": pe.Reason,
		})
	case processor.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "payment_unavailable",
			"message": "Payment processor is temporarily unavailable, try again shortly",
		})
	default:
		h.logger.Error("task operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
