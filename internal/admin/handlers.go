package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/huntboard/huntboard/internal/reconciliation"
)

// Reconciler runs cross-subsystem reconciliation on demand.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler Reconciler
}

// NewHandler creates a new admin handler.
func NewHandler(reconciler Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up admin routes. Outbox inspection routes are
// registered separately by the outbox admin handler on the same group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.triggerReconciliation)
}

// triggerReconciliation runs an on-demand reconciliation pass and
// returns the report, whether or not it is healthy.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "reconciliation_unavailable",
			"message": "Reconciliation is not configured",
		})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"healthy": report.Healthy(),
		"report":  report,
	})
}
