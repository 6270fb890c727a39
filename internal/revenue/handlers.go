package revenue

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yudhap/blastgate/internal/scoring"
)

// Handler provides HTTP endpoints for admission and revenue deductions
type Handler struct {
	gate   *Gate
	guard  *Guard
	logger *slog.Logger
}

// NewHandler creates a new revenue handler
func NewHandler(gate *Gate, guard *Guard, logger *slog.Logger) *Handler {
	return &Handler{gate: gate, guard: guard, logger: logger}
}

// RegisterRoutes sets up admission and revenue routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admission/check", h.Admit)
	r.POST("/revenue/estimate", h.Estimate)
	r.POST("/revenue/deductions", h.Deduct)
	r.GET("/revenue/transactions/:key", h.GetTransaction)
	r.GET("/owners/:id/transactions", h.ListTransactions)
}

// AdmitRequest asks whether one blast may be sent
type AdmitRequest struct {
	OwnerID      string `json:"ownerId" binding:"required"`
	EntityType   string `json:"entityType" binding:"required"`
	EntityID     string `json:"entityId" binding:"required"`
	Endpoint     string `json:"endpoint"`
	MessageCount int    `json:"messageCount" binding:"required"`
	Category     string `json:"category" binding:"required"`
}

// Admit handles POST /admission/check
func (h *Handler) Admit(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	decision, err := h.gate.Admit(c.Request.Context(), AdmissionRequest{
		OwnerID:      req.OwnerID,
		EntityType:   scoring.EntityType(req.EntityType),
		EntityID:     req.EntityID,
		Endpoint:     req.Endpoint,
		MessageCount: req.MessageCount,
		Category:     req.Category,
	})
	if errors.Is(err, ErrUnknownCategory) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_category", "message": "No rate configured for category"})
		return
	}
	if err != nil {
		h.logger.Error("admission check failed", "owner", req.OwnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admission_error", "message": "Failed to evaluate admission"})
		return
	}
	c.JSON(http.StatusOK, decision)
}

// EstimateRequest prices a blast without charging
type EstimateRequest struct {
	MessageCount int    `json:"messageCount" binding:"required"`
	Category     string `json:"category" binding:"required"`
}

// Estimate handles POST /revenue/estimate
func (h *Handler) Estimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	unitCost, totalCost, err := h.guard.EstimateCost(req.MessageCount, req.Category)
	if errors.Is(err, ErrUnknownCategory) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_category", "message": "No rate configured for category"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messageCount": req.MessageCount,
		"category":     req.Category,
		"unitCost":     unitCost,
		"totalCost":    totalCost,
	})
}

// DeductRequest charges an owner for one blast. The reference pair makes
// the charge idempotent: retries with the same reference debit once.
type DeductRequest struct {
	OwnerID       string `json:"ownerId" binding:"required"`
	MessageCount  int    `json:"messageCount" binding:"required"`
	Category      string `json:"category" binding:"required"`
	ReferenceType string `json:"referenceType" binding:"required"`
	ReferenceID   string `json:"referenceId" binding:"required"`
	CostPreview   string `json:"costPreview"`
}

// Deduct handles POST /revenue/deductions
func (h *Handler) Deduct(c *gin.Context) {
	var req DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	txn, replayed, err := h.guard.ExecuteDeduction(c.Request.Context(),
		req.OwnerID, req.MessageCount, req.Category, req.ReferenceType, req.ReferenceID, req.CostPreview)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": "Wallet cannot cover the blast cost"})
		return
	case errors.Is(err, ErrUnknownCategory):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_category", "message": "No rate configured for category"})
		return
	case errors.Is(err, ErrCostMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "cost_mismatch", "message": "Cost preview does not match the computed total"})
		return
	case err != nil:
		h.logger.Error("deduction failed", "owner", req.OwnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revenue_error", "message": "Failed to execute deduction"})
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"transaction": txn, "replayed": replayed})
}

// GetTransaction handles GET /revenue/transactions/:key
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.guard.GetTransaction(c.Request.Context(), c.Param("key"))
	if errors.Is(err, ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No transaction for key"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revenue_error", "message": "Failed to load transaction"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /owners/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	txns, err := h.guard.ListTransactions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revenue_error", "message": "Failed to list transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}
