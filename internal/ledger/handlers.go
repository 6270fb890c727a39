package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yudhap/blastgate/internal/money"
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	wallet *Wallet
	events EventStore
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(wallet *Wallet, events EventStore, logger *slog.Logger) *Handler {
	return &Handler{wallet: wallet, events: events, logger: logger}
}

// RegisterRoutes sets up wallet routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/owners/:id/balance", h.GetBalance)
	r.GET("/owners/:id/ledger", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/topups", h.RecordTopup)
	r.GET("/admin/owners/:id/reconcile", h.Reconcile)
}

// GetBalance handles GET /owners/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ownerID := c.Param("id")

	balance, err := h.wallet.GetBalance(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
	})
}

// GetHistory handles GET /owners/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	ownerID := c.Param("id")

	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	entries, err := h.wallet.GetHistory(c.Request.Context(), ownerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
	})
}

// TopupRequest for gateway-confirmed top-up recording
type TopupRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	TxRef   string `json:"txRef" binding:"required"`
}

// RecordTopup handles POST /admin/topups (payment gateway webhook relay)
func (h *Handler) RecordTopup(c *gin.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !money.IsValid(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	err := h.wallet.Topup(c.Request.Context(), req.OwnerID, req.Amount, req.TxRef)
	if err != nil {
		if errors.Is(err, ErrDuplicateTopup) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_topup",
				"message": "Top-up already processed",
			})
			return
		}
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal number",
			})
			return
		}
		h.logger.Error("topup failed", "owner", req.OwnerID, "txRef", req.TxRef, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "topup_error",
			"message": "Failed to record top-up",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "credited",
		"message": "Top-up credited to owner balance",
	})
}

// Reconcile handles GET /admin/owners/:id/reconcile. Replays the owner's
// event stream and compares the rebuilt balance against the live one.
func (h *Handler) Reconcile(c *gin.Context) {
	ownerID := c.Param("id")

	if h.events == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "events_disabled",
			"message": "Event store is not configured",
		})
		return
	}

	rebuilt, err := RebuildBalance(c.Request.Context(), h.events, ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_error",
			"message": "Failed to rebuild balance from events",
		})
		return
	}

	live, err := h.wallet.GetBalance(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	match := rebuilt == live.Available
	if !match {
		h.logger.Warn("balance mismatch on reconcile",
			"owner", ownerID, "live", live.Available, "rebuilt", rebuilt)
	}

	c.JSON(http.StatusOK, gin.H{
		"ownerId": ownerID,
		"live":    live.Available,
		"rebuilt": rebuilt,
		"match":   match,
	})
}
