package ratelimit

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yudhap/blastgate/internal/rules"
)

// Handler provides HTTP endpoints for rate limit checks and admin overrides
type Handler struct {
	limiter *Limiter
	logger  *slog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(limiter *Limiter, logger *slog.Logger) *Handler {
	return &Handler{limiter: limiter, logger: logger}
}

// RegisterRoutes sets up rate limit routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ratelimit/check", h.Check)
	r.GET("/ratelimit/buckets/:key", h.BucketStatus)
}

// RegisterAdminRoutes sets up admin-only rate limit routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/ratelimit/buckets/:key/force", h.ForceLimit)
	r.DELETE("/admin/ratelimit/buckets/:key/force", h.ClearLimit)
}

// CheckRequest describes an admission check over HTTP
type CheckRequest struct {
	ContextType   string `json:"contextType" binding:"required"`
	Identity      string `json:"identity" binding:"required"`
	Endpoint      string `json:"endpoint"`
	RiskLevel     string `json:"riskLevel"`
	BalanceStatus string `json:"balanceStatus"`
	N             int    `json:"n"`
}

// Check handles POST /ratelimit/check
func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	contextType := rules.ContextType(req.ContextType)
	if !contextType.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_context_type", "message": "Use user, ip, endpoint or api_key"})
		return
	}

	result, err := h.limiter.Check(c.Request.Context(), Request{
		ContextType:   contextType,
		Identity:      req.Identity,
		Endpoint:      req.Endpoint,
		RiskLevel:     rules.RiskLevel(req.RiskLevel),
		BalanceStatus: rules.BalanceStatus(req.BalanceStatus),
		N:             req.N,
	})
	if err != nil {
		h.logger.Error("rate limit check failed", "identity", req.Identity, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ratelimit_error", "message": "Failed to run check"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":         result.Allowed,
		"action":          result.Action,
		"ruleId":          result.RuleID,
		"remaining":       result.Remaining,
		"retryAfterMs":    result.RetryAfter.Milliseconds(),
		"throttleDelayMs": result.ThrottleDelay.Milliseconds(),
	})
}

// BucketStatus handles GET /ratelimit/buckets/:key
func (h *Handler) BucketStatus(c *gin.Context) {
	bucket, err := h.limiter.BucketStatus(c.Request.Context(), c.Param("key"))
	if errors.Is(err, ErrBucketNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such bucket"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ratelimit_error", "message": "Failed to load bucket"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bucket": bucket})
}

// ForceLimitRequest applies an admin block on a bucket
type ForceLimitRequest struct {
	DurationMinutes int    `json:"durationMinutes" binding:"required"`
	Reason          string `json:"reason"`
}

// ForceLimit handles POST /admin/ratelimit/buckets/:key/force
func (h *Handler) ForceLimit(c *gin.Context) {
	var req ForceLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DurationMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "durationMinutes must be positive"})
		return
	}

	bucket, err := h.limiter.ForceLimit(c.Request.Context(), c.Param("key"),
		time.Duration(req.DurationMinutes)*time.Minute, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ratelimit_error", "message": "Failed to apply limit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bucket": bucket})
}

// ClearLimit handles DELETE /admin/ratelimit/buckets/:key/force
func (h *Handler) ClearLimit(c *gin.Context) {
	bucket, err := h.limiter.ClearLimit(c.Request.Context(), c.Param("key"))
	if errors.Is(err, ErrBucketNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such bucket"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ratelimit_error", "message": "Failed to clear limit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bucket": bucket})
}
