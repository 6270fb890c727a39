package rules

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yudhap/blastgate/internal/idgen"
)

// Handler provides the admin HTTP surface for rule configuration. Every
// edit writes to the backing store, then reloads the live snapshot, so
// changes take effect without a restart.
type Handler struct {
	store   Store
	manager *Manager
	logger  *slog.Logger
}

// NewHandler creates a new rules handler
func NewHandler(store Store, manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{store: store, manager: manager, logger: logger}
}

// RegisterAdminRoutes sets up admin-only rule routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/rules", h.GetRuleset)
	r.PUT("/admin/rules/factors", h.UpsertFactor)
	r.PUT("/admin/rules/limits", h.UpsertLimit)
	r.POST("/admin/rules/limits/:id/activate", h.activateLimit(true))
	r.POST("/admin/rules/limits/:id/deactivate", h.activateLimit(false))
	r.PUT("/admin/rules/scoring", h.SaveScoring)
	r.POST("/admin/rules/reload", h.Reload)
}

// GetRuleset handles GET /admin/rules
func (h *Handler) GetRuleset(c *gin.Context) {
	rs := h.manager.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":  rs.Version,
		"loadedAt": rs.LoadedAt,
		"factors":  rs.Factors,
		"scoring":  rs.Scoring,
		"limits":   rs.Limits,
	})
}

// UpsertFactor handles PUT /admin/rules/factors
func (h *Handler) UpsertFactor(c *gin.Context) {
	var factor RiskFactor
	if err := c.ShouldBindJSON(&factor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if factor.EventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_factor", "message": "eventType is required"})
		return
	}
	if factor.Weight < 0 || factor.MaxContribution < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_factor", "message": "weight and maxContribution must be non-negative"})
		return
	}

	if err := h.store.UpsertFactor(c.Request.Context(), &factor); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rules_error", "message": "Failed to save factor"})
		return
	}
	h.reloadAndRespond(c, "factor saved", "eventType", factor.EventType)
}

// UpsertLimit handles PUT /admin/rules/limits
func (h *Handler) UpsertLimit(c *gin.Context) {
	var rule RateLimitRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if rule.ID == "" {
		rule.ID = idgen.WithPrefix("rl_")
	}
	if !rule.ContextType.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rule", "message": "Use user, ip, endpoint or api_key"})
		return
	}
	if !rule.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rule", "message": "maxRequests and windowSeconds must be positive"})
		return
	}

	if err := h.store.UpsertLimit(c.Request.Context(), &rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rules_error", "message": "Failed to save rule"})
		return
	}
	h.reloadAndRespond(c, "rate limit rule saved", "rule", rule.ID)
}

func (h *Handler) activateLimit(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := h.store.SetLimitActive(c.Request.Context(), id, active); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rules_error", "message": "Failed to update rule"})
			return
		}
		h.reloadAndRespond(c, "rate limit rule toggled", "rule", id)
	}
}

// SaveScoring handles PUT /admin/rules/scoring
func (h *Handler) SaveScoring(c *gin.Context) {
	var cfg ScoringConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if len(cfg.Bands) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "message": "At least one score band is required"})
		return
	}

	if err := h.store.SaveScoring(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rules_error", "message": "Failed to save scoring config"})
		return
	}
	h.reloadAndRespond(c, "scoring config saved")
}

// Reload handles POST /admin/rules/reload
func (h *Handler) Reload(c *gin.Context) {
	h.reloadAndRespond(c, "ruleset reloaded")
}

func (h *Handler) reloadAndRespond(c *gin.Context, msg string, logArgs ...any) {
	if err := h.manager.Reload(c.Request.Context()); err != nil {
		h.logger.Error("ruleset reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rules_error", "message": "Saved but reload failed; previous snapshot still live"})
		return
	}
	h.logger.Info(msg, logArgs...)
	c.JSON(http.StatusOK, gin.H{"version": h.manager.Snapshot().Version})
}
