package scoring

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for risk scoring
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a new scoring handler
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// RegisterRoutes sets up scoring routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/:entityType/:entityId", h.GetSummary)
	r.GET("/risk/:entityType/:entityId/can-send", h.CanSend)
	r.POST("/risk/events", h.RecordEvent)
}

// RegisterAdminRoutes sets up admin-only scoring routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/risk/:entityType/:entityId/whitelist", h.Whitelist)
	r.POST("/admin/risk/:entityType/:entityId/blacklist", h.Blacklist)
	r.POST("/admin/risk/:entityType/:entityId/clear-override", h.ClearOverride)
	r.POST("/admin/risk/:entityType/:entityId/suspend", h.Suspend)
	r.POST("/admin/risk/:entityType/:entityId/reset", h.Reset)
	r.GET("/admin/risk/:entityType/:entityId/replay", h.Replay)
}

func parseEntityType(s string) (EntityType, bool) {
	switch EntityType(s) {
	case EntityUser, EntitySender, EntityCampaign:
		return EntityType(s), true
	}
	return "", false
}

// GetSummary handles GET /risk/:entityType/:entityId
func (h *Handler) GetSummary(c *gin.Context) {
	entityType, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type", "message": "Use user, sender or campaign"})
		return
	}

	summary, err := h.engine.GetSummary(c.Request.Context(), entityType, c.Param("entityId"))
	if errors.Is(err, ErrScoreNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No risk score for entity"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to load risk summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CanSend handles GET /risk/:entityType/:entityId/can-send
func (h *Handler) CanSend(c *gin.Context) {
	entityType, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type", "message": "Use user, sender or campaign"})
		return
	}

	entityID := c.Param("entityId")
	allowed, err := h.engine.CanSend(c.Request.Context(), entityType, entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to evaluate entity"})
		return
	}

	multiplier := 0.0
	if allowed {
		multiplier, err = h.engine.ThrottleMultiplier(c.Request.Context(), entityType, entityID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to evaluate entity"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"canSend":            allowed,
		"throttleMultiplier": multiplier,
	})
}

// RecordEventRequest reports one abuse signal
type RecordEventRequest struct {
	EntityType string         `json:"entityType" binding:"required"`
	EntityID   string         `json:"entityId" binding:"required"`
	OwnerID    string         `json:"ownerId" binding:"required"`
	EventType  string         `json:"eventType" binding:"required"`
	Points     float64        `json:"points"`
	Evidence   map[string]any `json:"evidence"`
}

// RecordEvent handles POST /risk/events
func (h *Handler) RecordEvent(c *gin.Context) {
	var req RecordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	entityType, ok := parseEntityType(req.EntityType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type", "message": "Use user, sender or campaign"})
		return
	}

	rs, err := h.engine.RecordEvent(c.Request.Context(), entityType, req.EntityID, req.OwnerID, req.EventType, req.Points, req.Evidence)
	if errors.Is(err, ErrUnknownEventType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event_type", "message": "Event type is not a configured risk factor"})
		return
	}
	if err != nil {
		h.logger.Error("record risk event failed", "entity", req.EntityType+":"+req.EntityID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to record event"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"score": rs})
}

// OverrideRequest carries the admin reason for an override action
type OverrideRequest struct {
	OwnerID string `json:"ownerId"`
	Reason  string `json:"reason"`
}

func (h *Handler) override(c *gin.Context, apply func(entityType EntityType, entityID string, req OverrideRequest) (*RiskScore, error)) {
	entityType, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type", "message": "Use user, sender or campaign"})
		return
	}

	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	rs, err := apply(entityType, c.Param("entityId"), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to apply override"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": rs})
}

// Whitelist handles POST /admin/risk/:entityType/:entityId/whitelist
func (h *Handler) Whitelist(c *gin.Context) {
	h.override(c, func(entityType EntityType, entityID string, req OverrideRequest) (*RiskScore, error) {
		return h.engine.Whitelist(c.Request.Context(), entityType, entityID, req.OwnerID, req.Reason)
	})
}

// Blacklist handles POST /admin/risk/:entityType/:entityId/blacklist
func (h *Handler) Blacklist(c *gin.Context) {
	h.override(c, func(entityType EntityType, entityID string, req OverrideRequest) (*RiskScore, error) {
		return h.engine.Blacklist(c.Request.Context(), entityType, entityID, req.OwnerID, req.Reason)
	})
}

// ClearOverride handles POST /admin/risk/:entityType/:entityId/clear-override
func (h *Handler) ClearOverride(c *gin.Context) {
	h.override(c, func(entityType EntityType, entityID string, req OverrideRequest) (*RiskScore, error) {
		return h.engine.ClearOverride(c.Request.Context(), entityType, entityID, req.OwnerID, req.Reason)
	})
}

// SuspendRequest applies a manual suspension
type SuspendRequest struct {
	OwnerID      string `json:"ownerId"`
	Type         string `json:"type" binding:"required"` // temporary or permanent
	CooldownDays int    `json:"cooldownDays"`
	Reason       string `json:"reason"`
}

// Suspend handles POST /admin/risk/:entityType/:entityId/suspend
func (h *Handler) Suspend(c *gin.Context) {
	entityType, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type", "message": "Use user, sender or campaign"})
		return
	}

	var req SuspendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	suspensionType := SuspensionType(req.Type)
	if suspensionType != SuspensionTemporary && suspensionType != SuspensionPermanent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_suspension_type", "message": "Use temporary or permanent"})
		return
	}

	rs, err := h.engine.Suspend(c.Request.Context(), entityType, c.Param("entityId"), req.OwnerID, suspensionType, req.CooldownDays, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to suspend entity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": rs})
}

// Reset handles POST /admin/risk/:entityType/:entityId/reset
func (h *Handler) Reset(c *gin.Context) {
	h.override(c, func(entityType EntityType, entityID string, req OverrideRequest) (*RiskScore, error) {
		return h.engine.Reset(c.Request.Context(), entityType, entityID, req.OwnerID, req.Reason)
	})
}

// Replay handles GET /admin/risk/:entityType/:entityId/replay. Rebuilds the
// score from the event stream for reconciliation against the cached value.
func (h *Handler) Replay(c *gin.Context) {
	entityType, ok := parseEntityType(c.Param("entityType"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type", "message": "Use user, sender or campaign"})
		return
	}
	entityID := c.Param("entityId")

	rs, err := h.engine.store.Get(c.Request.Context(), entityType, entityID)
	if errors.Is(err, ErrScoreNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No risk score for entity"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to load risk score"})
		return
	}

	snapshot := h.engine.rules.Snapshot()
	replayed, err := ReplayScore(c.Request.Context(), h.engine.store, &snapshot.Scoring, entityType, entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "risk_error", "message": "Failed to replay events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cached":   rs.Score,
		"replayed": replayed,
		"match":    rs.Score == replayed,
	})
}
