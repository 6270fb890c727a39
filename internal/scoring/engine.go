package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yudhap/blastgate/internal/idgen"
	"github.com/yudhap/blastgate/internal/metrics"
	"github.com/yudhap/blastgate/internal/rules"
	"github.com/yudhap/blastgate/internal/syncutil"
	"github.com/yudhap/blastgate/internal/traces"
)

// casAttempts bounds retries when a cross-process update races
const casAttempts = 3

// Engine computes and acts on per-entity risk scores
type Engine struct {
	store  Store
	rules  *rules.Manager
	locks  *syncutil.ShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a scoring engine
func NewEngine(store Store, ruleManager *rules.Manager, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		rules:  ruleManager,
		locks:  &syncutil.ShardedMutex{},
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the engine clock (tests)
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CurrentScore returns the decayed score value as of now.
// The stored score is the value at LastEventAt; decay only starts once the
// entity has been quiet for the configured number of days.
func CurrentScore(rs *RiskScore, cfg *rules.ScoringConfig, now time.Time) float64 {
	if rs.LastEventAt.IsZero() {
		return rs.Score
	}
	elapsedDays := now.Sub(rs.LastEventAt).Hours() / 24
	if elapsedDays < cfg.MinDaysWithoutEvent {
		return rs.Score
	}
	decayed := rs.Score - cfg.DecayRatePerDay*elapsedDays
	if decayed < 0 {
		return 0
	}
	return decayed
}

// RecordEvent appends an abuse signal and recomputes the entity's score.
// Unknown or inactive event types are rejected before anything is written.
func (e *Engine) RecordEvent(ctx context.Context, entityType EntityType, entityID, ownerID, eventType string, points float64, evidence map[string]any) (*RiskScore, error) {
	ctx, span := traces.StartSpan(ctx, "scoring.RecordEvent", traces.EntityKey(string(entityType), entityID))
	defer span.End()

	snapshot := e.rules.Snapshot()
	factor, ok := snapshot.Factor(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	unlock := e.locks.Lock(EntityKey(entityType, entityID))
	defer unlock()

	var result *RiskScore
	for attempt := 0; attempt < casAttempts; attempt++ {
		rs, err := e.store.GetOrCreate(ctx, entityType, entityID, ownerID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		cfg := &snapshot.Scoring
		current := CurrentScore(rs, cfg, now)
		weighted := factor.WeightedPoints(points)

		newScore := current + weighted
		if newScore < 0 {
			newScore = 0
		}

		prevLevel := rs.Level
		rs.Score = newScore
		rs.LastEventAt = now
		rs.UpdatedAt = now

		forcePermanent := false
		if factor.Severity == "critical" && cfg.PermanentCriticalCount > 0 {
			since := now.Add(-time.Duration(cfg.CriticalWindowHours) * time.Hour)
			count, err := e.store.CountEventsSince(ctx, entityType, entityID, "critical", since)
			// The event being recorded is not in the stream yet, so it is
			// counted by hand.
			if err == nil && count+1 >= cfg.PermanentCriticalCount {
				forcePermanent = true
			}
		}

		e.evaluate(rs, cfg, now, forcePermanent)

		if err := e.store.Update(ctx, rs); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update risk score: %w", err)
		}

		// Appended only after the score update wins the version race: an
		// append inside the retry loop would write a duplicate event on
		// every conflict, and replay would then double-count the points.
		event := &RiskEvent{
			ID:             idgen.WithPrefix("rev_"),
			EntityType:     entityType,
			EntityID:       entityID,
			OwnerID:        ownerID,
			EventType:      eventType,
			Points:         points,
			WeightedPoints: weighted,
			Severity:       factor.Severity,
			Evidence:       evidence,
			OccurredAt:     now,
		}
		if err := e.store.AppendEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("append risk event: %w", err)
		}

		metrics.RiskEventsTotal.WithLabelValues(eventType).Inc()
		if rs.Level != prevLevel {
			e.logger.Info("risk level changed",
				"entity", rs.Key(), "owner", ownerID,
				"from", prevLevel, "to", rs.Level,
				"score", rs.Score, "action", rs.PolicyAction)
		}
		result = rs
		break
	}
	if result == nil {
		return nil, ErrVersionConflict
	}
	return result, nil
}

// EvaluateAndAct re-derives level and policy action from the current score
// and persists any transition. Also the place where temporary suspensions
// auto-unlock.
func (e *Engine) EvaluateAndAct(ctx context.Context, entityType EntityType, entityID string) (*RiskScore, error) {
	unlock := e.locks.Lock(EntityKey(entityType, entityID))
	defer unlock()
	return e.evaluateLocked(ctx, entityType, entityID)
}

// caller must hold the entity lock
func (e *Engine) evaluateLocked(ctx context.Context, entityType EntityType, entityID string) (*RiskScore, error) {
	snapshot := e.rules.Snapshot()
	for attempt := 0; attempt < casAttempts; attempt++ {
		rs, err := e.store.Get(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		before := *rs
		e.evaluate(rs, &snapshot.Scoring, now, false)

		if rs.Level == before.Level && rs.PolicyAction == before.PolicyAction &&
			rs.IsSuspended == before.IsSuspended {
			return rs, nil
		}

		rs.UpdatedAt = now
		if err := e.store.Update(ctx, rs); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update risk score: %w", err)
		}
		return rs, nil
	}
	return nil, ErrVersionConflict
}

// evaluate mutates rs in place: auto-unlock, band derivation, escalation.
// Suspension release only happens through auto-unlock or admin action, so a
// decayed score alone never clears is_suspended.
func (e *Engine) evaluate(rs *RiskScore, cfg *rules.ScoringConfig, now time.Time, forcePermanent bool) {
	current := CurrentScore(rs, cfg, now)

	if rs.IsSuspended && rs.SuspensionType == SuspensionTemporary && rs.SuspendedAt != nil {
		cooldownOver := !now.Before(rs.SuspendedAt.Add(time.Duration(rs.CooldownDays) * 24 * time.Hour))
		if cooldownOver && current < cfg.AutoUnlockScore {
			rs.IsSuspended = false
			rs.SuspensionType = SuspensionNone
			rs.SuspendedAt = nil
			rs.PolicyAction = rules.ActionNone
			e.logger.Info("suspension auto-unlocked", "entity", rs.Key(), "score", current)
		}
	}

	rs.Level = cfg.LevelFor(current)
	action := cfg.ActionFor(rs.Level)

	if forcePermanent {
		action = rules.ActionSuspend
	}

	if rs.IsSuspended {
		// An active suspension is never softened by a lower derived action.
		rs.PolicyAction = rules.ActionSuspend
		if forcePermanent {
			rs.SuspensionType = SuspensionPermanent
		}
		return
	}

	if action == rules.ActionSuspend {
		suspendedAt := now
		rs.IsSuspended = true
		rs.SuspendedAt = &suspendedAt
		rs.CooldownDays = cfg.CooldownDays
		if forcePermanent {
			rs.SuspensionType = SuspensionPermanent
		} else {
			rs.SuspensionType = SuspensionTemporary
		}
		metrics.SuspensionsTotal.WithLabelValues(string(rs.SuspensionType)).Inc()
		e.logger.Warn("entity suspended",
			"entity", rs.Key(), "owner", rs.OwnerID,
			"type", rs.SuspensionType, "score", current)
	}
	rs.PolicyAction = action
}

// CanSend reports whether the entity may send right now. Unknown entities
// are allowed: scores are created lazily on first abuse signal, so absence
// of a score means absence of signals.
func (e *Engine) CanSend(ctx context.Context, entityType EntityType, entityID string) (bool, error) {
	rs, err := e.store.Get(ctx, entityType, entityID)
	if errors.Is(err, ErrScoreNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch rs.Override {
	case OverrideWhitelist:
		return true, nil
	case OverrideBlacklist:
		return false, nil
	}

	if !rs.IsSuspended {
		return true, nil
	}
	if rs.SuspensionType == SuspensionPermanent {
		return false, nil
	}

	// Temporary suspension: attempt auto-unlock on read.
	unlock := e.locks.Lock(EntityKey(entityType, entityID))
	defer unlock()
	rs, err = e.evaluateLocked(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	return !rs.IsSuspended, nil
}

// ThrottleMultiplier returns the send-rate multiplier for an entity:
// 1.0 = full speed, 0 = do not send.
func (e *Engine) ThrottleMultiplier(ctx context.Context, entityType EntityType, entityID string) (float64, error) {
	rs, err := e.store.Get(ctx, entityType, entityID)
	if errors.Is(err, ErrScoreNotFound) {
		return 1.0, nil
	}
	if err != nil {
		return 0, err
	}

	switch rs.Override {
	case OverrideWhitelist:
		return 1.0, nil
	case OverrideBlacklist:
		return 0, nil
	}
	if rs.IsSuspended {
		return 0, nil
	}

	switch rs.PolicyAction {
	case rules.ActionNone, rules.ActionWarn:
		return 1.0, nil
	case rules.ActionThrottle:
		return e.rules.Snapshot().Scoring.ThrottleFraction, nil
	case rules.ActionPause, rules.ActionSuspend:
		return 0, nil
	default:
		return 0, nil
	}
}

// Whitelist marks an entity as always allowed until the override is cleared
func (e *Engine) Whitelist(ctx context.Context, entityType EntityType, entityID, ownerID, reason string) (*RiskScore, error) {
	return e.setOverride(ctx, entityType, entityID, ownerID, OverrideWhitelist, reason)
}

// Blacklist marks an entity as always denied until the override is cleared
func (e *Engine) Blacklist(ctx context.Context, entityType EntityType, entityID, ownerID, reason string) (*RiskScore, error) {
	return e.setOverride(ctx, entityType, entityID, ownerID, OverrideBlacklist, reason)
}

// ClearOverride removes a whitelist/blacklist, restoring score-derived behavior
func (e *Engine) ClearOverride(ctx context.Context, entityType EntityType, entityID, ownerID, reason string) (*RiskScore, error) {
	return e.setOverride(ctx, entityType, entityID, ownerID, OverrideNone, reason)
}

func (e *Engine) setOverride(ctx context.Context, entityType EntityType, entityID, ownerID string, override Override, reason string) (*RiskScore, error) {
	unlock := e.locks.Lock(EntityKey(entityType, entityID))
	defer unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		rs, err := e.store.GetOrCreate(ctx, entityType, entityID, ownerID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		rs.Override = override
		rs.UpdatedAt = now

		if err := e.store.Update(ctx, rs); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update risk score: %w", err)
		}

		// Zero-weight event keeps the audit trail continuous.
		action := string(override)
		if override == OverrideNone {
			action = "clear_override"
		}
		e.appendAuditEvent(ctx, rs, "manual_override", map[string]any{
			"action": action,
			"reason": reason,
		}, now)
		return rs, nil
	}
	return nil, ErrVersionConflict
}

// Suspend applies a manual admin suspension
func (e *Engine) Suspend(ctx context.Context, entityType EntityType, entityID, ownerID string, suspensionType SuspensionType, cooldownDays int, reason string) (*RiskScore, error) {
	unlock := e.locks.Lock(EntityKey(entityType, entityID))
	defer unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		rs, err := e.store.GetOrCreate(ctx, entityType, entityID, ownerID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		rs.IsSuspended = true
		rs.SuspensionType = suspensionType
		rs.SuspendedAt = &now
		rs.CooldownDays = cooldownDays
		rs.PolicyAction = rules.ActionSuspend
		rs.UpdatedAt = now

		if err := e.store.Update(ctx, rs); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update risk score: %w", err)
		}

		metrics.SuspensionsTotal.WithLabelValues(string(suspensionType)).Inc()
		e.appendAuditEvent(ctx, rs, "manual_override", map[string]any{
			"action":       "suspend",
			"type":         string(suspensionType),
			"cooldownDays": cooldownDays,
			"reason":       reason,
		}, now)
		return rs, nil
	}
	return nil, ErrVersionConflict
}

// Reset clears an entity's score and suspension. The reset itself is logged
// as an event; the prior event stream is never deleted.
func (e *Engine) Reset(ctx context.Context, entityType EntityType, entityID, ownerID, reason string) (*RiskScore, error) {
	unlock := e.locks.Lock(EntityKey(entityType, entityID))
	defer unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		rs, err := e.store.GetOrCreate(ctx, entityType, entityID, ownerID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		rs.Score = 0
		rs.Level = rules.LevelNone
		rs.PolicyAction = rules.ActionNone
		rs.IsSuspended = false
		rs.SuspensionType = SuspensionNone
		rs.SuspendedAt = nil
		rs.Override = OverrideNone
		rs.LastEventAt = now
		rs.UpdatedAt = now

		if err := e.store.Update(ctx, rs); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update risk score: %w", err)
		}

		e.appendAuditEvent(ctx, rs, "manual_override", map[string]any{
			"action": "reset",
			"reason": reason,
		}, now)
		return rs, nil
	}
	return nil, ErrVersionConflict
}

// GetSummary returns the entity's state with decay applied plus recent events
func (e *Engine) GetSummary(ctx context.Context, entityType EntityType, entityID string) (*Summary, error) {
	rs, err := e.store.Get(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.GetEvents(ctx, entityType, entityID, 20)
	if err != nil {
		return nil, err
	}
	snapshot := e.rules.Snapshot()
	return &Summary{
		Score:        rs,
		CurrentScore: CurrentScore(rs, &snapshot.Scoring, e.now()),
		RecentEvents: events,
	}, nil
}

func (e *Engine) appendAuditEvent(ctx context.Context, rs *RiskScore, eventType string, evidence map[string]any, now time.Time) {
	err := e.store.AppendEvent(ctx, &RiskEvent{
		ID:         idgen.WithPrefix("rev_"),
		EntityType: rs.EntityType,
		EntityID:   rs.EntityID,
		OwnerID:    rs.OwnerID,
		EventType:  eventType,
		Severity:   "info",
		Evidence:   evidence,
		OccurredAt: now,
	})
	if err != nil {
		e.logger.Warn("failed to append audit event", "entity", rs.Key(), "error", err)
	}
}
