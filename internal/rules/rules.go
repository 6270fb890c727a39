// Package rules holds the versioned, hot-reloadable configuration that
// drives the scoring engine and the rate limiter: risk factor weights,
// score bands, policy actions, decay parameters, and rate-limit rules.
//
// Configuration lives in a backing store (Postgres in production, seeded
// memory in demo mode) and is loaded into an immutable Ruleset snapshot.
// Admissions always read a snapshot, so a reload never races a check.
package rules

import (
	"errors"
	"math"
	"time"
)

var (
	ErrUnknownFactor = errors.New("unknown risk factor")
	ErrRuleNotFound  = errors.New("rate limit rule not found")
)

// RiskLevel is the banded severity derived from an entity's score.
type RiskLevel string

const (
	LevelNone     RiskLevel = "none"
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// rank orders levels for escalation comparisons.
func (l RiskLevel) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// Escalates reports whether moving from prev to l is an escalation.
func (l RiskLevel) Escalates(prev RiskLevel) bool {
	return l.rank() > prev.rank()
}

// PolicyAction is the enforcement response tied to a risk level.
type PolicyAction string

const (
	ActionNone     PolicyAction = "none"
	ActionWarn     PolicyAction = "warn"
	ActionThrottle PolicyAction = "throttle"
	ActionPause    PolicyAction = "pause"
	ActionSuspend  PolicyAction = "suspend"
)

func (a PolicyAction) rank() int {
	switch a {
	case ActionWarn:
		return 1
	case ActionThrottle:
		return 2
	case ActionPause:
		return 3
	case ActionSuspend:
		return 4
	default:
		return 0
	}
}

// Escalates reports whether moving from prev to a is an escalation.
func (a PolicyAction) Escalates(prev PolicyAction) bool {
	return a.rank() > prev.rank()
}

// RiskFactor configures the weighting of one risk event type.
type RiskFactor struct {
	EventType       string    `json:"eventType"`
	Weight          float64   `json:"weight"`
	MaxContribution float64   `json:"maxContribution"` // cap on weighted points per event, 0 = uncapped
	Severity        string    `json:"severity"`        // info, warning, critical
	IsActive        bool      `json:"isActive"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Band maps a score range [Min, Max) to a risk level. The top band uses
// Max = +Inf so the bands cover [0, infinity) without overlap.
type Band struct {
	Level RiskLevel `json:"level"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
}

// ScoringConfig holds the scoring engine's tunables.
type ScoringConfig struct {
	Bands   []Band                     `json:"bands"`   // sorted by Min ascending
	Actions map[RiskLevel]PolicyAction `json:"actions"` // level -> enforcement

	DecayRatePerDay     float64 `json:"decayRatePerDay"`
	MinDaysWithoutEvent float64 `json:"minDaysWithoutEvent"`

	CooldownDays           int     `json:"cooldownDays"`
	AutoUnlockScore        float64 `json:"autoUnlockScore"`
	ThrottleFraction       float64 `json:"throttleFraction"`
	PermanentCriticalCount int     `json:"permanentCriticalCount"` // critical events in window forcing permanent suspension
	CriticalWindowHours    int     `json:"criticalWindowHours"`
}

// LevelFor derives the risk level for a score from the configured bands.
// Overlapping or gapped bands are a misconfiguration; the most severe
// matching band wins, and a score matching no band maps to critical
// (fail-safe, not fail-open).
func (c *ScoringConfig) LevelFor(score float64) RiskLevel {
	matched := RiskLevel("")
	for _, b := range c.Bands {
		if score >= b.Min && score < b.Max {
			if matched == "" || b.Level.Escalates(matched) {
				matched = b.Level
			}
		}
	}
	if matched == "" {
		return LevelCritical
	}
	return matched
}

// ActionFor maps a risk level to its configured policy action. An
// unconfigured level falls back to suspend (fail-safe).
func (c *ScoringConfig) ActionFor(level RiskLevel) PolicyAction {
	if a, ok := c.Actions[level]; ok {
		return a
	}
	return ActionSuspend
}

// ContextType scopes a rate-limit rule to a kind of identity.
type ContextType string

const (
	ContextUser     ContextType = "user"
	ContextIP       ContextType = "ip"
	ContextEndpoint ContextType = "endpoint"
	ContextAPIKey   ContextType = "api_key"
)

func (c ContextType) IsValid() bool {
	switch c {
	case ContextUser, ContextIP, ContextEndpoint, ContextAPIKey:
		return true
	}
	return false
}

// Algorithm selects the admission algorithm for a rule.
type Algorithm string

const (
	AlgoTokenBucket   Algorithm = "token_bucket"
	AlgoSlidingWindow Algorithm = "sliding_window"
)

// LimitAction is what happens when a rule denies or degrades a request.
type LimitAction string

const (
	LimitBlock    LimitAction = "block"
	LimitThrottle LimitAction = "throttle"
	LimitWarn     LimitAction = "warn"
)

// restrictiveness orders actions for the fail-safe fallback.
func (a LimitAction) restrictiveness() int {
	switch a {
	case LimitBlock:
		return 2
	case LimitThrottle:
		return 1
	default:
		return 0
	}
}

// BalanceStatus optionally scopes a rule to the owner's wallet health.
type BalanceStatus string

const (
	BalanceAny     BalanceStatus = ""
	BalanceHealthy BalanceStatus = "healthy"
	BalanceLow     BalanceStatus = "low"
	BalanceEmpty   BalanceStatus = "empty"
)

// RateLimitRule is one admin-edited rate-limit configuration row.
type RateLimitRule struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	ContextType     ContextType   `json:"contextType"`
	RiskLevel       RiskLevel     `json:"riskLevel,omitempty"`     // "" = any
	BalanceStatus   BalanceStatus `json:"balanceStatus,omitempty"` // "" = any
	EndpointPattern string        `json:"endpointPattern,omitempty"`
	MaxRequests     int           `json:"maxRequests"`
	WindowSeconds   int           `json:"windowSeconds"`
	Algorithm       Algorithm     `json:"algorithm"`
	Action          LimitAction   `json:"action"`
	ThrottleDelayMS int           `json:"throttleDelayMs,omitempty"`
	Priority        int           `json:"priority"`
	IsActive        bool          `json:"isActive"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// RefillRate returns tokens per second for the token-bucket algorithm.
func (r *RateLimitRule) RefillRate() float64 {
	if r.WindowSeconds <= 0 {
		return 0
	}
	return float64(r.MaxRequests) / float64(r.WindowSeconds)
}

// Window returns the rule's window as a duration.
func (r *RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Valid reports whether the rule can actually admit anything.
func (r *RateLimitRule) Valid() bool {
	return r.MaxRequests > 0 && r.WindowSeconds > 0 && r.ContextType.IsValid()
}

// Ruleset is an immutable snapshot of all configuration. Checks hold a
// *Ruleset for their whole evaluation; reloads swap in a new snapshot.
type Ruleset struct {
	Version  int64
	LoadedAt time.Time
	Factors  map[string]RiskFactor
	Scoring  ScoringConfig
	Limits   []RateLimitRule
}

// Factor returns the active factor for an event type.
func (rs *Ruleset) Factor(eventType string) (RiskFactor, bool) {
	f, ok := rs.Factors[eventType]
	if !ok || !f.IsActive {
		return RiskFactor{}, false
	}
	return f, true
}

// WeightedPoints applies a factor's weight to raw points, clamping the
// magnitude to the factor's max contribution. The sign of points is
// preserved so goodwill events can lower a score.
func (f RiskFactor) WeightedPoints(points float64) float64 {
	w := points * f.Weight
	if f.MaxContribution > 0 && math.Abs(w) > f.MaxContribution {
		if w < 0 {
			return -f.MaxContribution
		}
		return f.MaxContribution
	}
	return w
}

// DefaultScoringConfig returns the built-in scoring configuration used
// when the backing store has no override rows.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Bands: []Band{
			{Level: LevelNone, Min: 0, Max: 20},
			{Level: LevelLow, Min: 20, Max: 40},
			{Level: LevelMedium, Min: 40, Max: 60},
			{Level: LevelHigh, Min: 60, Max: 80},
			{Level: LevelCritical, Min: 80, Max: math.Inf(1)},
		},
		Actions: map[RiskLevel]PolicyAction{
			LevelNone:     ActionNone,
			LevelLow:      ActionWarn,
			LevelMedium:   ActionThrottle,
			LevelHigh:     ActionPause,
			LevelCritical: ActionSuspend,
		},
		DecayRatePerDay:        2.0,
		MinDaysWithoutEvent:    3.0,
		CooldownDays:           7,
		AutoUnlockScore:        40.0,
		ThrottleFraction:       0.5,
		PermanentCriticalCount: 3,
		CriticalWindowHours:    72,
	}
}

// DefaultFactors returns the built-in risk factor set.
func DefaultFactors() []RiskFactor {
	now := time.Now()
	return []RiskFactor{
		{EventType: "spam_report", Weight: 1.0, MaxContribution: 25, Severity: "warning", IsActive: true, UpdatedAt: now},
		{EventType: "block_report", Weight: 1.5, MaxContribution: 30, Severity: "warning", IsActive: true, UpdatedAt: now},
		{EventType: "provider_ban", Weight: 2.0, MaxContribution: 80, Severity: "critical", IsActive: true, UpdatedAt: now},
		{EventType: "bounce_spike", Weight: 0.8, MaxContribution: 20, Severity: "warning", IsActive: true, UpdatedAt: now},
		{EventType: "content_violation", Weight: 1.2, MaxContribution: 40, Severity: "critical", IsActive: true, UpdatedAt: now},
		{EventType: "manual_override", Weight: 0, MaxContribution: 0, Severity: "info", IsActive: true, UpdatedAt: now},
		{EventType: "goodwill", Weight: 1.0, MaxContribution: 15, Severity: "info", IsActive: true, UpdatedAt: now},
	}
}
