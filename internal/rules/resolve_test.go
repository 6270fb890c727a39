package rules

import (
	"testing"
	"time"
)

func ruleset(limits ...RateLimitRule) *Ruleset {
	return &Ruleset{
		Version: 1,
		Factors: map[string]RiskFactor{},
		Scoring: DefaultScoringConfig(),
		Limits:  limits,
	}
}

func TestResolveNoRuleDefaultAllow(t *testing.T) {
	rs := ruleset()
	if _, ok := rs.Resolve(Query{ContextType: ContextUser}); ok {
		t.Fatal("empty ruleset should resolve to no rule")
	}
}

func TestResolveHighestPriorityWins(t *testing.T) {
	rs := ruleset(
		RateLimitRule{ID: "a", ContextType: ContextUser, MaxRequests: 10, WindowSeconds: 60, Priority: 1, IsActive: true, Action: LimitWarn},
		RateLimitRule{ID: "b", ContextType: ContextUser, MaxRequests: 5, WindowSeconds: 60, Priority: 9, IsActive: true, Action: LimitBlock},
	)
	r, ok := rs.Resolve(Query{ContextType: ContextUser})
	if !ok || r.ID != "b" {
		t.Fatalf("expected rule b, got %+v", r)
	}
}

func TestResolveIgnoresInactiveAndOtherContexts(t *testing.T) {
	rs := ruleset(
		RateLimitRule{ID: "inactive", ContextType: ContextUser, MaxRequests: 5, WindowSeconds: 60, Priority: 9, IsActive: false},
		RateLimitRule{ID: "ip", ContextType: ContextIP, MaxRequests: 5, WindowSeconds: 60, Priority: 9, IsActive: true},
		RateLimitRule{ID: "user", ContextType: ContextUser, MaxRequests: 5, WindowSeconds: 60, Priority: 1, IsActive: true},
	)
	r, ok := rs.Resolve(Query{ContextType: ContextUser})
	if !ok || r.ID != "user" {
		t.Fatalf("expected rule user, got %+v", r)
	}
}

func TestResolveSpecificityTieBreak(t *testing.T) {
	rs := ruleset(
		RateLimitRule{ID: "broad", ContextType: ContextUser, MaxRequests: 100, WindowSeconds: 60, Priority: 5, IsActive: true},
		RateLimitRule{ID: "narrow", ContextType: ContextUser, RiskLevel: LevelHigh, MaxRequests: 10, WindowSeconds: 60, Priority: 5, IsActive: true},
		RateLimitRule{ID: "narrowest", ContextType: ContextUser, RiskLevel: LevelHigh, EndpointPattern: "/v1/blast/*", MaxRequests: 5, WindowSeconds: 60, Priority: 5, IsActive: true},
	)

	r, ok := rs.Resolve(Query{ContextType: ContextUser, RiskLevel: LevelHigh, Endpoint: "/v1/blast/send"})
	if !ok || r.ID != "narrowest" {
		t.Fatalf("expected narrowest rule, got %+v", r)
	}

	// Without an endpoint the risk-qualified rule should win over the broad one.
	r, ok = rs.Resolve(Query{ContextType: ContextUser, RiskLevel: LevelHigh})
	if !ok || r.ID != "narrow" {
		t.Fatalf("expected narrow rule, got %+v", r)
	}
}

func TestResolveUpdatedAtTieBreak(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	rs := ruleset(
		RateLimitRule{ID: "old", ContextType: ContextUser, MaxRequests: 10, WindowSeconds: 60, Priority: 5, IsActive: true, UpdatedAt: older},
		RateLimitRule{ID: "new", ContextType: ContextUser, MaxRequests: 10, WindowSeconds: 60, Priority: 5, IsActive: true, UpdatedAt: newer},
	)
	r, ok := rs.Resolve(Query{ContextType: ContextUser})
	if !ok || r.ID != "new" {
		t.Fatalf("expected newest rule, got %+v", r)
	}
}

func TestResolveBrokenRuleFallsBackToMostRestrictive(t *testing.T) {
	rs := ruleset(
		RateLimitRule{ID: "broken", ContextType: ContextUser, MaxRequests: 0, WindowSeconds: 0, Priority: 9, IsActive: true, Action: LimitWarn},
		RateLimitRule{ID: "strict", ContextType: ContextUser, MaxRequests: 2, WindowSeconds: 60, Priority: 1, IsActive: true, Action: LimitBlock},
		RateLimitRule{ID: "loose", ContextType: ContextUser, MaxRequests: 100, WindowSeconds: 60, Priority: 1, IsActive: true, Action: LimitWarn},
	)
	r, ok := rs.Resolve(Query{ContextType: ContextUser})
	if !ok || r.ID != "strict" {
		t.Fatalf("expected strict fallback, got %+v", r)
	}
}

func TestResolveAllBrokenFailsClosed(t *testing.T) {
	rs := ruleset(
		RateLimitRule{ID: "broken", ContextType: ContextUser, MaxRequests: 0, WindowSeconds: 0, Priority: 9, IsActive: true},
	)
	r, ok := rs.Resolve(Query{ContextType: ContextUser})
	if !ok {
		t.Fatal("expected a fail-safe rule")
	}
	if r.Action != LimitBlock || r.MaxRequests != 0 {
		t.Fatalf("fail-safe rule should deny everything, got %+v", r)
	}
}

func TestLevelForBands(t *testing.T) {
	cfg := DefaultScoringConfig()
	tests := []struct {
		score float64
		want  RiskLevel
	}{
		{0, LevelNone},
		{19.9, LevelNone},
		{20, LevelLow},
		{45, LevelMedium},
		{60, LevelHigh},
		{80, LevelCritical},
		{1000, LevelCritical},
	}
	for _, tt := range tests {
		if got := cfg.LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestLevelForGapFailsToCritical(t *testing.T) {
	cfg := ScoringConfig{Bands: []Band{{Level: LevelNone, Min: 0, Max: 10}}}
	if got := cfg.LevelFor(50); got != LevelCritical {
		t.Errorf("score outside all bands should map to critical, got %s", got)
	}
}

func TestWeightedPointsClamp(t *testing.T) {
	f := RiskFactor{EventType: "spam_report", Weight: 2.0, MaxContribution: 25}
	if got := f.WeightedPoints(10); got != 20 {
		t.Errorf("expected 20, got %f", got)
	}
	if got := f.WeightedPoints(100); got != 25 {
		t.Errorf("expected clamp to 25, got %f", got)
	}
	if got := f.WeightedPoints(-100); got != -25 {
		t.Errorf("negative points should clamp symmetrically, got %f", got)
	}
}
