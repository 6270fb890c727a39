package revenue

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/yudhap/blastgate/internal/ledger"
	"github.com/yudhap/blastgate/internal/ratelimit"
	"github.com/yudhap/blastgate/internal/rules"
	"github.com/yudhap/blastgate/internal/scoring"
)

func newTestGate(t *testing.T, limits ...rules.RateLimitRule) (*Gate, *scoring.Engine, *ledger.Wallet) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ruleStore := rules.NewMemoryStore()
	for i := range limits {
		if err := ruleStore.UpsertLimit(context.Background(), &limits[i]); err != nil {
			t.Fatalf("upsert limit: %v", err)
		}
	}
	manager, err := rules.NewManager(context.Background(), ruleStore, logger)
	if err != nil {
		t.Fatalf("rule manager: %v", err)
	}

	engine := scoring.NewEngine(scoring.NewMemoryStore(), manager, logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), manager, logger)
	wallet := ledger.New(ledger.NewMemoryStore(), ledger.NewEventMemoryStore(), logger)
	guard := NewGuard(NewMemoryStore(wallet), wallet, Rates{"marketing": "100.00"}, logger)
	return NewGate(engine, limiter, guard), engine, wallet
}

func admitReq(owner string) AdmissionRequest {
	return AdmissionRequest{
		OwnerID:      owner,
		EntityType:   scoring.EntityUser,
		EntityID:     owner,
		Endpoint:     "/v1/blast/send",
		MessageCount: 100,
		Category:     "marketing",
	}
}

func TestAdmitAllGatesOpen(t *testing.T) {
	gate, _, wallet := newTestGate(t)
	topup(t, wallet, "owner-1", "100000.00")

	decision, err := gate.Admit(context.Background(), admitReq("owner-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allowed", decision)
	}
	if decision.EstimatedCost != "10000.00" {
		t.Errorf("estimated cost = %s, want 10000.00", decision.EstimatedCost)
	}
	if decision.ThrottleMultiplier != 1.0 {
		t.Errorf("throttle multiplier = %v, want 1.0", decision.ThrottleMultiplier)
	}
}

func TestAdmitDeniesBlacklisted(t *testing.T) {
	gate, engine, wallet := newTestGate(t)
	topup(t, wallet, "owner-1", "100000.00")
	if _, err := engine.Blacklist(context.Background(), scoring.EntityUser, "owner-1", "owner-1", "fraud"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	decision, err := gate.Admit(context.Background(), admitReq("owner-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != "suspended" {
		t.Errorf("decision = %+v, want denied with reason suspended", decision)
	}
}

func TestAdmitDeniesOverRateBudget(t *testing.T) {
	gate, _, wallet := newTestGate(t, rules.RateLimitRule{
		ID:            "tiny",
		ContextType:   rules.ContextUser,
		Algorithm:     rules.AlgoTokenBucket,
		MaxRequests:   2,
		WindowSeconds: 60,
		Action:        rules.LimitBlock,
		Priority:      5,
		IsActive:      true,
	})
	topup(t, wallet, "owner-1", "100000.00")

	for i := 0; i < 2; i++ {
		decision, err := gate.Admit(context.Background(), admitReq("owner-1"))
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("admit %d denied early: %+v", i, decision)
		}
	}

	decision, err := gate.Admit(context.Background(), admitReq("owner-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != "rate_limited" {
		t.Errorf("decision = %+v, want denied with reason rate_limited", decision)
	}
	if decision.RateLimit == nil || decision.RateLimit.RetryAfter <= 0 {
		t.Error("denied decision missing retry-after hint")
	}
}

func TestAdmitDeniesInsufficientBalance(t *testing.T) {
	gate, _, wallet := newTestGate(t)
	topup(t, wallet, "owner-1", "5000.00")

	decision, err := gate.Admit(context.Background(), admitReq("owner-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != "insufficient_balance" {
		t.Errorf("decision = %+v, want denied with reason insufficient_balance", decision)
	}
	if decision.Balance != "5000.00" {
		t.Errorf("balance = %s, want 5000.00", decision.Balance)
	}
}

func TestAdmitUnknownOwnerIsEmptyBalance(t *testing.T) {
	gate, _, _ := newTestGate(t)

	decision, err := gate.Admit(context.Background(), admitReq("ghost"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != "insufficient_balance" {
		t.Errorf("decision = %+v, want denied with reason insufficient_balance", decision)
	}
}

func TestAdmitSuspendedSkipsLaterGates(t *testing.T) {
	gate, engine, wallet := newTestGate(t, rules.RateLimitRule{
		ID:            "one-shot",
		ContextType:   rules.ContextUser,
		Algorithm:     rules.AlgoTokenBucket,
		MaxRequests:   1,
		WindowSeconds: 3600,
		Action:        rules.LimitBlock,
		Priority:      5,
		IsActive:      true,
	})
	topup(t, wallet, "owner-1", "100000.00")
	if _, err := engine.Suspend(context.Background(), scoring.EntityUser, "owner-1", "owner-1", scoring.SuspensionPermanent, 0, "abuse"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	decision, err := gate.Admit(context.Background(), admitReq("owner-1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision.Allowed || decision.Reason != "suspended" {
		t.Fatalf("decision = %+v, want denied with reason suspended", decision)
	}

	// The rate budget must be untouched: the risk gate closed first.
	if _, err := engine.Reset(context.Background(), scoring.EntityUser, "owner-1", "owner-1", "appeal accepted"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	decision, err = gate.Admit(context.Background(), admitReq("owner-1"))
	if err != nil {
		t.Fatalf("admit after reset: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("decision = %+v, want allowed (budget unspent)", decision)
	}
}
