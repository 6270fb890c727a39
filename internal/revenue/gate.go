package revenue

import (
	"context"
	"errors"
	"time"

	"github.com/yudhap/blastgate/internal/ledger"
	"github.com/yudhap/blastgate/internal/metrics"
	"github.com/yudhap/blastgate/internal/money"
	"github.com/yudhap/blastgate/internal/ratelimit"
	"github.com/yudhap/blastgate/internal/rules"
	"github.com/yudhap/blastgate/internal/scoring"
)

// AdmissionRequest describes one blast asking to be sent
type AdmissionRequest struct {
	OwnerID      string
	EntityType   scoring.EntityType
	EntityID     string
	Endpoint     string
	MessageCount int
	Category     string
}

// Decision is the combined verdict of all three gates
type Decision struct {
	Allowed            bool              `json:"allowed"`
	Reason             string            `json:"reason,omitempty"` // suspended, rate_limited, insufficient_balance
	ThrottleMultiplier float64           `json:"throttleMultiplier"`
	ThrottleDelay      time.Duration     `json:"throttleDelay,omitempty"`
	RateLimit          *ratelimit.Result `json:"rateLimit,omitempty"`
	UnitCost           string            `json:"unitCost,omitempty"`
	EstimatedCost      string            `json:"estimatedCost,omitempty"`
	Balance            string            `json:"balance,omitempty"`
}

// Gate runs the full admission sequence: risk, rate, money. It decides
// whether a send may proceed; it moves no money itself.
type Gate struct {
	scoring *scoring.Engine
	limiter *ratelimit.Limiter
	guard   *Guard
}

// NewGate creates an admission gate over the three subsystems
func NewGate(scoringEngine *scoring.Engine, limiter *ratelimit.Limiter, guard *Guard) *Gate {
	return &Gate{scoring: scoringEngine, limiter: limiter, guard: guard}
}

// Admit checks all three gates in order. The first closed gate decides the
// outcome; later gates are not consulted so a suspended sender doesn't
// consume rate budget.
func (g *Gate) Admit(ctx context.Context, req AdmissionRequest) (*Decision, error) {
	canSend, err := g.scoring.CanSend(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if !canSend {
		metrics.AdmissionDecisionsTotal.WithLabelValues("risk", "denied").Inc()
		return &Decision{Allowed: false, Reason: "suspended"}, nil
	}
	multiplier, err := g.scoring.ThrottleMultiplier(ctx, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if multiplier == 0 {
		metrics.AdmissionDecisionsTotal.WithLabelValues("risk", "denied").Inc()
		return &Decision{Allowed: false, Reason: "suspended"}, nil
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues("risk", "allowed").Inc()

	riskLevel, balanceStatus := g.context(ctx, req)
	result, err := g.limiter.Check(ctx, ratelimit.Request{
		ContextType:   rules.ContextUser,
		Identity:      req.OwnerID,
		Endpoint:      req.Endpoint,
		RiskLevel:     riskLevel,
		BalanceStatus: balanceStatus,
		N:             1,
	})
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		metrics.AdmissionDecisionsTotal.WithLabelValues("rate", "denied").Inc()
		return &Decision{
			Allowed:            false,
			Reason:             "rate_limited",
			ThrottleMultiplier: multiplier,
			RateLimit:          result,
		}, nil
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues("rate", "allowed").Inc()

	unitCost, totalCost, err := g.guard.EstimateCost(req.MessageCount, req.Category)
	if err != nil {
		return nil, err
	}
	// An owner without a wallet has never topped up; that is an empty
	// balance, not an internal error.
	available := "0.00"
	covered, err := g.guard.wallet.CanCover(ctx, req.OwnerID, totalCost)
	if err != nil && !errors.Is(err, ledger.ErrOwnerNotFound) {
		return nil, err
	}
	if err == nil {
		bal, balErr := g.guard.wallet.GetBalance(ctx, req.OwnerID)
		if balErr != nil && !errors.Is(balErr, ledger.ErrOwnerNotFound) {
			return nil, balErr
		}
		if balErr == nil {
			available = bal.Available
		}
	}
	if !covered {
		metrics.AdmissionDecisionsTotal.WithLabelValues("revenue", "denied").Inc()
		return &Decision{
			Allowed:            false,
			Reason:             "insufficient_balance",
			ThrottleMultiplier: multiplier,
			RateLimit:          result,
			UnitCost:           unitCost,
			EstimatedCost:      totalCost,
			Balance:            available,
		}, nil
	}
	metrics.AdmissionDecisionsTotal.WithLabelValues("revenue", "allowed").Inc()

	return &Decision{
		Allowed:            true,
		ThrottleMultiplier: multiplier,
		ThrottleDelay:      result.ThrottleDelay,
		RateLimit:          result,
		UnitCost:           unitCost,
		EstimatedCost:      totalCost,
		Balance:            available,
	}, nil
}

// context derives the optional rule-matching context for the rate check
func (g *Gate) context(ctx context.Context, req AdmissionRequest) (rules.RiskLevel, rules.BalanceStatus) {
	riskLevel := rules.RiskLevel("")
	if summary, err := g.scoring.GetSummary(ctx, req.EntityType, req.EntityID); err == nil {
		riskLevel = summary.Score.Level
	}

	balanceStatus := rules.BalanceAny
	if bal, err := g.guard.wallet.GetBalance(ctx, req.OwnerID); err == nil {
		balanceStatus = classifyBalance(bal)
	}
	return riskLevel, balanceStatus
}

func classifyBalance(bal *ledger.Balance) rules.BalanceStatus {
	available, ok := money.Parse(bal.Available)
	if !ok {
		return rules.BalanceAny
	}
	if available.Sign() == 0 {
		return rules.BalanceEmpty
	}
	// Low means under 10000.00 rupiah, roughly one small blast.
	low, _ := money.Parse("10000.00")
	if available.Cmp(low) < 0 {
		return rules.BalanceLow
	}
	return rules.BalanceHealthy
}
