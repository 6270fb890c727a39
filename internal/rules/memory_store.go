package rules

import (
	"context"
	"sync"
	"time"

	"github.com/yudhap/blastgate/internal/idgen"
)

// MemoryStore is an in-memory rule store for demo/development mode,
// seeded with the built-in defaults.
type MemoryStore struct {
	mu      sync.RWMutex
	factors map[string]RiskFactor
	limits  map[string]RateLimitRule
	scoring ScoringConfig
}

// NewMemoryStore creates a memory rule store seeded with defaults.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		factors: make(map[string]RiskFactor),
		limits:  make(map[string]RateLimitRule),
		scoring: DefaultScoringConfig(),
	}
	for _, f := range DefaultFactors() {
		s.factors[f.EventType] = f
	}
	return s
}

func (s *MemoryStore) LoadFactors(ctx context.Context) ([]RiskFactor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RiskFactor, 0, len(s.factors))
	for _, f := range s.factors {
		out = append(out, f)
	}
	return out, nil
}

func (s *MemoryStore) LoadScoring(ctx context.Context) (ScoringConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.scoring
	cfg.Bands = append([]Band(nil), s.scoring.Bands...)
	cfg.Actions = make(map[RiskLevel]PolicyAction, len(s.scoring.Actions))
	for k, v := range s.scoring.Actions {
		cfg.Actions[k] = v
	}
	return cfg, nil
}

func (s *MemoryStore) LoadLimits(ctx context.Context) ([]RateLimitRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RateLimitRule, 0, len(s.limits))
	for _, r := range s.limits {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) UpsertFactor(ctx context.Context, f *RiskFactor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *f
	cp.UpdatedAt = time.Now()
	s.factors[cp.EventType] = cp
	return nil
}

func (s *MemoryStore) UpsertLimit(ctx context.Context, r *RateLimitRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("rule_")
	}
	cp.UpdatedAt = time.Now()
	s.limits[cp.ID] = cp
	r.ID = cp.ID
	return nil
}

func (s *MemoryStore) SetLimitActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.limits[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.IsActive = active
	r.UpdatedAt = time.Now()
	s.limits[id] = r
	return nil
}

func (s *MemoryStore) SaveScoring(ctx context.Context, cfg ScoringConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scoring = cfg
	return nil
}
