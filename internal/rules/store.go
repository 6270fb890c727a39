package rules

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yudhap/blastgate/internal/metrics"
)

// Store is the backing persistence for rule configuration.
type Store interface {
	LoadFactors(ctx context.Context) ([]RiskFactor, error)
	LoadScoring(ctx context.Context) (ScoringConfig, error)
	LoadLimits(ctx context.Context) ([]RateLimitRule, error)

	UpsertFactor(ctx context.Context, f *RiskFactor) error
	UpsertLimit(ctx context.Context, r *RateLimitRule) error
	SetLimitActive(ctx context.Context, id string, active bool) error
	SaveScoring(ctx context.Context, cfg ScoringConfig) error
}

// Manager holds the live Ruleset snapshot and reloads it from the store.
// Reload replaces the whole snapshot atomically; in-flight checks keep the
// snapshot they started with.
type Manager struct {
	store   Store
	logger  *slog.Logger
	current atomic.Pointer[Ruleset]
	version atomic.Int64
}

// NewManager creates a rule manager and performs the initial load.
func NewManager(ctx context.Context, store Store, logger *slog.Logger) (*Manager, error) {
	m := &Manager{store: store, logger: logger}
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot returns the current immutable ruleset.
func (m *Manager) Snapshot() *Ruleset {
	return m.current.Load()
}

// Reload re-reads all configuration from the store and swaps the snapshot.
// Called at startup and whenever an admin edits rules.
func (m *Manager) Reload(ctx context.Context) error {
	factors, err := m.store.LoadFactors(ctx)
	if err != nil {
		return err
	}
	scoring, err := m.store.LoadScoring(ctx)
	if err != nil {
		return err
	}
	limits, err := m.store.LoadLimits(ctx)
	if err != nil {
		return err
	}

	factorMap := make(map[string]RiskFactor, len(factors))
	for _, f := range factors {
		factorMap[f.EventType] = f
	}

	rs := &Ruleset{
		Version:  m.version.Add(1),
		LoadedAt: time.Now(),
		Factors:  factorMap,
		Scoring:  scoring,
		Limits:   limits,
	}
	m.current.Store(rs)
	metrics.RulesetVersion.Set(float64(rs.Version))
	m.logger.Info("ruleset loaded",
		"version", rs.Version,
		"factors", len(factorMap),
		"limits", len(limits))
	return nil
}
