package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/yudhap/blastgate/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) LoadFactors(ctx context.Context) ([]RiskFactor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_type, weight, max_contribution, severity, is_active, updated_at
		FROM risk_factors
	`)
	if err != nil {
		return nil, fmt.Errorf("load risk factors: %w", err)
	}
	defer rows.Close()

	var out []RiskFactor
	for rows.Next() {
		var f RiskFactor
		if err := rows.Scan(&f.EventType, &f.Weight, &f.MaxContribution, &f.Severity, &f.IsActive, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LoadScoring(ctx context.Context) (ScoringConfig, error) {
	var bandsJSON, actionsJSON []byte
	cfg := ScoringConfig{}

	err := p.db.QueryRowContext(ctx, `
		SELECT bands, actions, decay_rate_per_day, min_days_without_event,
		       cooldown_days, auto_unlock_score, throttle_fraction,
		       permanent_critical_count, critical_window_hours
		FROM scoring_config WHERE id = 1
	`).Scan(&bandsJSON, &actionsJSON, &cfg.DecayRatePerDay, &cfg.MinDaysWithoutEvent,
		&cfg.CooldownDays, &cfg.AutoUnlockScore, &cfg.ThrottleFraction,
		&cfg.PermanentCriticalCount, &cfg.CriticalWindowHours)

	if err == sql.ErrNoRows {
		return DefaultScoringConfig(), nil
	}
	if err != nil {
		return cfg, fmt.Errorf("load scoring config: %w", err)
	}

	if err := json.Unmarshal(bandsJSON, &cfg.Bands); err != nil {
		return cfg, fmt.Errorf("decode score bands: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &cfg.Actions); err != nil {
		return cfg, fmt.Errorf("decode policy actions: %w", err)
	}
	// JSON cannot carry +Inf; the top band is stored with max = -1.
	for i := range cfg.Bands {
		if cfg.Bands[i].Max < 0 {
			cfg.Bands[i].Max = math.Inf(1)
		}
	}
	return cfg, nil
}

func (p *PostgresStore) LoadLimits(ctx context.Context) ([]RateLimitRule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, context_type, risk_level, balance_status, endpoint_pattern,
		       max_requests, window_seconds, algorithm, action, throttle_delay_ms,
		       priority, is_active, updated_at
		FROM rate_limit_rules
	`)
	if err != nil {
		return nil, fmt.Errorf("load rate limit rules: %w", err)
	}
	defer rows.Close()

	var out []RateLimitRule
	for rows.Next() {
		var r RateLimitRule
		if err := rows.Scan(&r.ID, &r.Name, &r.ContextType, &r.RiskLevel, &r.BalanceStatus,
			&r.EndpointPattern, &r.MaxRequests, &r.WindowSeconds, &r.Algorithm, &r.Action,
			&r.ThrottleDelayMS, &r.Priority, &r.IsActive, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertFactor(ctx context.Context, f *RiskFactor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_factors (event_type, weight, max_contribution, severity, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (event_type) DO UPDATE SET
			weight           = EXCLUDED.weight,
			max_contribution = EXCLUDED.max_contribution,
			severity         = EXCLUDED.severity,
			is_active        = EXCLUDED.is_active,
			updated_at       = NOW()
	`, f.EventType, f.Weight, f.MaxContribution, f.Severity, f.IsActive)
	return err
}

func (p *PostgresStore) UpsertLimit(ctx context.Context, r *RateLimitRule) error {
	if r.ID == "" {
		r.ID = idgen.WithPrefix("rule_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_limit_rules
			(id, name, context_type, risk_level, balance_status, endpoint_pattern,
			 max_requests, window_seconds, algorithm, action, throttle_delay_ms,
			 priority, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name              = EXCLUDED.name,
			context_type      = EXCLUDED.context_type,
			risk_level        = EXCLUDED.risk_level,
			balance_status    = EXCLUDED.balance_status,
			endpoint_pattern  = EXCLUDED.endpoint_pattern,
			max_requests      = EXCLUDED.max_requests,
			window_seconds    = EXCLUDED.window_seconds,
			algorithm         = EXCLUDED.algorithm,
			action            = EXCLUDED.action,
			throttle_delay_ms = EXCLUDED.throttle_delay_ms,
			priority          = EXCLUDED.priority,
			is_active         = EXCLUDED.is_active,
			updated_at        = NOW()
	`, r.ID, r.Name, r.ContextType, r.RiskLevel, r.BalanceStatus, r.EndpointPattern,
		r.MaxRequests, r.WindowSeconds, r.Algorithm, r.Action, r.ThrottleDelayMS,
		r.Priority, r.IsActive)
	return err
}

func (p *PostgresStore) SetLimitActive(ctx context.Context, id string, active bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rate_limit_rules SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) SaveScoring(ctx context.Context, cfg ScoringConfig) error {
	// Encode +Inf as -1 for JSON storage.
	bands := append([]Band(nil), cfg.Bands...)
	for i := range bands {
		if math.IsInf(bands[i].Max, 1) {
			bands[i].Max = -1
		}
	}
	bandsJSON, err := json.Marshal(bands)
	if err != nil {
		return err
	}
	actionsJSON, err := json.Marshal(cfg.Actions)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO scoring_config
			(id, bands, actions, decay_rate_per_day, min_days_without_event,
			 cooldown_days, auto_unlock_score, throttle_fraction,
			 permanent_critical_count, critical_window_hours, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			bands                    = EXCLUDED.bands,
			actions                  = EXCLUDED.actions,
			decay_rate_per_day       = EXCLUDED.decay_rate_per_day,
			min_days_without_event   = EXCLUDED.min_days_without_event,
			cooldown_days            = EXCLUDED.cooldown_days,
			auto_unlock_score        = EXCLUDED.auto_unlock_score,
			throttle_fraction        = EXCLUDED.throttle_fraction,
			permanent_critical_count = EXCLUDED.permanent_critical_count,
			critical_window_hours    = EXCLUDED.critical_window_hours,
			updated_at               = NOW()
	`, bandsJSON, actionsJSON, cfg.DecayRatePerDay, cfg.MinDaysWithoutEvent,
		cfg.CooldownDays, cfg.AutoUnlockScore, cfg.ThrottleFraction,
		cfg.PermanentCriticalCount, cfg.CriticalWindowHours)
	return err
}
