package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is a PostgreSQL implementation of Store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL scoring store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the scoring tables if they don't exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_scores (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (score >= 0),
			level TEXT NOT NULL DEFAULT 'none',
			policy_action TEXT NOT NULL DEFAULT 'none',
			is_suspended BOOLEAN NOT NULL DEFAULT FALSE,
			suspension_type TEXT NOT NULL DEFAULT 'none',
			suspended_at TIMESTAMPTZ,
			cooldown_days INT NOT NULL DEFAULT 0,
			override TEXT NOT NULL DEFAULT '',
			last_event_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version BIGINT NOT NULL DEFAULT 1,
			PRIMARY KEY (entity_type, entity_id)
		);
		CREATE TABLE IF NOT EXISTS risk_events (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			points DOUBLE PRECISION NOT NULL DEFAULT 0,
			weighted_points DOUBLE PRECISION NOT NULL DEFAULT 0,
			severity TEXT NOT NULL DEFAULT '',
			evidence JSONB,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_risk_events_entity ON risk_events(entity_type, entity_id, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_risk_scores_suspended ON risk_scores(is_suspended) WHERE is_suspended;
	`)
	if err != nil {
		return fmt.Errorf("migrate scoring schema: %w", err)
	}
	return nil
}

const scoreColumns = `entity_type, entity_id, owner_id, score, level, policy_action,
	is_suspended, suspension_type, suspended_at, cooldown_days, override,
	last_event_at, updated_at, version`

func (s *PostgresStore) Get(ctx context.Context, entityType EntityType, entityID string) (*RiskScore, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scoreColumns+` FROM risk_scores
		WHERE entity_type = $1 AND entity_id = $2`, entityType, entityID)
	rs, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScoreNotFound
	}
	return rs, err
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, entityType EntityType, entityID, ownerID string) (*RiskScore, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO risk_scores (entity_type, entity_id, owner_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET entity_type = risk_scores.entity_type
		RETURNING `+scoreColumns, entityType, entityID, ownerID)
	return scanScore(row)
}

func (s *PostgresStore) Update(ctx context.Context, score *RiskScore) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_scores SET
			score = $3, level = $4, policy_action = $5,
			is_suspended = $6, suspension_type = $7, suspended_at = $8,
			cooldown_days = $9, override = $10, last_event_at = $11,
			updated_at = $12, version = version + 1
		WHERE entity_type = $1 AND entity_id = $2 AND version = $13`,
		score.EntityType, score.EntityID,
		score.Score, score.Level, score.PolicyAction,
		score.IsSuspended, score.SuspensionType, score.SuspendedAt,
		score.CooldownDays, string(score.Override), nullTime(score.LastEventAt),
		score.UpdatedAt, score.Version)
	if err != nil {
		return fmt.Errorf("update risk score: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	score.Version++
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *RiskEvent) error {
	evidence, err := json.Marshal(event.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, entity_type, entity_id, owner_id, event_type,
			points, weighted_points, severity, evidence, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.EntityType, event.EntityID, event.OwnerID, event.EventType,
		event.Points, event.WeightedPoints, event.Severity, evidence, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert risk event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, entityType EntityType, entityID string, limit int) ([]*RiskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, owner_id, event_type,
			points, weighted_points, severity, evidence, occurred_at
		FROM risk_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at DESC
		LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) GetAllEvents(ctx context.Context, entityType EntityType, entityID string) ([]*RiskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, owner_id, event_type,
			points, weighted_points, severity, evidence, occurred_at
		FROM risk_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at ASC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query risk events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) CountEventsSince(ctx context.Context, entityType EntityType, entityID, severity string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM risk_events
		WHERE entity_type = $1 AND entity_id = $2 AND severity = $3 AND occurred_at >= $4`,
		entityType, entityID, severity, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count risk events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListSuspended(ctx context.Context) ([]*RiskScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scoreColumns+` FROM risk_scores WHERE is_suspended`)
	if err != nil {
		return nil, fmt.Errorf("query suspended scores: %w", err)
	}
	defer rows.Close()

	var result []*RiskScore
	for rows.Next() {
		rs, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rs)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (*RiskScore, error) {
	var rs RiskScore
	var suspendedAt, lastEventAt sql.NullTime
	var override string
	err := row.Scan(&rs.EntityType, &rs.EntityID, &rs.OwnerID, &rs.Score,
		&rs.Level, &rs.PolicyAction, &rs.IsSuspended, &rs.SuspensionType,
		&suspendedAt, &rs.CooldownDays, &override, &lastEventAt,
		&rs.UpdatedAt, &rs.Version)
	if err != nil {
		return nil, err
	}
	if suspendedAt.Valid {
		rs.SuspendedAt = &suspendedAt.Time
	}
	if lastEventAt.Valid {
		rs.LastEventAt = lastEventAt.Time
	}
	rs.Override = Override(override)
	return &rs, nil
}

func scanEvents(rows *sql.Rows) ([]*RiskEvent, error) {
	var events []*RiskEvent
	for rows.Next() {
		var ev RiskEvent
		var evidence []byte
		err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.OwnerID,
			&ev.EventType, &ev.Points, &ev.WeightedPoints, &ev.Severity,
			&evidence, &ev.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &ev.Evidence); err != nil {
				return nil, fmt.Errorf("unmarshal evidence: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
