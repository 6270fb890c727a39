package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a PostgreSQL implementation of Store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL bucket store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bucket table if it doesn't exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_buckets (
			bucket_key TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL DEFAULT '',
			algorithm TEXT NOT NULL DEFAULT 'token_bucket',
			tokens DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_tokens DOUBLE PRECISION NOT NULL DEFAULT 0,
			refill_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_refill_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			window_entries TIMESTAMPTZ[] NOT NULL DEFAULT '{}',
			is_limited BOOLEAN NOT NULL DEFAULT FALSE,
			limited_until TIMESTAMPTZ,
			limit_reason TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate ratelimit schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Bucket, error) {
	var b Bucket
	var window []time.Time
	var limitedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT bucket_key, rule_id, algorithm, tokens, max_tokens, refill_rate,
			last_refill_at, window_entries, is_limited, limited_until, limit_reason, updated_at
		FROM rate_limit_buckets WHERE bucket_key = $1`, key).
		Scan(&b.Key, &b.RuleID, &b.Algorithm, &b.Tokens, &b.MaxTokens, &b.RefillRate,
			&b.LastRefillAt, pq.Array(&window), &b.IsLimited, &limitedUntil, &b.LimitReason, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBucketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query bucket: %w", err)
	}
	b.Window = window
	if limitedUntil.Valid {
		b.LimitedUntil = &limitedUntil.Time
	}
	return &b, nil
}

func (s *PostgresStore) Save(ctx context.Context, bucket *Bucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (bucket_key, rule_id, algorithm, tokens, max_tokens,
			refill_rate, last_refill_at, window_entries, is_limited, limited_until, limit_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (bucket_key) DO UPDATE SET
			rule_id = EXCLUDED.rule_id,
			algorithm = EXCLUDED.algorithm,
			tokens = EXCLUDED.tokens,
			max_tokens = EXCLUDED.max_tokens,
			refill_rate = EXCLUDED.refill_rate,
			last_refill_at = EXCLUDED.last_refill_at,
			window_entries = EXCLUDED.window_entries,
			is_limited = EXCLUDED.is_limited,
			limited_until = EXCLUDED.limited_until,
			limit_reason = EXCLUDED.limit_reason,
			updated_at = EXCLUDED.updated_at`,
		bucket.Key, bucket.RuleID, bucket.Algorithm, bucket.Tokens, bucket.MaxTokens,
		bucket.RefillRate, bucket.LastRefillAt, pq.Array(bucket.Window),
		bucket.IsLimited, bucket.LimitedUntil, bucket.LimitReason, bucket.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save bucket: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_buckets WHERE bucket_key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Bucket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_key, rule_id, algorithm, tokens, max_tokens, refill_rate,
			last_refill_at, window_entries, is_limited, limited_until, limit_reason, updated_at
		FROM rate_limit_buckets
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var result []*Bucket
	for rows.Next() {
		var b Bucket
		var window []time.Time
		var limitedUntil sql.NullTime
		err := rows.Scan(&b.Key, &b.RuleID, &b.Algorithm, &b.Tokens, &b.MaxTokens, &b.RefillRate,
			&b.LastRefillAt, pq.Array(&window), &b.IsLimited, &limitedUntil, &b.LimitReason, &b.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Window = window
		if limitedUntil.Valid {
			b.LimitedUntil = &limitedUntil.Time
		}
		result = append(result, &b)
	}
	return result, rows.Err()
}
