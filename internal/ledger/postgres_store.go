package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/yudhap/blastgate/internal/idgen"
	"github.com/yudhap/blastgate/internal/money"
)

// PostgresStore is a PostgreSQL implementation of Store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables if they don't exist. Production deploys
// use the goose migrations; this keeps integration tests self-contained.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_balances (
			owner_id TEXT PRIMARY KEY,
			available NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (available >= 0),
			total_in NUMERIC(20,2) NOT NULL DEFAULT 0,
			total_out NUMERIC(20,2) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount NUMERIC(20,2) NOT NULL,
			reference TEXT,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner ON ledger_entries(owner_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_refund_ref
			ON ledger_entries(owner_id, reference) WHERE type = 'refund';
		CREATE TABLE IF NOT EXISTS topup_refs (
			tx_ref TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS ledger_events (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			amount NUMERIC(20,2) NOT NULL,
			reference TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_owner ON ledger_events(owner_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, ownerID string) (*Balance, error) {
	var bal Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, available, total_in, total_out, updated_at
		FROM wallet_balances WHERE owner_id = $1`, ownerID).
		Scan(&bal.OwnerID, &bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{
			OwnerID:   ownerID,
			Available: "0.00",
			TotalIn:   "0.00",
			TotalOut:  "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &bal, nil
}

func (s *PostgresStore) Credit(ctx context.Context, ownerID, amount, txRef, description string) error {
	amountBig, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	normalized := money.Format(amountBig)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_balances (owner_id, available, total_in, total_out, updated_at)
		VALUES ($1, $2::numeric, $2::numeric, 0, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			available = wallet_balances.available + $2::numeric,
			total_in = wallet_balances.total_in + $2::numeric,
			updated_at = NOW()`, ownerID, normalized)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	if txRef != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO topup_refs (tx_ref, owner_id, created_at) VALUES ($1, $2, NOW())`,
			txRef, ownerID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return ErrDuplicateTopup
			}
			return fmt.Errorf("record topup ref: %w", err)
		}
	}

	if err := insertEntry(ctx, tx, ownerID, "topup", normalized, txRef, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Debit(ctx context.Context, ownerID, amount, reference, description string) error {
	amountBig, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	normalized := money.Format(amountBig)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE wallet_balances SET
			available = available - $2::numeric,
			total_out = total_out + $2::numeric,
			updated_at = NOW()
		WHERE owner_id = $1 AND available >= $2::numeric`, ownerID, normalized)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit rows affected: %w", err)
	}
	if rows == 0 {
		// Either the owner has no wallet or the balance cannot cover the
		// amount; both deny the spend the same way.
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, ownerID, "send_charge", normalized, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Refund(ctx context.Context, ownerID, amount, reference, description string) error {
	amountBig, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	normalized := money.Format(amountBig)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// The partial unique index on (owner_id, reference) for refund entries
	// makes the compensating credit idempotent per reference.
	if err := insertEntry(ctx, tx, ownerID, "refund", normalized, reference, description); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateRefund
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_balances SET
			available = available + $2::numeric,
			total_out = GREATEST(total_out - $2::numeric, 0),
			updated_at = NOW()
		WHERE owner_id = $1`, ownerID, normalized)
	if err != nil {
		return fmt.Errorf("refund balance: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) GetHistory(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) HasTopup(ctx context.Context, txRef string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM topup_refs WHERE tx_ref = $1)`, txRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query topup ref: %w", err)
	}
	return exists, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, ownerID, entryType, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::numeric, NULLIF($5, ''), NULLIF($6, ''), NOW())`,
		idgen.WithPrefix("le_"), ownerID, entryType, amount, reference, description)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
