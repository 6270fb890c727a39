package revenue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yudhap/blastgate/internal/idgen"
	"github.com/yudhap/blastgate/internal/ledger"
)

// PostgresStore is a PostgreSQL implementation of Store. ExecuteDeduction
// runs the replay check, the guarded wallet debit, the ledger entry, and
// the transaction record in one database transaction, so a crash between
// any two steps leaves no partial charge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL transaction store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the revenue tables if they don't exist. Production deploys
// use the goose migrations; this keeps integration tests self-contained.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS revenue_transactions (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			category TEXT NOT NULL,
			unit_cost NUMERIC(20,2) NOT NULL,
			total_cost NUMERIC(20,2) NOT NULL,
			status TEXT NOT NULL,
			reference_type TEXT NOT NULL,
			reference_id TEXT NOT NULL,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_revenue_transactions_owner
			ON revenue_transactions(owner_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate revenue schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExecuteDeduction(ctx context.Context, txn *Transaction) (*Transaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Seed the row before locking it: FOR UPDATE on a key that has no row
	// yet locks nothing, and two first-time calls would both debit. The
	// unique index makes concurrent seeds queue up, so the row lock below
	// serializes the same key across processes.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revenue_transactions
			(id, idempotency_key, owner_id, message_count, category,
			 unit_cost, total_cost, status, reference_type, reference_id,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, 'pending', $8, $9, $10, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		txn.ID, txn.IdempotencyKey, txn.OwnerID, txn.MessageCount, txn.Category,
		txn.UnitCost, txn.TotalCost, txn.ReferenceType, txn.ReferenceID, txn.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("seed transaction: %w", err)
	}

	existing, err := scanTransaction(tx.QueryRowContext(ctx, `
		SELECT id, idempotency_key, owner_id, message_count, category,
			unit_cost, total_cost, status, reference_type, reference_id,
			COALESCE(failure_reason, ''), created_at, updated_at
		FROM revenue_transactions WHERE idempotency_key = $1 FOR UPDATE`,
		txn.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("query transaction: %w", err)
	}
	if existing.Status == StatusCommitted {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit replay read: %w", err)
		}
		return existing, true, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE wallet_balances SET
			available = available - $2::numeric,
			total_out = total_out + $2::numeric,
			updated_at = NOW()
		WHERE owner_id = $1 AND available >= $2::numeric`,
		txn.OwnerID, txn.TotalCost)
	if err != nil {
		return nil, false, fmt.Errorf("debit balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("debit rows affected: %w", err)
	}
	if rows == 0 {
		// Record the failed attempt so it shows up in the owner's history,
		// but without a committed status it never blocks a retry.
		if err := upsertTransaction(ctx, tx, txn, StatusFailed, "insufficient_balance"); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit failed transaction: %w", err)
		}
		return nil, false, ledger.ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'send_charge', $3::numeric, $4, 'blast charge', NOW())`,
		idgen.WithPrefix("le_"), txn.OwnerID, txn.TotalCost, txn.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (id, owner_id, event_type, amount, reference, created_at)
		VALUES ($1, $2, 'send_charge', $3::numeric, $4, NOW())`,
		idgen.WithPrefix("lev_"), txn.OwnerID, txn.TotalCost, txn.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("insert ledger event: %w", err)
	}

	if err := upsertTransaction(ctx, tx, txn, StatusCommitted, ""); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit deduction: %w", err)
	}

	committed := *txn
	committed.ID = existing.ID // a retry after a failed attempt keeps the seeded row's ID
	committed.Status = StatusCommitted
	return &committed, false, nil
}

func (s *PostgresStore) GetByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	txn, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, owner_id, message_count, category,
			unit_cost, total_cost, status, reference_type, reference_id,
			COALESCE(failure_reason, ''), created_at, updated_at
		FROM revenue_transactions WHERE idempotency_key = $1`, idempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, idempotencyKey string, status Status, failureReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE revenue_transactions SET
			status = $2, failure_reason = NULLIF($3, ''), updated_at = NOW()
		WHERE idempotency_key = $1`, idempotencyKey, string(status), failureReason)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, owner_id, message_count, category,
			unit_cost, total_cost, status, reference_type, reference_id,
			COALESCE(failure_reason, ''), created_at, updated_at
		FROM revenue_transactions
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func upsertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction, status Status, failureReason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO revenue_transactions
			(id, idempotency_key, owner_id, message_count, category,
			 unit_cost, total_cost, status, reference_type, reference_id,
			 failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, NULLIF($11, ''), $12, NOW())
		ON CONFLICT (idempotency_key) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			category = EXCLUDED.category,
			unit_cost = EXCLUDED.unit_cost,
			total_cost = EXCLUDED.total_cost,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = NOW()`,
		txn.ID, txn.IdempotencyKey, txn.OwnerID, txn.MessageCount, txn.Category,
		txn.UnitCost, txn.TotalCost, string(status), txn.ReferenceType, txn.ReferenceID,
		failureReason, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var status string
	err := row.Scan(&txn.ID, &txn.IdempotencyKey, &txn.OwnerID, &txn.MessageCount,
		&txn.Category, &txn.UnitCost, &txn.TotalCost, &status,
		&txn.ReferenceType, &txn.ReferenceID, &txn.FailureReason,
		&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	txn.Status = Status(status)
	return &txn, nil
}
