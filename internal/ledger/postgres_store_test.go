//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM ledger_entries")
		db.ExecContext(ctx, "DELETE FROM ledger_events")
		db.ExecContext(ctx, "DELETE FROM topup_refs")
		db.ExecContext(ctx, "DELETE FROM wallet_balances")
		db.Close()
	}
	return store, cleanup
}

func TestPostgres_CreditAndGetBalance(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.Credit(ctx, "itest-owner1", "10000.00", "tx_itest_1", "test topup"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, "itest-owner1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != "10000.00" {
		t.Errorf("Available = %s, want 10000.00", bal.Available)
	}
}

func TestPostgres_DebitInsufficient(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store.Credit(ctx, "itest-owner2", "100.00", "tx_itest_2", "test topup")

	err := store.Debit(ctx, "itest-owner2", "100.01", "camp_x", "charge")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Debit error = %v, want ErrInsufficientBalance", err)
	}

	bal, _ := store.GetBalance(ctx, "itest-owner2")
	if bal.Available != "100.00" {
		t.Errorf("Available = %s, want 100.00", bal.Available)
	}
}

func TestPostgres_RefundIdempotent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store.Credit(ctx, "itest-owner3", "1000.00", "tx_itest_3", "test topup")
	store.Debit(ctx, "itest-owner3", "400.00", "camp_r", "charge")

	if err := store.Refund(ctx, "itest-owner3", "400.00", "camp_r", "rollback"); err != nil {
		t.Fatalf("first Refund failed: %v", err)
	}
	err := store.Refund(ctx, "itest-owner3", "400.00", "camp_r", "rollback")
	if !errors.Is(err, ErrDuplicateRefund) {
		t.Fatalf("second Refund error = %v, want ErrDuplicateRefund", err)
	}

	bal, _ := store.GetBalance(ctx, "itest-owner3")
	if bal.Available != "1000.00" {
		t.Errorf("Available = %s, want 1000.00", bal.Available)
	}
}

func TestPostgres_ConcurrentDebits(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store.Credit(ctx, "itest-owner4", "100.00", "tx_itest_4", "test topup")

	// 20 concurrent debits of 10.00 against a 100.00 balance: exactly 10
	// must succeed regardless of interleaving.
	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.Debit(ctx, "itest-owner4", "10.00", "camp_c", "charge")
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientBalance) {
			t.Errorf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Errorf("succeeded = %d, want 10", succeeded)
	}

	bal, _ := store.GetBalance(ctx, "itest-owner4")
	if bal.Available != "0.00" {
		t.Errorf("Available = %s, want 0.00", bal.Available)
	}
}
