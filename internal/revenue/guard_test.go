package revenue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/yudhap/blastgate/internal/ledger"
)

func newTestGuard(t *testing.T) (*Guard, *ledger.Wallet) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet := ledger.New(ledger.NewMemoryStore(), ledger.NewEventMemoryStore(), logger)
	rates := Rates{"marketing": "100.00", "utility": "50.00"}
	guard := NewGuard(NewMemoryStore(wallet), wallet, rates, logger)
	return guard, wallet
}

func topup(t *testing.T, wallet *ledger.Wallet, owner, amount string) {
	t.Helper()
	if err := wallet.Topup(context.Background(), owner, amount, "ref-"+owner+"-"+amount); err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func balanceOf(t *testing.T, wallet *ledger.Wallet, owner string) string {
	t.Helper()
	bal, err := wallet.GetBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return bal.Available
}

func TestEstimateCost(t *testing.T) {
	guard, _ := newTestGuard(t)

	unit, total, err := guard.EstimateCost(500, "marketing")
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if unit != "100.00" {
		t.Errorf("unit cost = %s, want 100.00", unit)
	}
	if total != "50000.00" {
		t.Errorf("total cost = %s, want 50000.00", total)
	}

	if _, _, err := guard.EstimateCost(10, "video_call"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("unknown category error = %v, want ErrUnknownCategory", err)
	}
	if _, _, err := guard.EstimateCost(0, "marketing"); err == nil {
		t.Error("expected error for zero message count")
	}
}

func TestExecuteDeductionDebitsWallet(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	txn, replayed, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 500, "marketing", "blast", "bl-001", "")
	if err != nil {
		t.Fatalf("deduction: %v", err)
	}
	if replayed {
		t.Error("first deduction reported as replayed")
	}
	if txn.Status != StatusCommitted {
		t.Errorf("status = %s, want committed", txn.Status)
	}
	if txn.TotalCost != "50000.00" {
		t.Errorf("total cost = %s, want 50000.00", txn.TotalCost)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "50000.00" {
		t.Errorf("balance after deduction = %s, want 50000.00", got)
	}
}

func TestExecuteDeductionInsufficientBalance(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	// 2000 * 100.00 = 200000.00, twice the balance.
	_, _, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 2000, "marketing", "blast", "bl-002", "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "100000.00" {
		t.Errorf("balance after failed deduction = %s, want 100000.00", got)
	}
	if _, err := guard.GetTransaction(context.Background(), IdempotencyKey("owner-1", "blast", "bl-002")); err != nil {
		t.Errorf("failed attempt not recorded: %v", err)
	}
}

func TestExecuteDeductionReplaysCommitted(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	first, _, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-003", "")
	if err != nil {
		t.Fatalf("first deduction: %v", err)
	}

	second, replayed, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-003", "")
	if err != nil {
		t.Fatalf("second deduction: %v", err)
	}
	if !replayed {
		t.Error("second deduction not reported as replayed")
	}
	if second.ID != first.ID {
		t.Errorf("replayed transaction ID = %s, want %s", second.ID, first.ID)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "90000.00" {
		t.Errorf("balance after replay = %s, want 90000.00 (debited once)", got)
	}
}

func TestExecuteDeductionFailedAttemptDoesNotBlockRetry(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "5000.00")

	_, _, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-004", "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	topup(t, wallet, "owner-1", "20000.00")

	txn, replayed, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-004", "")
	if err != nil {
		t.Fatalf("retry after topup: %v", err)
	}
	if replayed {
		t.Error("retry of a failed attempt reported as replayed")
	}
	if txn.Status != StatusCommitted {
		t.Errorf("status = %s, want committed", txn.Status)
	}
}

func TestExecuteDeductionCostPreview(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	// Matching preview passes, formatting differences tolerated.
	if _, _, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-005", "10000"); err != nil {
		t.Fatalf("matching preview rejected: %v", err)
	}

	_, _, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-006", "9999.00")
	if !errors.Is(err, ErrCostMismatch) {
		t.Errorf("error = %v, want ErrCostMismatch", err)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "90000.00" {
		t.Errorf("balance = %s, want 90000.00 (mismatch must not charge)", got)
	}
}

func TestChargeAndExecuteSuccess(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	dispatched := 0
	txn, err := guard.ChargeAndExecute(context.Background(),
		"owner-1", 500, "marketing", "blast", "bl-010", "",
		func(ctx context.Context, txn *Transaction) error {
			dispatched++
			return nil
		})
	if err != nil {
		t.Fatalf("charge and execute: %v", err)
	}
	if dispatched != 1 {
		t.Errorf("dispatch invoked %d times, want 1", dispatched)
	}
	if txn.Status != StatusCommitted {
		t.Errorf("status = %s, want committed", txn.Status)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "50000.00" {
		t.Errorf("balance = %s, want 50000.00", got)
	}
}

func TestChargeAndExecuteRollsBackOnDispatchFailure(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	txn, err := guard.ChargeAndExecute(context.Background(),
		"owner-1", 500, "marketing", "blast", "bl-011", "",
		func(ctx context.Context, txn *Transaction) error {
			return fmt.Errorf("provider unreachable")
		})
	if err == nil {
		t.Fatal("expected dispatch error to propagate")
	}
	if txn == nil || txn.Status != StatusRolledBack {
		t.Fatalf("transaction = %+v, want status rolled_back", txn)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "100000.00" {
		t.Errorf("balance = %s, want 100000.00 restored after rollback", got)
	}

	stored, err := guard.GetTransaction(context.Background(), txn.IdempotencyKey)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != StatusRolledBack {
		t.Errorf("persisted status = %s, want rolled_back", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Error("failure reason not persisted")
	}
}

func TestChargeAndExecuteTransientDispatchThenRetry(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	_, err := guard.ChargeAndExecute(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-012", "",
		func(ctx context.Context, txn *Transaction) error {
			return fmt.Errorf("timeout")
		})
	if err == nil {
		t.Fatal("expected first dispatch to fail")
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "100000.00" {
		t.Fatalf("balance = %s, want 100000.00 after rollback", got)
	}

	// The rolled-back transaction is not committed, so the same reference
	// can be charged again once the provider recovers.
	txn, replayed, err := guard.ExecuteDeduction(context.Background(),
		"owner-1", 100, "marketing", "blast", "bl-012", "")
	if err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if replayed {
		t.Error("retry after rollback reported as replayed")
	}
	if txn.Status != StatusCommitted {
		t.Errorf("status = %s, want committed", txn.Status)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "90000.00" {
		t.Errorf("balance = %s, want 90000.00", got)
	}
}

func TestChargeAndExecuteRepeatedDispatchFailureRefundsEveryDebit(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	failing := func(ctx context.Context, txn *Transaction) error {
		return fmt.Errorf("provider unreachable")
	}

	// Two attempts for the same reference, both failing dispatch. Each
	// attempt is a fresh debit, so each needs its own compensating credit;
	// refund dedup from the first rollback must not swallow the second.
	for i := 0; i < 2; i++ {
		txn, err := guard.ChargeAndExecute(context.Background(),
			"owner-1", 500, "marketing", "campaign", "c-1", "", failing)
		if err == nil {
			t.Fatalf("attempt %d: expected dispatch error", i)
		}
		if txn == nil || txn.Status != StatusRolledBack {
			t.Fatalf("attempt %d: transaction = %+v, want status rolled_back", i, txn)
		}
		if got := balanceOf(t, wallet, "owner-1"); got != "100000.00" {
			t.Fatalf("attempt %d: balance = %s, want 100000.00 restored", i, got)
		}
	}
}

func TestChargeAndExecuteReplaySkipsDispatch(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	dispatched := 0
	dispatch := func(ctx context.Context, txn *Transaction) error {
		dispatched++
		return nil
	}

	for i := 0; i < 3; i++ {
		if _, err := guard.ChargeAndExecute(context.Background(),
			"owner-1", 100, "marketing", "blast", "bl-013", "", dispatch); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if dispatched != 1 {
		t.Errorf("dispatch invoked %d times, want 1", dispatched)
	}
	if got := balanceOf(t, wallet, "owner-1"); got != "90000.00" {
		t.Errorf("balance = %s, want 90000.00 (charged once)", got)
	}
}

// refundFailStore simulates a wallet backend that rejects compensating
// credits, the one failure mode that must never pass silently.
type refundFailStore struct {
	*ledger.MemoryStore
}

func (s *refundFailStore) Refund(ctx context.Context, ownerID, amount, reference, description string) error {
	return fmt.Errorf("connection reset")
}

func TestRollbackFailureParksTransaction(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet := ledger.New(&refundFailStore{ledger.NewMemoryStore()}, ledger.NewEventMemoryStore(), logger)
	guard := NewGuard(NewMemoryStore(wallet), wallet, Rates{"marketing": "100.00"}, logger)
	topup(t, wallet, "owner-1", "100000.00")

	txn, err := guard.ChargeAndExecute(context.Background(),
		"owner-1", 500, "marketing", "blast", "bl-030", "",
		func(ctx context.Context, txn *Transaction) error {
			return fmt.Errorf("provider unreachable")
		})
	if err == nil {
		t.Fatal("expected dispatch error to propagate")
	}
	if txn == nil || txn.Status != StatusRollbackFailed {
		t.Fatalf("transaction = %+v, want status rollback_failed", txn)
	}
	// Money is still gone; the parked status is what flags it for repair.
	if got := balanceOf(t, wallet, "owner-1"); got != "50000.00" {
		t.Errorf("balance = %s, want 50000.00 (refund failed)", got)
	}

	stored, err := guard.GetTransaction(context.Background(), txn.IdempotencyKey)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != StatusRollbackFailed {
		t.Errorf("persisted status = %s, want rollback_failed", stored.Status)
	}
}

func TestConcurrentDeductionsSameReference(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := guard.ExecuteDeduction(context.Background(),
				"owner-1", 100, "marketing", "blast", "bl-020", "")
			if err != nil {
				t.Errorf("concurrent deduction: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := balanceOf(t, wallet, "owner-1"); got != "90000.00" {
		t.Errorf("balance = %s, want 90000.00 (one debit despite 20 callers)", got)
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	guard, wallet := newTestGuard(t)
	topup(t, wallet, "owner-1", "100000.00")

	for i := 0; i < 3; i++ {
		ref := fmt.Sprintf("bl-%03d", i)
		if _, _, err := guard.ExecuteDeduction(context.Background(),
			"owner-1", 10, "utility", "blast", ref, ""); err != nil {
			t.Fatalf("deduction %d: %v", i, err)
		}
	}

	txns, err := guard.ListTransactions(context.Background(), "owner-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txns))
	}
	if txns[0].ReferenceID != "bl-002" {
		t.Errorf("first listed = %s, want bl-002 (newest)", txns[0].ReferenceID)
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey("owner-1", "blast", "bl-001")
	b := IdempotencyKey("owner-1", "blast", "bl-001")
	if a != b {
		t.Error("same inputs produced different keys")
	}
	if a == IdempotencyKey("owner-2", "blast", "bl-001") {
		t.Error("different owners produced the same key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}
