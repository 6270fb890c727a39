package revenue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yudhap/blastgate/internal/idgen"
	"github.com/yudhap/blastgate/internal/ledger"
	"github.com/yudhap/blastgate/internal/metrics"
	"github.com/yudhap/blastgate/internal/money"
	"github.com/yudhap/blastgate/internal/retry"
	"github.com/yudhap/blastgate/internal/syncutil"
	"github.com/yudhap/blastgate/internal/traces"
)

// DispatchFunc is the caller-supplied send action invoked after a committed
// debit. It must be all-or-nothing: on error the whole charge is reversed.
type DispatchFunc func(ctx context.Context, txn *Transaction) error

// Rates maps a message category to its per-message cost
type Rates map[string]string

// Guard pairs wallet deductions with dispatch actions
type Guard struct {
	store  Store
	wallet *ledger.Wallet
	rates  Rates
	locks  *syncutil.ShardedMutex
	logger *slog.Logger
}

// NewGuard creates a revenue guard
func NewGuard(store Store, wallet *ledger.Wallet, rates Rates, logger *slog.Logger) *Guard {
	return &Guard{
		store:  store,
		wallet: wallet,
		rates:  rates,
		locks:  &syncutil.ShardedMutex{},
		logger: logger,
	}
}

// EstimateCost computes messageCount * rate(category). Pure, no side effects.
func (g *Guard) EstimateCost(messageCount int, category string) (unitCost, totalCost string, err error) {
	rate, ok := g.rates[category]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if messageCount <= 0 {
		return "", "", fmt.Errorf("message count must be positive, got %d", messageCount)
	}
	rateBig, ok := money.Parse(rate)
	if !ok {
		return "", "", fmt.Errorf("invalid rate for category %s: %s", category, rate)
	}
	return money.Format(rateBig), money.Format(money.Mul(rateBig, int64(messageCount))), nil
}

// ExecuteDeduction debits the owner's wallet for a send, exactly once per
// (owner, referenceType, referenceID). A repeated call for the same logical
// send returns the previously committed transaction without touching the
// wallet. costPreview, when non-empty, must match the computed total; it
// protects callers that showed a price to the user before charging.
func (g *Guard) ExecuteDeduction(ctx context.Context, ownerID string, messageCount int, category, referenceType, referenceID, costPreview string) (*Transaction, bool, error) {
	ctx, span := traces.StartSpan(ctx, "revenue.ExecuteDeduction",
		traces.OwnerID(ownerID), traces.Reference(referenceType, referenceID))
	defer span.End()

	unitCost, totalCost, err := g.EstimateCost(messageCount, category)
	if err != nil {
		return nil, false, err
	}
	if costPreview != "" {
		preview, ok := money.Parse(costPreview)
		if !ok {
			return nil, false, ErrCostMismatch
		}
		if money.Format(preview) != totalCost {
			return nil, false, fmt.Errorf("%w: preview %s, computed %s", ErrCostMismatch, costPreview, totalCost)
		}
	}

	key := IdempotencyKey(ownerID, referenceType, referenceID)
	span.SetAttributes(traces.IdempotencyKey(key))

	unlock := g.locks.Lock(key)
	defer unlock()

	now := time.Now()
	txn := &Transaction{
		ID:             idgen.WithPrefix("rgt_"),
		IdempotencyKey: key,
		OwnerID:        ownerID,
		MessageCount:   messageCount,
		Category:       category,
		UnitCost:       unitCost,
		TotalCost:      totalCost,
		Status:         StatusPending,
		ReferenceType:  referenceType,
		ReferenceID:    referenceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result, replayed, err := g.store.ExecuteDeduction(ctx, txn)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ErrInsufficientBalance) {
			metrics.DeductionsTotal.WithLabelValues("insufficient").Inc()
			return nil, false, ErrInsufficientBalance
		}
		metrics.DeductionsTotal.WithLabelValues("failed").Inc()
		return nil, false, fmt.Errorf("execute deduction: %w", err)
	}
	if replayed {
		metrics.DeductionsTotal.WithLabelValues("replayed").Inc()
		return result, true, nil
	}

	metrics.DeductionsTotal.WithLabelValues("committed").Inc()
	g.logger.Info("deduction committed",
		"owner", ownerID, "total", totalCost, "count", messageCount,
		"reference", referenceType+":"+referenceID)
	return result, false, nil
}

// ChargeAndExecute debits the wallet, then invokes dispatch. On dispatch
// failure the debit is reversed with a compensating credit and the caller
// receives the original error. The debit is durably committed before
// dispatch runs, so rollback is always a credit, never an abort.
//
// A replayed (already committed) transaction returns immediately without
// re-dispatching: the first call's dispatch already happened or is in
// flight.
func (g *Guard) ChargeAndExecute(ctx context.Context, ownerID string, messageCount int, category, referenceType, referenceID, costPreview string, dispatch DispatchFunc) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "revenue.ChargeAndExecute",
		traces.OwnerID(ownerID), traces.Reference(referenceType, referenceID))
	defer span.End()

	txn, replayed, err := g.ExecuteDeduction(ctx, ownerID, messageCount, category, referenceType, referenceID, costPreview)
	if err != nil {
		return nil, err
	}
	if replayed {
		return txn, nil
	}

	start := time.Now()
	dispatchErr := dispatch(ctx, txn)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if dispatchErr == nil {
		return txn, nil
	}

	g.rollback(ctx, txn, dispatchErr)
	return txn, fmt.Errorf("dispatch failed: %w", dispatchErr)
}

// rollback issues the compensating credit for a committed debit. A failed
// rollback is money taken without service rendered: it is escalated loudly
// and the transaction is parked in rollback_failed for operator repair.
func (g *Guard) rollback(ctx context.Context, txn *Transaction, cause error) {
	// Refunds are deduplicated forever per (owner, reference), and a retried
	// charge whose dispatch fails again is a second debit needing its own
	// credit. Each rollback therefore gets a fresh reference; it stays fixed
	// across the retry attempts below so a credit that landed but errored on
	// the way back is not applied twice.
	refundRef := txn.IdempotencyKey + ":" + idgen.WithPrefix("rb_")
	refundErr := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		err := g.wallet.Refund(ctx, txn.OwnerID, txn.TotalCost, refundRef)
		if errors.Is(err, ledger.ErrDuplicateRefund) {
			// An earlier retry landed; the money is back.
			return nil
		}
		return err
	})

	if refundErr != nil {
		metrics.RollbackFailuresTotal.Inc()
		txn.Status = StatusRollbackFailed
		txn.FailureReason = fmt.Sprintf("dispatch: %v; refund: %v", cause, refundErr)
		g.logger.Error("ROLLBACK FAILED: owner charged without service",
			"owner", txn.OwnerID, "transaction", txn.ID,
			"amount", txn.TotalCost, "dispatch_error", cause, "refund_error", refundErr)
	} else {
		metrics.RollbacksTotal.Inc()
		txn.Status = StatusRolledBack
		txn.FailureReason = cause.Error()
		g.logger.Warn("deduction rolled back",
			"owner", txn.OwnerID, "transaction", txn.ID,
			"amount", txn.TotalCost, "dispatch_error", cause)
	}

	if err := g.store.UpdateStatus(ctx, txn.IdempotencyKey, txn.Status, txn.FailureReason); err != nil {
		g.logger.Error("failed to persist rollback status",
			"transaction", txn.ID, "status", txn.Status, "error", err)
	}
}

// GetTransaction returns a transaction by its idempotency key
func (g *Guard) GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	return g.store.GetByKey(ctx, idempotencyKey)
}

// ListTransactions returns an owner's recent transactions, newest first
func (g *Guard) ListTransactions(ctx context.Context, ownerID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return g.store.ListByOwner(ctx, ownerID, limit)
}
