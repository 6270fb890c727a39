package revenue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yudhap/blastgate/internal/ledger"
)

// MemoryStore is an in-memory transaction store for tests and local dev.
// The debit itself goes through the wallet so the ledger stays the single
// source of money movement.
type MemoryStore struct {
	mu     sync.Mutex
	wallet *ledger.Wallet
	txns   map[string]*Transaction // by idempotency key
	order  []string                // insertion order
}

// NewMemoryStore creates an empty in-memory transaction store
func NewMemoryStore(wallet *ledger.Wallet) *MemoryStore {
	return &MemoryStore{
		wallet: wallet,
		txns:   make(map[string]*Transaction),
	}
}

// ExecuteDeduction performs the debit-and-record step under one lock:
// replay check, balance check, wallet debit, transaction write. A committed
// transaction for the same key is returned as-is with replayed=true.
func (s *MemoryStore) ExecuteDeduction(ctx context.Context, txn *Transaction) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.txns[txn.IdempotencyKey]; ok && existing.Status == StatusCommitted {
		return cloneTransaction(existing), true, nil
	}

	err := s.wallet.Debit(ctx, txn.OwnerID, txn.TotalCost, txn.IdempotencyKey, "blast charge")
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrOwnerNotFound) {
			failed := cloneTransaction(txn)
			failed.Status = StatusFailed
			failed.FailureReason = "insufficient_balance"
			failed.UpdatedAt = time.Now()
			s.put(failed)
			return nil, false, ledger.ErrInsufficientBalance
		}
		return nil, false, err
	}

	committed := cloneTransaction(txn)
	committed.Status = StatusCommitted
	committed.UpdatedAt = time.Now()
	s.put(committed)
	return cloneTransaction(committed), false, nil
}

// GetByKey returns a transaction by idempotency key
func (s *MemoryStore) GetByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.txns[idempotencyKey]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(txn), nil
}

// UpdateStatus transitions a transaction's status
func (s *MemoryStore) UpdateStatus(ctx context.Context, idempotencyKey string, status Status, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.txns[idempotencyKey]
	if !ok {
		return ErrTransactionNotFound
	}
	txn.Status = status
	txn.FailureReason = failureReason
	txn.UpdatedAt = time.Now()
	return nil
}

// ListByOwner returns an owner's transactions, newest first
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Transaction
	for i := len(s.order) - 1; i >= 0 && len(result) < limit; i-- {
		txn := s.txns[s.order[i]]
		if txn != nil && txn.OwnerID == ownerID {
			result = append(result, cloneTransaction(txn))
		}
	}
	return result, nil
}

func (s *MemoryStore) put(txn *Transaction) {
	if _, exists := s.txns[txn.IdempotencyKey]; !exists {
		s.order = append(s.order, txn.IdempotencyKey)
	}
	s.txns[txn.IdempotencyKey] = txn
}

func cloneTransaction(txn *Transaction) *Transaction {
	c := *txn
	return &c
}
