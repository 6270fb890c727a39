// Package revenue guards the money side of every send: cost estimation,
// exactly-once balance deduction and the charge-then-dispatch pairing with
// compensating rollback.
//
// No other component may debit a wallet for a send. Callers that need to
// "spend money and perform the paid action" go through ChargeAndExecute;
// debiting and dispatching as two independent steps is not supported.
package revenue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrInsufficientBalance is a first-class outcome, not a generic error:
	// callers surface a top-up affordance on it.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownCategory     = errors.New("unknown message category")
	ErrCostMismatch        = errors.New("cost preview does not match computed cost")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Status is the lifecycle state of a guard transaction
type Status string

const (
	StatusPending        Status = "pending"
	StatusCommitted      Status = "committed"
	StatusRolledBack     Status = "rolled_back"
	StatusRollbackFailed Status = "rollback_failed" // money taken, compensating credit failed; needs operator action
	StatusFailed         Status = "failed"
)

// Transaction records one guarded deduction
type Transaction struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotencyKey"`
	OwnerID        string    `json:"ownerId"`
	MessageCount   int       `json:"messageCount"`
	Category       string    `json:"category"`
	UnitCost       string    `json:"unitCost"`
	TotalCost      string    `json:"totalCost"`
	Status         Status    `json:"status"`
	ReferenceType  string    `json:"referenceType"`
	ReferenceID    string    `json:"referenceId"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IdempotencyKey derives the deterministic key for a logical send, so
// retries and duplicate calls resolve to the same transaction row.
func IdempotencyKey(ownerID, referenceType, referenceID string) string {
	sum := sha256.Sum256([]byte(ownerID + "|" + referenceType + "|" + referenceID))
	return hex.EncodeToString(sum[:])
}

// Store persists guard transactions. ExecuteDeduction is the atomic unit
// spanning the idempotency check, the balance check, the debit and the
// transaction write: it either returns the previously committed transaction
// (replayed=true), commits the passed transaction with the wallet debited
// exactly once, or fails with the balance untouched.
type Store interface {
	ExecuteDeduction(ctx context.Context, txn *Transaction) (result *Transaction, replayed bool, err error)
	GetByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)
	UpdateStatus(ctx context.Context, idempotencyKey string, status Status, failureReason string) error
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Transaction, error)
}
