// Package ledger tracks prepaid wallet balances for message-sending accounts.
//
// Flow:
//  1. A payment gateway confirms a top-up; the platform credits the wallet
//  2. The revenue guard debits the wallet when a blast is admitted
//  3. Failed dispatches are compensated with a refund credit
//
// Every mutation writes an append-only entry plus an immutable event, so a
// wallet balance is always reconstructible from its event stream.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yudhap/blastgate/internal/money"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOwnerNotFound       = errors.New("owner not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateTopup      = errors.New("top-up already processed")
	ErrDuplicateRefund     = errors.New("refund already processed")
)

// Entry represents a ledger entry
type Entry struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Type        string    `json:"type"` // topup, send_charge, refund, adjustment
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // gateway tx ref, guard transaction ID
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents an owner's wallet balance
type Balance struct {
	OwnerID   string    `json:"ownerId"`
	Available string    `json:"available"` // Can be spent
	TotalIn   string    `json:"totalIn"`   // Lifetime top-ups
	TotalOut  string    `json:"totalOut"`  // Lifetime send charges
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists wallet data. Credit, Debit and Refund are atomic per owner.
type Store interface {
	GetBalance(ctx context.Context, ownerID string) (*Balance, error)
	Credit(ctx context.Context, ownerID, amount, txRef, description string) error
	Debit(ctx context.Context, ownerID, amount, reference, description string) error
	Refund(ctx context.Context, ownerID, amount, reference, description string) error
	GetHistory(ctx context.Context, ownerID string, limit int) ([]*Entry, error)
	HasTopup(ctx context.Context, txRef string) (bool, error)
}

// Wallet manages owner balances
type Wallet struct {
	store  Store
	events EventStore // optional audit trail
	logger *slog.Logger
}

// New creates a new wallet service
func New(store Store, events EventStore, logger *slog.Logger) *Wallet {
	return &Wallet{store: store, events: events, logger: logger}
}

// GetBalance returns an owner's current balance
func (w *Wallet) GetBalance(ctx context.Context, ownerID string) (*Balance, error) {
	return w.store.GetBalance(ctx, ownerID)
}

// Topup credits a wallet after a payment gateway confirms funds arrived.
// Duplicate gateway references are rejected so webhook retries cannot
// double-credit.
func (w *Wallet) Topup(ctx context.Context, ownerID, amount, txRef string) error {
	amountBig, ok := money.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return ErrInvalidAmount
	}

	exists, err := w.store.HasTopup(ctx, txRef)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateTopup
	}

	if err := w.store.Credit(ctx, ownerID, amount, txRef, "gateway top-up"); err != nil {
		return err
	}
	w.appendEvent(ctx, ownerID, "topup", amount, txRef)
	return nil
}

// Debit removes funds from a wallet. Returns ErrInsufficientBalance when the
// available balance cannot cover the amount; the balance is untouched in
// that case.
func (w *Wallet) Debit(ctx context.Context, ownerID, amount, reference, description string) error {
	amountBig, ok := money.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return ErrInvalidAmount
	}

	if err := w.store.Debit(ctx, ownerID, amount, reference, description); err != nil {
		return err
	}
	w.appendEvent(ctx, ownerID, "send_charge", amount, reference)
	return nil
}

// Refund credits back a wallet (compensating credit after a failed dispatch).
// Idempotent per reference: a second refund for the same reference returns
// ErrDuplicateRefund and moves no money.
func (w *Wallet) Refund(ctx context.Context, ownerID, amount, reference string) error {
	amountBig, ok := money.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return ErrInvalidAmount
	}

	if err := w.store.Refund(ctx, ownerID, amount, reference, "dispatch_rollback"); err != nil {
		return err
	}
	w.appendEvent(ctx, ownerID, "refund", amount, reference)
	return nil
}

// CanCover checks if an owner has sufficient balance for an amount
func (w *Wallet) CanCover(ctx context.Context, ownerID, amount string) (bool, error) {
	amountBig, ok := money.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}

	bal, err := w.store.GetBalance(ctx, ownerID)
	if err != nil {
		return false, err
	}

	availableBig, _ := money.Parse(bal.Available)
	return availableBig.Cmp(amountBig) >= 0, nil
}

// GetHistory returns ledger entries for an owner
func (w *Wallet) GetHistory(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return w.store.GetHistory(ctx, ownerID, limit)
}

func (w *Wallet) appendEvent(ctx context.Context, ownerID, eventType, amount, reference string) {
	if w.events == nil {
		return
	}
	err := w.events.AppendEvent(ctx, &Event{
		OwnerID:   ownerID,
		EventType: eventType,
		Amount:    amount,
		Reference: reference,
	})
	if err != nil && w.logger != nil {
		// The live balance is authoritative; a missed audit event is
		// recoverable from entries, so log and continue.
		w.logger.Warn("failed to append ledger event", "owner", ownerID, "type", eventType, "error", err)
	}
}
