package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/yudhap/blastgate/internal/money"
)

// Event is an immutable record of a balance change. Events are append-only
// and are never updated or deleted; replaying an owner's events in order
// reproduces the wallet balance.
type Event struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	EventType string    `json:"eventType"` // topup, send_charge, refund, adjustment
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventStore persists ledger events
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, ownerID string, limit int) ([]*Event, error)
	GetAllEvents(ctx context.Context, ownerID string) ([]*Event, error)
}

// RebuildBalance replays all events for an owner and returns the computed
// available balance. Used by admin reconciliation to verify the live balance
// against the event stream.
func RebuildBalance(ctx context.Context, store EventStore, ownerID string) (string, error) {
	events, err := store.GetAllEvents(ctx, ownerID)
	if err != nil {
		return "", err
	}

	balance := new(big.Int)
	for _, ev := range events {
		amount, ok := money.Parse(ev.Amount)
		if !ok {
			continue
		}
		switch ev.EventType {
		case "topup", "refund", "adjustment":
			balance.Add(balance, amount)
		case "send_charge":
			balance.Sub(balance, amount)
		}
	}

	return money.Format(balance), nil
}
