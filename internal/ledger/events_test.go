package ledger

import (
	"context"
	"testing"
)

func TestRebuildBalanceMatchesLive(t *testing.T) {
	w, events := newTestWallet()
	ctx := context.Background()

	w.Topup(ctx, "owner1", "100000.00", "tx_1")
	w.Debit(ctx, "owner1", "50000.00", "camp_1", "blast charge")
	w.Debit(ctx, "owner1", "10000.00", "camp_2", "blast charge")
	w.Refund(ctx, "owner1", "10000.00", "camp_2")

	rebuilt, err := RebuildBalance(ctx, events, "owner1")
	if err != nil {
		t.Fatalf("RebuildBalance failed: %v", err)
	}

	live, _ := w.GetBalance(ctx, "owner1")
	if rebuilt != live.Available {
		t.Errorf("rebuilt = %s, live = %s, want equal", rebuilt, live.Available)
	}
	if rebuilt != "50000.00" {
		t.Errorf("rebuilt = %s, want 50000.00", rebuilt)
	}
}

func TestRebuildBalanceEmptyStream(t *testing.T) {
	events := NewEventMemoryStore()
	rebuilt, err := RebuildBalance(context.Background(), events, "nobody")
	if err != nil {
		t.Fatalf("RebuildBalance failed: %v", err)
	}
	if rebuilt != "0.00" {
		t.Errorf("rebuilt = %s, want 0.00", rebuilt)
	}
}

func TestEventStreamIsolatedPerOwner(t *testing.T) {
	w, events := newTestWallet()
	ctx := context.Background()

	w.Topup(ctx, "owner1", "100.00", "tx_1")
	w.Topup(ctx, "owner2", "999.00", "tx_2")

	rebuilt, err := RebuildBalance(ctx, events, "owner1")
	if err != nil {
		t.Fatalf("RebuildBalance failed: %v", err)
	}
	if rebuilt != "100.00" {
		t.Errorf("rebuilt = %s, want 100.00", rebuilt)
	}
}
