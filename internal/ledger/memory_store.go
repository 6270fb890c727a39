package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/yudhap/blastgate/internal/idgen"
	"github.com/yudhap/blastgate/internal/money"
)

// MemoryStore is an in-memory implementation of Store for development and tests
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*balanceState
	entries  []*Entry
	topups   map[string]bool // gateway tx ref -> seen
	refunds  map[string]bool // "ownerID:reference" -> seen
}

type balanceState struct {
	available *big.Int
	totalIn   *big.Int
	totalOut  *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory ledger store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*balanceState),
		topups:   make(map[string]bool),
		refunds:  make(map[string]bool),
	}
}

func (s *MemoryStore) GetBalance(ctx context.Context, ownerID string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.balances[ownerID]
	if !ok {
		// Unknown owners read as zero so a fresh account can check its
		// balance before the first top-up.
		return &Balance{
			OwnerID:   ownerID,
			Available: "0.00",
			TotalIn:   "0.00",
			TotalOut:  "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}

	return &Balance{
		OwnerID:   ownerID,
		Available: money.Format(state.available),
		TotalIn:   money.Format(state.totalIn),
		TotalOut:  money.Format(state.totalOut),
		UpdatedAt: state.updatedAt,
	}, nil
}

func (s *MemoryStore) Credit(ctx context.Context, ownerID, amount, txRef, description string) error {
	amountBig, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.getOrCreate(ownerID)
	state.available.Add(state.available, amountBig)
	state.totalIn.Add(state.totalIn, amountBig)
	state.updatedAt = time.Now()

	if txRef != "" {
		s.topups[txRef] = true
	}
	s.appendEntry(ownerID, "topup", amount, txRef, description)
	return nil
}

func (s *MemoryStore) Debit(ctx context.Context, ownerID, amount, reference, description string) error {
	amountBig, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.balances[ownerID]
	if !ok {
		return ErrInsufficientBalance
	}
	if state.available.Cmp(amountBig) < 0 {
		return ErrInsufficientBalance
	}

	state.available.Sub(state.available, amountBig)
	state.totalOut.Add(state.totalOut, amountBig)
	state.updatedAt = time.Now()

	s.appendEntry(ownerID, "send_charge", amount, reference, description)
	return nil
}

func (s *MemoryStore) Refund(ctx context.Context, ownerID, amount, reference, description string) error {
	amountBig, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerID + ":" + reference
	if s.refunds[key] {
		return ErrDuplicateRefund
	}

	state := s.getOrCreate(ownerID)
	state.available.Add(state.available, amountBig)
	// Cap totalOut at zero so a refund larger than lifetime charges cannot
	// drive the counter negative.
	if state.totalOut.Cmp(amountBig) >= 0 {
		state.totalOut.Sub(state.totalOut, amountBig)
	} else {
		state.totalOut.SetInt64(0)
	}
	state.updatedAt = time.Now()

	s.refunds[key] = true
	s.appendEntry(ownerID, "refund", amount, reference, description)
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if s.entries[i].OwnerID == ownerID {
			result = append(result, s.entries[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) HasTopup(ctx context.Context, txRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topups[txRef], nil
}

// caller must hold s.mu
func (s *MemoryStore) getOrCreate(ownerID string) *balanceState {
	state, ok := s.balances[ownerID]
	if !ok {
		state = &balanceState{
			available: new(big.Int),
			totalIn:   new(big.Int),
			totalOut:  new(big.Int),
			updatedAt: time.Now(),
		}
		s.balances[ownerID] = state
	}
	return state
}

// caller must hold s.mu
func (s *MemoryStore) appendEntry(ownerID, entryType, amount, reference, description string) {
	s.entries = append(s.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		OwnerID:     ownerID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}
