package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/yudhap/blastgate/internal/idgen"
)

// EventMemoryStore is an in-memory implementation of EventStore
type EventMemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewEventMemoryStore creates a new in-memory event store
func NewEventMemoryStore() *EventMemoryStore {
	return &EventMemoryStore{}
}

func (s *EventMemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *event
	if stored.ID == "" {
		stored.ID = idgen.WithPrefix("evt_")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.events = append(s.events, &stored)
	return nil
}

func (s *EventMemoryStore) GetEvents(ctx context.Context, ownerID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		if s.events[i].OwnerID == ownerID {
			result = append(result, s.events[i])
		}
	}
	return result, nil
}

func (s *EventMemoryStore) GetAllEvents(ctx context.Context, ownerID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for _, ev := range s.events {
		if ev.OwnerID == ownerID {
			result = append(result, ev)
		}
	}
	return result, nil
}
