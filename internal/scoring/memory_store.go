package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/yudhap/blastgate/internal/rules"
)

// MemoryStore is an in-memory implementation of Store for development and tests
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]*RiskScore
	events []*RiskEvent
}

// NewMemoryStore creates a new in-memory scoring store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]*RiskScore)}
}

func (s *MemoryStore) Get(ctx context.Context, entityType EntityType, entityID string) (*RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.scores[EntityKey(entityType, entityID)]
	if !ok {
		return nil, ErrScoreNotFound
	}
	clone := *rs
	return &clone, nil
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, entityType EntityType, entityID, ownerID string) (*RiskScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := EntityKey(entityType, entityID)
	rs, ok := s.scores[key]
	if !ok {
		rs = &RiskScore{
			EntityType:     entityType,
			EntityID:       entityID,
			OwnerID:        ownerID,
			Level:          rules.LevelNone,
			PolicyAction:   rules.ActionNone,
			SuspensionType: SuspensionNone,
			UpdatedAt:      time.Now(),
			Version:        1,
		}
		s.scores[key] = rs
	}
	clone := *rs
	return &clone, nil
}

func (s *MemoryStore) Update(ctx context.Context, score *RiskScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := score.Key()
	existing, ok := s.scores[key]
	if !ok {
		return ErrScoreNotFound
	}
	if existing.Version != score.Version {
		return ErrVersionConflict
	}

	clone := *score
	clone.Version++
	s.scores[key] = &clone
	score.Version = clone.Version
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *event
	s.events = append(s.events, &clone)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, entityType EntityType, entityID string, limit int) ([]*RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*RiskEvent
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		ev := s.events[i]
		if ev.EntityType == entityType && ev.EntityID == entityID {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetAllEvents(ctx context.Context, entityType EntityType, entityID string) ([]*RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*RiskEvent
	for _, ev := range s.events {
		if ev.EntityType == entityType && ev.EntityID == entityID {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountEventsSince(ctx context.Context, entityType EntityType, entityID, severity string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.events {
		if ev.EntityType == entityType && ev.EntityID == entityID &&
			ev.Severity == severity && !ev.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListSuspended(ctx context.Context) ([]*RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*RiskScore
	for _, rs := range s.scores {
		if rs.IsSuspended {
			clone := *rs
			result = append(result, &clone)
		}
	}
	return result, nil
}
