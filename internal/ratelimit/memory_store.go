package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for development and tests
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewMemoryStore creates a new in-memory bucket store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*Bucket)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.buckets[key]
	if !ok {
		return nil, ErrBucketNotFound
	}
	clone := *bucket
	clone.Window = append([]time.Time(nil), bucket.Window...)
	return &clone, nil
}

func (s *MemoryStore) Save(ctx context.Context, bucket *Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *bucket
	clone.Window = append([]time.Time(nil), bucket.Window...)
	s.buckets[bucket.Key] = &clone
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Bucket
	for _, bucket := range s.buckets {
		if limit > 0 && len(result) >= limit {
			break
		}
		clone := *bucket
		result = append(result, &clone)
	}
	return result, nil
}
