package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the degraded, memory-only fallback used when the sqlite
// store cannot open. Nothing survives a restart; the sync manager logs a
// warning when it runs on one, but the UI keeps working.
type MemoryStore struct {
	mu          sync.RWMutex
	cache       map[string]*CachedRecord
	queue       []*QueuedOperation
	deadLetters []*DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: make(map[string]*CachedRecord),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetCachedItem(ctx context.Context, key string) (*CachedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cache[key]
	if !ok {
		return nil, nil
	}
	if rec.Expired(time.Now()) {
		delete(s.cache, key)
		return nil, nil
	}

	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	return &cp, nil
}

func (s *MemoryStore) SetCachedItem(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.cache[key] = &CachedRecord{
		Key:       key,
		Data:      append([]byte(nil), data...),
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) DeleteCachedItem(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

func (s *MemoryStore) DeleteCachedPrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if strings.HasPrefix(key, prefix) {
			delete(s.cache, key)
		}
	}
	return nil
}

func (s *MemoryStore) QueueOperation(ctx context.Context, op *QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *op
	s.queue = append(s.queue, &cp)
	return nil
}

func (s *MemoryStore) GetQueuedOperations(ctx context.Context) ([]*QueuedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops := make([]*QueuedOperation, len(s.queue))
	for i, op := range s.queue {
		cp := *op
		ops[i] = &cp
	}
	return ops, nil
}

func (s *MemoryStore) RemoveOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

func (s *MemoryStore) removeLocked(id string) *QueuedOperation {
	for i, op := range s.queue {
		if op.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return op
		}
	}
	return nil
}

func (s *MemoryStore) IncrementRetries(ctx context.Context, id string, nextAttempt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.queue {
		if op.ID == id {
			op.Retries++
			op.NextAttempt = nextAttempt
			return op.Retries, nil
		}
	}
	return 0, nil
}

func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, op *QueuedOperation, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(op.ID)
	s.deadLetters = append(s.deadLetters, &DeadLetter{
		Op:       *op,
		Reason:   reason,
		FailedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) GetDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	letters := make([]*DeadLetter, len(s.deadLetters))
	copy(letters, s.deadLetters)
	return letters, nil
}
