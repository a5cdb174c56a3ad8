package store

import (
	"context"
	"time"
)

// Store is the durable local store: cached entity snapshots plus the
// mutation queue. Implementations are safe for concurrent callers and
// return I/O errors rather than panicking; callers treat store failure
// as "offline", not as fatal.
type Store interface {
	// Init is idempotent. A failure wraps ErrUnavailable and the caller
	// degrades to the in-memory store.
	Init(ctx context.Context) error

	// Cache
	GetCachedItem(ctx context.Context, key string) (*CachedRecord, error)
	SetCachedItem(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteCachedItem(ctx context.Context, key string) error

	// DeleteCachedPrefix invalidates every cached record under a key
	// prefix. Used after a change-feed gap, when the set of remotely
	// changed entities is unknown.
	DeleteCachedPrefix(ctx context.Context, prefix string) error

	// Mutation queue. QueueOperation is crash-safe: an operation queued
	// before a crash reappears after restart. GetQueuedOperations returns
	// FIFO enqueue order.
	QueueOperation(ctx context.Context, op *QueuedOperation) error
	GetQueuedOperations(ctx context.Context) ([]*QueuedOperation, error)
	RemoveOperation(ctx context.Context, id string) error
	IncrementRetries(ctx context.Context, id string, nextAttempt time.Time) (int, error)

	// Dead letters
	MoveToDeadLetter(ctx context.Context, op *QueuedOperation, reason string) error
	GetDeadLetters(ctx context.Context) ([]*DeadLetter, error)

	Close() error
}
