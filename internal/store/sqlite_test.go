package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"petsync/internal/config"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s := NewSQLiteStore(config.StorageConfig{FilePath: path})
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, path
}

func op(id, key string) *QueuedOperation {
	return &QueuedOperation{
		ID:        id,
		Type:      Update,
		Table:     "pets",
		Key:       key,
		Data:      []byte(`{"health":85}`),
		Timestamp: time.Now(),
	}
}

func TestInitIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Init(context.Background()))
}

func TestInitUnavailablePath(t *testing.T) {
	s := NewSQLiteStore(config.StorageConfig{FilePath: "/nonexistent-dir/sub/test.db"})
	err := s.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCacheRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCachedItem(ctx, "pets/p1", []byte(`{"health":85}`), time.Hour))

	rec, err := s.GetCachedItem(ctx, "pets/p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "pets/p1", rec.Key)
	assert.JSONEq(t, `{"health":85}`, string(rec.Data))
	assert.True(t, rec.ExpiresAt.After(time.Now()))
}

func TestCacheMissReturnsNil(t *testing.T) {
	s, _ := newTestStore(t)

	rec, err := s.GetCachedItem(context.Background(), "pets/nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCacheOverwriteLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCachedItem(ctx, "pets/p1", []byte(`{"health":50}`), time.Hour))
	require.NoError(t, s.SetCachedItem(ctx, "pets/p1", []byte(`{"health":85}`), time.Hour))

	rec, err := s.GetCachedItem(ctx, "pets/p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"health":85}`, string(rec.Data))
}

func TestCacheExpiryLazyPurge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCachedItem(ctx, "pets/p1", []byte(`{}`), -time.Second))

	rec, err := s.GetCachedItem(ctx, "pets/p1")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired record reads as a miss")

	// The expired row was purged on read.
	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM cache WHERE key = ?`, "pets/p1").Scan(&count))
	assert.Zero(t, count)
}

func TestDeleteCachedPrefix(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCachedItem(ctx, "pets/p1", []byte(`{}`), time.Hour))
	require.NoError(t, s.SetCachedItem(ctx, "pets/p2", []byte(`{}`), time.Hour))
	require.NoError(t, s.SetCachedItem(ctx, "profiles/u1", []byte(`{}`), time.Hour))

	require.NoError(t, s.DeleteCachedPrefix(ctx, "pets/"))

	rec, _ := s.GetCachedItem(ctx, "pets/p1")
	assert.Nil(t, rec)
	rec, _ = s.GetCachedItem(ctx, "pets/p2")
	assert.Nil(t, rec)
	rec, _ = s.GetCachedItem(ctx, "profiles/u1")
	assert.NotNil(t, rec)
}

func TestQueueFIFOOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.QueueOperation(ctx, op("op-1", "p1")))
	require.NoError(t, s.QueueOperation(ctx, op("op-2", "p2")))
	require.NoError(t, s.QueueOperation(ctx, op("op-3", "p1")))

	ops, err := s.GetQueuedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "op-1", ops[0].ID)
	assert.Equal(t, "op-2", ops[1].ID)
	assert.Equal(t, "op-3", ops[2].ID)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s := NewSQLiteStore(config.StorageConfig{FilePath: path})
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.QueueOperation(ctx, op("op-1", "p1")))
	require.NoError(t, s.SetCachedItem(ctx, "pets/p1", []byte(`{"health":85}`), time.Hour))
	require.NoError(t, s.Close())

	reopened := NewSQLiteStore(config.StorageConfig{FilePath: path})
	require.NoError(t, reopened.Init(ctx))
	defer reopened.Close()

	ops, err := reopened.GetQueuedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].ID)

	rec, err := reopened.GetCachedItem(ctx, "pets/p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestRemoveOperation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.QueueOperation(ctx, op("op-1", "p1")))
	require.NoError(t, s.RemoveOperation(ctx, "op-1"))

	ops, err := s.GetQueuedOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestIncrementRetries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.QueueOperation(ctx, op("op-1", "p1")))

	next := time.Now().Add(time.Minute)
	retries, err := s.IncrementRetries(ctx, "op-1", next)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	retries, err = s.IncrementRetries(ctx, "op-1", next)
	require.NoError(t, err)
	assert.Equal(t, 2, retries)

	ops, err := s.GetQueuedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 2, ops[0].Retries)
	assert.WithinDuration(t, next, ops[0].NextAttempt, time.Millisecond)
}

func TestMoveToDeadLetter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := op("op-1", "p1")
	o.Retries = 10
	require.NoError(t, s.QueueOperation(ctx, o))
	require.NoError(t, s.MoveToDeadLetter(ctx, o, "retry ceiling exceeded"))

	ops, err := s.GetQueuedOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops, "dead-lettered operation leaves the queue")

	letters, err := s.GetDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "op-1", letters[0].Op.ID)
	assert.Equal(t, 10, letters[0].Op.Retries)
	assert.Equal(t, "retry ceiling exceeded", letters[0].Reason)
}
