package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type OpType string

const (
	Create OpType = "CREATE"
	Update OpType = "UPDATE"
	Delete OpType = "DELETE"
)

// CachedRecord is a locally cached entity snapshot. Records are owned by
// the store and always handed out as copies; they expire lazily once
// ExpiresAt passes.
type CachedRecord struct {
	Key       string          `db:"key"`
	Data      json.RawMessage `db:"data"`
	Timestamp time.Time       `db:"timestamp"`
	ExpiresAt time.Time       `db:"expires_at"`
}

func (r *CachedRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// QueuedOperation is a durably stored, not-yet-delivered mutation. The ID
// is stable across replays so the remote store can deduplicate.
type QueuedOperation struct {
	ID          string          `db:"id"`
	Type        OpType          `db:"type"`
	Table       string          `db:"table_name"`
	Key         string          `db:"entity_key"`
	Data        json.RawMessage `db:"data"`
	Timestamp   time.Time       `db:"timestamp"`
	Retries     int             `db:"retries"`
	NextAttempt time.Time       `db:"next_attempt"`
}

func (op *QueuedOperation) String() string {
	return fmt.Sprintf("[%s] %s/%s retries=%d", op.Type, op.Table, op.Key, op.Retries)
}

// EntityKey identifies the entity an operation targets, for per-entity
// ordering and in-flight gating.
func (op *QueuedOperation) EntityKey() string {
	return op.Table + "/" + op.Key
}

// DeadLetter records an operation that exhausted its retries or was
// permanently rejected. Dead letters are kept, never silently dropped.
type DeadLetter struct {
	Op       QueuedOperation
	Reason   string    `db:"reason"`
	FailedAt time.Time `db:"failed_at"`
}
