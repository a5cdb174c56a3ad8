package remote

import (
	"context"
	"fmt"
	"time"

	"petsync/internal/store"
)

// ChangeEvent is a single mutation event from the remote change feed.
type ChangeEvent struct {
	Type      store.OpType   `json:"type"`
	Table     string         `json:"table"`
	Key       string         `json:"key"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s/%s", e.Type, e.Table, e.Key)
}

// EntityKey matches store.QueuedOperation.EntityKey for gating.
func (e ChangeEvent) EntityKey() string {
	return e.Table + "/" + e.Key
}

// Feed is an open change-feed subscription. Events closes when the
// transport drops; the bridge treats that as "unknown changes occurred"
// and resyncs before reopening.
type Feed interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Ack is the remote store's response to a push. Value carries the
// server's view of the entity after applying the operation; the server
// may have adjusted fields, which is where conflicts come from.
type Ack struct {
	Value     map[string]any `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Duplicate bool           `json:"duplicate"`
}

// Client is the authoritative remote store, as seen from this side.
// Push must carry the operation's stable ID so the server can
// deduplicate replays. Errors are pre-classified into the
// transient/permanent taxonomy by the implementation.
type Client interface {
	Push(ctx context.Context, table string, op *store.QueuedOperation) (*Ack, error)
	Fetch(ctx context.Context, table, key string) (map[string]any, error)
	OpenChangeFeed(ctx context.Context, table string) (Feed, error)
}
