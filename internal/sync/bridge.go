package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"petsync/internal/logger"
	"petsync/internal/remote"
)

// FeedOpener is the slice of the remote client the bridge needs.
type FeedOpener interface {
	OpenChangeFeed(ctx context.Context, table string) (remote.Feed, error)
}

// entityGate reports whether a local save or replay is in flight for an
// entity. Feed events for gated entities are buffered so a remote echo
// of our own write is never misread as an external conflict.
type entityGate interface {
	InFlight(entityKey string) bool
}

// Bridge subscribes to the remote change feed and delivers events into
// the sync manager's merge path, in arrival order per entity.
type Bridge struct {
	opener FeedOpener
	gate   entityGate
	sched  *Scheduler

	// resync is invoked after a transport gap: a gap means unknown
	// changes occurred, so the table is refreshed rather than assumed
	// unchanged.
	resync func(table string)

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	table    string
	onChange func(remote.ChangeEvent)
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once

	mu       sync.Mutex
	feed     remote.Feed
	pending  map[string][]remote.ChangeEvent
	flushing map[string]bool
}

func NewBridge(opener FeedOpener, gate entityGate, sched *Scheduler, resync func(table string)) *Bridge {
	return &Bridge{
		opener: opener,
		gate:   gate,
		sched:  sched,
		resync: resync,
		subs:   make(map[*subscription]struct{}),
	}
}

// Subscribe opens a live change feed for a table. The returned handle
// tears the feed down; it is idempotent and safe to call from deferred
// cleanup, so a subscription can never leak a live channel.
func (b *Bridge) Subscribe(table string, onChange func(remote.ChangeEvent)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		table:    table,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string][]remote.ChangeEvent),
		flushing: make(map[string]bool),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.run(sub)

	return func() {
		sub.once.Do(func() {
			sub.cancel()
			sub.mu.Lock()
			if sub.feed != nil {
				_ = sub.feed.Close()
			}
			sub.mu.Unlock()

			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		})
	}
}

func (b *Bridge) run(sub *subscription) {
	attempt := 0
	first := true

	for sub.ctx.Err() == nil {
		feed, err := b.opener.OpenChangeFeed(sub.ctx, sub.table)
		if err != nil {
			logger.Log.Warn("Change feed open failed",
				zap.String("table", sub.table),
				zap.Error(err),
			)
			if werr := b.sched.Wait(sub.ctx, attempt); werr != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		sub.mu.Lock()
		sub.feed = feed
		sub.mu.Unlock()

		if !first && b.resync != nil {
			// Reconnected after a gap.
			b.resync(sub.table)
		}
		first = false

		for ev := range feed.Events() {
			b.deliver(sub, ev)
		}

		sub.mu.Lock()
		sub.feed = nil
		sub.mu.Unlock()

		_ = feed.Close()
	}
}

func (b *Bridge) deliver(sub *subscription, ev remote.ChangeEvent) {
	key := ev.EntityKey()

	sub.mu.Lock()
	if _, buffered := sub.pending[key]; buffered || b.gate.InFlight(key) {
		// Keep buffering behind earlier buffered events so per-entity
		// order is preserved.
		sub.pending[key] = append(sub.pending[key], ev)
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()

	sub.onChange(ev)
}

// EntitySettled flushes events buffered for an entity once its in-flight
// operation has settled, in the order they arrived.
func (b *Bridge) EntitySettled(entityKey string) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.flush(entityKey)
	}
}

// flush drains the buffered events for an entity one at a time. The
// pending entry stays in the map for the whole drain so an event
// arriving mid-flush queues behind the in-progress deliveries instead
// of overtaking them.
func (sub *subscription) flush(entityKey string) {
	sub.mu.Lock()
	if sub.flushing[entityKey] {
		// The active flush will pick up anything queued behind it.
		sub.mu.Unlock()
		return
	}
	sub.flushing[entityKey] = true
	sub.mu.Unlock()

	for {
		sub.mu.Lock()
		events := sub.pending[entityKey]
		if len(events) == 0 {
			delete(sub.pending, entityKey)
			delete(sub.flushing, entityKey)
			sub.mu.Unlock()
			return
		}
		ev := events[0]
		sub.pending[entityKey] = events[1:]
		sub.mu.Unlock()

		sub.onChange(ev)
	}
}
