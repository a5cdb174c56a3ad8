package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"petsync/internal/config"
	"petsync/internal/logger"
	"petsync/internal/remote"
	"petsync/internal/store"
)

const (
	stateIdle    = "idle"
	stateSaving  = "saving"
	stateSyncing = "syncing"
)

var errOffline = errors.New("offline")

// Manager orchestrates save/load/sync cycles. It owns the mutation
// queue lifecycle, invokes the conflict resolver against push acks, and
// feeds change-feed events into the cache through the bridge.
//
// A mutation handed to Save either reaches the remote store or is
// durably queued before the call returns; no path reports success while
// the data exists only in memory.
type Manager struct {
	cfg      *config.Config
	store    store.Store
	remote   remote.Client
	resolver *Resolver
	sched    *Scheduler
	bridge   *Bridge

	ctx    context.Context
	cancel context.CancelFunc

	// saving and syncing are independent state machines: a Save
	// finishing mid-drain must not release the drain's exclusivity.
	mu         sync.Mutex
	saving     int
	syncing    bool
	conflicted bool
	conflicts  []Conflict
	inflight   map[string]int
	unsubs     []func()
	degraded   bool
}

func NewManager(cfg *config.Config, st store.Store, rc remote.Client) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:      cfg,
		store:    st,
		remote:   rc,
		resolver: NewResolver(),
		sched:    NewScheduler(cfg.Retry),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]int),
	}
	m.bridge = NewBridge(rc, m, m.sched, m.resyncTable)

	return m
}

// Start opens change-feed subscriptions for the configured tables and
// begins the periodic queue drain.
func (m *Manager) Start() error {
	logger.Log.Info("Starting sync manager")

	if m.cfg.Sync.Realtime {
		for _, t := range m.cfg.Sync.Tables {
			unsub := m.bridge.Subscribe(t.Name, m.applyRemoteChange)
			m.mu.Lock()
			m.unsubs = append(m.unsubs, unsub)
			m.mu.Unlock()
		}
	}

	if m.cfg.Sync.Interval != "" {
		if err := m.sched.StartPeriodic(m.cfg.Sync.Interval, func() {
			if _, err := m.Sync(m.ctx); err != nil {
				logger.Log.Debug("Periodic drain", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("failed to start periodic drain: %w", err)
		}
	}

	return nil
}

func (m *Manager) Stop() {
	logger.Log.Info("Stopping sync manager")

	m.mu.Lock()
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	m.sched.Stop()
}

func (m *Manager) Close() {
	m.Stop()
	m.cancel()
}

// MarkDegraded records that the durable store failed to open and the
// manager is running on the memory-only fallback.
func (m *Manager) MarkDegraded() {
	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()
	logger.Log.Warn("Running in memory-only mode, queued mutations will not survive restart")
}

// Save pushes a mutation to the remote store. Transient failures after
// the immediate retry budget durably queue the operation and report
// Queued (deferred, not rejected); permanent rejections surface without
// queuing.
func (m *Manager) Save(ctx context.Context, mut Mutation) SyncResult {
	if mut.Timestamp.IsZero() {
		mut.Timestamp = time.Now()
	}

	data, err := json.Marshal(mut.Data)
	if err != nil {
		return SyncResult{Success: false, Error: fmt.Sprintf("encode mutation: %v", err)}
	}

	op := &store.QueuedOperation{
		ID:        uuid.New().String(),
		Type:      mut.Type,
		Table:     mut.Table,
		Key:       mut.Key,
		Data:      data,
		Timestamp: mut.Timestamp,
	}

	m.beginSave()
	defer m.endSave()

	ek := op.EntityKey()
	m.markInFlight(ek)
	defer m.settle(ek)

	if !m.sched.Online() {
		return m.deferOp(ctx, op, errOffline)
	}

	var ack *remote.Ack
	var pushErr error
	for attempt := 0; attempt < m.cfg.Sync.SaveAttempts; attempt++ {
		ack, pushErr = m.remote.Push(ctx, op.Table, op)
		if pushErr == nil {
			break
		}
		if m.sched.Classify(pushErr) == RetryPermanent {
			logger.Log.Warn("Mutation rejected",
				zap.String("op", op.String()),
				zap.Error(pushErr),
			)
			return SyncResult{Success: false, Error: pushErr.Error()}
		}
		if attempt+1 < m.cfg.Sync.SaveAttempts {
			if werr := m.sched.Wait(ctx, attempt); werr != nil {
				break
			}
		}
	}

	if pushErr != nil {
		return m.deferOp(ctx, op, pushErr)
	}

	if ack.Duplicate {
		// The server had already applied this operation ID; the ack
		// reflects current state and carries no new conflict information.
		m.cacheResolved(ctx, mut.Table, mut.Key, ack.Value)
		return SyncResult{Success: true}
	}

	conflicts, resolved, restored := m.reconcile(mut.Table, mut.Key, mut.Data, mut.Timestamp, ack)
	m.cacheResolved(ctx, mut.Table, mut.Key, resolved)
	if len(conflicts) > 0 {
		m.recordConflicts(conflicts)
	}

	return SyncResult{Success: true, Conflicts: conflicts, Restored: restored}
}

// deferOp durably captures an operation that could not be delivered.
func (m *Manager) deferOp(ctx context.Context, op *store.QueuedOperation, cause error) SyncResult {
	if err := m.store.QueueOperation(ctx, op); err != nil {
		// Neither delivered nor captured; the one outcome we must never
		// dress up as anything else.
		logger.Log.Error("Failed to queue operation",
			zap.String("op", op.String()),
			zap.Error(err),
		)
		return SyncResult{Success: false, Error: fmt.Sprintf("%v (queue failed: %v)", cause, err)}
	}

	logger.Log.Info("Queued operation for later delivery",
		zap.String("op", op.String()),
		zap.NamedError("cause", cause),
	)
	return SyncResult{Success: false, Queued: true, Error: cause.Error()}
}

// Load fetches an entity from the remote store, falling back to the
// freshest non-expired cached snapshot when the fetch fails transiently.
func (m *Manager) Load(ctx context.Context, table, key string) (*LoadResult, error) {
	value, err := m.remote.Fetch(ctx, table, key)
	if err == nil {
		if data, merr := json.Marshal(value); merr == nil {
			if serr := m.store.SetCachedItem(ctx, entityKey(table, key), data, m.cacheTTL()); serr != nil {
				logger.Log.Warn("Failed to cache fetched entity", zap.Error(serr))
			}
		}
		return &LoadResult{Data: value}, nil
	}

	if remote.IsPermanent(err) {
		return nil, err
	}

	rec, serr := m.store.GetCachedItem(ctx, entityKey(table, key))
	if serr == nil && rec != nil {
		var data map[string]any
		if uerr := json.Unmarshal(rec.Data, &data); uerr == nil {
			return &LoadResult{Data: data, FromCache: true}, nil
		}
	}

	return nil, err
}

// Sync drains the mutation queue in FIFO order. Operations that fail
// transiently stay queued with a scheduled backoff; permanent and
// retry-exhausted failures move to the dead-letter set. Cancellation is
// honored between replays, never mid-operation.
func (m *Manager) Sync(ctx context.Context) (SyncStats, error) {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return SyncStats{}, fmt.Errorf("sync is already running")
	}
	m.syncing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	var stats SyncStats

	ops, err := m.store.GetQueuedOperations(ctx)
	if err != nil {
		return stats, err
	}

	// Entities whose head operation failed or is still backing off are
	// blocked for the rest of the drain so replay order holds.
	blocked := make(map[string]bool)
	now := time.Now()

	for _, op := range ops {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		if !m.sched.Online() {
			break
		}

		ek := op.EntityKey()
		if blocked[ek] {
			continue
		}
		if op.NextAttempt.After(now) {
			blocked[ek] = true
			continue
		}

		m.markInFlight(ek)
		ack, pushErr := m.remote.Push(ctx, op.Table, op)

		if pushErr == nil {
			// Positive delivery ack received; only now may the queue
			// entry be removed.
			if rerr := m.store.RemoveOperation(ctx, op.ID); rerr != nil {
				logger.Log.Error("Failed to remove delivered operation",
					zap.String("op", op.String()),
					zap.Error(rerr),
				)
			}
			stats.Processed++

			if ack.Duplicate {
				// Replay of an op the server had already applied, for
				// example after a lost ack. The cache takes the server
				// state; no conflict resurfaces.
				m.cacheResolved(ctx, op.Table, op.Key, ack.Value)
			} else {
				var local map[string]any
				if uerr := json.Unmarshal(op.Data, &local); uerr == nil {
					conflicts, resolved, _ := m.reconcile(op.Table, op.Key, local, op.Timestamp, ack)
					m.cacheResolved(ctx, op.Table, op.Key, resolved)
					if len(conflicts) > 0 {
						m.recordConflicts(conflicts)
					}
				}
			}
			m.settle(ek)
			continue
		}
		m.settle(ek)

		if m.sched.Classify(pushErr) == RetryPermanent {
			logger.Log.Warn("Queued operation rejected, moving to dead letters",
				zap.String("op", op.String()),
				zap.Error(pushErr),
			)
			if dlErr := m.store.MoveToDeadLetter(ctx, op, pushErr.Error()); dlErr != nil {
				logger.Log.Error("Failed to record dead letter", zap.Error(dlErr))
			}
			stats.Failed++
			continue
		}

		retries, ierr := m.store.IncrementRetries(ctx, op.ID, now.Add(m.sched.Delay(op.Retries+1)))
		if ierr != nil {
			logger.Log.Error("Failed to record retry", zap.Error(ierr))
			retries = op.Retries + 1
		}

		if m.sched.Exhausted(retries) {
			logger.Log.Warn("Retry ceiling exceeded, moving to dead letters",
				zap.String("op", op.String()),
				zap.Int("retries", retries),
			)
			op.Retries = retries
			if dlErr := m.store.MoveToDeadLetter(ctx, op, "retry ceiling exceeded"); dlErr != nil {
				logger.Log.Error("Failed to record dead letter", zap.Error(dlErr))
			}
			stats.Failed++
			continue
		}

		stats.Failed++
		blocked[ek] = true
	}

	return stats, nil
}

// reconcile runs the resolver over every field where the push ack
// disagrees with the local write. It returns the surfaced conflicts, the
// merged entity state to cache, and whether any locally written field
// was restored to a remote value.
func (m *Manager) reconcile(table, key string, local map[string]any, localAt time.Time, ack *remote.Ack) ([]Conflict, map[string]any, bool) {
	resolved := make(map[string]any, len(ack.Value)+len(local))
	for f, v := range ack.Value {
		resolved[f] = v
	}

	var conflicts []Conflict
	restored := false

	for f, lv := range local {
		rv, ok := ack.Value[f]
		if !ok {
			resolved[f] = lv
			continue
		}
		if Trivial(lv, rv) {
			continue
		}

		c := m.resolver.Resolve(f,
			Versioned{Value: lv, Timestamp: localAt},
			Versioned{Value: rv, Timestamp: ack.Timestamp},
			m.cfg.FieldPolicyFor(table, f),
		)
		c.Table = table
		c.Key = key

		resolved[f] = c.Resolved
		if !Trivial(c.Resolved, lv) {
			restored = true
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, resolved, restored
}

func (m *Manager) cacheResolved(ctx context.Context, table, key string, resolved map[string]any) {
	data, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	if serr := m.store.SetCachedItem(ctx, entityKey(table, key), data, m.cacheTTL()); serr != nil {
		logger.Log.Warn("Failed to cache resolved entity", zap.Error(serr))
	}
}

// applyRemoteChange is the bridge's merge path: external change-feed
// events land in the cache in arrival order.
func (m *Manager) applyRemoteChange(ev remote.ChangeEvent) {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	switch ev.Type {
	case store.Delete:
		if err := m.store.DeleteCachedItem(ctx, ev.EntityKey()); err != nil {
			logger.Log.Warn("Failed to apply remote delete", zap.Error(err))
		}
	default:
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		if serr := m.store.SetCachedItem(ctx, ev.EntityKey(), data, m.cacheTTL()); serr != nil {
			logger.Log.Warn("Failed to apply remote change", zap.Error(serr))
		}
	}

	logger.Log.Debug("Applied remote change", zap.String("event", ev.String()))
}

// resyncTable invalidates a table's cache after a change-feed gap: the
// set of remotely changed entities is unknown, so nothing cached can be
// trusted until re-fetched.
func (m *Manager) resyncTable(table string) {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	logger.Log.Info("Change feed gap, invalidating table cache", zap.String("table", table))
	if err := m.store.DeleteCachedPrefix(ctx, table+"/"); err != nil {
		logger.Log.Warn("Failed to invalidate table cache", zap.Error(err))
	}
}

// SetOnline ingests the connectivity signal. Coming back online kicks
// off a queue drain.
func (m *Manager) SetOnline(online bool) {
	was := m.sched.Online()
	m.sched.SetOnline(online)

	if online && !was {
		logger.Log.Info("Connectivity restored, draining queue")
		go func() {
			if _, err := m.Sync(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.Debug("Reconnect drain", zap.Error(err))
			}
		}()
	}
}

func (m *Manager) Offline() bool {
	return !m.sched.Online()
}

// Conflicts returns the outstanding conflict list.
func (m *Manager) Conflicts() []Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conflict, len(m.conflicts))
	copy(out, m.conflicts)
	return out
}

// AcknowledgeConflicts clears the outstanding list once the UI has shown
// the applied resolutions.
func (m *Manager) AcknowledgeConflicts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = nil
	m.conflicted = false
}

// Override re-resolves an outstanding conflict with a policy forced by
// the user ("use local" / "use remote") and re-applies the outcome to
// the cached entity.
func (m *Manager) Override(ctx context.Context, field string, policy Policy) (*Conflict, error) {
	m.mu.Lock()
	idx := -1
	for i, c := range m.conflicts {
		if c.Field == field {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return nil, fmt.Errorf("no outstanding conflict for field %q", field)
	}
	prev := m.conflicts[idx]
	m.mu.Unlock()

	re := m.resolver.Resolve(field,
		Versioned{Value: prev.Local, Timestamp: prev.LocalAt},
		Versioned{Value: prev.Remote, Timestamp: prev.RemoteAt},
		config.FieldPolicy{Name: field, Policy: string(policy)},
	)
	re.Table = prev.Table
	re.Key = prev.Key

	rec, err := m.store.GetCachedItem(ctx, entityKey(re.Table, re.Key))
	if err == nil && rec != nil {
		var data map[string]any
		if json.Unmarshal(rec.Data, &data) == nil {
			data[field] = re.Resolved
			if b, merr := json.Marshal(data); merr == nil {
				_ = m.store.SetCachedItem(ctx, entityKey(re.Table, re.Key), b, m.cacheTTL())
			}
		}
	}

	m.mu.Lock()
	m.conflicts[idx] = re
	m.mu.Unlock()

	return &re, nil
}

// Status is the state snapshot exposed over the API.
type Status struct {
	State       string `json:"state"`
	Conflicted  bool   `json:"conflicted"`
	Offline     bool   `json:"offline"`
	Degraded    bool   `json:"degraded"`
	QueueDepth  int    `json:"queue_depth"`
	DeadLetters int    `json:"dead_letters"`
}

func (m *Manager) Status(ctx context.Context) Status {
	m.mu.Lock()
	st := Status{
		State:      stateIdle,
		Conflicted: m.conflicted,
		Degraded:   m.degraded,
	}
	switch {
	case m.syncing:
		st.State = stateSyncing
	case m.saving > 0:
		st.State = stateSaving
	}
	m.mu.Unlock()

	st.Offline = m.Offline()
	if ops, err := m.store.GetQueuedOperations(ctx); err == nil {
		st.QueueDepth = len(ops)
	}
	if dls, err := m.store.GetDeadLetters(ctx); err == nil {
		st.DeadLetters = len(dls)
	}
	return st
}

// DeadLetters exposes the exhausted/rejected operations for the
// "could not sync" surface.
func (m *Manager) DeadLetters(ctx context.Context) ([]*store.DeadLetter, error) {
	return m.store.GetDeadLetters(ctx)
}

// InFlight reports whether a local operation for the entity is between
// push and settle. The bridge gates feed events on it.
func (m *Manager) InFlight(entityKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[entityKey] > 0
}

func (m *Manager) markInFlight(key string) {
	m.mu.Lock()
	m.inflight[key]++
	m.mu.Unlock()
}

func (m *Manager) settle(key string) {
	m.mu.Lock()
	m.inflight[key]--
	if m.inflight[key] <= 0 {
		delete(m.inflight, key)
	}
	m.mu.Unlock()

	m.bridge.EntitySettled(key)
}

func (m *Manager) beginSave() {
	m.mu.Lock()
	m.saving++
	m.mu.Unlock()
}

func (m *Manager) endSave() {
	m.mu.Lock()
	m.saving--
	m.mu.Unlock()
}

func (m *Manager) recordConflicts(conflicts []Conflict) {
	m.mu.Lock()
	m.conflicts = append(m.conflicts, conflicts...)
	m.conflicted = true
	m.mu.Unlock()
}

func (m *Manager) cacheTTL() time.Duration {
	return m.cfg.Storage.GetCacheTTL()
}

func entityKey(table, key string) string {
	return table + "/" + key
}
