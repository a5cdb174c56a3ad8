package sync

import (
	"time"

	"petsync/internal/store"
)

type Policy string

const (
	PolicyMerge  Policy = "merge"
	PolicyLocal  Policy = "local"
	PolicyRemote Policy = "remote"
)

type MergeMode string

const (
	MergeLatest MergeMode = "latest"
	MergeSum    MergeMode = "sum"
)

// Versioned pairs a field value with the time it was written. Resolution
// compares these timestamps; the resolver never reads the wall clock.
type Versioned struct {
	Value     any
	Timestamp time.Time
}

// Conflict is the outcome of arbitrating one field. It is surfaced to
// the UI with the resolution already applied; the UI may override it.
type Conflict struct {
	Field      string `json:"field"`
	Local      any    `json:"local"`
	Remote     any    `json:"remote"`
	Resolution Policy `json:"resolution"`
	Resolved   any    `json:"resolved"`

	// Bookkeeping for overrides: which cached entity the field belongs
	// to and the original write times, so re-resolution with a forced
	// policy stays deterministic.
	Table    string    `json:"-"`
	Key      string    `json:"-"`
	LocalAt  time.Time `json:"-"`
	RemoteAt time.Time `json:"-"`
}

// SyncResult reports the outcome of a single Save. Queued means the
// mutation was durably captured for later replay: Success is false but
// the caller must not treat it as a rejection.
type SyncResult struct {
	Success   bool       `json:"success"`
	Queued    bool       `json:"queued"`
	Conflicts []Conflict `json:"conflicts"`
	Restored  bool       `json:"restored"`
	Error     string     `json:"error,omitempty"`
}

// SyncStats reports a queue drain.
type SyncStats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Mutation is a UI-originated change to one entity.
type Mutation struct {
	Type      store.OpType   `json:"type"`
	Table     string         `json:"table"`
	Key       string         `json:"key"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// LoadResult marks cache-derived data so callers can show a staleness
// indicator.
type LoadResult struct {
	Data      map[string]any `json:"data"`
	FromCache bool           `json:"from_cache"`
}
