package sync

import (
	"encoding/json"
	"reflect"

	"petsync/internal/config"
)

// Resolver arbitrates field-level conflicts between a local and a remote
// write. Resolve is pure: identical inputs always produce the identical
// Conflict, which keeps resolution reproducible across retries and in
// tests.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

func (r *Resolver) Resolve(field string, local, remote Versioned, policy config.FieldPolicy) Conflict {
	c := Conflict{
		Field:    field,
		Local:    local.Value,
		Remote:   remote.Value,
		LocalAt:  local.Timestamp,
		RemoteAt: remote.Timestamp,
	}

	switch Policy(policy.Policy) {
	case PolicyLocal:
		c.Resolution = PolicyLocal
		c.Resolved = local.Value

	case PolicyMerge:
		c.Resolution = PolicyMerge
		c.Resolved = r.merge(local, remote, MergeMode(policy.MergeMode))

	default:
		// Server-computed fields and anything unconfigured.
		c.Resolution = PolicyRemote
		c.Resolved = remote.Value
	}

	return c
}

// merge picks the most recent write, or sums numeric deltas for additive
// resources. Equal timestamps resolve to the remote value, so the
// tiebreak is deterministic and server-leaning.
func (r *Resolver) merge(local, remote Versioned, mode MergeMode) any {
	if mode == MergeSum {
		lf, lok := toFloat(local.Value)
		rf, rok := toFloat(remote.Value)
		if lok && rok {
			return lf + rf
		}
		// Non-numeric under a sum policy: fall through to latest.
	}

	if local.Timestamp.After(remote.Timestamp) {
		return local.Value
	}
	return remote.Value
}

// Trivial reports whether the two sides already agree, in which case no
// conflict needs surfacing.
func Trivial(local, remote any) bool {
	return reflect.DeepEqual(local, remote)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
