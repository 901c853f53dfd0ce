package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/snapshot-sync/backend"
	"github.com/wolfeidau/snapshot-sync/store"
)

// State is the freshness gate decision for one invocation.
type State int

const (
	// StateNoCache means no snapshot exists; the pipeline must fetch.
	StateNoCache State = iota
	// StateFresh means the snapshot is within the max-age window; the
	// pipeline terminates with no network call and no metadata mutation.
	StateFresh
	// StateStale means the snapshot exceeds max-age or a forced refresh
	// was requested; the pipeline must fetch.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateNoCache:
		return "no_cache"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// GateDecision is the result of evaluating the freshness gate.
type GateDecision struct {
	State State
	Age   time.Duration // zero when State == StateNoCache
}

// evaluateGate decides whether the cached snapshot is recent enough to
// skip network access. A forced refresh bypasses Fresh unconditionally
// regardless of age.
func evaluateGate(ctx context.Context, st *store.Store, maxAge time.Duration, force bool, now time.Time) (GateDecision, error) {
	age, err := st.SnapshotAge(ctx, now)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return GateDecision{State: StateNoCache}, nil
		}
		return GateDecision{}, fmt.Errorf("checking snapshot age: %w", err)
	}

	if force {
		return GateDecision{State: StateStale, Age: age}, nil
	}

	if age <= maxAge {
		return GateDecision{State: StateFresh, Age: age}, nil
	}

	return GateDecision{State: StateStale, Age: age}, nil
}
