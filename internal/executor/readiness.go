package executor

import (
	"context"
	"sync"

	"updatectl/internal/planner"
	"updatectl/internal/resource"
)

// readinessTracker lets an operation in an overlapping batch block until
// its dependencies resolve. Each planned operation gets a channel that is
// closed exactly once when the operation reaches a terminal state.
type readinessTracker struct {
	mu      sync.Mutex
	results map[string]*opResult
}

type opResult struct {
	done  chan struct{}
	ready bool
}

func newReadinessTracker(plan *planner.Plan) *readinessTracker {
	t := &readinessTracker{results: make(map[string]*opResult, plan.TotalOperations())}
	for _, batch := range plan.Batches {
		for _, op := range batch.Operations {
			t.results[op.Resource.String()] = &opResult{done: make(chan struct{})}
		}
	}
	return t
}

// resolve records the operation's outcome and unblocks waiters.
func (t *readinessTracker) resolve(ref resource.Ref, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := t.results[ref.String()]
	if result == nil {
		return
	}
	select {
	case <-result.done:
		// Already resolved.
	default:
		result.ready = ready
		close(result.done)
	}
}

// waitForDeps blocks until every dependency has resolved, returning true
// only if all of them ended Ready. Dependencies outside the plan resolve
// trivially.
func (t *readinessTracker) waitForDeps(ctx context.Context, ref resource.Ref, deps []resource.Ref) bool {
	for _, dep := range deps {
		t.mu.Lock()
		result := t.results[dep.String()]
		t.mu.Unlock()
		if result == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return false
		case <-result.done:
			if !result.ready {
				return false
			}
		}
	}
	return true
}
