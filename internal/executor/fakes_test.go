package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"updatectl/internal/planner"
	"updatectl/internal/reconciler"
	"updatectl/internal/resource"
)

// fakeClient is an in-memory reconciler with per-resource behavior knobs.
type fakeClient struct {
	mu sync.Mutex

	live       map[string]*unstructured.Unstructured
	stuck      map[string]bool // never converge
	fatalApply map[string]bool // reject every apply permanently

	applies []string
	deletes []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		live:       make(map[string]*unstructured.Unstructured),
		stuck:      make(map[string]bool),
		fatalApply: make(map[string]bool),
	}
}

func (c *fakeClient) Get(ctx context.Context, ref resource.Ref) (*unstructured.Unstructured, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if obj, ok := c.live[ref.String()]; ok {
		return obj.DeepCopy(), nil
	}
	return nil, reconciler.ErrNotFound
}

func (c *fakeClient) Apply(ctx context.Context, ref resource.Ref, manifest *unstructured.Unstructured) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalApply[ref.String()] {
		return &reconciler.ApplyError{Resource: ref, Reason: "field is immutable", Fatal: true}
	}
	c.applies = append(c.applies, ref.String())
	c.live[ref.String()] = manifest.DeepCopy()
	return nil
}

func (c *fakeClient) Delete(ctx context.Context, ref resource.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, ref.String())
	delete(c.live, ref.String())
	return nil
}

func (c *fakeClient) Status(ctx context.Context, ref resource.Ref) (reconciler.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stuck[ref.String()] {
		return reconciler.Status{Message: "still progressing"}, nil
	}
	return reconciler.Status{Converged: true}, nil
}

func (c *fakeClient) applyLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applies...)
}

func (c *fakeClient) deleteLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deletes...)
}

// fakeStore is an in-memory StateWriter keeping every persisted snapshot
// so tests can inspect mid-run states.
type fakeStore struct {
	mu        sync.Mutex
	saves     int
	last      *ExecutionState
	snapshots []*ExecutionState
	lockErr   error
	locked    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{locked: make(map[string]bool)}
}

func (s *fakeStore) SaveExecution(state *ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = state
	s.snapshots = append(s.snapshots, state)
	return nil
}

func (s *fakeStore) LockPlan(planID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	if s.locked[planID] {
		return nil, fmt.Errorf("plan %s already executing", planID)
	}
	s.locked[planID] = true
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locked, planID)
	}, nil
}

func testOp(kind, name string) planner.Operation {
	return planner.Operation{
		Resource: resource.Ref{Kind: kind, Namespace: "prod", Name: name},
		Strategy: resource.StrategyInPlace,
		Risk:     resource.RiskLow,
		Manifest: &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "v1",
			"kind":       kind,
			"metadata":   map[string]interface{}{"name": name, "namespace": "prod"},
			"spec":       map[string]interface{}{"value": name},
		}},
	}
}

func testPlan(batches ...[]planner.Operation) *planner.Plan {
	plan := &planner.Plan{ID: "plan-test", CreatedAt: time.Now()}
	for _, ops := range batches {
		plan.Batches = append(plan.Batches, planner.Batch{Operations: ops})
	}
	return plan
}
