// Package rollback captures pre-change manifests and restores them when an
// update goes wrong. Data safety takes priority over availability: a
// failed restoration is fatal and never auto-retried.
package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"

	"updatectl/internal/reconciler"
	"updatectl/internal/resource"
	"updatectl/pkg/logging"
)

// Checkpoint is the rollback point for one operation: the manifest as
// observed immediately before the apply call. A checkpoint with
// Existed=false records that the resource was absent, so restoring it
// means deleting the resource.
type Checkpoint struct {
	Resource   resource.Ref               `json:"resource"`
	Existed    bool                       `json:"existed"`
	Manifest   *unstructured.Unstructured `json:"manifest,omitempty"`
	CapturedAt time.Time                  `json:"capturedAt"`
}

// FailureError means restoring the prior manifest itself failed. Fatal,
// surfaced to the operator, requires manual intervention.
type FailureError struct {
	Resource resource.Ref
	Err      error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("rollback of %s failed: %v", e.Resource, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Manager stores checkpoints keyed by (plan id, resource ref) and restores
// them on demand through the reconciler client.
type Manager struct {
	client reconciler.Client
	clk    clock.Clock

	mu          sync.Mutex
	checkpoints map[string]map[string]*Checkpoint
}

// NewManager creates a rollback manager.
func NewManager(client reconciler.Client, clk clock.Clock) *Manager {
	return &Manager{
		client:      client,
		clk:         clk,
		checkpoints: make(map[string]map[string]*Checkpoint),
	}
}

// Capture records the live manifest for ref before an apply. Server-owned
// fields are stripped so the checkpoint can be re-applied verbatim.
func (m *Manager) Capture(ctx context.Context, planID string, ref resource.Ref) (*Checkpoint, error) {
	cp := &Checkpoint{Resource: ref, CapturedAt: m.clk.Now().UTC()}

	live, err := m.client.Get(ctx, ref)
	switch {
	case err == nil:
		cp.Existed = true
		cp.Manifest = stripServerFields(live)
	case reconciler.IsNotFound(err):
		// Absence is a valid prior state; restoring deletes the resource.
	default:
		return nil, fmt.Errorf("cannot capture rollback point for %s: %w", ref, err)
	}

	m.mu.Lock()
	if m.checkpoints[planID] == nil {
		m.checkpoints[planID] = make(map[string]*Checkpoint)
	}
	m.checkpoints[planID][ref.String()] = cp
	m.mu.Unlock()

	logging.Debug("RollbackManager", "Captured rollback point for %s (existed=%v)", ref, cp.Existed)
	return cp, nil
}

// Checkpoint returns the stored checkpoint for (planID, ref).
func (m *Manager) Checkpoint(planID string, ref resource.Ref) (*Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[planID][ref.String()]
	return cp, ok
}

// Checkpoints returns a copy of all checkpoints for a plan, for embedding
// into the persisted execution state.
func (m *Manager) Checkpoints(planID string) map[string]*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Checkpoint, len(m.checkpoints[planID]))
	for key, cp := range m.checkpoints[planID] {
		out[key] = cp
	}
	return out
}

// Seed rehydrates checkpoints from a persisted execution state so a
// top-level rollback can run in a fresh process.
func (m *Manager) Seed(planID string, checkpoints map[string]*Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoints[planID] == nil {
		m.checkpoints[planID] = make(map[string]*Checkpoint)
	}
	for key, cp := range checkpoints {
		m.checkpoints[planID][key] = cp
	}
}

// Restore re-applies the captured prior manifest for ref and waits for
// convergence with the same stabilizing logic as forward application.
// All failures come back as *FailureError.
func (m *Manager) Restore(ctx context.Context, planID string, ref resource.Ref, interval, timeout time.Duration) error {
	cp, ok := m.Checkpoint(planID, ref)
	if !ok {
		return &FailureError{Resource: ref, Err: fmt.Errorf("no rollback point captured for plan %s", planID)}
	}

	if !cp.Existed {
		logging.Info("RollbackManager", "Rolling back %s by deleting it (did not exist before)", ref)
		if err := m.client.Delete(ctx, ref); err != nil {
			return &FailureError{Resource: ref, Err: err}
		}
		return nil
	}

	logging.Info("RollbackManager", "Restoring prior manifest for %s", ref)
	if err := m.client.Apply(ctx, ref, cp.Manifest.DeepCopy()); err != nil {
		return &FailureError{Resource: ref, Err: err}
	}
	if err := reconciler.WaitConverged(ctx, m.client, ref, m.clk, interval, timeout); err != nil {
		return &FailureError{Resource: ref, Err: err}
	}
	return nil
}

// Fields the API server owns; carrying them into a re-apply would either
// be rejected or fight the server's bookkeeping.
var serverMetadataFields = []string{
	"resourceVersion",
	"uid",
	"managedFields",
	"creationTimestamp",
	"generation",
	"selfLink",
}

func stripServerFields(obj *unstructured.Unstructured) *unstructured.Unstructured {
	clean := obj.DeepCopy()
	unstructured.RemoveNestedField(clean.Object, "status")
	for _, field := range serverMetadataFields {
		unstructured.RemoveNestedField(clean.Object, "metadata", field)
	}
	return clean
}
