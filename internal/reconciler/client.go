// Package reconciler abstracts the infrastructure control plane behind a
// small get/apply/delete/status interface so the orchestrator logic stays
// free of transport detail. The production binding speaks to a Kubernetes
// API server through client-go; tests substitute a mock.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"updatectl/internal/resource"
)

// Client is the boundary to the external reconciler.
type Client interface {
	// Get returns the live manifest for a resource, or a NotFound error.
	Get(ctx context.Context, ref resource.Ref) (*unstructured.Unstructured, error)

	// Apply submits a desired manifest. The reconciler converges the live
	// state toward it asynchronously; rejection surfaces as an ApplyError.
	Apply(ctx context.Context, ref resource.Ref, manifest *unstructured.Unstructured) error

	// Delete removes a resource. Deleting an absent resource is not an error.
	Delete(ctx context.Context, ref resource.Ref) error

	// Status reports whether the resource has converged to its desired state.
	Status(ctx context.Context, ref resource.Ref) (Status, error)
}

// Status is the convergence report for a single resource.
type Status struct {
	Converged bool   `json:"converged"`
	Message   string `json:"message,omitempty"`
}

// ErrNotFound marks a Get against a resource the reconciler does not know.
var ErrNotFound = errors.New("resource not found")

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ApplyError means the reconciler rejected a submission. Fatal marks
// rejections that will repeat identically on retry, e.g. an
// immutable-field conflict; the executor fails those operations without
// burning the retry budget.
type ApplyError struct {
	Resource resource.Ref
	Reason   string
	Fatal    bool
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply rejected for %s: %s", e.Resource, e.Reason)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
