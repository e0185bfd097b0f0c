package reconciler

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"updatectl/internal/resource"
	"updatectl/pkg/logging"
)

// StuckTimeoutError means convergence was not observed within the allotted
// time. The executor escalates it through the retry policy.
type StuckTimeoutError struct {
	Resource    resource.Ref
	LastMessage string
}

func (e *StuckTimeoutError) Error() string {
	if e.LastMessage == "" {
		return fmt.Sprintf("resource %s did not converge in time", e.Resource)
	}
	return fmt.Sprintf("resource %s did not converge in time: %s", e.Resource, e.LastMessage)
}

// WaitConverged polls Status at a fixed interval until the resource
// converges, the timeout elapses (StuckTimeoutError), or the context is
// cancelled. The clock is injected so tests run without real timers.
// Forward application and rollback restoration share this exact logic.
func WaitConverged(ctx context.Context, c Client, ref resource.Ref, clk clock.Clock, interval, timeout time.Duration) error {
	deadline := clk.Now().Add(timeout)
	lastMessage := ""

	for {
		status, err := c.Status(ctx, ref)
		if err != nil {
			return fmt.Errorf("status check for %s failed: %w", ref, err)
		}
		if status.Converged {
			logging.Debug("Reconciler", "Resource %s converged: %s", ref, status.Message)
			return nil
		}
		lastMessage = status.Message

		now := clk.Now()
		if !now.Before(deadline) {
			return &StuckTimeoutError{Resource: ref, LastMessage: lastMessage}
		}
		sleep := interval
		if remaining := deadline.Sub(now); remaining < sleep {
			sleep = remaining
		}

		timer := clk.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}
