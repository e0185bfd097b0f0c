// Package executor applies an update plan batch by batch, monitoring
// stabilization, detecting stuck operations and driving retries and
// rollback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"

	"updatectl/internal/planner"
	"updatectl/internal/reconciler"
	"updatectl/internal/resource"
	"updatectl/internal/rollback"
	"updatectl/pkg/logging"
)

// StateWriter is the narrow persistence surface the executor needs. The
// state store implements it; tests substitute an in-memory fake.
type StateWriter interface {
	// SaveExecution durably writes the execution state. Atomic: either the
	// whole state lands or nothing changes.
	SaveExecution(state *ExecutionState) error

	// LockPlan guards a plan against concurrent executors. It returns an
	// unlock function, or ErrPlanLocked-equivalent when another execution
	// is in flight.
	LockPlan(planID string) (func(), error)
}

// Options configure an execution run.
type Options struct {
	// Parallelism bounds the worker pool for operations within one batch.
	Parallelism int

	// PollInterval is the stabilization polling cadence.
	PollInterval time.Duration

	// StabilizeTimeout returns the convergence budget for a strategy.
	StabilizeTimeout func(resource.Strategy) time.Duration

	// Retry is the stuck-operation retry policy.
	Retry RetryPolicy

	// RollbackOnFailure also rolls back previously completed batches when
	// the plan aborts.
	RollbackOnFailure bool

	// ParallelBatches lets an all-low-risk batch start while the previous
	// all-low-risk batch is still resolving. Per-operation dependency
	// ordering holds regardless; it requires Dependencies to be populated.
	ParallelBatches bool

	// Dependencies maps each ref (string form) to the refs it depends on.
	// Only consulted in parallel-batches mode.
	Dependencies map[string][]resource.Ref
}

// Executor runs plans against the reconciler.
type Executor struct {
	client   reconciler.Client
	rollback *rollback.Manager
	store    StateWriter
	clk      clock.Clock
	opts     Options
}

// New creates an executor.
func New(client reconciler.Client, rb *rollback.Manager, store StateWriter, clk clock.Clock, opts Options) *Executor {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Executor{
		client:   client,
		rollback: rb,
		store:    store,
		clk:      clk,
		opts:     opts,
	}
}

// Execute applies the plan. The returned state is also persisted through
// the StateWriter, including on failure and cancellation, so the operator
// can inspect or resume afterwards.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) (*ExecutionState, error) {
	if plan.DryRun {
		return nil, fmt.Errorf("plan %s was created with dry-run and cannot be executed", plan.ID)
	}

	unlock, err := e.store.LockPlan(plan.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state := NewExecutionState(plan, e.clk.Now().UTC())
	if err := e.persist(state); err != nil {
		return state, err
	}

	logging.Info("Executor", "Executing plan %s: %d operations in %d batches",
		plan.ID, plan.TotalOperations(), len(plan.Batches))

	execErr := e.runBatches(ctx, plan, state)

	switch {
	case execErr == nil:
		state.Finish(ResultSucceeded, e.clk.Now().UTC())
	case errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded):
		state.CancelUnresolved("execution aborted")
		state.Finish(ResultCancelled, e.clk.Now().UTC())
	default:
		result := ResultFailed
		if e.opts.RollbackOnFailure {
			e.rollbackCompleted(state)
			result = ResultRolledBack
		}
		state.Finish(result, e.clk.Now().UTC())
	}

	if saveErr := e.persist(state); saveErr != nil {
		logging.Error("Executor", saveErr, "Failed to persist final execution state for plan %s", plan.ID)
		if execErr == nil {
			execErr = saveErr
		}
	}

	return state, execErr
}

func (e *Executor) runBatches(ctx context.Context, plan *planner.Plan, state *ExecutionState) error {
	readiness := newReadinessTracker(plan)

	var overlap sync.WaitGroup
	overlapErr := make(chan error, len(plan.Batches))

	for batchIdx, batch := range plan.Batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		state.SetCurrentBatch(batchIdx)

		// Adjacent all-low-risk batches may overlap in parallel mode;
		// everything else waits for the previous batch to fully resolve.
		overlapping := e.opts.ParallelBatches &&
			len(e.opts.Dependencies) > 0 &&
			batchIdx > 0 &&
			batch.MaxRisk() == resource.RiskLow &&
			plan.Batches[batchIdx-1].MaxRisk() == resource.RiskLow

		if !overlapping {
			overlap.Wait()
			select {
			case err := <-overlapErr:
				return err
			default:
			}
			if err := e.runBatch(ctx, plan, state, batchIdx, readiness); err != nil {
				return err
			}
			continue
		}

		overlap.Add(1)
		go func(idx int) {
			defer overlap.Done()
			if err := e.runBatch(ctx, plan, state, idx, readiness); err != nil {
				overlapErr <- err
			}
		}(batchIdx)
	}

	overlap.Wait()
	select {
	case err := <-overlapErr:
		return err
	default:
	}
	return nil
}

// runBatch executes one batch over a bounded worker pool. A batch is
// complete only when every operation reaches Ready or a terminal failure
// state; any Failed operation aborts the remaining batches.
func (e *Executor) runBatch(ctx context.Context, plan *planner.Plan, state *ExecutionState, batchIdx int, readiness *readinessTracker) error {
	batch := plan.Batches[batchIdx]
	logging.Info("Executor", "Starting batch %d/%d (%d operations)", batchIdx+1, len(plan.Batches), len(batch.Operations))

	sem := make(chan struct{}, e.opts.Parallelism)
	var wg sync.WaitGroup

	for _, op := range batch.Operations {
		wg.Add(1)
		go func(op planner.Operation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			e.runOperation(ctx, plan.ID, op, state, readiness)
		}(op)
	}
	wg.Wait()

	if err := e.persist(state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, op := range batch.Operations {
		if status := state.StatusOf(op.Resource); status == StatusFailed || status == StatusRolledBack {
			return fmt.Errorf("batch %d: operation %s ended %s, aborting remaining batches", batchIdx+1, op.Resource, status)
		}
	}
	return nil
}

// runOperation drives one operation through the state machine.
func (e *Executor) runOperation(ctx context.Context, planID string, op planner.Operation, state *ExecutionState, readiness *readinessTracker) {
	defer func() {
		readiness.resolve(op.Resource, state.StatusOf(op.Resource) == StatusReady)
	}()

	// Ordering guarantee: never start applying before every dependency has
	// reached Ready. In sequential mode the batch barrier already ensures
	// this; overlapping batches gate per operation.
	if e.opts.ParallelBatches {
		if ok := readiness.waitForDeps(ctx, op.Resource, e.opts.Dependencies[op.Resource.String()]); !ok {
			state.Transition(op.Resource, StatusCancelled, "dependency did not become ready")
			return
		}
	}
	if ctx.Err() != nil {
		state.Transition(op.Resource, StatusCancelled, "execution aborted")
		return
	}

	// Idempotence: a resource already at its desired spec and converged is
	// Ready without any apply call.
	if e.alreadyConverged(ctx, op) {
		logging.Info("Executor", "Operation %s already converged, skipping apply", op.Resource)
		state.Transition(op.Resource, StatusReady, "already converged")
		return
	}

	if _, err := e.rollback.Capture(ctx, planID, op.Resource); err != nil {
		state.Transition(op.Resource, StatusFailed, err.Error())
		return
	}

	timeout := e.opts.StabilizeTimeout(op.Strategy)

	for attempt := 1; ; attempt++ {
		state.Transition(op.Resource, StatusApplying, "")
		err := e.client.Apply(ctx, op.Resource, op.Manifest.DeepCopy())
		if err == nil {
			state.Transition(op.Resource, StatusStabilizing, "")
			err = reconciler.WaitConverged(ctx, e.client, op.Resource, e.clk, e.opts.PollInterval, timeout)
			if err == nil {
				state.Transition(op.Resource, StatusReady, "")
				return
			}
		}

		if ctx.Err() != nil {
			state.Transition(op.Resource, StatusCancelled, "execution aborted")
			return
		}

		var applyErr *reconciler.ApplyError
		if errors.As(err, &applyErr) && applyErr.Fatal {
			logging.Error("Executor", err, "Operation %s rejected permanently", op.Resource)
			state.Transition(op.Resource, StatusFailed, err.Error())
			return
		}

		var stuck *reconciler.StuckTimeoutError
		if errors.As(err, &stuck) {
			state.Transition(op.Resource, StatusStuck, err.Error())
		}

		if attempt >= e.opts.Retry.MaxAttempts {
			logging.Warn("Executor", "Operation %s exhausted %d attempts, rolling back", op.Resource, attempt)
			e.rollbackOperation(ctx, planID, op, state)
			return
		}

		retry := state.IncrementRetries(op.Resource)
		backoff := e.opts.Retry.BackoffFor(retry)
		state.Transition(op.Resource, StatusRetrying, fmt.Sprintf("attempt %d failed: %v", attempt, err))
		logging.Info("Executor", "Operation %s retry %d in %s", op.Resource, retry, backoff)

		timer := e.clk.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			state.Transition(op.Resource, StatusCancelled, "execution aborted")
			return
		case <-timer.C():
		}
	}
}

func (e *Executor) rollbackOperation(ctx context.Context, planID string, op planner.Operation, state *ExecutionState) {
	state.Transition(op.Resource, StatusRollingBack, "")
	timeout := e.opts.StabilizeTimeout(op.Strategy)
	if err := e.rollback.Restore(ctx, planID, op.Resource, e.opts.PollInterval, timeout); err != nil {
		logging.Error("Executor", err, "Rollback of %s failed, manual intervention required", op.Resource)
		state.Transition(op.Resource, StatusFailed, err.Error())
		return
	}
	state.Transition(op.Resource, StatusRolledBack, "prior manifest restored")
}

// rollbackCompleted restores every Ready operation in reverse batch order
// so dependents are rolled back before their dependencies.
func (e *Executor) rollbackCompleted(state *ExecutionState) {
	// Rollback runs on a fresh context: the execution context may already
	// be failed, and restoration should not be truncated by it.
	ctx := context.Background()

	batches := state.BatchStatuses()
	for batchIdx := len(batches) - 1; batchIdx >= 0; batchIdx-- {
		for _, opState := range batches[batchIdx] {
			if opState.Status != StatusReady {
				continue
			}
			if _, ok := e.rollback.Checkpoint(state.PlanID, opState.Resource); !ok {
				// Skipped as already-converged; there is nothing to undo.
				continue
			}
			state.Transition(opState.Resource, StatusRollingBack, "")
			timeout := e.opts.StabilizeTimeout(opState.Strategy)
			if err := e.rollback.Restore(ctx, state.PlanID, opState.Resource, e.opts.PollInterval, timeout); err != nil {
				logging.Error("Executor", err, "Rollback of completed operation %s failed", opState.Resource)
				state.Transition(opState.Resource, StatusFailed, err.Error())
				continue
			}
			state.Transition(opState.Resource, StatusRolledBack, "prior manifest restored")
		}
	}
}

// alreadyConverged reports whether the live resource already matches the
// desired manifest and has converged.
func (e *Executor) alreadyConverged(ctx context.Context, op planner.Operation) bool {
	live, err := e.client.Get(ctx, op.Resource)
	if err != nil {
		return false
	}
	if !manifestSubsetEqual(op.Manifest, live) {
		return false
	}
	status, err := e.client.Status(ctx, op.Resource)
	return err == nil && status.Converged
}

// manifestSubsetEqual compares every top-level field of the desired
// manifest (except identity and server-owned sections) against the live
// object.
func manifestSubsetEqual(desired, live *unstructured.Unstructured) bool {
	for key, want := range desired.Object {
		switch key {
		case "apiVersion", "kind", "metadata", "status":
			continue
		}
		if !reflect.DeepEqual(want, live.Object[key]) {
			return false
		}
	}
	return true
}

// persist writes the current state, always carrying the rollback
// checkpoints captured so far. A crash between batches must leave a state
// from which `rollback` can still restore every Ready operation.
func (e *Executor) persist(state *ExecutionState) error {
	state.SetCheckpoints(e.rollback.Checkpoints(state.PlanID))
	if err := e.store.SaveExecution(state.Snapshot()); err != nil {
		return fmt.Errorf("failed to persist execution state for plan %s: %w", state.PlanID, err)
	}
	return nil
}
