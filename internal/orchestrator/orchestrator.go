// Package orchestrator composes graph building, planning, execution,
// rollback and persistence into the operations exposed at the command
// boundary.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"updatectl/internal/config"
	"updatectl/internal/executor"
	"updatectl/internal/graph"
	"updatectl/internal/planner"
	"updatectl/internal/reconciler"
	"updatectl/internal/resource"
	"updatectl/internal/rollback"
	"updatectl/internal/statestore"
	"updatectl/pkg/logging"
)

// Orchestrator is the facade over the update pipeline.
type Orchestrator struct {
	cfg    config.Config
	store  statestore.Store
	clk    clock.Clock
	client reconciler.Client // lazily created unless injected

	newClient func(kubeContext string) (reconciler.Client, error)
}

// Option customizes construction; used by tests to inject collaborators.
type Option func(*Orchestrator)

// WithClient injects a reconciler client.
func WithClient(c reconciler.Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithStore injects a state store.
func WithStore(s statestore.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithClock injects a clock.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = c }
}

// New creates an orchestrator for the given configuration. The reconciler
// client is only dialed when an operation needs the cluster, so plan,
// validate and analyze work offline.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		clk:       clock.RealClock{},
		newClient: reconciler.NewDynamicClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		store, err := statestore.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		o.store = store
	}
	return o, nil
}

func (o *Orchestrator) reconcilerClient() (reconciler.Client, error) {
	if o.client == nil {
		client, err := o.newClient(o.cfg.KubeContext)
		if err != nil {
			return nil, err
		}
		o.client = client
	}
	return o.client, nil
}

// load reads declarations and applies the namespace scope.
func (o *Orchestrator) load(paths []string) ([]resource.Declaration, error) {
	decls, err := resource.Load(paths...)
	if err != nil {
		return nil, err
	}
	if o.cfg.Namespace == "" {
		return decls, nil
	}
	scoped := decls[:0]
	for _, decl := range decls {
		// Cluster-scoped resources stay in scope.
		if decl.Ref.Namespace == "" || decl.Ref.Namespace == o.cfg.Namespace {
			scoped = append(scoped, decl)
		}
	}
	if len(scoped) == 0 {
		return nil, fmt.Errorf("no resources in namespace %s", o.cfg.Namespace)
	}
	return scoped, nil
}

// Plan builds and persists a new update plan for the resource set.
// Dry-run plans are rendered but not persisted.
func (o *Orchestrator) Plan(paths []string, dryRun bool) (*planner.Plan, error) {
	decls, err := o.load(paths)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(decls)
	if err != nil {
		return nil, err
	}
	plan, err := planner.BuildPlan(g, o.cfg, dryRun)
	if err != nil {
		return nil, err
	}
	if !dryRun {
		if err := o.store.SavePlan(plan); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Validate reports structural problems without producing a plan or
// touching the cluster.
func (o *Orchestrator) Validate(paths []string) ([]planner.Finding, error) {
	decls, err := o.load(paths)
	if err != nil {
		return nil, err
	}
	return planner.Validate(decls, o.cfg), nil
}

// Analyze exposes the dependency graph and risk classification.
func (o *Orchestrator) Analyze(paths []string) (*planner.Analysis, error) {
	decls, err := o.load(paths)
	if err != nil {
		return nil, err
	}
	return planner.Analyze(decls, o.cfg)
}

// Execute runs a plan. With planID set, the stored plan is executed;
// otherwise a fresh plan is built from paths first.
func (o *Orchestrator) Execute(ctx context.Context, paths []string, planID string) (*executor.ExecutionState, error) {
	var plan *planner.Plan
	var err error
	if planID != "" {
		plan, err = o.store.LoadPlan(planID)
	} else {
		plan, err = o.Plan(paths, false)
	}
	if err != nil {
		return nil, err
	}

	deps, err := o.dependenciesForPlan(plan)
	if err != nil {
		return nil, err
	}

	client, err := o.reconcilerClient()
	if err != nil {
		return nil, err
	}

	rollbackMgr := rollback.NewManager(client, o.clk)
	exec := executor.New(client, rollbackMgr, o.store, o.clk, executor.Options{
		Parallelism:       o.cfg.Parallelism,
		PollInterval:      time.Duration(o.cfg.PollInterval),
		StabilizeTimeout:  o.cfg.StabilizeTimeout,
		Retry:             executor.NewRetryPolicy(o.cfg.Retry.MaxAttempts, time.Duration(o.cfg.Retry.InitialBackoff), o.cfg.Retry.BackoffFactor),
		RollbackOnFailure: o.cfg.RollbackOnFailure,
		ParallelBatches:   o.cfg.ParallelBatches,
		Dependencies:      deps,
	})

	return exec.Execute(ctx, plan)
}

// dependenciesForPlan rebuilds the dependency edges from the plan's own
// manifests so per-operation ordering holds even for stored plans.
func (o *Orchestrator) dependenciesForPlan(plan *planner.Plan) (map[string][]resource.Ref, error) {
	if !o.cfg.ParallelBatches {
		return nil, nil
	}
	var decls []resource.Declaration
	for _, batch := range plan.Batches {
		for _, op := range batch.Operations {
			// Re-parse the annotations off the stored manifest; explicit
			// depends-on edges must survive the plan round-trip.
			decl, err := resource.NewDeclaration(op.Manifest)
			if err != nil {
				return nil, fmt.Errorf("cannot rebuild dependencies for plan %s: %w", plan.ID, err)
			}
			decls = append(decls, decl)
		}
	}
	g, err := graph.Build(decls)
	if err != nil {
		return nil, fmt.Errorf("cannot rebuild dependencies for plan %s: %w", plan.ID, err)
	}
	deps := make(map[string][]resource.Ref, len(g.Nodes))
	for ref, node := range g.Nodes {
		deps[ref.String()] = append([]resource.Ref(nil), node.DependsOn...)
	}
	return deps, nil
}

// Status returns the execution state for a plan, or the latest execution
// when planID is empty. Read-only.
func (o *Orchestrator) Status(planID string) (*executor.ExecutionState, error) {
	if planID == "" {
		return o.store.LatestExecution()
	}
	return o.store.LoadExecution(planID)
}

// Rollback restores every operation of the given (or latest) execution
// that reached Ready, in reverse batch order, so dependents are rolled
// back before their dependencies.
func (o *Orchestrator) Rollback(ctx context.Context, planID string) (*executor.ExecutionState, error) {
	var state *executor.ExecutionState
	var err error
	if planID == "" {
		state, err = o.store.LatestExecution()
	} else {
		state, err = o.store.LoadExecution(planID)
	}
	if err != nil {
		return nil, err
	}

	unlock, err := o.store.LockPlan(state.PlanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	client, err := o.reconcilerClient()
	if err != nil {
		return nil, err
	}
	rollbackMgr := rollback.NewManager(client, o.clk)
	rollbackMgr.Seed(state.PlanID, state.Checkpoints)

	logging.Info("Orchestrator", "Rolling back plan %s", state.PlanID)

	var firstErr error
	batches := state.BatchStatuses()
	for batchIdx := len(batches) - 1; batchIdx >= 0; batchIdx-- {
		for _, opState := range batches[batchIdx] {
			if opState.Status != executor.StatusReady {
				continue
			}
			if _, ok := rollbackMgr.Checkpoint(state.PlanID, opState.Resource); !ok {
				// Reached Ready without an apply (already converged);
				// nothing to undo.
				continue
			}
			state.Transition(opState.Resource, executor.StatusRollingBack, "")
			timeout := o.cfg.StabilizeTimeout(opState.Strategy)
			if err := rollbackMgr.Restore(ctx, state.PlanID, opState.Resource, time.Duration(o.cfg.PollInterval), timeout); err != nil {
				logging.Error("Orchestrator", err, "Rollback of %s failed", opState.Resource)
				state.Transition(opState.Resource, executor.StatusFailed, err.Error())
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			state.Transition(opState.Resource, executor.StatusRolledBack, "prior manifest restored")
		}
	}

	result := executor.ResultRolledBack
	if firstErr != nil {
		result = executor.ResultFailed
	}
	state.Finish(result, o.clk.Now().UTC())
	if err := o.store.SaveExecution(state.Snapshot()); err != nil && firstErr == nil {
		firstErr = err
	}
	return state, firstErr
}

// Prune removes stored plans and execution states for finished executions.
func (o *Orchestrator) Prune() ([]string, error) {
	return o.store.Prune()
}
