package executor

import (
	"sort"
	"sync"
	"time"

	"updatectl/internal/planner"
	"updatectl/internal/resource"
	"updatectl/internal/rollback"
)

// OperationStatus is the per-operation state machine:
//
//	Pending → Applying → Stabilizing → {Ready | Stuck}
//	Stuck → (Retrying → Applying) | RollingBack → {RolledBack | Failed}
//
// Cancelled is reached from any non-terminal state when the execution is
// aborted or its deadline passes.
type OperationStatus string

const (
	StatusPending     OperationStatus = "Pending"
	StatusApplying    OperationStatus = "Applying"
	StatusStabilizing OperationStatus = "Stabilizing"
	StatusReady       OperationStatus = "Ready"
	StatusStuck       OperationStatus = "Stuck"
	StatusRetrying    OperationStatus = "Retrying"
	StatusRollingBack OperationStatus = "RollingBack"
	StatusRolledBack  OperationStatus = "RolledBack"
	StatusFailed      OperationStatus = "Failed"
	StatusCancelled   OperationStatus = "Cancelled"
)

// Terminal reports whether the status is an end state.
func (s OperationStatus) Terminal() bool {
	switch s {
	case StatusReady, StatusRolledBack, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution results.
const (
	ResultRunning    = "running"
	ResultSucceeded  = "succeeded"
	ResultFailed     = "failed"
	ResultCancelled  = "cancelled"
	ResultRolledBack = "rolled-back"
)

// stateSchemaVersion guards persisted execution states against older
// readers after incompatible changes.
const stateSchemaVersion = 1

// OperationState is the mutable execution record for one planned operation.
type OperationState struct {
	Resource resource.Ref      `json:"resource"`
	Batch    int               `json:"batch"`
	Strategy resource.Strategy `json:"strategy"`
	Status   OperationStatus   `json:"status"`
	Retries  int               `json:"retries"`
	Message  string            `json:"message,omitempty"`
}

// ExecutionState is the only mutable shared structure during execution.
// It is persisted after every meaningful transition so `status` and
// `rollback` work against a process that is no longer running.
type ExecutionState struct {
	SchemaVersion int                             `json:"schemaVersion"`
	PlanID        string                          `json:"planId"`
	CurrentBatch  int                             `json:"currentBatch"`
	Result        string                          `json:"result"`
	Operations    map[string]*OperationState     `json:"operations"`
	Checkpoints   map[string]*rollback.Checkpoint `json:"checkpoints,omitempty"`
	StartedAt     time.Time                       `json:"startedAt"`
	FinishedAt    *time.Time                      `json:"finishedAt,omitempty"`

	mu sync.Mutex
}

// NewExecutionState initializes execution tracking for a plan, with every
// operation Pending.
func NewExecutionState(plan *planner.Plan, now time.Time) *ExecutionState {
	state := &ExecutionState{
		SchemaVersion: stateSchemaVersion,
		PlanID:        plan.ID,
		Result:        ResultRunning,
		Operations:    make(map[string]*OperationState, plan.TotalOperations()),
		StartedAt:     now,
	}
	for batchIdx, batch := range plan.Batches {
		for _, op := range batch.Operations {
			state.Operations[op.Resource.String()] = &OperationState{
				Resource: op.Resource,
				Batch:    batchIdx,
				Strategy: op.Strategy,
				Status:   StatusPending,
			}
		}
	}
	return state
}

// Transition moves an operation to a new status under the state lock.
func (s *ExecutionState) Transition(ref resource.Ref, status OperationStatus, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := s.Operations[ref.String()]
	if op == nil {
		return
	}
	// Ready is terminal for forward execution but may still move to
	// RollingBack when the whole plan is undone.
	if op.Status.Terminal() && !(op.Status == StatusReady && status == StatusRollingBack) {
		return
	}
	op.Status = status
	op.Message = message
}

// IncrementRetries bumps the retry counter for an operation.
func (s *ExecutionState) IncrementRetries(ref resource.Ref) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := s.Operations[ref.String()]
	if op == nil {
		return 0
	}
	op.Retries++
	return op.Retries
}

// StatusOf returns the current status of an operation.
func (s *ExecutionState) StatusOf(ref resource.Ref) OperationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op := s.Operations[ref.String()]; op != nil {
		return op.Status
	}
	return ""
}

// CancelUnresolved marks every non-terminal operation Cancelled.
func (s *ExecutionState) CancelUnresolved(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.Operations {
		if !op.Status.Terminal() {
			op.Status = StatusCancelled
			op.Message = reason
		}
	}
}

// Finish stamps the terminal result.
func (s *ExecutionState) Finish(result string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Result = result
	s.FinishedAt = &now
}

// SetCurrentBatch records execution progress.
func (s *ExecutionState) SetCurrentBatch(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentBatch = idx
}

// SetCheckpoints attaches the rollback checkpoints for persistence.
func (s *ExecutionState) SetCheckpoints(cps map[string]*rollback.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Checkpoints = cps
}

// Snapshot returns a copy safe to serialize while execution continues.
func (s *ExecutionState) Snapshot() *ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	copyState := &ExecutionState{
		SchemaVersion: s.SchemaVersion,
		PlanID:        s.PlanID,
		CurrentBatch:  s.CurrentBatch,
		Result:        s.Result,
		Operations:    make(map[string]*OperationState, len(s.Operations)),
		Checkpoints:   make(map[string]*rollback.Checkpoint, len(s.Checkpoints)),
		StartedAt:     s.StartedAt,
	}
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		copyState.FinishedAt = &finished
	}
	for key, op := range s.Operations {
		opCopy := *op
		copyState.Operations[key] = &opCopy
	}
	for key, cp := range s.Checkpoints {
		// Checkpoints are immutable after capture; sharing is safe.
		copyState.Checkpoints[key] = cp
	}
	return copyState
}

// BatchStatuses returns per-batch operation states ordered by batch index.
func (s *ExecutionState) BatchStatuses() [][]*OperationState {
	snapshot := s.Snapshot()
	maxBatch := -1
	for _, op := range snapshot.Operations {
		if op.Batch > maxBatch {
			maxBatch = op.Batch
		}
	}
	batches := make([][]*OperationState, maxBatch+1)
	for _, op := range snapshot.Operations {
		batches[op.Batch] = append(batches[op.Batch], op)
	}
	for _, ops := range batches {
		sortOperationStates(ops)
	}
	return batches
}

func sortOperationStates(ops []*OperationState) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Resource.String() < ops[j].Resource.String()
	})
}
