// Package statestore persists plans and execution states so status and
// rollback work against a process that is no longer running, and so that
// execution can resume after interruption.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"updatectl/internal/executor"
	"updatectl/internal/planner"
	"updatectl/pkg/logging"
)

// ErrNotFound is returned when no stored plan or execution matches.
var ErrNotFound = errors.New("not found in state store")

// ErrPlanLocked means another execution is already driving the plan.
var ErrPlanLocked = errors.New("plan already executing")

// Store is the persistence contract. Save operations are atomic: either
// the whole document is durably written or nothing changes. Loads never
// mutate stored state.
type Store interface {
	SavePlan(plan *planner.Plan) error
	LoadPlan(planID string) (*planner.Plan, error)

	SaveExecution(state *executor.ExecutionState) error
	LoadExecution(planID string) (*executor.ExecutionState, error)

	// LatestExecution returns the most recently started execution.
	LatestExecution() (*executor.ExecutionState, error)

	// LockPlan takes the per-plan execution lock, returning the unlock
	// function or ErrPlanLocked.
	LockPlan(planID string) (func(), error)

	// Prune removes plans and execution states for finished executions and
	// returns the pruned plan IDs.
	Prune() ([]string, error)
}

// fileStore keeps each document as one JSON file under the state
// directory: plans/<id>.json, executions/<id>.json, locks/<id>.lock.
type fileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]bool
}

// NewFileStore creates (if needed) the state directory layout and returns
// a file-backed store.
func NewFileStore(dir string) (Store, error) {
	for _, sub := range []string{"plans", "executions", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create state directory %s: %w", filepath.Join(dir, sub), err)
		}
	}
	return &fileStore{dir: dir, locks: make(map[string]bool)}, nil
}

func (s *fileStore) planPath(planID string) string {
	return filepath.Join(s.dir, "plans", planID+".json")
}

func (s *fileStore) executionPath(planID string) string {
	return filepath.Join(s.dir, "executions", planID+".json")
}

func (s *fileStore) lockPath(planID string) string {
	return filepath.Join(s.dir, "locks", planID+".lock")
}

func (s *fileStore) SavePlan(plan *planner.Plan) error {
	return writeAtomic(s.planPath(plan.ID), plan)
}

func (s *fileStore) LoadPlan(planID string) (*planner.Plan, error) {
	var plan planner.Plan
	if err := readJSON(s.planPath(planID), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *fileStore) SaveExecution(state *executor.ExecutionState) error {
	return writeAtomic(s.executionPath(state.PlanID), state)
}

func (s *fileStore) LoadExecution(planID string) (*executor.ExecutionState, error) {
	var state executor.ExecutionState
	if err := readJSON(s.executionPath(planID), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *fileStore) LatestExecution() (*executor.ExecutionState, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "executions"))
	if err != nil {
		return nil, fmt.Errorf("cannot list executions: %w", err)
	}

	var latest *executor.ExecutionState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		planID := strings.TrimSuffix(entry.Name(), ".json")
		state, err := s.LoadExecution(planID)
		if err != nil {
			logging.Warn("StateStore", "Skipping unreadable execution state %s: %v", entry.Name(), err)
			continue
		}
		if latest == nil || state.StartedAt.After(latest.StartedAt) {
			latest = state
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no executions recorded: %w", ErrNotFound)
	}
	return latest, nil
}

// LockPlan combines an in-process mutex map with an on-disk lock file so
// both a second goroutine and a second process fail fast.
func (s *fileStore) LockPlan(planID string) (func(), error) {
	s.mu.Lock()
	if s.locks[planID] {
		s.mu.Unlock()
		return nil, fmt.Errorf("plan %s: %w", planID, ErrPlanLocked)
	}
	s.locks[planID] = true
	s.mu.Unlock()

	path := s.lockPath(planID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil && os.IsExist(err) && lockIsStale(path) {
		logging.Warn("StateStore", "Reclaiming stale lock %s, holder is no longer running", path)
		if rmErr := os.Remove(path); rmErr == nil || os.IsNotExist(rmErr) {
			f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		}
	}
	if err != nil {
		s.mu.Lock()
		delete(s.locks, planID)
		s.mu.Unlock()
		if os.IsExist(err) {
			return nil, fmt.Errorf("plan %s: %w", planID, ErrPlanLocked)
		}
		return nil, fmt.Errorf("cannot create lock file for plan %s: %w", planID, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	unlock := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("StateStore", "Failed to remove lock file %s: %v", path, err)
		}
		s.mu.Lock()
		delete(s.locks, planID)
		s.mu.Unlock()
	}
	return unlock, nil
}

func (s *fileStore) Prune() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "executions"))
	if err != nil {
		return nil, fmt.Errorf("cannot list executions: %w", err)
	}

	var pruned []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		planID := strings.TrimSuffix(entry.Name(), ".json")
		state, err := s.LoadExecution(planID)
		if err != nil {
			continue
		}
		if state.Result == executor.ResultRunning {
			continue
		}
		if _, err := os.Stat(s.lockPath(planID)); err == nil {
			if !lockIsStale(s.lockPath(planID)) {
				continue // still locked, leave it alone
			}
			if err := os.Remove(s.lockPath(planID)); err != nil && !os.IsNotExist(err) {
				return pruned, fmt.Errorf("cannot remove stale lock for plan %s: %w", planID, err)
			}
		}
		if err := os.Remove(s.executionPath(planID)); err != nil {
			return pruned, fmt.Errorf("cannot prune execution %s: %w", planID, err)
		}
		if err := os.Remove(s.planPath(planID)); err != nil && !os.IsNotExist(err) {
			return pruned, fmt.Errorf("cannot prune plan %s: %w", planID, err)
		}
		pruned = append(pruned, planID)
	}
	return pruned, nil
}

// lockIsStale reports whether a lock file was left behind by a process
// that is no longer running. Lock files carry the holder PID; a file we
// cannot attribute to any live process (unreadable, garbage content, dead
// PID) is stale. A lock held by this very process is never stale; the
// in-process lock map already arbitrates those.
func lockIsStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	if pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

// writeAtomic writes through a temp file, fsyncs, then renames into place.
func writeAtomic(path string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot serialize %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cannot create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cannot finalize %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, doc interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return nil
}
