// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// TaskStore keeps tasks in a map guarded by one mutex, so every claim is a
// single conditional transition.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]harvest.Task
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]harvest.Task)}
}

// CreateTask stores a new task.
func (s *TaskStore) CreateTask(_ context.Context, task harvest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return errors.New("task already exists")
	}
	s.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (harvest.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return harvest.Task{}, fmt.Errorf("task %s: %w", taskID, harvest.ErrNotFound)
	}
	return task, nil
}

// ClaimNext moves the highest-priority, oldest eligible PENDING task to RUNNING.
func (s *TaskStore) ClaimNext(_ context.Context, req harvest.ClaimRequest) (harvest.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.MaxRunning > 0 {
		running := 0
		for _, task := range s.tasks {
			if task.Status == harvest.TaskRunning {
				running++
			}
		}
		if running >= req.MaxRunning {
			return harvest.Task{}, false, harvest.ErrConcurrencyCap
		}
	}

	var best *harvest.Task
	for id := range s.tasks {
		task := s.tasks[id]
		if !claimable(task, req) {
			continue
		}
		if best == nil || claimsBefore(task, *best) {
			t := task
			best = &t
		}
	}
	if best == nil {
		return harvest.Task{}, false, nil
	}

	now := req.Now
	best.Status = harvest.TaskRunning
	best.Attempts++
	best.LockedAt = &now
	best.LockedBy = req.WorkerID
	best.NextRetryAt = nil
	best.UpdatedAt = now
	s.tasks[best.ID] = *best
	return *best, true, nil
}

func claimable(task harvest.Task, req harvest.ClaimRequest) bool {
	if task.Status != harvest.TaskPending {
		return false
	}
	if task.NextRetryAt != nil && task.NextRetryAt.After(req.Now) {
		return false
	}
	if task.TargetID != "" && slices.Contains(req.ExcludeTargets, task.TargetID) {
		return false
	}
	if task.AccountID != "" && slices.Contains(req.ExcludeAccounts, task.AccountID) {
		return false
	}
	return true
}

func claimsBefore(a, b harvest.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// CompleteTask marks a task DONE if workerID still holds its lock.
func (s *TaskStore) CompleteTask(_ context.Context, taskID, workerID string, result harvest.RunResult, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.lockedBy(taskID, workerID)
	if err != nil {
		return err
	}
	task.Status = harvest.TaskDone
	task.Result = &result
	task.LockedAt = nil
	task.LockedBy = ""
	task.UpdatedAt = at
	s.tasks[taskID] = task
	return nil
}

// FailTask applies a failure decision if workerID still holds the lock.
func (s *TaskStore) FailTask(_ context.Context, u harvest.FailureUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.lockedBy(u.TaskID, u.WorkerID)
	if err != nil {
		return err
	}
	task.Status = u.Status
	task.Attempts = u.Attempts
	task.NextRetryAt = u.NextRetryAt
	task.CooldownUntil = u.CooldownUntil
	task.LastError = u.LastError
	task.LastErrorCode = u.LastErrorCode
	task.LockedAt = nil
	task.LockedBy = ""
	task.UpdatedAt = u.At
	s.tasks[u.TaskID] = task
	return nil
}

func (s *TaskStore) lockedBy(taskID, workerID string) (harvest.Task, error) {
	task, ok := s.tasks[taskID]
	if !ok {
		return harvest.Task{}, fmt.Errorf("task %s: %w", taskID, harvest.ErrNotFound)
	}
	if task.Status != harvest.TaskRunning || task.LockedBy != workerID {
		return harvest.Task{}, fmt.Errorf("task %s: %w", taskID, harvest.ErrLockLost)
	}
	return task, nil
}

// RecoverStale returns RUNNING tasks locked before lockedBefore to PENDING,
// or fails them when their attempts are exhausted.
func (s *TaskStore) RecoverStale(_ context.Context, lockedBefore, now time.Time) (harvest.RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report harvest.RecoveryReport
	for id, task := range s.tasks {
		if task.Status != harvest.TaskRunning || task.LockedAt == nil || !task.LockedAt.Before(lockedBefore) {
			continue
		}
		task.LockedAt = nil
		task.LockedBy = ""
		task.LastErrorCode = harvest.CodeLockExpired
		task.LastError = "lock expired before the run reported back"
		task.UpdatedAt = now
		if task.Attempts < task.MaxAttempts {
			task.Status = harvest.TaskPending
			report.Reclaimed++
		} else {
			task.Status = harvest.TaskFailed
			report.Failed++
		}
		s.tasks[id] = task
	}
	return report, nil
}

// ReleaseCooldowns returns COOLDOWN tasks whose suspension has ended to PENDING.
func (s *TaskStore) ReleaseCooldowns(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for id, task := range s.tasks {
		if task.Status != harvest.TaskCooldown {
			continue
		}
		if task.CooldownUntil != nil && task.CooldownUntil.After(now) {
			continue
		}
		task.Status = harvest.TaskPending
		task.CooldownUntil = nil
		task.UpdatedAt = now
		s.tasks[id] = task
		released++
	}
	return released, nil
}

// CountByStatus tallies tasks per status.
func (s *TaskStore) CountByStatus(context.Context) (map[harvest.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[harvest.TaskStatus]int)
	for _, task := range s.tasks {
		out[task.Status]++
	}
	return out, nil
}

// HasOpenTask reports whether the target has a non-terminal task.
func (s *TaskStore) HasOpenTask(_ context.Context, targetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.TargetID == targetID && !task.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
