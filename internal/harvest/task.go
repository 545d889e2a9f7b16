// Package harvest defines the core types shared across the orchestration subsystems.
package harvest

import (
	"time"
)

// TaskStatus represents the lifecycle state of a harvesting task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskPending  TaskStatus = "PENDING"
	TaskRunning  TaskStatus = "RUNNING"
	TaskDone     TaskStatus = "DONE"
	TaskFailed   TaskStatus = "FAILED"
	TaskCooldown TaskStatus = "COOLDOWN"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskFailed
}

// TaskScope selects the execution path for a task.
type TaskScope string

// Supported scopes.
const (
	ScopeUser   TaskScope = "USER"
	ScopeSystem TaskScope = "SYSTEM"
)

// Priority orders pending tasks; higher values are claimed first.
type Priority int

// Priority values stored in priority_value.
const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 10
	PriorityHigh   Priority = 20
)

// PriorityForTarget maps a target's 1-5 priority onto the task priority scale.
func PriorityForTarget(p int) Priority {
	switch {
	case p >= 4:
		return PriorityHigh
	case p == 3:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Task is one scheduled execution attempt.
type Task struct {
	ID            string     `json:"id"`
	Scope         TaskScope  `json:"scope"`
	Status        TaskStatus `json:"status"`
	Type          TaskType   `json:"type"`
	Payload       Payload    `json:"-"`
	OwnerUserID   string     `json:"owner_user_id,omitempty"`
	TargetID      string     `json:"target_id,omitempty"`
	AccountID     string     `json:"account_id,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	Priority      Priority   `json:"priority_value"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	LockedBy      string     `json:"locked_by,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	Result        *RunResult `json:"result,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorCode ErrorCode  `json:"last_error_code,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ExecutionPath routes a task to the user or system pool. A task carrying an
// owning user always takes the user path.
func (t Task) ExecutionPath() TaskScope {
	if t.OwnerUserID != "" || t.Scope == ScopeUser {
		return ScopeUser
	}
	return ScopeSystem
}

// RunResult is recorded on a task when it finishes.
type RunResult struct {
	AccountID      string `json:"account_id"`
	SessionID      string `json:"session_id"`
	Fetched        int    `json:"fetched"`
	DurationMs     int64  `json:"duration_ms"`
	Profile        string `json:"profile"`
	ProfileChanges int    `json:"profile_changes"`
	FinalRisk      int    `json:"final_risk"`
	Aborted        bool   `json:"aborted"`
	ArchiveURI     string `json:"archive_uri,omitempty"`
}

// ClaimRequest carries the worker identity and eligibility filters for a claim.
type ClaimRequest struct {
	WorkerID string
	Now      time.Time
	// ExcludeTargets and ExcludeAccounts list entities under an active cooldown.
	ExcludeTargets  []string
	ExcludeAccounts []string
	// MaxRunning caps RUNNING tasks store-wide; zero means no cap. A claim
	// that would exceed it fails with ErrConcurrencyCap.
	MaxRunning int
}

// FailureUpdate is applied to a RUNNING task after a failed run.
type FailureUpdate struct {
	TaskID        string
	WorkerID      string
	Status        TaskStatus
	Attempts      int
	NextRetryAt   *time.Time
	CooldownUntil *time.Time
	LastError     string
	LastErrorCode ErrorCode
	At            time.Time
}

// RecoveryReport summarizes one stale-lock sweep.
type RecoveryReport struct {
	Reclaimed int
	Failed    int
	Released  int
}
