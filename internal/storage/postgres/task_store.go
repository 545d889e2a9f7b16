package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const taskColumns = `id, scope, status, type, payload, owner_user_id, target_id, account_id,
	attempts, max_attempts, priority_value, locked_at, locked_by, cooldown_until, next_retry_at,
	result, last_error, last_error_code, created_at, updated_at`

const claimSQL = `UPDATE tasks SET status = 'RUNNING', attempts = attempts + 1,
	locked_at = $1, locked_by = $2, next_retry_at = NULL, updated_at = $1
WHERE id = (
	SELECT id FROM tasks
	WHERE status = 'PENDING'
		AND (next_retry_at IS NULL OR next_retry_at <= $1)
		AND NOT (target_id <> '' AND target_id = ANY($3::text[]))
		AND NOT (account_id <> '' AND account_id = ANY($4::text[]))
	ORDER BY priority_value DESC, created_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns

// TaskStore persists tasks in the tasks table.
type TaskStore struct {
	db DB
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(db DB) *TaskStore {
	return &TaskStore{db: db}
}

// CreateTask inserts a new task.
func (s *TaskStore) CreateTask(ctx context.Context, task harvest.Task) error {
	payload, err := harvest.EncodePayload(task.Payload)
	if err != nil {
		return err
	}
	result, err := encodeResult(task.Result)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		task.ID, string(task.Scope), string(task.Status), string(task.Payload.Kind()), payload,
		task.OwnerUserID, task.TargetID, task.AccountID,
		task.Attempts, task.MaxAttempts, int(task.Priority),
		task.LockedAt, task.LockedBy, task.CooldownUntil, task.NextRetryAt,
		result, task.LastError, string(task.LastErrorCode), task.CreatedAt, task.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (harvest.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if err != nil {
		return harvest.Task{}, notFound(err, "task "+taskID)
	}
	return task, nil
}

// claimCapLock serializes capped claims across processes so the RUNNING count
// and the claim that follows it see the same committed state.
const claimCapLock = "tasks:claim-cap"

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ClaimNext locks the best eligible PENDING row with SKIP LOCKED and moves it
// to RUNNING in the same statement. With a MaxRunning cap the count and the
// claim run in one transaction under an advisory lock.
func (s *TaskStore) ClaimNext(ctx context.Context, req harvest.ClaimRequest) (harvest.Task, bool, error) {
	if req.MaxRunning <= 0 {
		return claimOne(ctx, s.db, req)
	}
	var (
		task harvest.Task
		ok   bool
	)
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, claimCapLock); err != nil {
			return fmt.Errorf("lock claim cap: %w", err)
		}
		var running int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE status = 'RUNNING'`).Scan(&running); err != nil {
			return fmt.Errorf("count running tasks: %w", err)
		}
		if running >= req.MaxRunning {
			return harvest.ErrConcurrencyCap
		}
		var err error
		task, ok, err = claimOne(ctx, tx, req)
		return err
	})
	if err != nil {
		return harvest.Task{}, false, err
	}
	return task, ok, nil
}

func claimOne(ctx context.Context, q rowQuerier, req harvest.ClaimRequest) (harvest.Task, bool, error) {
	task, err := scanTask(q.QueryRow(ctx, claimSQL,
		req.Now, req.WorkerID, textArray(req.ExcludeTargets), textArray(req.ExcludeAccounts)))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Task{}, false, nil
	}
	if err != nil {
		return harvest.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	return task, true, nil
}

// CompleteTask marks a task DONE if workerID still holds its lock.
func (s *TaskStore) CompleteTask(ctx context.Context, taskID, workerID string, result harvest.RunResult, at time.Time) error {
	raw, err := encodeResult(&result)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE tasks SET status = 'DONE', result = $3,
		locked_at = NULL, locked_by = '', updated_at = $4
		WHERE id = $1 AND status = 'RUNNING' AND locked_by = $2`,
		taskID, workerID, raw, at)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLost(ctx, taskID)
	}
	return nil
}

// FailTask applies a failure decision if workerID still holds the lock.
func (s *TaskStore) FailTask(ctx context.Context, u harvest.FailureUpdate) error {
	tag, err := s.db.Exec(ctx, `UPDATE tasks SET status = $3, attempts = $4,
		next_retry_at = $5, cooldown_until = $6, last_error = $7, last_error_code = $8,
		locked_at = NULL, locked_by = '', updated_at = $9
		WHERE id = $1 AND status = 'RUNNING' AND locked_by = $2`,
		u.TaskID, u.WorkerID, string(u.Status), u.Attempts,
		u.NextRetryAt, u.CooldownUntil, u.LastError, string(u.LastErrorCode), u.At)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrLost(ctx, u.TaskID)
	}
	return nil
}

func (s *TaskStore) missingOrLost(ctx context.Context, taskID string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("lookup task %s: %w", taskID, err)
	}
	if !exists {
		return fmt.Errorf("task %s: %w", taskID, harvest.ErrNotFound)
	}
	return fmt.Errorf("task %s: %w", taskID, harvest.ErrLockLost)
}

// RecoverStale returns RUNNING tasks locked before lockedBefore to PENDING,
// or fails them when their attempts are exhausted.
func (s *TaskStore) RecoverStale(ctx context.Context, lockedBefore, now time.Time) (harvest.RecoveryReport, error) {
	rows, err := s.db.Query(ctx, `UPDATE tasks SET
		status = CASE WHEN attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
		locked_at = NULL, locked_by = '', last_error_code = $3, last_error = $4, updated_at = $2
		WHERE status = 'RUNNING' AND locked_at < $1
		RETURNING status`,
		lockedBefore, now, string(harvest.CodeLockExpired), "lock expired before the run reported back")
	if err != nil {
		return harvest.RecoveryReport{}, fmt.Errorf("recover stale tasks: %w", err)
	}
	defer rows.Close()

	var report harvest.RecoveryReport
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return harvest.RecoveryReport{}, fmt.Errorf("scan recovered task: %w", err)
		}
		if harvest.TaskStatus(status) == harvest.TaskPending {
			report.Reclaimed++
		} else {
			report.Failed++
		}
	}
	if err := rows.Err(); err != nil {
		return harvest.RecoveryReport{}, fmt.Errorf("recover stale tasks: %w", err)
	}
	return report, nil
}

// ReleaseCooldowns returns COOLDOWN tasks whose suspension has ended to PENDING.
func (s *TaskStore) ReleaseCooldowns(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE tasks SET status = 'PENDING', cooldown_until = NULL, updated_at = $1
		WHERE status = 'COOLDOWN' AND (cooldown_until IS NULL OR cooldown_until <= $1)`, now)
	if err != nil {
		return 0, fmt.Errorf("release cooldowns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus tallies tasks per status.
func (s *TaskStore) CountByStatus(ctx context.Context) (map[harvest.TaskStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[harvest.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[harvest.TaskStatus(status)] = int(n)
	}
	return out, rows.Err()
}

// HasOpenTask reports whether the target has a non-terminal task.
func (s *TaskStore) HasOpenTask(ctx context.Context, targetID string) (bool, error) {
	var open bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM tasks WHERE target_id = $1 AND status NOT IN ('DONE', 'FAILED'))`, targetID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check open task: %w", err)
	}
	return open, nil
}

func scanTask(row pgx.Row) (harvest.Task, error) {
	var (
		t                        harvest.Task
		scope, status, typ, code string
		priority                 int
		payload, result          []byte
	)
	err := row.Scan(&t.ID, &scope, &status, &typ, &payload, &t.OwnerUserID, &t.TargetID, &t.AccountID,
		&t.Attempts, &t.MaxAttempts, &priority, &t.LockedAt, &t.LockedBy, &t.CooldownUntil, &t.NextRetryAt,
		&result, &t.LastError, &code, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return harvest.Task{}, err
	}
	t.Scope = harvest.TaskScope(scope)
	t.Status = harvest.TaskStatus(status)
	t.Type = harvest.TaskType(typ)
	t.Priority = harvest.Priority(priority)
	t.LastErrorCode = harvest.ErrorCode(code)
	if t.Payload, err = harvest.DecodePayload(payload); err != nil {
		return harvest.Task{}, fmt.Errorf("task %s payload: %w", t.ID, err)
	}
	if len(result) > 0 {
		var r harvest.RunResult
		if err := json.Unmarshal(result, &r); err != nil {
			return harvest.Task{}, fmt.Errorf("task %s result: %w", t.ID, err)
		}
		t.Result = &r
	}
	return t, nil
}

func encodeResult(r *harvest.RunResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal run result: %w", err)
	}
	return raw, nil
}
