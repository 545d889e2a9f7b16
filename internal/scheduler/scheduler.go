package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/metrics"
)

// Cooldowns is the subset of the cooldown manager the scheduler uses.
type Cooldowns interface {
	Apply(ctx context.Context, entity harvest.EntityRef, reason harvest.CooldownReason) (harvest.Cooldown, error)
	ActiveIDs(ctx context.Context, kind harvest.EntityKind) ([]string, error)
	ListActive(ctx context.Context, kind harvest.EntityKind) ([]harvest.Cooldown, error)
}

// SessionMarker records session-related failure codes on a session.
type SessionMarker interface {
	MarkFailure(ctx context.Context, sessionID string, code harvest.ErrorCode) (harvest.Session, error)
}

// Config tunes claim and retry behavior.
type Config struct {
	MaxAttempts int
	// MaxConcurrent caps RUNNING tasks across all workers; zero means no cap.
	MaxConcurrent       int
	Retry               RetryPolicy
	ExpectedRunDuration time.Duration
	LockTTLMultiplier   float64
}

const (
	defaultMaxAttempts         = 3
	defaultExpectedRunDuration = 10 * time.Minute
	defaultLockTTLMultiplier   = 2
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.Base <= 0 {
		c.Retry = DefaultRetryPolicy
	}
	if c.ExpectedRunDuration <= 0 {
		c.ExpectedRunDuration = defaultExpectedRunDuration
	}
	if c.LockTTLMultiplier <= 0 {
		c.LockTTLMultiplier = defaultLockTTLMultiplier
	}
	return c
}

// LockTTL is how long a RUNNING lock may live before the sweep reclaims it.
func (c Config) LockTTL() time.Duration {
	c = c.withDefaults()
	return time.Duration(float64(c.ExpectedRunDuration) * c.LockTTLMultiplier)
}

// Deps groups the collaborators of a Scheduler. Sessions and Emitter are optional.
type Deps struct {
	Tasks     harvest.TaskStore
	Cooldowns Cooldowns
	Sessions  SessionMarker
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	Rand      *rand.Rand
	Emitter   events.Emitter
	Logger    *zap.Logger
}

// Scheduler is the claim/complete/fail facade over the task store.
type Scheduler struct {
	tasks     harvest.TaskStore
	cooldowns Cooldowns
	sessions  SessionMarker
	clock     harvest.Clock
	ids       harvest.IDGenerator
	emitter   events.Emitter
	logger    *zap.Logger
	cfg       Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a Scheduler.
func New(d Deps, cfg Config) *Scheduler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Emitter == nil {
		d.Emitter = events.Nop{}
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{
		tasks:     d.Tasks,
		cooldowns: d.Cooldowns,
		sessions:  d.Sessions,
		clock:     d.Clock,
		ids:       d.IDs,
		emitter:   d.Emitter,
		logger:    d.Logger.Named("scheduler"),
		cfg:       cfg.withDefaults(),
		rng:       d.Rand,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// NewTask describes a task to enqueue.
type NewTask struct {
	Scope       harvest.TaskScope
	OwnerUserID string
	TargetID    string
	AccountID   string
	Payload     harvest.Payload
	Priority    harvest.Priority
	MaxAttempts int
}

// CreateTask enqueues a PENDING task.
func (s *Scheduler) CreateTask(ctx context.Context, nt NewTask) (harvest.Task, error) {
	if nt.Payload == nil {
		return harvest.Task{}, errors.New("task payload is required")
	}
	if nt.Scope == "" {
		nt.Scope = harvest.ScopeSystem
		if nt.OwnerUserID != "" {
			nt.Scope = harvest.ScopeUser
		}
	}
	if nt.MaxAttempts <= 0 {
		nt.MaxAttempts = s.cfg.MaxAttempts
	}
	id, err := s.ids.NewID()
	if err != nil {
		return harvest.Task{}, fmt.Errorf("task id: %w", err)
	}
	now := s.clock.Now()
	task := harvest.Task{
		ID:          id,
		Scope:       nt.Scope,
		Status:      harvest.TaskPending,
		Type:        nt.Payload.Kind(),
		Payload:     nt.Payload,
		OwnerUserID: nt.OwnerUserID,
		TargetID:    nt.TargetID,
		AccountID:   nt.AccountID,
		MaxAttempts: nt.MaxAttempts,
		Priority:    nt.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return harvest.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.logger.Debug("task created",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("target_id", task.TargetID))
	return task, nil
}

// GetTask returns one task.
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (harvest.Task, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return harvest.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Claim atomically moves the next eligible PENDING task to RUNNING for
// workerID. Accounts and targets under an active cooldown are skipped. The
// store enforces MaxConcurrent inside the claim and returns
// harvest.ErrConcurrencyCap when the cap is reached.
func (s *Scheduler) Claim(ctx context.Context, workerID string) (harvest.Task, bool, error) {
	req := harvest.ClaimRequest{WorkerID: workerID, Now: s.clock.Now(), MaxRunning: s.cfg.MaxConcurrent}
	if s.cooldowns != nil {
		var err error
		if req.ExcludeAccounts, err = s.cooldowns.ActiveIDs(ctx, harvest.EntityAccount); err != nil {
			return harvest.Task{}, false, err
		}
		if req.ExcludeTargets, err = s.cooldowns.ActiveIDs(ctx, harvest.EntityTarget); err != nil {
			return harvest.Task{}, false, err
		}
	}
	task, ok, err := s.tasks.ClaimNext(ctx, req)
	if err != nil {
		return harvest.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	if !ok {
		return harvest.Task{}, false, nil
	}
	metrics.ObserveClaim()
	s.logger.Debug("task claimed",
		zap.String("task_id", task.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", task.Attempts))
	s.emitter.Emit(events.Event{
		Kind:     events.KindTaskClaimed,
		TS:       req.Now,
		TaskID:   task.ID,
		TargetID: task.TargetID,
		Status:   string(task.Status),
	})
	return task, true, nil
}

// Complete records a successful run. It fails with harvest.ErrLockLost when
// workerID no longer holds the task.
func (s *Scheduler) Complete(ctx context.Context, taskID, workerID string, result harvest.RunResult) error {
	now := s.clock.Now()
	if err := s.tasks.CompleteTask(ctx, taskID, workerID, result, now); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	metrics.ObserveOutcome(string(harvest.TaskDone), "")
	s.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("account_id", result.AccountID),
		zap.Int("fetched", result.Fetched),
		zap.String("profile", result.Profile))
	s.emitter.Emit(events.Event{
		Kind:      events.KindTaskCompleted,
		TS:        now,
		TaskID:    taskID,
		AccountID: result.AccountID,
		SessionID: result.SessionID,
		Status:    string(harvest.TaskDone),
		Profile:   result.Profile,
		Fetched:   result.Fetched,
		Dur:       time.Duration(result.DurationMs) * time.Millisecond,
	})
	return nil
}

// FailRequest reports a failed run.
type FailRequest struct {
	TaskID   string
	WorkerID string
	// Code classifies the failure; when empty it is extracted from Message.
	Code      harvest.ErrorCode
	Message   string
	AccountID string
	SessionID string
}

// Fail classifies a failure, records the task transition, and applies the
// cooldown and session side effects. Side effects run only after the task
// transition succeeds, so a lost lock never double-counts a failure.
func (s *Scheduler) Fail(ctx context.Context, req FailRequest) (Outcome, error) {
	task, err := s.tasks.GetTask(ctx, req.TaskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get task: %w", err)
	}
	if task.Status != harvest.TaskRunning || task.LockedBy != req.WorkerID {
		return Outcome{}, harvest.ErrLockLost
	}
	code := req.Code
	if code == "" {
		code = ExtractErrorCode(req.Message)
	}
	message := req.Message
	if message == "" {
		message = string(code)
	}
	accountID := req.AccountID
	if accountID == "" {
		accountID = task.AccountID
	}

	now := s.clock.Now()
	s.rngMu.Lock()
	out := HandleFailure(task, code, now, s.cfg.Retry, s.rng)
	s.rngMu.Unlock()

	if err := s.tasks.FailTask(ctx, harvest.FailureUpdate{
		TaskID:        task.ID,
		WorkerID:      req.WorkerID,
		Status:        out.Status,
		Attempts:      out.Attempts,
		NextRetryAt:   out.NextRetryAt,
		CooldownUntil: out.CooldownUntil,
		LastError:     message,
		LastErrorCode: code,
		At:            now,
	}); err != nil {
		return Outcome{}, fmt.Errorf("fail task: %w", err)
	}

	if out.Decision == DecisionCooldown && s.cooldowns != nil {
		if entity, ok := cooldownEntity(accountID, task.TargetID); ok {
			c, err := s.cooldowns.Apply(ctx, entity, out.CooldownReason)
			if err != nil {
				return out, err
			}
			if c.Until.After(*out.CooldownUntil) {
				out.CooldownUntil = &c.Until
			}
		}
	}
	if req.SessionID != "" && s.sessions != nil && sessionRelated(code) {
		if _, err := s.sessions.MarkFailure(ctx, req.SessionID, code); err != nil {
			s.logger.Warn("mark session failure", zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}

	metrics.ObserveOutcome(string(out.Decision), string(code))
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("account_id", accountID),
		zap.String("error_code", string(code)),
		zap.String("decision", string(out.Decision)),
		zap.Int("attempts", out.Attempts),
	}
	if out.Decision == DecisionNoRetry {
		s.logger.Warn("task failed", fields...)
	} else {
		s.logger.Info("task failure handled", fields...)
	}
	s.emitter.Emit(events.Event{
		Kind:      failureKind(out.Decision),
		TS:        now,
		TaskID:    task.ID,
		AccountID: accountID,
		SessionID: req.SessionID,
		TargetID:  task.TargetID,
		Status:    string(out.Status),
		Code:      string(code),
	})
	return out, nil
}

// CountByStatus reports task counts for diagnostics.
func (s *Scheduler) CountByStatus(ctx context.Context) (map[harvest.TaskStatus]int, error) {
	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}

func cooldownEntity(accountID, targetID string) (harvest.EntityRef, bool) {
	switch {
	case accountID != "":
		return harvest.AccountRef(accountID), true
	case targetID != "":
		return harvest.TargetRef(targetID), true
	default:
		return harvest.EntityRef{}, false
	}
}

// sessionRelated lists the codes recorded on the session that ran the task.
// An unclassified execution failure moves the session to ERROR until its next
// successful run.
func sessionRelated(code harvest.ErrorCode) bool {
	switch code {
	case harvest.CodeSessionExpired, harvest.CodeSessionInvalid, harvest.CodeDecryptFailed,
		harvest.CodeRateLimited, harvest.CodeCaptcha, harvest.CodeUnknown:
		return true
	}
	return false
}

func failureKind(d Decision) events.Kind {
	switch d {
	case DecisionRetry:
		return events.KindTaskRetry
	case DecisionCooldown:
		return events.KindTaskCooldown
	default:
		return events.KindTaskFailed
	}
}
