// Package worker implements the per-task harvesting loop: claim, select a
// session, pace, execute under the scroll risk engine, and record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/logging"
	"github.com/JakeFAU/harvest-orchestrator/internal/metrics"
	"github.com/JakeFAU/harvest-orchestrator/internal/quality"
	"github.com/JakeFAU/harvest-orchestrator/internal/scheduler"
	"github.com/JakeFAU/harvest-orchestrator/internal/scrollrisk"
	"github.com/JakeFAU/harvest-orchestrator/internal/session"
	"github.com/JakeFAU/harvest-orchestrator/internal/telemetry"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

// Scheduler is the task lifecycle the worker drives.
type Scheduler interface {
	Claim(ctx context.Context, workerID string) (harvest.Task, bool, error)
	Complete(ctx context.Context, taskID, workerID string, result harvest.RunResult) error
	Fail(ctx context.Context, req scheduler.FailRequest) (scheduler.Outcome, error)
}

// Selector resolves the account and session a task runs as.
type Selector interface {
	Select(ctx context.Context, req session.Request) (session.Selection, error)
}

// SessionRecorder folds run outcomes into session telemetry.
type SessionRecorder interface {
	RecordRun(ctx context.Context, sessionID string, o session.RunOutcome) (harvest.Session, error)
}

// Cooldowns applies the run-driven cooldown triggers.
type Cooldowns interface {
	Apply(ctx context.Context, entity harvest.EntityRef, reason harvest.CooldownReason) (harvest.Cooldown, error)
	RecordAbort(ctx context.Context, accountID string) (int, *harvest.Cooldown, error)
	RecordEmptyStreak(ctx context.Context, targetID string, streak int) (*harvest.Cooldown, error)
}

// Limiter paces runs per account.
type Limiter interface {
	Wait(ctx context.Context, accountID string) error
}

// Config controls Worker behavior.
type Config struct {
	ID           string
	PollInterval time.Duration
	// RunTimeout bounds a single execution.
	RunTimeout time.Duration
	// SystemUserID owns the accounts that serve SYSTEM-scope tasks; empty
	// lets SYSTEM tasks use any account.
	SystemUserID  string
	ArchivePrefix string
}

const (
	defaultPollInterval = 2 * time.Second
	defaultRunTimeout   = 10 * time.Minute
)

// Deps groups the collaborators of a Worker. Limiter, Archive, and Emitter are optional.
type Deps struct {
	Scheduler Scheduler
	Selector  Selector
	Sessions  SessionRecorder
	Executor  harvest.Executor
	Timing    *timing.Strategy
	Engines   *scrollrisk.Registry
	Quality   harvest.QualityStore
	Targets   harvest.TargetStore
	Cooldowns Cooldowns
	Limiter   Limiter
	Archive   harvest.BlobStore
	// Errors counts recent failures per account; Requests counts runs per
	// account over the trailing minute.
	Errors   *timing.Window
	Requests *timing.Window
	Clock    harvest.Clock
	Rand     *rand.Rand
	Emitter  events.Emitter
	// Sleep pauses for the pacing delay; it defaults to a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// Worker claims and executes tasks until its context ends.
type Worker struct {
	d      Deps
	cfg    Config
	logger *zap.Logger

	rngMu sync.Mutex
}

// New constructs a Worker.
func New(d Deps, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Emitter == nil {
		d.Emitter = events.Nop{}
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if d.Sleep == nil {
		d.Sleep = sleep
	}
	if d.Errors == nil {
		d.Errors = timing.NewWindow(15 * time.Minute)
	}
	if d.Requests == nil {
		d.Requests = timing.NewWindow(time.Minute)
	}
	return &Worker{d: d, cfg: cfg, logger: d.Logger.Named("worker").With(zap.String("worker_id", cfg.ID))}
}

// Run blocks, claiming and executing tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil && !errors.Is(err, harvest.ErrConcurrencyCap) {
			w.logger.Error("worker iteration failed", zap.Error(err))
		}
		if processed {
			continue
		}
		if err := sleep(ctx, w.cfg.PollInterval); err != nil {
			return
		}
	}
}

// RunOnce claims at most one task and executes it. It reports whether a task
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, ok, err := w.d.Scheduler.Claim(ctx, w.cfg.ID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	w.process(ctx, task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task harvest.Task) {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)),
		attribute.Int("task.attempts", task.Attempts),
	))
	defer span.End()
	log := w.logger.With(logging.TaskFields(task)...)

	sel, err := w.d.Selector.Select(ctx, w.selectionRequest(task))
	if err != nil {
		req := scheduler.FailRequest{Code: scheduler.CodeFromError(err), Message: err.Error()}
		var selErr *harvest.SelectionError
		if errors.As(err, &selErr) {
			metrics.ObserveSelectionFailure(string(selErr.Reason))
			// Rejected credentials are charged to the session that held them.
			if selErr.SessionID != "" {
				req.AccountID, req.SessionID = selErr.AccountID, selErr.SessionID
			}
		}
		log.Warn("session selection failed", zap.Error(err))
		_ = w.fail(ctx, log, task, req)
		return
	}
	accountID, sessionID := sel.Run.AccountID, sel.Run.SessionID
	span.SetAttributes(attribute.String("account.id", accountID), attribute.Int("session.version", sel.Run.SessionVersion))
	log = log.With(zap.String("account_id", accountID), zap.String("session_id", sessionID))

	qm, err := w.d.Quality.GetMetrics(ctx, task.TargetID, accountID)
	if err != nil {
		log.Error("load quality metrics", zap.Error(err))
		_ = w.fail(ctx, log, task, scheduler.FailRequest{Code: harvest.CodeUnknown, Message: err.Error(), AccountID: accountID})
		return
	}

	profile, err := w.pace(ctx, log, task, sel, qm)
	if err != nil {
		// Shutdown while pacing; the lock sweep reclaims the task.
		log.Info("pacing interrupted", zap.Error(err))
		return
	}

	engine, err := w.d.Engines.Create(scrollrisk.Config{
		TaskID:      task.ID,
		AccountID:   accountID,
		Profile:     profile,
		InitialRisk: sel.Chosen.RiskScore,
	})
	if err != nil {
		log.Error("create scroll risk engine", zap.Error(err))
		_ = w.fail(ctx, log, task, scheduler.FailRequest{Code: harvest.CodeUnknown, Message: err.Error(), AccountID: accountID})
		return
	}
	defer w.d.Engines.Dispose(task.ID)

	run := sel.Run
	run.ScrollProfile = string(profile)
	started := w.d.Clock.Now()
	execCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	result, execErr := w.d.Executor.Execute(execCtx, harvest.ExecutionRequest{
		Task:  task,
		Run:   run,
		Hints: engine.Start(),
		Report: func(ev harvest.ScrollTelemetry) harvest.ScrollHints {
			hints, _, err := engine.Report(ev)
			if err != nil {
				return harvest.ScrollHints{Abort: true}
			}
			return hints
		},
	})
	cancel()
	summary := engine.Finish()
	span.SetAttributes(attribute.Int("run.fetched", result.Fetched), attribute.Int("run.final_risk", summary.FinalRisk))
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "execution failed")
	}
	if result.Duration <= 0 {
		result.Duration = w.d.Clock.Now().Sub(started)
	}

	switch {
	case summary.Aborted:
		w.aborted(ctx, log, task, sel, result, summary)
	case execErr != nil:
		w.failed(ctx, log, task, sel, summary, execErr)
	default:
		w.succeeded(ctx, log, task, sel, result, summary)
	}
}

func (w *Worker) selectionRequest(task harvest.Task) session.Request {
	req := session.Request{Mode: session.ModeAuto, TargetID: task.TargetID}
	if task.ExecutionPath() == harvest.ScopeUser {
		req.UserID = task.OwnerUserID
	} else {
		req.UserID = w.cfg.SystemUserID
	}
	accountID := task.AccountID
	if probe, ok := task.Payload.(harvest.SessionProbe); ok && accountID == "" {
		accountID = probe.AccountID
	}
	if accountID != "" {
		req.Mode = session.ModeManual
		req.AccountID = accountID
	}
	return req
}

// pace computes the timing profile and delay for the run, then waits for the
// delay, any throttle, and the account's rate limiter.
func (w *Worker) pace(ctx context.Context, log *zap.Logger, task harvest.Task, sel session.Selection, qm harvest.QualityMetrics) (timing.ProfileName, error) {
	accountID := sel.Run.AccountID
	now := w.d.Clock.Now()
	status := qm.QualityStatus
	if status == "" {
		status = harvest.QualityHealthy
	}
	tc := timing.Context{
		QualityStatus:    status,
		EmptyStreak:      qm.EmptyStreak,
		Scope:            task.ExecutionPath(),
		RecentErrorCount: w.d.Errors.Count(accountID, now),
		HourOfDay:        now.Hour(),
	}

	w.rngMu.Lock()
	delay := w.d.Timing.CalculateDelay(tc, w.d.Rand, now)
	profile := delay.Profile
	if hint, err := timing.ParseProfile(sel.Run.ScrollProfile); err == nil && hint.Rank() > profile.Rank() {
		profile = hint
	}
	throttle := w.d.Timing.CheckThrottle(profile, w.d.Requests.Count(accountID, now), w.d.Rand, now)
	w.rngMu.Unlock()

	wait := time.Duration(delay.DelayMs) * time.Millisecond
	if throttle.Throttled {
		wait += time.Duration(throttle.WaitMs) * time.Millisecond
	}
	metrics.ObservePacingDelay(string(profile), wait)
	log.Debug("pacing run",
		zap.String("profile", string(profile)),
		zap.Int64("delay_ms", wait.Milliseconds()),
		zap.Bool("throttled", throttle.Throttled))

	if err := w.d.Sleep(ctx, wait); err != nil {
		return "", err
	}
	if w.d.Limiter != nil {
		if err := w.d.Limiter.Wait(ctx, accountID); err != nil {
			return "", err
		}
	}
	w.d.Requests.Record(accountID, w.d.Clock.Now())
	return profile, nil
}

// The outcome handlers transition the task first. Yield, session, and abort
// side effects apply only when this worker still held the lock, so a task the
// sweep reclaimed mid-run is counted once, by the attempt that finishes it.

func (w *Worker) succeeded(ctx context.Context, log *zap.Logger, task harvest.Task, sel session.Selection, result harvest.ExecutionResult, summary scrollrisk.Summary) {
	now := w.d.Clock.Now()
	runResult := w.runResult(sel, result, summary)
	uri, err := w.archive(ctx, task, sel, result, summary, now)
	if err != nil {
		log.Warn("archive run failed", zap.Error(err))
	}
	runResult.ArchiveURI = uri

	if err := w.d.Scheduler.Complete(ctx, task.ID, w.cfg.ID, runResult); err != nil {
		log.Error("complete task", zap.Error(err))
		return
	}
	w.recordYield(ctx, log, task, sel.Run.AccountID, result.Fetched, now)
	w.recordSession(ctx, log, sel.Run.SessionID, session.RunOutcome{
		Success:   true,
		LatencyMs: float64(result.Duration.Milliseconds()),
		FinalRisk: summary.FinalRisk,
		At:        now,
	})
}

func (w *Worker) failed(ctx context.Context, log *zap.Logger, task harvest.Task, sel session.Selection, summary scrollrisk.Summary, execErr error) {
	now := w.d.Clock.Now()
	accountID := sel.Run.AccountID
	code := scheduler.CodeFromError(execErr)
	log.Warn("execution failed", zap.String("error_code", string(code)), zap.Error(execErr))
	err := w.fail(ctx, log, task, scheduler.FailRequest{
		Code:      code,
		Message:   execErr.Error(),
		AccountID: accountID,
		SessionID: sel.Run.SessionID,
	})
	if err != nil {
		return
	}
	w.d.Errors.Record(accountID, now)
	w.recordSession(ctx, log, sel.Run.SessionID, session.RunOutcome{
		FinalRisk: summary.FinalRisk,
		At:        now,
	})
}

// aborted records an engine abort as one terminal outcome: the partial yield
// is recorded once, the abort counts toward ABORT_STORM once, a captcha or
// rate-limit signal cools the account, and the task fails without retry.
func (w *Worker) aborted(ctx context.Context, log *zap.Logger, task harvest.Task, sel session.Selection, result harvest.ExecutionResult, summary scrollrisk.Summary) {
	now := w.d.Clock.Now()
	accountID := sel.Run.AccountID
	log.Warn("run aborted by scroll risk engine",
		zap.String("reason", summary.AbortReason),
		zap.Int("final_risk", summary.FinalRisk))

	err := w.fail(ctx, log, task, scheduler.FailRequest{
		Code:      harvest.CodeScrollAborted,
		Message:   "scroll aborted: " + summary.AbortReason,
		AccountID: accountID,
		SessionID: sel.Run.SessionID,
	})
	if err != nil {
		return
	}
	w.d.Errors.Record(accountID, now)
	w.recordYield(ctx, log, task, accountID, result.Fetched, now)
	aborts, _, err := w.d.Cooldowns.RecordAbort(ctx, accountID)
	if err != nil {
		log.Error("record abort", zap.Error(err))
	}
	if reason, ok := abortCooldown(summary); ok {
		if _, err := w.d.Cooldowns.Apply(ctx, harvest.AccountRef(accountID), reason); err != nil {
			log.Error("apply abort cooldown", zap.String("reason", string(reason)), zap.Error(err))
		}
	}
	w.recordSession(ctx, log, sel.Run.SessionID, session.RunOutcome{
		Aborted:      true,
		LatencyMs:    float64(result.Duration.Milliseconds()),
		FinalRisk:    summary.FinalRisk,
		RecentAborts: aborts,
		At:           now,
	})
	w.d.Emitter.Emit(events.Event{
		Kind:      events.KindRunAborted,
		TS:        now,
		TaskID:    task.ID,
		AccountID: accountID,
		SessionID: sel.Run.SessionID,
		TargetID:  task.TargetID,
		Profile:   string(summary.Profile),
		Fetched:   result.Fetched,
		Dur:       result.Duration,
		Note:      summary.AbortReason,
	})
}

// abortCooldown maps the platform signals seen during an aborted run to an
// account cooldown. A captcha outranks a rate limit.
func abortCooldown(summary scrollrisk.Summary) (harvest.CooldownReason, bool) {
	switch {
	case summary.CaptchaHits > 0:
		return harvest.ReasonCaptcha, true
	case summary.RateLimitHits > 0:
		return harvest.ReasonRateLimit, true
	default:
		return "", false
	}
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, task harvest.Task, req scheduler.FailRequest) error {
	req.TaskID = task.ID
	req.WorkerID = w.cfg.ID
	if _, err := w.d.Scheduler.Fail(ctx, req); err != nil {
		log.Error("record task failure", zap.String("error_code", string(req.Code)), zap.Error(err))
		return err
	}
	return nil
}

// recordYield updates quality metrics and target stats and applies the
// CONSECUTIVE_EMPTY trigger.
func (w *Worker) recordYield(ctx context.Context, log *zap.Logger, task harvest.Task, accountID string, fetched int, now time.Time) {
	if task.TargetID == "" {
		return
	}
	qm, err := w.d.Quality.GetMetrics(ctx, task.TargetID, accountID)
	if err != nil {
		log.Error("load quality metrics", zap.Error(err))
		return
	}
	updated, assessment := quality.Record(qm, fetched, now)
	if err := w.d.Quality.SaveMetrics(ctx, updated); err != nil {
		log.Error("save quality metrics", zap.Error(err))
	}
	if assessment.Status != harvest.QualityHealthy {
		log.Info("target quality degraded",
			zap.String("status", string(assessment.Status)),
			zap.Int("score", assessment.Score),
			zap.Strings("reasons", assessment.Reasons))
	}

	target, err := w.d.Targets.RecordRun(ctx, task.TargetID, fetched, now)
	if errors.Is(err, harvest.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error("record target run", zap.Error(err))
		return
	}
	if _, err := w.d.Cooldowns.RecordEmptyStreak(ctx, task.TargetID, target.ConsecutiveEmptyCount); err != nil {
		log.Error("apply empty streak cooldown", zap.Error(err))
	}
}

func (w *Worker) recordSession(ctx context.Context, log *zap.Logger, sessionID string, o session.RunOutcome) {
	if sessionID == "" {
		return
	}
	if _, err := w.d.Sessions.RecordRun(ctx, sessionID, o); err != nil {
		log.Error("record session run", zap.Error(err))
	}
}

func (w *Worker) runResult(sel session.Selection, result harvest.ExecutionResult, summary scrollrisk.Summary) harvest.RunResult {
	return harvest.RunResult{
		AccountID:      sel.Run.AccountID,
		SessionID:      sel.Run.SessionID,
		Fetched:        result.Fetched,
		DurationMs:     result.Duration.Milliseconds(),
		Profile:        string(summary.Profile),
		ProfileChanges: summary.ProfileChanges,
		FinalRisk:      summary.FinalRisk,
		Aborted:        summary.Aborted,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
