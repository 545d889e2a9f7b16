package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/harvest-orchestrator/internal/clock/manual"
	"github.com/JakeFAU/harvest-orchestrator/internal/cooldown"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/harvest-orchestrator/internal/storage/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) MarkFailure(ctx context.Context, sessionID string, code harvest.ErrorCode) (harvest.Session, error) {
	args := m.Called(ctx, sessionID, code)
	return args.Get(0).(harvest.Session), args.Error(1)
}

type harness struct {
	clock     *manual.Clock
	tasks     *memory.TaskStore
	targets   *memory.TargetStore
	accounts  *memory.AccountStore
	quality   *memory.QualityStore
	cooldowns *cooldown.Manager
	sessions  *mockSessions
	sched     *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    manual.New(start),
		tasks:    memory.NewTaskStore(),
		targets:  memory.NewTargetStore(),
		accounts: memory.NewAccountStore(),
		quality:  memory.NewQualityStore(),
		sessions: &mockSessions{},
	}
	logger := zaptest.NewLogger(t)
	h.cooldowns = cooldown.NewManager(memory.NewCooldownStore(), h.clock, logger, cooldown.WithTargetStore(h.targets))
	h.sched = New(Deps{
		Tasks:     h.tasks,
		Cooldowns: h.cooldowns,
		Sessions:  h.sessions,
		Clock:     h.clock,
		IDs:       uuid.New(),
		Rand:      seeded(3),
		Logger:    logger,
	}, Config{MaxAttempts: 3})
	return h
}

func (h *harness) create(t *testing.T, nt NewTask) harvest.Task {
	t.Helper()
	if nt.Payload == nil {
		nt.Payload = harvest.KeywordSearch{Query: "golang", MaxPosts: 10}
	}
	task, err := h.sched.CreateTask(context.Background(), nt)
	require.NoError(t, err)
	return task
}

func TestCreateClaimComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{OwnerUserID: "user-1", TargetID: "tgt-1", Priority: harvest.PriorityHigh})
	require.Equal(t, harvest.ScopeUser, task.Scope)
	require.Equal(t, harvest.TypeKeywordSearch, task.Type)
	require.Equal(t, 3, task.MaxAttempts)

	claimed, ok, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.ID, claimed.ID)
	require.Equal(t, harvest.TaskRunning, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	_, ok, err = h.sched.Claim(ctx, "w2")
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, h.sched.Complete(ctx, task.ID, "w2", harvest.RunResult{}), harvest.ErrLockLost)
	require.NoError(t, h.sched.Complete(ctx, task.ID, "w1", harvest.RunResult{AccountID: "acct-1", Fetched: 12}))

	got, err := h.sched.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.TaskDone, got.Status)
	require.Equal(t, 12, got.Result.Fetched)
}

func TestCreateTaskRequiresPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.sched.CreateTask(context.Background(), NewTask{})
	require.Error(t, err)

	task := h.create(t, NewTask{})
	require.Equal(t, harvest.ScopeSystem, task.Scope)
}

func TestClaimSkipsCooledEntities(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.create(t, NewTask{AccountID: "acct-cool", Priority: harvest.PriorityHigh})
	h.create(t, NewTask{TargetID: "tgt-cool", Priority: harvest.PriorityHigh})
	free := h.create(t, NewTask{TargetID: "tgt-ok", Priority: harvest.PriorityLow})

	_, err := h.cooldowns.Apply(ctx, harvest.AccountRef("acct-cool"), harvest.ReasonCaptcha)
	require.NoError(t, err)
	_, err = h.cooldowns.Apply(ctx, harvest.TargetRef("tgt-cool"), harvest.ReasonConsecutiveEmpty)
	require.NoError(t, err)

	claimed, ok, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, free.ID, claimed.ID)

	_, ok, err = h.sched.Claim(ctx, "w1")
	require.NoError(t, err)
	require.False(t, ok)

	h.clock.Advance(61 * time.Minute)
	_, ok, err = h.sched.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFailRetryThenRetryAfterBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{})
	_, _, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)

	out, err := h.sched.Fail(ctx, FailRequest{TaskID: task.ID, WorkerID: "w1", Message: "connect ETIMEDOUT"})
	require.NoError(t, err)
	require.Equal(t, DecisionRetry, out.Decision)
	require.Equal(t, harvest.CodeTimeout, out.Code)
	require.True(t, out.NextRetryAt.After(start))

	stored, err := h.sched.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.TaskPending, stored.Status)
	require.Equal(t, harvest.CodeTimeout, stored.LastErrorCode)
	require.Equal(t, "connect ETIMEDOUT", stored.LastError)

	_, ok, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)
	require.False(t, ok, "task must wait for its backoff")

	h.clock.Set(*out.NextRetryAt)
	claimed, ok, err := h.sched.Claim(ctx, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, claimed.Attempts)
}

func TestFailExhaustsAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{MaxAttempts: 2})

	for attempt := 1; attempt <= 2; attempt++ {
		_, ok, err := h.sched.Claim(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		out, err := h.sched.Fail(ctx, FailRequest{TaskID: task.ID, WorkerID: "w1", Code: harvest.CodeParserDown})
		require.NoError(t, err)
		if attempt == 1 {
			require.Equal(t, DecisionRetry, out.Decision)
			h.clock.Set(*out.NextRetryAt)
		} else {
			require.Equal(t, DecisionNoRetry, out.Decision)
		}
	}
	stored, err := h.sched.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.TaskFailed, stored.Status)
}

func TestFailRateLimitCoolsAccountAndMarksSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{TargetID: "tgt-1"})
	_, _, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)

	h.sessions.On("MarkFailure", mock.Anything, "sess-1", harvest.CodeRateLimited).
		Return(harvest.Session{ID: "sess-1", Status: harvest.SessionStale}, nil).Once()

	out, err := h.sched.Fail(ctx, FailRequest{
		TaskID: task.ID, WorkerID: "w1", Message: "too many requests", AccountID: "acct-1", SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.Equal(t, DecisionCooldown, out.Decision)
	require.Equal(t, start.Add(15*time.Minute), *out.CooldownUntil)
	h.sessions.AssertExpectations(t)

	c, found, err := h.cooldowns.Active(ctx, harvest.AccountRef("acct-1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, harvest.ReasonRateLimit, c.Reason)

	stored, err := h.sched.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.TaskCooldown, stored.Status)
	require.Equal(t, 0, stored.Attempts)
}

func TestFailWithoutAccountCoolsTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.targets.CreateTarget(ctx, harvest.Target{ID: "tgt-1", Enabled: true}))
	task := h.create(t, NewTask{TargetID: "tgt-1"})
	_, _, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = h.sched.Fail(ctx, FailRequest{TaskID: task.ID, WorkerID: "w1", Code: harvest.CodeAllSessionsInvalid})
	require.NoError(t, err)

	target, err := h.targets.GetTarget(ctx, "tgt-1")
	require.NoError(t, err)
	require.NotNil(t, target.CooldownUntil)
	require.Equal(t, string(harvest.ReasonSessionRefresh), target.CooldownReason)
}

func TestFailDecryptInvalidatesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{})
	_, _, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)

	h.sessions.On("MarkFailure", mock.Anything, "sess-1", harvest.CodeDecryptFailed).
		Return(harvest.Session{ID: "sess-1", Status: harvest.SessionInvalid}, nil).Once()

	out, err := h.sched.Fail(ctx, FailRequest{TaskID: task.ID, WorkerID: "w1", Code: harvest.CodeDecryptFailed, SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, DecisionNoRetry, out.Decision)
	h.sessions.AssertExpectations(t)
}

func TestFailUnknownMarksSessionError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{})
	_, _, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)

	h.sessions.On("MarkFailure", mock.Anything, "sess-1", harvest.CodeUnknown).
		Return(harvest.Session{ID: "sess-1", Status: harvest.SessionError}, nil).Once()

	out, err := h.sched.Fail(ctx, FailRequest{TaskID: task.ID, WorkerID: "w1", Message: "engine exploded", SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, harvest.CodeUnknown, out.Code)
	require.Equal(t, DecisionRetry, out.Decision)
	h.sessions.AssertExpectations(t)
}

func TestFailAfterLockLostHasNoSideEffects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	task := h.create(t, NewTask{})
	_, _, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)

	_, err = h.sched.Fail(ctx, FailRequest{TaskID: task.ID, WorkerID: "w2", Code: harvest.CodeRateLimited, AccountID: "acct-1", SessionID: "s"})
	require.ErrorIs(t, err, harvest.ErrLockLost)

	_, found, err := h.cooldowns.Active(ctx, harvest.AccountRef("acct-1"))
	require.NoError(t, err)
	require.False(t, found)
	h.sessions.AssertNotCalled(t, "MarkFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweeperRecoversLocksAndReleasesCooldowns(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	sweeper := NewSweeper(h.tasks, h.clock, Config{ExpectedRunDuration: 10 * time.Minute}, zaptest.NewLogger(t))

	stuck := h.create(t, NewTask{Priority: harvest.PriorityHigh})
	cooled := h.create(t, NewTask{})
	_, _, err := h.sched.Claim(ctx, "w1")
	require.NoError(t, err)
	_, _, err = h.sched.Claim(ctx, "w2")
	require.NoError(t, err)
	_, err = h.sched.Fail(ctx, FailRequest{TaskID: cooled.ID, WorkerID: "w2", Code: harvest.CodeCaptcha})
	require.NoError(t, err)

	h.clock.Advance(19 * time.Minute)
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, harvest.RecoveryReport{}, report)

	h.clock.Advance(2 * time.Minute)
	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reclaimed)
	require.Equal(t, 0, report.Released)

	got, err := h.sched.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.TaskPending, got.Status)
	require.Equal(t, harvest.CodeLockExpired, got.LastErrorCode)

	h.clock.Advance(40 * time.Minute)
	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Released)
}

func TestLockTTL(t *testing.T) {
	t.Parallel()

	require.Equal(t, 20*time.Minute, Config{}.LockTTL())
	require.Equal(t, 15*time.Minute, Config{ExpectedRunDuration: 5 * time.Minute, LockTTLMultiplier: 3}.LockTTL())
}

func TestDiagnose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	d := NewDiagnoser(h.accounts, h.tasks, h.cooldowns, nil)

	diag, err := d.Diagnose(ctx)
	require.NoError(t, err)
	require.False(t, diag.Dispatchable)
	require.Equal(t, "no instances configured", diag.Reason)

	require.NoError(t, h.accounts.CreateAccount(ctx, harvest.Account{ID: "a1", OwnerUserID: "u", Enabled: true}))
	require.NoError(t, h.accounts.CreateAccount(ctx, harvest.Account{ID: "a2", OwnerUserID: "u", Enabled: true}))
	require.NoError(t, h.accounts.CreateAccount(ctx, harvest.Account{ID: "a3", OwnerUserID: "u"}))
	_, err = h.cooldowns.Apply(ctx, harvest.AccountRef("a1"), harvest.ReasonRateLimit)
	require.NoError(t, err)
	_, err = h.cooldowns.Apply(ctx, harvest.AccountRef("a2"), harvest.ReasonAbortStorm)
	require.NoError(t, err)

	diag, err = d.Diagnose(ctx)
	require.NoError(t, err)
	require.Equal(t, Instances{Total: 3, Disabled: 1, RateLimited: 1, CoolingDown: 1}, diag.Instances)
	require.Equal(t, "2 of 2 enabled instances in cooldown", diag.Reason)

	h.clock.Advance(20 * time.Minute)
	h.create(t, NewTask{})
	diag, err = d.Diagnose(ctx)
	require.NoError(t, err)
	require.True(t, diag.Dispatchable)
	require.Equal(t, 1, diag.Tasks[harvest.TaskPending])
}

func TestDiagnoseCountsSaturatedLimiter(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.accounts.CreateAccount(ctx, harvest.Account{ID: "a1", OwnerUserID: "u", Enabled: true}))
	d := NewDiagnoser(h.accounts, h.tasks, h.cooldowns, saturated{"a1": true})

	diag, err := d.Diagnose(ctx)
	require.NoError(t, err)
	require.Equal(t, "all 1 enabled instances rate-limited", diag.Reason)
}

type saturated map[string]bool

func (s saturated) Saturated(accountID string) bool { return s[accountID] }

func TestClaimHonorsConcurrencyCap(t *testing.T) {
	t.Parallel()

	tasks := memory.NewTaskStore()
	clk := manual.New(start)
	sched := New(Deps{Tasks: tasks, Clock: clk, IDs: uuid.New()}, Config{MaxConcurrent: 1})
	ctx := context.Background()
	for range 2 {
		_, err := sched.CreateTask(ctx, NewTask{Payload: harvest.KeywordSearch{Query: "q"}})
		require.NoError(t, err)
	}

	_, ok, err := sched.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = sched.Claim(ctx, "w2")
	require.ErrorIs(t, err, harvest.ErrConcurrencyCap)
}
