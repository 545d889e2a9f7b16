package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingRunner struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context) {
	r.started.Add(1)
	<-ctx.Done()
	r.stopped.Add(1)
}

type fixedLeader struct {
	ok  bool
	err error
}

func (l fixedLeader) Acquire(context.Context) (bool, error) { return l.ok, l.err }

func TestDispatcherRunStartsAndStopsWorkers(t *testing.T) {
	t.Parallel()

	runners := []*countingRunner{{}, {}}
	d := New([]Runner{runners[0], runners[1]}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return runners[0].started.Load() == 1 && runners[1].started.Load() == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.EqualValues(t, 1, runners[0].stopped.Load())
	require.EqualValues(t, 1, runners[1].stopped.Load())
}

func TestDispatcherFiresJobs(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	d := New(nil, zaptest.NewLogger(t))
	require.NoError(t, d.AddJob(Job{Name: "sweep", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestDispatcherSkipsJobsWhenNotLeader(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	job := Job{Name: "plan", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}

	for _, leader := range []fixedLeader{{ok: false}, {err: errors.New("redis down")}} {
		d := New(nil, zaptest.NewLogger(t), WithLeader(leader))
		require.NoError(t, d.AddJob(job))
		d.fire(context.Background(), job)
	}
	require.Zero(t, runs.Load())

	d := New(nil, zaptest.NewLogger(t), WithLeader(fixedLeader{ok: true}))
	d.fire(context.Background(), job)
	require.EqualValues(t, 1, runs.Load())
}

func TestAddJobValidates(t *testing.T) {
	t.Parallel()

	d := New(nil, nil)
	noop := func(context.Context) error { return nil }
	require.Error(t, d.AddJob(Job{Name: "bad", Spec: "every minute", Run: noop}))
	require.Error(t, d.AddJob(Job{Spec: "@every 1m", Run: noop}))
	require.NoError(t, d.AddJob(Job{Name: "sweep", Spec: "*/5 * * * *", Run: noop}))
	require.Error(t, d.AddJob(Job{Name: "sweep", Spec: "@every 1m", Run: noop}))
}

func TestTrigger(t *testing.T) {
	t.Parallel()

	d := New(nil, nil)
	boom := errors.New("boom")
	require.NoError(t, d.AddJob(Job{Name: "sweep", Spec: "@every 1m", Run: func(context.Context) error { return boom }}))
	require.ErrorIs(t, d.Trigger(context.Background(), "sweep"), boom)
	require.ErrorIs(t, d.Trigger(context.Background(), "nope"), ErrUnknownJob)
}

func TestFireHonorsTimeout(t *testing.T) {
	t.Parallel()

	var sawDeadline atomic.Bool
	d := New(nil, zaptest.NewLogger(t), WithJobTimeout(10*time.Millisecond))
	d.fire(context.Background(), Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}})
	require.True(t, sawDeadline.Load())
}
