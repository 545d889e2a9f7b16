// Package dispatcher runs the worker pool and the periodic maintenance jobs
// (lock sweeps, cooldown release, target planning) of one process.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is a long-lived loop that returns when its context ends.
type Runner interface {
	Run(ctx context.Context)
}

// Leader gates maintenance jobs so only one process runs them at a time.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
}

// Job is a named maintenance task fired on a cron schedule.
type Job struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such as "@every 1m".
	Spec string
	Run  func(ctx context.Context) error
}

// ErrUnknownJob is returned by Trigger for names that were never registered.
var ErrUnknownJob = errors.New("unknown job")

// Dispatcher fans out to a pool of workers and schedules maintenance jobs.
type Dispatcher struct {
	workers []Runner
	jobs    map[string]Job
	order   []string
	leader  Leader
	logger  *zap.Logger
	timeout time.Duration
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLeader makes every job run only while leader.Acquire reports true.
func WithLeader(l Leader) Option {
	return func(d *Dispatcher) { d.leader = l }
}

// WithJobTimeout bounds each job run. The default is one minute.
func WithJobTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// New creates a Dispatcher.
func New(workers []Runner, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		workers: workers,
		jobs:    make(map[string]Job),
		logger:  logger.Named("dispatcher"),
		timeout: time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddJob registers a job after validating its schedule.
func (d *Dispatcher) AddJob(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job name and func are required")
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("parse schedule %q for job %s: %w", job.Spec, job.Name, err)
	}
	if _, ok := d.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	d.jobs[job.Name] = job
	d.order = append(d.order, job.Name)
	return nil
}

// Trigger runs a registered job once, immediately, bypassing leadership.
func (d *Dispatcher) Trigger(ctx context.Context, name string) error {
	job, ok := d.jobs[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return job.Run(ctx)
}

// Run starts all workers and the job scheduler and blocks until the context
// finishes and every worker and in-flight job has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, name := range d.order {
		job := d.jobs[name]
		if _, err := c.AddFunc(job.Spec, func() { d.fire(ctx, job) }); err != nil {
			d.logger.Error("schedule job", zap.String("job", job.Name), zap.Error(err))
		}
	}
	c.Start()

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
}

func (d *Dispatcher) fire(parent context.Context, job Job) {
	if parent.Err() != nil {
		return
	}
	log := d.logger.With(zap.String("job", job.Name))
	if d.leader != nil {
		ok, err := d.leader.Acquire(parent)
		if err != nil {
			log.Warn("leader check failed", zap.Error(err))
			return
		}
		if !ok {
			log.Debug("not leader; skipping job")
			return
		}
	}
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	started := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Error("job failed", zap.Error(err), zap.Duration("took", time.Since(started)))
		return
	}
	log.Debug("job finished", zap.Duration("took", time.Since(started)))
}
