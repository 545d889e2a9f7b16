package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/metrics"
	"github.com/JakeFAU/harvest-orchestrator/internal/quality"
)

const (
	defaultBaseInterval = 30 * time.Minute
	defaultMaxPosts     = 100
)

// Planner creates PENDING tasks for enabled targets whose scheduling interval
// has elapsed. Degraded targets are planned less often.
type Planner struct {
	targets   harvest.TargetStore
	tasks     harvest.TaskStore
	quality   harvest.QualityStore
	scheduler *Scheduler
	clock     harvest.Clock
	base      time.Duration
	logger    *zap.Logger
}

// NewPlanner builds a Planner. A non-positive base interval selects 30m.
func NewPlanner(
	targets harvest.TargetStore,
	tasks harvest.TaskStore,
	qualityStore harvest.QualityStore,
	scheduler *Scheduler,
	clock harvest.Clock,
	base time.Duration,
	logger *zap.Logger,
) *Planner {
	if base <= 0 {
		base = defaultBaseInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		targets:   targets,
		tasks:     tasks,
		quality:   qualityStore,
		scheduler: scheduler,
		clock:     clock,
		base:      base,
		logger:    logger.Named("planner"),
	}
}

// Interval is the target's own interval (cooldownMin, or the base interval)
// stretched by the quality cadence multiplier.
func (p *Planner) Interval(target harvest.Target, cadence quality.Cadence) time.Duration {
	interval := p.base
	if target.CooldownMin > 0 {
		interval = time.Duration(target.CooldownMin) * time.Minute
	}
	if cadence.Multiplier > 0 && cadence.Multiplier < 1 {
		interval = time.Duration(float64(interval) / cadence.Multiplier)
	}
	return interval
}

// Plan enqueues one task per due target and returns how many were created.
func (p *Planner) Plan(ctx context.Context) (int, error) {
	targets, err := p.targets.ListEnabledTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}
	now := p.clock.Now()
	created := 0
	for _, target := range targets {
		if target.CooldownUntil != nil && target.CooldownUntil.After(now) {
			continue
		}
		open, err := p.tasks.HasOpenTask(ctx, target.ID)
		if err != nil {
			return created, fmt.Errorf("check open task: %w", err)
		}
		if open {
			continue
		}
		worst, err := p.quality.WorstForTarget(ctx, target.ID)
		if err != nil {
			return created, fmt.Errorf("load quality: %w", err)
		}
		cadence := quality.ShouldReduceFrequency(worst, quality.Assess(worst, now))
		interval := p.Interval(target, cadence)
		if last := target.Stats.LastRunAt; last != nil && now.Before(last.Add(interval)) {
			continue
		}

		task, err := p.scheduler.CreateTask(ctx, NewTask{
			OwnerUserID: target.OwnerUserID,
			TargetID:    target.ID,
			Payload:     payloadFor(target),
			Priority:    harvest.PriorityForTarget(target.Priority),
		})
		if err != nil {
			return created, err
		}
		created++
		p.logger.Debug("planned task",
			zap.String("task_id", task.ID),
			zap.String("target_id", target.ID),
			zap.Duration("interval", interval),
			zap.Float64("cadence", cadence.Multiplier))
	}
	if created > 0 {
		metrics.ObservePlanned(created)
		p.logger.Info("planned tasks", zap.Int("created", created))
	}
	return created, nil
}

func payloadFor(t harvest.Target) harvest.Payload {
	maxPosts := t.MaxPostsPerRun
	if maxPosts <= 0 {
		maxPosts = defaultMaxPosts
	}
	if t.Kind == harvest.TargetAccount {
		return harvest.AccountTimeline{Handle: t.Query, MaxPosts: maxPosts}
	}
	return harvest.KeywordSearch{Query: t.Query, MaxPosts: maxPosts}
}
