package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/metrics"
)

// Sweeper reclaims RUNNING tasks whose lock outlived the lock TTL and returns
// COOLDOWN tasks whose suspension ended to PENDING.
type Sweeper struct {
	tasks  harvest.TaskStore
	clock  harvest.Clock
	cfg    Config
	logger *zap.Logger
}

// NewSweeper builds a Sweeper.
func NewSweeper(tasks harvest.TaskStore, clock harvest.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{tasks: tasks, clock: clock, cfg: cfg.withDefaults(), logger: logger.Named("sweeper")}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (harvest.RecoveryReport, error) {
	now := s.clock.Now()
	report, err := s.tasks.RecoverStale(ctx, now.Add(-s.cfg.LockTTL()), now)
	if err != nil {
		return harvest.RecoveryReport{}, fmt.Errorf("recover stale locks: %w", err)
	}
	released, err := s.tasks.ReleaseCooldowns(ctx, now)
	if err != nil {
		return report, fmt.Errorf("release cooldowns: %w", err)
	}
	report.Released = released

	metrics.ObserveRecovery(report.Reclaimed, report.Failed, report.Released)
	if report.Reclaimed+report.Failed+report.Released > 0 {
		s.logger.Info("sweep recovered tasks",
			zap.Int("reclaimed", report.Reclaimed),
			zap.Int("failed", report.Failed),
			zap.Int("released", report.Released))
	}
	return report, nil
}
