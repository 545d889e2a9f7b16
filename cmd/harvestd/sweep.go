package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/harvest-orchestrator/internal/scheduler"
	"github.com/JakeFAU/harvest-orchestrator/internal/server"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stale locks and release expired cooldowns once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := commandLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			stores, err := server.OpenStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := stores.Close(); cerr != nil {
					logger.Warn("store close failed", zap.Error(cerr))
				}
			}()

			sweeper := scheduler.NewSweeper(stores.Tasks, system.New(), scheduler.Config{
				MaxAttempts:         cfg.Worker.MaxAttempts,
				ExpectedRunDuration: cfg.Worker.ExpectedRunDuration,
				LockTTLMultiplier:   float64(cfg.Worker.LockTTLMultiplier),
			}, logger)
			report, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed=%d failed=%d released=%d\n",
				report.Reclaimed, report.Failed, report.Released)
			return nil
		},
	}
}
