// Package logging builds the zap loggers used across the orchestrator.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// New builds a zap.Logger configured for development or production. An empty
// level keeps the preset's default.
func New(development bool, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// TaskFields are the standard fields identifying a task in log lines.
func TaskFields(t harvest.Task) []zap.Field {
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("task_type", string(t.Type)),
		zap.Int("attempts", t.Attempts),
	}
	if t.TargetID != "" {
		fields = append(fields, zap.String("target_id", t.TargetID))
	}
	if t.AccountID != "" {
		fields = append(fields, zap.String("account_id", t.AccountID))
	}
	return fields
}
