package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const qualityColumns = `target_id, account_id, runs_total, runs_with_results, empty_streak, max_empty_streak,
	avg_fetched, last_non_empty_at, quality_status, quality_score, degraded_since, updated_at`

// QualityStore persists per (target, account) quality metrics.
type QualityStore struct {
	db DB
}

// NewQualityStore constructs a QualityStore.
func NewQualityStore(db DB) *QualityStore {
	return &QualityStore{db: db}
}

// GetMetrics returns the pair's metrics, or zero metrics keyed to the pair.
func (s *QualityStore) GetMetrics(ctx context.Context, targetID, accountID string) (harvest.QualityMetrics, error) {
	m, err := scanQuality(s.db.QueryRow(ctx, `SELECT `+qualityColumns+` FROM quality_metrics
		WHERE target_id = $1 AND account_id = $2`, targetID, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.QualityMetrics{TargetID: targetID, AccountID: accountID, QualityStatus: harvest.QualityHealthy}, nil
	}
	if err != nil {
		return harvest.QualityMetrics{}, fmt.Errorf("get quality metrics: %w", err)
	}
	return m, nil
}

// SaveMetrics upserts the pair's metrics.
func (s *QualityStore) SaveMetrics(ctx context.Context, m harvest.QualityMetrics) error {
	_, err := s.db.Exec(ctx, `INSERT INTO quality_metrics (`+qualityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (target_id, account_id) DO UPDATE SET
			runs_total = EXCLUDED.runs_total,
			runs_with_results = EXCLUDED.runs_with_results,
			empty_streak = EXCLUDED.empty_streak,
			max_empty_streak = EXCLUDED.max_empty_streak,
			avg_fetched = EXCLUDED.avg_fetched,
			last_non_empty_at = EXCLUDED.last_non_empty_at,
			quality_status = EXCLUDED.quality_status,
			quality_score = EXCLUDED.quality_score,
			degraded_since = EXCLUDED.degraded_since,
			updated_at = EXCLUDED.updated_at`,
		m.TargetID, m.AccountID, m.RunsTotal, m.RunsWithResults, m.EmptyStreak, m.MaxEmptyStreak,
		m.AvgFetched, m.LastNonEmptyAt, string(m.QualityStatus), m.QualityScore, m.DegradedSince, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save quality metrics: %w", err)
	}
	return nil
}

// WorstForTarget returns the lowest-scoring pair recorded for the target.
func (s *QualityStore) WorstForTarget(ctx context.Context, targetID string) (harvest.QualityMetrics, error) {
	m, err := scanQuality(s.db.QueryRow(ctx, `SELECT `+qualityColumns+` FROM quality_metrics
		WHERE target_id = $1 ORDER BY quality_score ASC, empty_streak DESC LIMIT 1`, targetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.QualityMetrics{TargetID: targetID, QualityStatus: harvest.QualityHealthy, QualityScore: 100}, nil
	}
	if err != nil {
		return harvest.QualityMetrics{}, fmt.Errorf("worst quality for target: %w", err)
	}
	return m, nil
}

func scanQuality(row pgx.Row) (harvest.QualityMetrics, error) {
	var (
		m      harvest.QualityMetrics
		status string
	)
	err := row.Scan(&m.TargetID, &m.AccountID, &m.RunsTotal, &m.RunsWithResults, &m.EmptyStreak,
		&m.MaxEmptyStreak, &m.AvgFetched, &m.LastNonEmptyAt, &status, &m.QualityScore, &m.DegradedSince, &m.UpdatedAt)
	if err != nil {
		return harvest.QualityMetrics{}, err
	}
	m.QualityStatus = harvest.QualityStatus(status)
	return m, nil
}
