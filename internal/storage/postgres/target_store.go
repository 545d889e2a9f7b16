package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const targetColumns = `id, owner_user_id, kind, query, enabled, priority, max_posts_per_run, cooldown_min,
	consecutive_empty_count, cooldown_until, cooldown_reason, total_runs, total_posts_fetched,
	last_run_at, created_at`

// TargetStore persists harvesting targets.
type TargetStore struct {
	db DB
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore(db DB) *TargetStore {
	return &TargetStore{db: db}
}

// CreateTarget inserts a new target.
func (s *TargetStore) CreateTarget(ctx context.Context, t harvest.Target) error {
	_, err := s.db.Exec(ctx, `INSERT INTO targets (`+targetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.OwnerUserID, string(t.Kind), t.Query, t.Enabled, t.Priority, t.MaxPostsPerRun, t.CooldownMin,
		t.ConsecutiveEmptyCount, t.CooldownUntil, t.CooldownReason, t.Stats.TotalRuns,
		int64(t.Stats.TotalPostsFetched), t.Stats.LastRunAt, t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("target %s already exists", t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// GetTarget fetches a target by ID.
func (s *TargetStore) GetTarget(ctx context.Context, targetID string) (harvest.Target, error) {
	t, err := scanTarget(s.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, targetID))
	if err != nil {
		return harvest.Target{}, notFound(err, "target "+targetID)
	}
	return t, nil
}

// ListEnabledTargets returns enabled targets by descending priority.
func (s *TargetStore) ListEnabledTargets(ctx context.Context) ([]harvest.Target, error) {
	rows, err := s.db.Query(ctx, `SELECT `+targetColumns+` FROM targets
		WHERE enabled ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []harvest.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordRun folds one run into the target's stats and empty-run counter.
func (s *TargetStore) RecordRun(ctx context.Context, targetID string, fetched int, at time.Time) (harvest.Target, error) {
	t, err := scanTarget(s.db.QueryRow(ctx, `UPDATE targets SET
		total_runs = total_runs + 1,
		total_posts_fetched = total_posts_fetched + $2,
		last_run_at = $3,
		consecutive_empty_count = CASE WHEN $2 > 0 THEN 0 ELSE consecutive_empty_count + 1 END
		WHERE id = $1
		RETURNING `+targetColumns, targetID, fetched, at))
	if err != nil {
		return harvest.Target{}, notFound(err, "target "+targetID)
	}
	return t, nil
}

// SetCooldown records the target's cooldown; a zero until clears it.
func (s *TargetStore) SetCooldown(ctx context.Context, targetID string, until time.Time, reason string) error {
	var untilArg *time.Time
	if until.IsZero() {
		reason = ""
	} else {
		untilArg = &until
	}
	tag, err := s.db.Exec(ctx, `UPDATE targets SET cooldown_until = $2, cooldown_reason = $3 WHERE id = $1`,
		targetID, untilArg, reason)
	if err != nil {
		return fmt.Errorf("set target cooldown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", targetID, harvest.ErrNotFound)
	}
	return nil
}

// SetEnabled toggles a target. Targets are never deleted.
func (s *TargetStore) SetEnabled(ctx context.Context, targetID string, enabled bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE targets SET enabled = $2 WHERE id = $1`, targetID, enabled)
	if err != nil {
		return fmt.Errorf("set target enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", targetID, harvest.ErrNotFound)
	}
	return nil
}

func scanTarget(row pgx.Row) (harvest.Target, error) {
	var (
		t       harvest.Target
		kind    string
		fetched int64
	)
	err := row.Scan(&t.ID, &t.OwnerUserID, &kind, &t.Query, &t.Enabled, &t.Priority, &t.MaxPostsPerRun,
		&t.CooldownMin, &t.ConsecutiveEmptyCount, &t.CooldownUntil, &t.CooldownReason, &t.Stats.TotalRuns,
		&fetched, &t.Stats.LastRunAt, &t.CreatedAt)
	if err != nil {
		return harvest.Target{}, err
	}
	t.Kind = harvest.TargetKind(kind)
	t.Stats.TotalPostsFetched = int(fetched)
	return t, nil
}
