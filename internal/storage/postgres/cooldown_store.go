package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// CooldownStore persists cooldowns and the abort log.
type CooldownStore struct {
	db DB
}

// NewCooldownStore constructs a CooldownStore.
func NewCooldownStore(db DB) *CooldownStore {
	return &CooldownStore{db: db}
}

// SetCooldown upserts the cooldown for its entity.
func (s *CooldownStore) SetCooldown(ctx context.Context, c harvest.Cooldown) error {
	_, err := s.db.Exec(ctx, `INSERT INTO cooldowns (entity_kind, entity_id, reason, started_at, ends_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_kind, entity_id) DO UPDATE SET
			reason = EXCLUDED.reason, started_at = EXCLUDED.started_at, ends_at = EXCLUDED.ends_at`,
		string(c.Entity.Kind), c.Entity.ID, string(c.Reason), c.StartedAt, c.Until)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// GetCooldown returns the last cooldown recorded for entity, expired or not.
func (s *CooldownStore) GetCooldown(ctx context.Context, entity harvest.EntityRef) (harvest.Cooldown, bool, error) {
	c, err := scanCooldown(s.db.QueryRow(ctx, `SELECT entity_kind, entity_id, reason, started_at, ends_at
		FROM cooldowns WHERE entity_kind = $1 AND entity_id = $2`, string(entity.Kind), entity.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Cooldown{}, false, nil
	}
	if err != nil {
		return harvest.Cooldown{}, false, fmt.Errorf("get cooldown: %w", err)
	}
	return c, true, nil
}

// ListActive returns cooldowns of kind still in force at now, soonest ending first.
func (s *CooldownStore) ListActive(ctx context.Context, kind harvest.EntityKind, now time.Time) ([]harvest.Cooldown, error) {
	rows, err := s.db.Query(ctx, `SELECT entity_kind, entity_id, reason, started_at, ends_at
		FROM cooldowns WHERE entity_kind = $1 AND ends_at > $2 ORDER BY ends_at`, string(kind), now)
	if err != nil {
		return nil, fmt.Errorf("list cooldowns: %w", err)
	}
	defer rows.Close()

	var out []harvest.Cooldown
	for rows.Next() {
		c, err := scanCooldown(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cooldown: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClearCooldown removes entity's cooldown.
func (s *CooldownStore) ClearCooldown(ctx context.Context, entity harvest.EntityRef) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM cooldowns WHERE entity_kind = $1 AND entity_id = $2`,
		string(entity.Kind), entity.ID); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}

// RecordAbort prunes the entity's log to the trailing window, appends the
// abort, and returns the count inside the window.
func (s *CooldownStore) RecordAbort(ctx context.Context, entity harvest.EntityRef, at time.Time, window time.Duration) (int, error) {
	cutoff := at.Add(-window)
	var n int64
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM abort_log
			WHERE entity_kind = $1 AND entity_id = $2 AND aborted_at <= $3`,
			string(entity.Kind), entity.ID, cutoff); err != nil {
			return fmt.Errorf("prune abort log: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO abort_log (entity_kind, entity_id, aborted_at) VALUES ($1, $2, $3)`,
			string(entity.Kind), entity.ID, at); err != nil {
			return fmt.Errorf("append abort: %w", err)
		}
		return tx.QueryRow(ctx, `SELECT count(*) FROM abort_log
			WHERE entity_kind = $1 AND entity_id = $2 AND aborted_at > $3`,
			string(entity.Kind), entity.ID, cutoff).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("record abort: %w", err)
	}
	return int(n), nil
}

func scanCooldown(row pgx.Row) (harvest.Cooldown, error) {
	var (
		c            harvest.Cooldown
		kind, reason string
	)
	if err := row.Scan(&kind, &c.Entity.ID, &reason, &c.StartedAt, &c.Until); err != nil {
		return harvest.Cooldown{}, err
	}
	c.Entity.Kind = harvest.EntityKind(kind)
	c.Reason = harvest.CooldownReason(reason)
	return c, nil
}
