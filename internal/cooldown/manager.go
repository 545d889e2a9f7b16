// Package cooldown applies and queries time-boxed suspensions of accounts and targets.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// Frozen cooldown durations.
var durations = map[harvest.CooldownReason]time.Duration{
	harvest.ReasonRateLimit:        15 * time.Minute,
	harvest.ReasonAbortStorm:       30 * time.Minute,
	harvest.ReasonConsecutiveEmpty: 10 * time.Minute,
	harvest.ReasonCaptcha:          60 * time.Minute,
	harvest.ReasonSessionRefresh:   15 * time.Minute,
}

// Trigger thresholds.
const (
	AbortStormThreshold   = 3
	AbortStormWindow      = 10 * time.Minute
	ConsecutiveEmptyLimit = 5
)

// Duration returns the frozen duration for reason.
func Duration(reason harvest.CooldownReason) (time.Duration, bool) {
	d, ok := durations[reason]
	return d, ok
}

// Manager applies cooldowns through a CooldownStore. When a TargetStore is
// supplied, target cooldowns are mirrored onto the target document.
type Manager struct {
	store   harvest.CooldownStore
	targets harvest.TargetStore
	clock   harvest.Clock
	emitter events.Emitter
	logger  *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTargetStore mirrors target cooldowns onto target documents.
func WithTargetStore(targets harvest.TargetStore) Option {
	return func(m *Manager) { m.targets = targets }
}

// WithEmitter reports applied cooldowns.
func WithEmitter(e events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// NewManager builds a Manager.
func NewManager(store harvest.CooldownStore, clock harvest.Clock, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: store, clock: clock, emitter: events.Nop{}, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply suspends entity for the frozen duration of reason starting now.
// An existing cooldown that ends later is kept.
func (m *Manager) Apply(ctx context.Context, entity harvest.EntityRef, reason harvest.CooldownReason) (harvest.Cooldown, error) {
	d, ok := Duration(reason)
	if !ok {
		return harvest.Cooldown{}, fmt.Errorf("unknown cooldown reason %q", reason)
	}
	now := m.clock.Now()
	c := harvest.Cooldown{Entity: entity, Reason: reason, StartedAt: now, Until: now.Add(d)}

	existing, found, err := m.store.GetCooldown(ctx, entity)
	if err != nil {
		return harvest.Cooldown{}, fmt.Errorf("get cooldown: %w", err)
	}
	if found && existing.Until.After(c.Until) {
		return existing, nil
	}
	if err := m.store.SetCooldown(ctx, c); err != nil {
		return harvest.Cooldown{}, fmt.Errorf("set cooldown: %w", err)
	}
	if entity.Kind == harvest.EntityTarget && m.targets != nil {
		if err := m.targets.SetCooldown(ctx, entity.ID, c.Until, string(reason)); err != nil {
			return harvest.Cooldown{}, fmt.Errorf("mirror target cooldown: %w", err)
		}
	}

	m.logger.Info("cooldown applied",
		zap.String("entity_kind", string(entity.Kind)),
		zap.String("entity_id", entity.ID),
		zap.String("reason", string(reason)),
		zap.Time("until", c.Until))
	evt := events.Event{Kind: events.KindCooldownApplied, TS: now, Code: string(reason), Note: c.Until.Format(time.RFC3339)}
	if entity.Kind == harvest.EntityAccount {
		evt.AccountID = entity.ID
	} else {
		evt.TargetID = entity.ID
	}
	m.emitter.Emit(evt)
	return c, nil
}

// Active returns the cooldown currently suspending entity, if any.
func (m *Manager) Active(ctx context.Context, entity harvest.EntityRef) (harvest.Cooldown, bool, error) {
	c, found, err := m.store.GetCooldown(ctx, entity)
	if err != nil {
		return harvest.Cooldown{}, false, fmt.Errorf("get cooldown: %w", err)
	}
	if !found || !c.ActiveAt(m.clock.Now()) {
		return harvest.Cooldown{}, false, nil
	}
	return c, true, nil
}

// ListActive returns every cooldown of kind that is in force now.
func (m *Manager) ListActive(ctx context.Context, kind harvest.EntityKind) ([]harvest.Cooldown, error) {
	list, err := m.store.ListActive(ctx, kind, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list cooldowns: %w", err)
	}
	return list, nil
}

// ActiveIDs lists the IDs of every entity of kind that is cooling down now.
func (m *Manager) ActiveIDs(ctx context.Context, kind harvest.EntityKind) ([]string, error) {
	list, err := m.ListActive(ctx, kind)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.Entity.ID)
	}
	return ids, nil
}

// Clear lifts the cooldown on entity.
func (m *Manager) Clear(ctx context.Context, entity harvest.EntityRef) error {
	if err := m.store.ClearCooldown(ctx, entity); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	if entity.Kind == harvest.EntityTarget && m.targets != nil {
		if err := m.targets.SetCooldown(ctx, entity.ID, time.Time{}, ""); err != nil {
			return fmt.Errorf("mirror target cooldown: %w", err)
		}
	}
	return nil
}

// RecordAbort logs an aborted run for the account and applies ABORT_STORM once
// the trailing window holds enough aborts. It returns the abort count.
func (m *Manager) RecordAbort(ctx context.Context, accountID string) (int, *harvest.Cooldown, error) {
	entity := harvest.AccountRef(accountID)
	n, err := m.store.RecordAbort(ctx, entity, m.clock.Now(), AbortStormWindow)
	if err != nil {
		return 0, nil, fmt.Errorf("record abort: %w", err)
	}
	if n < AbortStormThreshold {
		return n, nil, nil
	}
	c, err := m.Apply(ctx, entity, harvest.ReasonAbortStorm)
	if err != nil {
		return n, nil, err
	}
	return n, &c, nil
}

// RecordEmptyStreak applies CONSECUTIVE_EMPTY to the target once its streak
// of empty runs reaches the limit.
func (m *Manager) RecordEmptyStreak(ctx context.Context, targetID string, streak int) (*harvest.Cooldown, error) {
	if streak < ConsecutiveEmptyLimit {
		return nil, nil
	}
	c, err := m.Apply(ctx, harvest.TargetRef(targetID), harvest.ReasonConsecutiveEmpty)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
