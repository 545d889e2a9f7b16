package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// TargetStore keeps harvesting targets in memory.
type TargetStore struct {
	mu      sync.RWMutex
	targets map[string]harvest.Target
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{targets: make(map[string]harvest.Target)}
}

// CreateTarget stores a new target.
func (s *TargetStore) CreateTarget(_ context.Context, target harvest.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.targets[target.ID]; exists {
		return errors.New("target already exists")
	}
	s.targets[target.ID] = target
	return nil
}

// GetTarget fetches a target by ID.
func (s *TargetStore) GetTarget(_ context.Context, targetID string) (harvest.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[targetID]
	if !ok {
		return harvest.Target{}, fmt.Errorf("target %s: %w", targetID, harvest.ErrNotFound)
	}
	return target, nil
}

// ListEnabledTargets returns enabled targets by descending priority.
func (s *TargetStore) ListEnabledTargets(context.Context) ([]harvest.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Target
	for _, target := range s.targets {
		if target.Enabled {
			out = append(out, target)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecordRun folds one run into the target's stats and empty-run counter.
func (s *TargetStore) RecordRun(_ context.Context, targetID string, fetched int, at time.Time) (harvest.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok {
		return harvest.Target{}, fmt.Errorf("target %s: %w", targetID, harvest.ErrNotFound)
	}
	target.Stats.TotalRuns++
	target.Stats.TotalPostsFetched += fetched
	target.Stats.LastRunAt = &at
	if fetched > 0 {
		target.ConsecutiveEmptyCount = 0
	} else {
		target.ConsecutiveEmptyCount++
	}
	s.targets[targetID] = target
	return target, nil
}

// SetCooldown records the target's cooldown; a zero until clears it.
func (s *TargetStore) SetCooldown(_ context.Context, targetID string, until time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok {
		return fmt.Errorf("target %s: %w", targetID, harvest.ErrNotFound)
	}
	if until.IsZero() {
		target.CooldownUntil = nil
		target.CooldownReason = ""
	} else {
		target.CooldownUntil = &until
		target.CooldownReason = reason
	}
	s.targets[targetID] = target
	return nil
}

// SetEnabled toggles a target. Targets are never deleted.
func (s *TargetStore) SetEnabled(_ context.Context, targetID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok {
		return fmt.Errorf("target %s: %w", targetID, harvest.ErrNotFound)
	}
	target.Enabled = enabled
	s.targets[targetID] = target
	return nil
}
