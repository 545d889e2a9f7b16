package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// CooldownStore keeps cooldowns and the abort log in memory.
type CooldownStore struct {
	mu        sync.Mutex
	cooldowns map[harvest.EntityRef]harvest.Cooldown
	aborts    map[harvest.EntityRef][]time.Time
}

// NewCooldownStore constructs a CooldownStore.
func NewCooldownStore() *CooldownStore {
	return &CooldownStore{
		cooldowns: make(map[harvest.EntityRef]harvest.Cooldown),
		aborts:    make(map[harvest.EntityRef][]time.Time),
	}
}

// SetCooldown upserts the cooldown for its entity.
func (s *CooldownStore) SetCooldown(_ context.Context, c harvest.Cooldown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[c.Entity] = c
	return nil
}

// GetCooldown returns the last cooldown recorded for entity, expired or not.
func (s *CooldownStore) GetCooldown(_ context.Context, entity harvest.EntityRef) (harvest.Cooldown, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cooldowns[entity]
	return c, ok, nil
}

// ListActive returns cooldowns of kind still in force at now, soonest ending first.
func (s *CooldownStore) ListActive(_ context.Context, kind harvest.EntityKind, now time.Time) ([]harvest.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Cooldown
	for entity, c := range s.cooldowns {
		if entity.Kind == kind && c.ActiveAt(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out, nil
}

// ClearCooldown removes entity's cooldown.
func (s *CooldownStore) ClearCooldown(_ context.Context, entity harvest.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldowns, entity)
	return nil
}

// RecordAbort appends an abort and returns the count inside the trailing window.
func (s *CooldownStore) RecordAbort(_ context.Context, entity harvest.EntityRef, at time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := at.Add(-window)
	kept := s.aborts[entity][:0]
	for _, ts := range s.aborts[entity] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	s.aborts[entity] = kept
	return len(kept), nil
}
