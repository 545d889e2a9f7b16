package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

type pairKey struct {
	targetID  string
	accountID string
}

// QualityStore keeps per (target, account) metrics in memory.
type QualityStore struct {
	mu      sync.RWMutex
	metrics map[pairKey]harvest.QualityMetrics
}

// NewQualityStore constructs a QualityStore.
func NewQualityStore() *QualityStore {
	return &QualityStore{metrics: make(map[pairKey]harvest.QualityMetrics)}
}

// GetMetrics returns the pair's metrics, or zero metrics keyed to the pair.
func (s *QualityStore) GetMetrics(_ context.Context, targetID, accountID string) (harvest.QualityMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.metrics[pairKey{targetID, accountID}]; ok {
		return m, nil
	}
	return harvest.QualityMetrics{TargetID: targetID, AccountID: accountID, QualityStatus: harvest.QualityHealthy}, nil
}

// SaveMetrics upserts the pair's metrics.
func (s *QualityStore) SaveMetrics(_ context.Context, m harvest.QualityMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[pairKey{m.TargetID, m.AccountID}] = m
	return nil
}

// WorstForTarget returns the lowest-scoring pair recorded for the target.
func (s *QualityStore) WorstForTarget(_ context.Context, targetID string) (harvest.QualityMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worst := harvest.QualityMetrics{TargetID: targetID, QualityStatus: harvest.QualityHealthy, QualityScore: 100}
	found := false
	for key, m := range s.metrics {
		if key.targetID != targetID {
			continue
		}
		if !found || m.QualityScore < worst.QualityScore ||
			(m.QualityScore == worst.QualityScore && m.EmptyStreak > worst.EmptyStreak) {
			worst = m
			found = true
		}
	}
	return worst, nil
}
