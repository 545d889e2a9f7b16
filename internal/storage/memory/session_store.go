package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// SessionStore keeps session versions in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]harvest.Session
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]harvest.Session)}
}

// Activate stores session as the next active version for its account and
// supersedes the previous active version under the same lock.
func (s *SessionStore) Activate(_ context.Context, session harvest.Session) (harvest.Session, error) {
	if session.ID == "" || session.AccountID == "" {
		return harvest.Session{}, errors.New("session id and account id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return harvest.Session{}, errors.New("session already exists")
	}

	version := 0
	for id, existing := range s.sessions {
		if existing.AccountID != session.AccountID {
			continue
		}
		if existing.Version > version {
			version = existing.Version
		}
		if existing.IsActive {
			at := session.CreatedAt
			existing.IsActive = false
			existing.SupersededAt = &at
			existing.UpdatedAt = at
			s.sessions[id] = existing
		}
	}
	session.Version = version + 1
	session.IsActive = true
	session.SupersededAt = nil
	session.RiskScore = harvest.ClampRisk(session.RiskScore)
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	s.sessions[session.ID] = session
	return session, nil
}

// GetActive returns the active session of an account.
func (s *SessionStore) GetActive(_ context.Context, accountID string) (harvest.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, session := range s.sessions {
		if session.AccountID == accountID && session.IsActive {
			return session, nil
		}
	}
	return harvest.Session{}, fmt.Errorf("active session for %s: %w", accountID, harvest.ErrNotFound)
}

// GetSession returns a session version by ID.
func (s *SessionStore) GetSession(_ context.Context, sessionID string) (harvest.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return harvest.Session{}, fmt.Errorf("session %s: %w", sessionID, harvest.ErrNotFound)
	}
	return session, nil
}

// UpdateState overwrites the mutable state of one session version.
func (s *SessionStore) UpdateState(_ context.Context, sessionID string, state harvest.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, harvest.ErrNotFound)
	}
	session.Status = state.Status
	session.StaleReason = state.StaleReason
	session.RiskScore = harvest.ClampRisk(state.RiskScore)
	session.Telemetry = state.Telemetry
	session.UpdatedAt = state.At
	s.sessions[sessionID] = session
	return nil
}

// ListVersions returns every version of an account's session, newest first.
func (s *SessionStore) ListVersions(_ context.Context, accountID string) ([]harvest.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Session
	for _, session := range s.sessions {
		if session.AccountID == accountID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}
