package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// defaultLifetimeDays is the lifetime estimate for a fresh credential sync.
const defaultLifetimeDays = 30

// Cooldowns is the subset of the cooldown manager the session layer uses.
type Cooldowns interface {
	Apply(ctx context.Context, entity harvest.EntityRef, reason harvest.CooldownReason) (harvest.Cooldown, error)
	ActiveIDs(ctx context.Context, kind harvest.EntityKind) ([]string, error)
}

// Registry owns session versions and drives the status state machine.
type Registry struct {
	sessions  harvest.SessionStore
	accounts  harvest.AccountStore
	crypto    harvest.CredentialCrypto
	cooldowns Cooldowns
	ids       harvest.IDGenerator
	clock     harvest.Clock
	emitter   events.Emitter
	logger    *zap.Logger
}

// RegistryDeps groups the collaborators of a Registry.
type RegistryDeps struct {
	Sessions  harvest.SessionStore
	Accounts  harvest.AccountStore
	Crypto    harvest.CredentialCrypto
	Cooldowns Cooldowns
	IDs       harvest.IDGenerator
	Clock     harvest.Clock
	Emitter   events.Emitter
	Logger    *zap.Logger
}

// NewRegistry builds a Registry.
func NewRegistry(d RegistryDeps) *Registry {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Emitter == nil {
		d.Emitter = events.Nop{}
	}
	return &Registry{
		sessions:  d.Sessions,
		accounts:  d.Accounts,
		crypto:    d.Crypto,
		cooldowns: d.Cooldowns,
		ids:       d.IDs,
		clock:     d.Clock,
		emitter:   d.Emitter,
		logger:    d.Logger.Named("sessions"),
	}
}

// Sync encrypts fresh credentials and activates them as the account's next
// session version, superseding the previous one atomically.
func (r *Registry) Sync(ctx context.Context, accountID string, credentials []byte) (harvest.Session, error) {
	if len(credentials) == 0 {
		return harvest.Session{}, errors.New("credentials are required")
	}
	if _, err := r.accounts.GetAccount(ctx, accountID); err != nil {
		return harvest.Session{}, accountLookupError(accountID, err)
	}
	blob, err := r.crypto.Encrypt(credentials)
	if err != nil {
		return harvest.Session{}, fmt.Errorf("encrypt credentials: %w", err)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return harvest.Session{}, fmt.Errorf("session id: %w", err)
	}
	now := r.clock.Now()
	session, err := r.sessions.Activate(ctx, harvest.Session{
		ID:                   id,
		AccountID:            accountID,
		Status:               harvest.SessionOK,
		LifetimeDaysEstimate: defaultLifetimeDays,
		EncryptedBlob:        blob,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		return harvest.Session{}, fmt.Errorf("activate session: %w", err)
	}
	r.logger.Info("session activated",
		zap.String("account_id", accountID),
		zap.String("session_id", session.ID),
		zap.Int("version", session.Version))
	r.emitter.Emit(events.Event{
		Kind:      events.KindSessionActivated,
		TS:        now,
		AccountID: accountID,
		SessionID: session.ID,
		Status:    string(session.Status),
	})
	return session, nil
}

// Active returns the account's active session.
func (r *Registry) Active(ctx context.Context, accountID string) (harvest.Session, error) {
	s, err := r.sessions.GetActive(ctx, accountID)
	if err != nil {
		return harvest.Session{}, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

// Versions lists every version of the account's session, newest first.
func (r *Registry) Versions(ctx context.Context, accountID string) ([]harvest.Session, error) {
	out, err := r.sessions.ListVersions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list session versions: %w", err)
	}
	return out, nil
}

// Invalidate marks the active session INVALID until credentials are re-synced.
func (r *Registry) Invalidate(ctx context.Context, accountID, reason string) (harvest.Session, error) {
	s, err := r.sessions.GetActive(ctx, accountID)
	if err != nil {
		return harvest.Session{}, fmt.Errorf("get active session: %w", err)
	}
	if reason == "" {
		reason = "invalidated by administrator"
	}
	return r.transition(ctx, s, harvest.SessionInvalid, reason)
}

// ForceCooldown suspends the account and marks its active session STALE.
func (r *Registry) ForceCooldown(ctx context.Context, accountID string, reason harvest.CooldownReason) (harvest.Cooldown, error) {
	if _, err := r.accounts.GetAccount(ctx, accountID); err != nil {
		return harvest.Cooldown{}, accountLookupError(accountID, err)
	}
	c, err := r.cooldowns.Apply(ctx, harvest.AccountRef(accountID), reason)
	if err != nil {
		return harvest.Cooldown{}, err
	}
	s, err := r.sessions.GetActive(ctx, accountID)
	if errors.Is(err, harvest.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return harvest.Cooldown{}, fmt.Errorf("get active session: %w", err)
	}
	if s.Status == harvest.SessionOK {
		if _, err := r.transition(ctx, s, harvest.SessionStale, "forced cooldown: "+string(reason)); err != nil {
			return harvest.Cooldown{}, err
		}
	}
	return c, nil
}

// SetPreferred designates the user's preferred account for MANUAL selection.
func (r *Registry) SetPreferred(ctx context.Context, userID, accountID string) error {
	if err := r.accounts.SetPreferred(ctx, userID, accountID); err != nil {
		return accountLookupError(accountID, err)
	}
	return nil
}

// RecordRun folds a finished run into the session's telemetry, risk and status.
func (r *Registry) RecordRun(ctx context.Context, sessionID string, o RunOutcome) (harvest.Session, error) {
	s, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return harvest.Session{}, fmt.Errorf("get session: %w", err)
	}
	if o.At.IsZero() {
		o.At = r.clock.Now()
	}
	state := ApplyOutcome(s, o)
	return r.apply(ctx, s, state)
}

// MarkFailure records a session-related failure code on the session.
func (r *Registry) MarkFailure(ctx context.Context, sessionID string, code harvest.ErrorCode) (harvest.Session, error) {
	s, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return harvest.Session{}, fmt.Errorf("get session: %w", err)
	}
	switch code {
	case harvest.CodeSessionExpired:
		return r.transition(ctx, s, harvest.SessionExpired, "credentials expired")
	case harvest.CodeSessionInvalid, harvest.CodeDecryptFailed:
		return r.transition(ctx, s, harvest.SessionInvalid, string(code))
	case harvest.CodeRateLimited, harvest.CodeCaptcha:
		if s.Status == harvest.SessionOK {
			return r.transition(ctx, s, harvest.SessionStale, string(code))
		}
		return s, nil
	case harvest.CodeUnknown:
		return r.transition(ctx, s, harvest.SessionError, "unexpected failure")
	default:
		return s, nil
	}
}

func (r *Registry) transition(ctx context.Context, s harvest.Session, status harvest.SessionStatus, reason string) (harvest.Session, error) {
	return r.apply(ctx, s, harvest.SessionState{
		Status:      status,
		StaleReason: reason,
		RiskScore:   s.RiskScore,
		Telemetry:   s.Telemetry,
		At:          r.clock.Now(),
	})
}

func (r *Registry) apply(ctx context.Context, s harvest.Session, state harvest.SessionState) (harvest.Session, error) {
	if err := r.sessions.UpdateState(ctx, s.ID, state); err != nil {
		return harvest.Session{}, fmt.Errorf("update session state: %w", err)
	}
	prev := s.Status
	s.Status = state.Status
	s.StaleReason = state.StaleReason
	s.RiskScore = harvest.ClampRisk(state.RiskScore)
	s.Telemetry = state.Telemetry
	s.UpdatedAt = state.At
	if prev != s.Status {
		r.logger.Info("session status changed",
			zap.String("account_id", s.AccountID),
			zap.String("session_id", s.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(s.Status)),
			zap.String("reason", s.StaleReason))
		r.emitter.Emit(events.Event{
			Kind:      events.KindSessionStatus,
			TS:        state.At,
			AccountID: s.AccountID,
			SessionID: s.ID,
			Status:    string(s.Status),
			Note:      s.StaleReason,
		})
	}
	return s, nil
}

func accountLookupError(accountID string, err error) error {
	if errors.Is(err, harvest.ErrNotFound) {
		return &harvest.SelectionError{Reason: harvest.ReasonAccountNotFound, AccountID: accountID}
	}
	return fmt.Errorf("get account: %w", err)
}
