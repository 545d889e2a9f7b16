package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const sessionColumns = `id, account_id, version, is_active, status, stale_reason, risk_score,
	lifetime_days_estimate, telemetry, encrypted_blob, created_at, superseded_at, updated_at`

// SessionStore persists session versions in the sessions table.
type SessionStore struct {
	db DB
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{db: db}
}

// Activate inserts session as the account's next version and supersedes the
// previous active version in one transaction. An advisory lock per account
// serializes concurrent activations.
func (s *SessionStore) Activate(ctx context.Context, session harvest.Session) (harvest.Session, error) {
	if session.ID == "" || session.AccountID == "" {
		return harvest.Session{}, errors.New("session id and account id are required")
	}
	telemetry, err := json.Marshal(session.Telemetry)
	if err != nil {
		return harvest.Session{}, fmt.Errorf("marshal telemetry: %w", err)
	}
	session.IsActive = true
	session.SupersededAt = nil
	session.RiskScore = harvest.ClampRisk(session.RiskScore)
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	err = inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, session.AccountID); err != nil {
			return fmt.Errorf("lock account sessions: %w", err)
		}
		var latest int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM sessions WHERE account_id = $1`,
			session.AccountID).Scan(&latest); err != nil {
			return fmt.Errorf("read latest version: %w", err)
		}
		session.Version = latest + 1
		if _, err := tx.Exec(ctx, `UPDATE sessions SET is_active = FALSE, superseded_at = $2, updated_at = $2
			WHERE account_id = $1 AND is_active`, session.AccountID, session.CreatedAt); err != nil {
			return fmt.Errorf("supersede active session: %w", err)
		}
		_, err := tx.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			session.ID, session.AccountID, session.Version, true, string(session.Status),
			session.StaleReason, session.RiskScore, session.LifetimeDaysEstimate, telemetry,
			session.EncryptedBlob, session.CreatedAt, nil, session.UpdatedAt)
		if isUniqueViolation(err) {
			return errors.New("session already exists")
		}
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return harvest.Session{}, err
	}
	return session, nil
}

// GetActive returns the active session of an account.
func (s *SessionStore) GetActive(ctx context.Context, accountID string) (harvest.Session, error) {
	session, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 AND is_active`, accountID))
	if err != nil {
		return harvest.Session{}, notFound(err, "active session for "+accountID)
	}
	return session, nil
}

// GetSession returns a session version by ID.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (harvest.Session, error) {
	session, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		return harvest.Session{}, notFound(err, "session "+sessionID)
	}
	return session, nil
}

// UpdateState overwrites the mutable state of one session version.
func (s *SessionStore) UpdateState(ctx context.Context, sessionID string, state harvest.SessionState) error {
	telemetry, err := json.Marshal(state.Telemetry)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET status = $2, stale_reason = $3, risk_score = $4,
		telemetry = $5, updated_at = $6 WHERE id = $1`,
		sessionID, string(state.Status), state.StaleReason, harvest.ClampRisk(state.RiskScore), telemetry, state.At)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, harvest.ErrNotFound)
	}
	return nil
}

// ListVersions returns every version of an account's session, newest first.
func (s *SessionStore) ListVersions(ctx context.Context, accountID string) ([]harvest.Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY version DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []harvest.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (harvest.Session, error) {
	var (
		s         harvest.Session
		status    string
		telemetry []byte
	)
	err := row.Scan(&s.ID, &s.AccountID, &s.Version, &s.IsActive, &status, &s.StaleReason, &s.RiskScore,
		&s.LifetimeDaysEstimate, &telemetry, &s.EncryptedBlob, &s.CreatedAt, &s.SupersededAt, &s.UpdatedAt)
	if err != nil {
		return harvest.Session{}, err
	}
	s.Status = harvest.SessionStatus(status)
	if len(telemetry) > 0 {
		if err := json.Unmarshal(telemetry, &s.Telemetry); err != nil {
			return harvest.Session{}, fmt.Errorf("session %s telemetry: %w", s.ID, err)
		}
	}
	return s, nil
}
