package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

func TestSessionStoreActivateSupersedesInTransaction(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSessionStore(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(quoted("pg_advisory_xact_lock")).WithArgs("acct-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(quoted("SELECT COALESCE(MAX(version), 0)")).WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(2))
	mock.ExpectExec(quoted("UPDATE sessions SET is_active = FALSE")).WithArgs("acct-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(quoted("INSERT INTO sessions")).
		WithArgs("sess-3", "acct-1", 3, true, "OK", "", 100, 0, pgxmock.AnyArg(),
			[]byte("sealed"), now, nil, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	got, err := store.Activate(context.Background(), harvest.Session{
		ID:            "sess-3",
		AccountID:     "acct-1",
		Status:        harvest.SessionOK,
		RiskScore:     140,
		EncryptedBlob: []byte("sealed"),
		CreatedAt:     now,
	})
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)
	require.True(t, got.IsActive)
	require.Equal(t, 100, got.RiskScore)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreActivateDuplicateRollsBack(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSessionStore(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(quoted("pg_advisory_xact_lock")).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(quoted("SELECT COALESCE(MAX(version), 0)")).
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(1))
	mock.ExpectExec(quoted("UPDATE sessions SET is_active = FALSE")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(quoted("INSERT INTO sessions")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	mock.ExpectRollback()

	_, err := store.Activate(context.Background(), harvest.Session{
		ID: "sess-1", AccountID: "acct-1", Status: harvest.SessionOK, CreatedAt: now,
	})
	require.EqualError(t, err, "session already exists")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStoreActivateRequiresIDs(t *testing.T) {
	t.Parallel()

	store := NewSessionStore(newMock(t))
	_, err := store.Activate(context.Background(), harvest.Session{ID: "sess-1"})
	require.Error(t, err)
}

func TestSessionStoreGetActive(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSessionStore(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(quoted("WHERE account_id = $1 AND is_active")).WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows(columns(sessionColumns)).AddRow(
			"sess-2", "acct-1", 2, true, "STALE", "no successful use in 72h", 40, 30,
			[]byte(`{"success_rate":0.5,"runs":4,"avg_latency_ms":900}`), []byte("sealed"),
			now, nil, now))

	got, err := store.GetActive(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, harvest.SessionStale, got.Status)
	require.Equal(t, 4, got.Telemetry.Runs)
	require.InDelta(t, 0.5, got.Telemetry.SuccessRate, 1e-9)
	require.Nil(t, got.SupersededAt)
}

func TestSessionStoreGetActiveMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSessionStore(mock)
	mock.ExpectQuery(quoted("WHERE account_id = $1 AND is_active")).WillReturnError(pgx.ErrNoRows)

	_, err := store.GetActive(context.Background(), "acct-9")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestSessionStoreUpdateStateMissing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewSessionStore(mock)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(quoted("UPDATE sessions SET status = $2")).
		WithArgs("sess-x", "INVALID", "risk score 90", 90, pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateState(context.Background(), "sess-x", harvest.SessionState{
		Status: harvest.SessionInvalid, StaleReason: "risk score 90", RiskScore: 90, At: at,
	})
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
