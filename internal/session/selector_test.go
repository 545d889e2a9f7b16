package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

func requireReason(t *testing.T, err error, want harvest.SelectionReason) {
	t.Helper()
	var selErr *harvest.SelectionError
	require.True(t, errors.As(err, &selErr), "expected SelectionError, got %v", err)
	require.Equal(t, want, selErr.Reason)
}

func TestManualSelectionWithInvalidPreferredSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, harvest.Account{ID: "pref", Enabled: true, Preferred: true})
	f.addAccount(t, harvest.Account{ID: "backup", Enabled: true})
	f.sync(t, "pref", "a")
	f.sync(t, "backup", "b")
	_, err := f.registry.Invalidate(ctx, "pref", "checkpoint")
	require.NoError(t, err)

	_, err = f.selector.Select(ctx, Request{UserID: "user-1", Mode: ModeManual})
	requireReason(t, err, harvest.ReasonSessionInvalid)

	sel, err := f.selector.Select(ctx, Request{UserID: "user-1", Mode: ModeAuto})
	require.NoError(t, err)
	require.Equal(t, "backup", sel.Chosen.AccountID)
}

func TestManualSelectionFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		req   Request
		want  harvest.SelectionReason
	}{
		{
			name:  "no preferred account",
			setup: func(t *testing.T, f *fixture) { f.addAccount(t, harvest.Account{ID: "a1", Enabled: true}) },
			req:   Request{UserID: "user-1", Mode: ModeManual},
			want:  harvest.ReasonAccountNotFound,
		},
		{
			name:  "unknown account",
			setup: func(*testing.T, *fixture) {},
			req:   Request{UserID: "user-1", Mode: ModeManual, AccountID: "ghost"},
			want:  harvest.ReasonAccountNotFound,
		},
		{
			name: "foreign account",
			setup: func(t *testing.T, f *fixture) {
				f.addAccount(t, harvest.Account{ID: "a1", OwnerUserID: "other", Enabled: true})
			},
			req:  Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1"},
			want: harvest.ReasonAccountNotFound,
		},
		{
			name: "disabled",
			setup: func(t *testing.T, f *fixture) {
				f.addAccount(t, harvest.Account{ID: "a1"})
				f.sync(t, "a1", "x")
			},
			req:  Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1"},
			want: harvest.ReasonAccountDisabled,
		},
		{
			name: "cooling down",
			setup: func(t *testing.T, f *fixture) {
				f.addAccount(t, harvest.Account{ID: "a1", Enabled: true})
				f.sync(t, "a1", "x")
				_, err := f.cooldowns.Apply(ctx, harvest.AccountRef("a1"), harvest.ReasonCaptcha)
				require.NoError(t, err)
			},
			req:  Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1"},
			want: harvest.ReasonAccountInCooldown,
		},
		{
			name:  "no session",
			setup: func(t *testing.T, f *fixture) { f.addAccount(t, harvest.Account{ID: "a1", Enabled: true}) },
			req:   Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1"},
			want:  harvest.ReasonNoActiveSession,
		},
		{
			name: "proxy required",
			setup: func(t *testing.T, f *fixture) {
				f.addAccount(t, harvest.Account{ID: "a1", Enabled: true})
				f.sync(t, "a1", "x")
			},
			req:  Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1", RequireProxy: true},
			want: harvest.ReasonProxyUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(t, f)
			_, err := f.selector.Select(ctx, tt.req)
			requireReason(t, err, tt.want)
		})
	}
}

func TestAutoSelectionFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		req   Request
		want  harvest.SelectionReason
	}{
		{
			name:  "no accounts",
			setup: func(*testing.T, *fixture) {},
			want:  harvest.ReasonNoAccounts,
		},
		{
			name:  "only disabled accounts",
			setup: func(t *testing.T, f *fixture) { f.addAccount(t, harvest.Account{ID: "a1"}) },
			want:  harvest.ReasonNoAccounts,
		},
		{
			name: "all invalid",
			setup: func(t *testing.T, f *fixture) {
				for _, id := range []string{"a1", "a2"} {
					f.addAccount(t, harvest.Account{ID: id, Enabled: true})
					f.sync(t, id, "x")
					_, err := f.registry.Invalidate(ctx, id, "")
					require.NoError(t, err)
				}
			},
			want: harvest.ReasonAllSessionsInvalid,
		},
		{
			name: "all cooling",
			setup: func(t *testing.T, f *fixture) {
				f.addAccount(t, harvest.Account{ID: "a1", Enabled: true})
				f.sync(t, "a1", "x")
				_, err := f.cooldowns.Apply(ctx, harvest.AccountRef("a1"), harvest.ReasonRateLimit)
				require.NoError(t, err)
			},
			want: harvest.ReasonAccountInCooldown,
		},
		{
			name:  "no sessions",
			setup: func(t *testing.T, f *fixture) { f.addAccount(t, harvest.Account{ID: "a1", Enabled: true}) },
			want:  harvest.ReasonNoActiveSession,
		},
		{
			name: "proxy missing",
			setup: func(t *testing.T, f *fixture) {
				f.addAccount(t, harvest.Account{ID: "a1", Enabled: true})
				f.sync(t, "a1", "x")
			},
			req:  Request{RequireProxy: true},
			want: harvest.ReasonProxyUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(t, f)
			req := tt.req
			req.UserID = "user-1"
			req.Mode = ModeAuto
			_, err := f.selector.Select(ctx, req)
			requireReason(t, err, tt.want)
		})
	}
}

func TestAutoSelectionRanking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, harvest.Account{ID: "risky", Enabled: true})
	f.addAccount(t, harvest.Account{ID: "stale", Enabled: true})
	f.addAccount(t, harvest.Account{ID: "calm", Enabled: true, ProxyURL: "http://proxy:8080"})

	risky := f.sync(t, "risky", "r")
	_, err := f.registry.RecordRun(ctx, risky.ID, RunOutcome{Success: true, FinalRisk: 40})
	require.NoError(t, err)
	stale := f.sync(t, "stale", "s")
	_, err = f.registry.MarkFailure(ctx, stale.ID, harvest.CodeRateLimited)
	require.NoError(t, err)
	f.sync(t, "calm", "c")

	sel, err := f.selector.Select(ctx, Request{UserID: "user-1", Mode: ModeAuto})
	require.NoError(t, err)
	require.Equal(t, "calm", sel.Chosen.AccountID)
	require.Equal(t, "c", string(sel.Run.Credentials))
	require.Equal(t, "http://proxy:8080", sel.Run.Proxy)
	require.Equal(t, string(timing.ProfileNormal), sel.Run.ScrollProfile)
	require.Len(t, sel.Alternatives, 2)
	require.Equal(t, "risky", sel.Alternatives[0].AccountID)
	require.Equal(t, "stale", sel.Alternatives[1].AccountID)

	require.NoError(t, f.registry.SetPreferred(ctx, "user-1", "stale"))
	sel, err = f.selector.Select(ctx, Request{UserID: "user-1", Mode: ModeAuto})
	require.NoError(t, err)
	require.Equal(t, "stale", sel.Chosen.AccountID)
	require.Equal(t, string(timing.ProfileCautious), sel.Run.ScrollProfile)
}

func TestAutoSelectionQualityBreaksTies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, harvest.Account{ID: "a1", Enabled: true})
	f.addAccount(t, harvest.Account{ID: "a2", Enabled: true})
	f.sync(t, "a1", "x")
	f.sync(t, "a2", "y")
	require.NoError(t, f.quality.SaveMetrics(ctx, harvest.QualityMetrics{
		TargetID: "tgt", AccountID: "a1", RunsTotal: 8, QualityScore: 30, QualityStatus: harvest.QualityUnstable,
	}))

	sel, err := f.selector.Preview(ctx, Request{UserID: "user-1", Mode: ModeAuto, TargetID: "tgt"})
	require.NoError(t, err)
	require.Equal(t, "a2", sel.Chosen.AccountID)
	require.Empty(t, sel.Run.Credentials)
	require.Equal(t, 30, sel.Alternatives[0].QualityScore)
}

func TestSelectRejectsUndecryptableCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, harvest.Account{ID: "a1", Enabled: true})
	_, err := f.sessions.Activate(ctx, harvest.Session{
		ID: "s1", AccountID: "a1", Status: harvest.SessionOK, EncryptedBlob: []byte("garbage"), CreatedAt: fixtureStart,
	})
	require.NoError(t, err)

	sel, err := f.selector.Preview(ctx, Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1"})
	require.NoError(t, err)
	require.Equal(t, "s1", sel.Chosen.SessionID)

	_, err = f.selector.Select(ctx, Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1"})
	requireReason(t, err, harvest.ReasonCredentialsRejected)
	var selErr *harvest.SelectionError
	require.ErrorAs(t, err, &selErr)
	require.Equal(t, "a1", selErr.AccountID)
	require.Equal(t, "s1", selErr.SessionID)

	got, err := f.sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, harvest.SessionInvalid, got.Status)

	_, err = f.selector.Select(ctx, Request{UserID: "user-1", Mode: ModeManual, AccountID: "a1"})
	requireReason(t, err, harvest.ReasonSessionInvalid)
}

func TestAutoSelectionFailsOverRejectedCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.addAccount(t, harvest.Account{ID: "broken", Enabled: true, Preferred: true})
	f.addAccount(t, harvest.Account{ID: "good", Enabled: true})
	f.addAccount(t, harvest.Account{ID: "spare", Enabled: true})
	_, err := f.sessions.Activate(ctx, harvest.Session{
		ID: "s-broken", AccountID: "broken", Status: harvest.SessionOK, EncryptedBlob: []byte("garbage"), CreatedAt: fixtureStart,
	})
	require.NoError(t, err)
	f.sync(t, "good", "g")
	f.sync(t, "spare", "s")

	sel, err := f.selector.Select(ctx, Request{UserID: "user-1", Mode: ModeAuto})
	require.NoError(t, err)
	require.Equal(t, "good", sel.Chosen.AccountID)
	require.Equal(t, "g", string(sel.Run.Credentials))
	require.Len(t, sel.Alternatives, 1)
	require.Equal(t, "spare", sel.Alternatives[0].AccountID)

	got, err := f.sessions.GetSession(ctx, "s-broken")
	require.NoError(t, err)
	require.Equal(t, harvest.SessionInvalid, got.Status)
}

func TestUnknownModeRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.selector.Select(context.Background(), Request{Mode: "RANDOM"})
	require.Error(t, err)
}
