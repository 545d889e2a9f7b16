package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	now := fixtureStart
	recent := now.Add(-time.Hour)
	old := now.Add(-73 * time.Hour)

	tests := []struct {
		name    string
		session harvest.Session
		aborts  int
		want    harvest.SessionStatus
	}{
		{"healthy", harvest.Session{Status: harvest.SessionOK, RiskScore: 10, CreatedAt: recent}, 0, harvest.SessionOK},
		{"invalid is sticky", harvest.Session{Status: harvest.SessionInvalid, RiskScore: 0, CreatedAt: recent}, 0, harvest.SessionInvalid},
		{"expired is sticky", harvest.Session{Status: harvest.SessionExpired, CreatedAt: recent}, 0, harvest.SessionExpired},
		{"risk invalidates", harvest.Session{Status: harvest.SessionOK, RiskScore: 85, CreatedAt: recent}, 0, harvest.SessionInvalid},
		{"risk stales", harvest.Session{Status: harvest.SessionOK, RiskScore: 60, CreatedAt: recent}, 0, harvest.SessionStale},
		{"abort storm stales", harvest.Session{Status: harvest.SessionOK, CreatedAt: recent}, 3, harvest.SessionStale},
		{"unused stales", harvest.Session{Status: harvest.SessionOK, CreatedAt: old}, 0, harvest.SessionStale},
		{"recent success keeps ok", harvest.Session{Status: harvest.SessionOK, CreatedAt: old, Telemetry: harvest.SessionTelemetry{LastSuccessAt: &recent}}, 0, harvest.SessionOK},
		{"stale recovers", harvest.Session{Status: harvest.SessionStale, RiskScore: 20, CreatedAt: recent}, 0, harvest.SessionOK},
		{"error recovers", harvest.Session{Status: harvest.SessionError, CreatedAt: recent}, 0, harvest.SessionOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := Evaluate(tt.session, Signals{RecentAborts: tt.aborts, Now: now})
			require.Equal(t, tt.want, got)
		})
	}
}

func TestProfileHint(t *testing.T) {
	t.Parallel()

	now := fixtureStart
	abortedAt := now.Add(-2 * time.Hour)
	longAgo := now.Add(-48 * time.Hour)

	tests := []struct {
		name    string
		session harvest.Session
		want    timing.ProfileName
	}{
		{"fresh", harvest.Session{Status: harvest.SessionOK}, timing.ProfileNormal},
		{"proven", harvest.Session{Status: harvest.SessionOK, RiskScore: 5, Telemetry: harvest.SessionTelemetry{Runs: 10, SuccessRate: 0.9}}, timing.ProfileAggressive},
		{"moderate risk", harvest.Session{Status: harvest.SessionOK, RiskScore: 35}, timing.ProfileCautious},
		{"stale", harvest.Session{Status: harvest.SessionStale}, timing.ProfileCautious},
		{"recent abort", harvest.Session{Status: harvest.SessionOK, Telemetry: harvest.SessionTelemetry{LastAbortAt: &abortedAt}}, timing.ProfileCautious},
		{"recent abort with risk", harvest.Session{Status: harvest.SessionOK, RiskScore: 30, Telemetry: harvest.SessionTelemetry{LastAbortAt: &abortedAt}}, timing.ProfileRecovery},
		{"old abort", harvest.Session{Status: harvest.SessionOK, Telemetry: harvest.SessionTelemetry{LastAbortAt: &longAgo}}, timing.ProfileNormal},
		{"high risk", harvest.Session{Status: harvest.SessionOK, RiskScore: 70}, timing.ProfileRecovery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ProfileHint(tt.session, now))
		})
	}
}

func TestApplyOutcome(t *testing.T) {
	t.Parallel()

	s := harvest.Session{Status: harvest.SessionOK, RiskScore: 20, CreatedAt: fixtureStart}

	state := ApplyOutcome(s, RunOutcome{Success: true, LatencyMs: 800, FinalRisk: 10, At: fixtureStart})
	require.Equal(t, harvest.SessionOK, state.Status)
	require.Equal(t, 14, state.RiskScore)
	require.Equal(t, 1, state.Telemetry.Runs)
	require.InDelta(t, 1.0, state.Telemetry.SuccessRate, 1e-9)
	require.InDelta(t, 800.0, state.Telemetry.AvgLatencyMs, 1e-9)
	require.NotNil(t, state.Telemetry.LastSuccessAt)

	s.Telemetry = state.Telemetry
	s.RiskScore = state.RiskScore
	state = ApplyOutcome(s, RunOutcome{Aborted: true, FinalRisk: 90, At: fixtureStart.Add(time.Hour)})
	require.Equal(t, 90, state.RiskScore)
	require.Equal(t, harvest.SessionInvalid, state.Status)
	require.InDelta(t, 0.5, state.Telemetry.SuccessRate, 1e-9)
	require.NotNil(t, state.Telemetry.LastAbortAt)
}

func TestApplyOutcomeAbortStormStales(t *testing.T) {
	t.Parallel()

	s := harvest.Session{Status: harvest.SessionOK, CreatedAt: fixtureStart}
	state := ApplyOutcome(s, RunOutcome{Aborted: true, FinalRisk: 20, RecentAborts: 3, At: fixtureStart})
	require.Equal(t, harvest.SessionStale, state.Status)
}

func TestApplyOutcomeFailureKeepsWorseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status harvest.SessionStatus
		o      RunOutcome
		want   harvest.SessionStatus
	}{
		{"failure keeps error", harvest.SessionError, RunOutcome{FinalRisk: 5, At: fixtureStart}, harvest.SessionError},
		{"failure keeps stale", harvest.SessionStale, RunOutcome{FinalRisk: 5, At: fixtureStart}, harvest.SessionStale},
		{"success clears error", harvest.SessionError, RunOutcome{Success: true, FinalRisk: 5, At: fixtureStart}, harvest.SessionOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := harvest.Session{Status: tt.status, StaleReason: "marked", CreatedAt: fixtureStart}
			require.Equal(t, tt.want, ApplyOutcome(s, tt.o).Status)
		})
	}
}
