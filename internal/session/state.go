// Package session owns session versioning, the session status state machine,
// and account/session selection for harvesting runs.
package session

import (
	"fmt"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

// Status thresholds.
const (
	StaleRiskAt       = 60
	InvalidRiskAt     = 85
	StaleAfter        = 72 * time.Hour
	StaleAbortCount   = 3
	recentAbortWindow = 24 * time.Hour
)

// Signals are the inputs of the status state machine besides the session itself.
type Signals struct {
	RecentAborts int
	Now          time.Time
}

// Evaluate derives the next status of a session. INVALID and EXPIRED are
// sticky: only a credential sync (a new version) leaves them.
func Evaluate(s harvest.Session, sig Signals) (harvest.SessionStatus, string) {
	switch s.Status {
	case harvest.SessionInvalid, harvest.SessionExpired:
		return s.Status, s.StaleReason
	}
	if s.RiskScore >= InvalidRiskAt {
		return harvest.SessionInvalid, fmt.Sprintf("risk score %d", s.RiskScore)
	}
	if s.RiskScore >= StaleRiskAt {
		return harvest.SessionStale, fmt.Sprintf("risk score %d", s.RiskScore)
	}
	if sig.RecentAborts >= StaleAbortCount {
		return harvest.SessionStale, fmt.Sprintf("%d aborts in window", sig.RecentAborts)
	}
	lastUse := s.CreatedAt
	if s.Telemetry.LastSuccessAt != nil {
		lastUse = *s.Telemetry.LastSuccessAt
	}
	if !lastUse.IsZero() && sig.Now.Sub(lastUse) > StaleAfter {
		return harvest.SessionStale, "no successful use in 72h"
	}
	return harvest.SessionOK, ""
}

// ProfileHint derives a starting scroll profile from a session's history.
func ProfileHint(s harvest.Session, now time.Time) timing.ProfileName {
	recentAbort := s.Telemetry.LastAbortAt != nil && now.Sub(*s.Telemetry.LastAbortAt) < recentAbortWindow
	switch {
	case s.RiskScore >= StaleRiskAt || (recentAbort && s.RiskScore >= 30):
		return timing.ProfileRecovery
	case s.RiskScore >= 30 || recentAbort || s.Status == harvest.SessionStale:
		return timing.ProfileCautious
	case s.Telemetry.Runs >= 5 && s.Telemetry.SuccessRate >= 0.8 && s.RiskScore < 15:
		return timing.ProfileAggressive
	default:
		return timing.ProfileNormal
	}
}

// RunOutcome is what a finished run reports about the session that ran it.
type RunOutcome struct {
	Success      bool
	Aborted      bool
	LatencyMs    float64
	FinalRisk    int
	RecentAborts int
	At           time.Time
}

// telemetryWindow bounds the weight of history in the running averages.
const telemetryWindow = 20

// ApplyOutcome folds a run outcome into the session's telemetry and risk.
func ApplyOutcome(s harvest.Session, o RunOutcome) harvest.SessionState {
	t := s.Telemetry
	n := float64(min(t.Runs, telemetryWindow))
	success := 0.0
	if o.Success {
		success = 1
		at := o.At
		t.LastSuccessAt = &at
	}
	if o.Aborted {
		at := o.At
		t.LastAbortAt = &at
	}
	t.SuccessRate = (t.SuccessRate*n + success) / (n + 1)
	if o.LatencyMs > 0 {
		t.AvgLatencyMs = (t.AvgLatencyMs*n + o.LatencyMs) / (n + 1)
	}
	t.Runs++

	// Blend the run's final risk with history so a single bad run cannot
	// invalidate a long-lived session unless it aborted.
	risk := (6*o.FinalRisk + 4*s.RiskScore) / 10
	if o.Aborted && o.FinalRisk > risk {
		risk = o.FinalRisk
	}
	s.RiskScore = harvest.ClampRisk(risk)
	s.Telemetry = t
	status, reason := Evaluate(s, Signals{RecentAborts: o.RecentAborts, Now: o.At})
	// Only a successful run can improve the status; a failure keeps any
	// ERROR or STALE mark already recorded for it.
	if !o.Success && status.Rank() < s.Status.Rank() {
		status, reason = s.Status, s.StaleReason
	}
	return harvest.SessionState{
		Status:      status,
		StaleReason: reason,
		RiskScore:   s.RiskScore,
		Telemetry:   t,
		At:          o.At,
	}
}
