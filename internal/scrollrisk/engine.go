// Package scrollrisk controls a single harvesting run from its live telemetry,
// escalating caution as risk accumulates and aborting past a hard threshold.
package scrollrisk

import (
	"errors"
	"sync"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

// Risk thresholds.
const (
	CautiousAt = 30
	RecoveryAt = 60
	AbortAt    = 85

	slowLoadMs         = 5000
	emptyStreakPenalty = 3
)

// State is the lifecycle of an engine.
type State string

// Engine states.
const (
	StateRunning  State = "RUNNING"
	StateAborted  State = "ABORTED"
	StateFinished State = "FINISHED"
)

// ErrFinished is returned when telemetry arrives after Finish.
var ErrFinished = errors.New("scroll risk engine finished")

// Config starts an engine for one task.
type Config struct {
	TaskID    string
	AccountID string
	// Profile is the pacing profile chosen for the run; the engine only escalates from it.
	Profile timing.ProfileName
	// InitialRisk seeds the engine, normally with the session's risk score.
	InitialRisk int
}

// Status is a point-in-time snapshot of an engine.
type Status struct {
	TaskID         string             `json:"task_id"`
	State          State              `json:"state"`
	Risk           int                `json:"risk"`
	Profile        timing.ProfileName `json:"profile"`
	ProfileChanges int                `json:"profile_changes"`
	Scrolls        int                `json:"scrolls"`
	Items          int                `json:"items"`
	EmptyStreak    int                `json:"empty_streak"`
	RateLimitHits  int                `json:"rate_limit_hits"`
	CaptchaHits    int                `json:"captcha_hits"`
	AbortReason    string             `json:"abort_reason,omitempty"`
}

// Summary is returned when a run ends.
type Summary struct {
	ProfileChanges int                `json:"profile_changes"`
	FinalRisk      int                `json:"final_risk"`
	Aborted        bool               `json:"aborted"`
	AbortReason    string             `json:"abort_reason,omitempty"`
	Profile        timing.ProfileName `json:"profile"`
	RateLimitHits  int                `json:"rate_limit_hits"`
	CaptchaHits    int                `json:"captcha_hits"`
}

// Engine is safe for concurrent use but is owned by exactly one task.
type Engine struct {
	mu     sync.Mutex
	table  timing.Table
	status Status
}

func newEngine(cfg Config, table timing.Table) *Engine {
	profile := cfg.Profile
	if _, err := timing.ParseProfile(string(profile)); err != nil {
		profile = timing.ProfileNormal
	}
	risk := harvest.ClampRisk(cfg.InitialRisk)
	e := &Engine{
		table: table,
		status: Status{
			TaskID:  cfg.TaskID,
			State:   StateRunning,
			Risk:    risk,
			Profile: profile,
		},
	}
	e.escalate()
	e.status.ProfileChanges = 0
	return e
}

// Start returns the initial behavioral hints.
func (e *Engine) Start() harvest.ScrollHints {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hints()
}

// Report folds one telemetry sample into the risk score and returns the
// updated hints with the resulting state.
func (e *Engine) Report(ev harvest.ScrollTelemetry) (harvest.ScrollHints, Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status.State {
	case StateFinished:
		return harvest.ScrollHints{Abort: true}, e.status, ErrFinished
	case StateAborted:
		return e.hints(), e.status, nil
	}

	s := &e.status
	s.Scrolls++
	delta := 0
	switch ev.Kind {
	case harvest.TelemetryScrollOK:
		if ev.NewItems > 0 {
			s.Items += ev.NewItems
			s.EmptyStreak = 0
			delta -= 3
		} else {
			delta += e.empty()
		}
	case harvest.TelemetryEmptyScroll:
		delta += e.empty()
	case harvest.TelemetrySlowLoad:
		delta += 6
	case harvest.TelemetryRateLimit:
		s.RateLimitHits++
		delta += 25
	case harvest.TelemetryCaptcha:
		s.CaptchaHits++
		delta += 60
	case harvest.TelemetryError:
		delta += 10
	}
	if ev.Kind != harvest.TelemetrySlowLoad && ev.LatencyMs >= slowLoadMs {
		delta += 6
	}
	s.Risk = harvest.ClampRisk(s.Risk + delta)
	e.escalate()
	if s.Risk >= AbortAt {
		s.State = StateAborted
		s.AbortReason = abortReason(ev.Kind)
	}
	return e.hints(), *s, nil
}

// Finish closes the engine and returns the run summary. Repeated calls return
// the same summary.
func (e *Engine) Finish() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	aborted := e.status.State == StateAborted
	if e.status.State == StateRunning {
		e.status.State = StateFinished
	}
	return Summary{
		ProfileChanges: e.status.ProfileChanges,
		FinalRisk:      e.status.Risk,
		Aborted:        aborted,
		AbortReason:    e.status.AbortReason,
		Profile:        e.status.Profile,
		RateLimitHits:  e.status.RateLimitHits,
		CaptchaHits:    e.status.CaptchaHits,
	}
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) empty() int {
	e.status.EmptyStreak++
	if e.status.EmptyStreak >= emptyStreakPenalty {
		return 8
	}
	return 4
}

// escalate raises the profile to match the current risk. It never relaxes it.
func (e *Engine) escalate() {
	want := timing.ProfileAggressive
	switch {
	case e.status.Risk >= RecoveryAt:
		want = timing.ProfileRecovery
	case e.status.Risk >= CautiousAt:
		want = timing.ProfileCautious
	}
	for e.status.Profile.Rank() < want.Rank() {
		e.status.Profile = e.status.Profile.Escalate()
		e.status.ProfileChanges++
	}
}

func (e *Engine) hints() harvest.ScrollHints {
	if e.status.State == StateAborted {
		return harvest.ScrollHints{Profile: string(e.status.Profile), Abort: true}
	}
	return HintsFor(e.table, e.status.Profile)
}

// HintsFor converts a pacing profile into executor hints.
func HintsFor(table timing.Table, name timing.ProfileName) harvest.ScrollHints {
	p := table.MustGet(name)
	b := behavior[p.Name]
	return harvest.ScrollHints{
		Profile:       string(p.Name),
		ScrollDelayMs: p.InterRequestDelayMs,
		MaxScrolls:    b.maxScrolls,
		PauseEvery:    b.pauseEvery,
		PauseMs:       p.BatchCooldownMs,
	}
}

var behavior = map[timing.ProfileName]struct{ maxScrolls, pauseEvery int }{
	timing.ProfileAggressive: {60, 12},
	timing.ProfileNormal:     {40, 8},
	timing.ProfileCautious:   {25, 5},
	timing.ProfileRecovery:   {10, 3},
}

func abortReason(kind harvest.TelemetryKind) string {
	switch kind {
	case harvest.TelemetryCaptcha:
		return "captcha challenge"
	case harvest.TelemetryRateLimit:
		return "rate limited"
	default:
		return "risk threshold exceeded"
	}
}
