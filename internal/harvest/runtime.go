package harvest

import "time"

// EntityKind scopes a cooldown.
type EntityKind string

// Cooldown scopes.
const (
	EntityAccount EntityKind = "ACCOUNT"
	EntityTarget  EntityKind = "TARGET"
)

// EntityRef identifies an account or target.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// AccountRef is shorthand for an account entity.
func AccountRef(id string) EntityRef { return EntityRef{Kind: EntityAccount, ID: id} }

// TargetRef is shorthand for a target entity.
func TargetRef(id string) EntityRef { return EntityRef{Kind: EntityTarget, ID: id} }

// CooldownReason names why an entity was suspended.
type CooldownReason string

// Cooldown reasons.
const (
	ReasonRateLimit        CooldownReason = "RATE_LIMIT"
	ReasonAbortStorm       CooldownReason = "ABORT_STORM"
	ReasonConsecutiveEmpty CooldownReason = "CONSECUTIVE_EMPTY"
	ReasonCaptcha          CooldownReason = "CAPTCHA"
	ReasonSessionRefresh   CooldownReason = "SESSION_REFRESH"
)

// Cooldown is a time-boxed suspension.
type Cooldown struct {
	Entity    EntityRef      `json:"entity"`
	Reason    CooldownReason `json:"reason"`
	StartedAt time.Time      `json:"started_at"`
	Until     time.Time      `json:"until"`
}

// ActiveAt reports whether the cooldown still suspends the entity at now.
func (c Cooldown) ActiveAt(now time.Time) bool {
	return now.Before(c.Until)
}

// RunConfig is everything an executor needs to run a task as a session.
type RunConfig struct {
	AccountID      string `json:"account_id"`
	SessionID      string `json:"session_id"`
	SessionVersion int    `json:"session_version"`
	Credentials    []byte `json:"-"`
	Proxy          string `json:"proxy,omitempty"`
	ScrollProfile  string `json:"scroll_profile"`
}

// TelemetryKind classifies a live execution sample.
type TelemetryKind string

// Telemetry kinds streamed by executors.
const (
	TelemetryScrollOK    TelemetryKind = "SCROLL_OK"
	TelemetryEmptyScroll TelemetryKind = "EMPTY_SCROLL"
	TelemetrySlowLoad    TelemetryKind = "SLOW_LOAD"
	TelemetryRateLimit   TelemetryKind = "RATE_LIMIT"
	TelemetryCaptcha     TelemetryKind = "CAPTCHA"
	TelemetryError       TelemetryKind = "ERROR"
)

// ScrollTelemetry is one execution sample.
type ScrollTelemetry struct {
	Kind      TelemetryKind `json:"kind"`
	LatencyMs int64         `json:"latency_ms"`
	NewItems  int           `json:"new_items"`
	At        time.Time     `json:"at"`
}

// ScrollHints are behavioral instructions for an executor.
type ScrollHints struct {
	Profile       string `json:"profile"`
	ScrollDelayMs int64  `json:"scroll_delay_ms"`
	MaxScrolls    int    `json:"max_scrolls"`
	PauseEvery    int    `json:"pause_every"`
	PauseMs       int64  `json:"pause_ms"`
	Abort         bool   `json:"abort"`
}
