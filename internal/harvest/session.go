package harvest

import "time"

// SessionStatus is the health state of a session.
type SessionStatus string

// Session status values.
const (
	SessionOK      SessionStatus = "OK"
	SessionStale   SessionStatus = "STALE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionInvalid SessionStatus = "INVALID"
	SessionError   SessionStatus = "ERROR"
)

// Rank orders usable statuses for selection; lower is better.
func (s SessionStatus) Rank() int {
	switch s {
	case SessionOK:
		return 0
	case SessionStale:
		return 1
	case SessionExpired:
		return 2
	case SessionError:
		return 3
	default:
		return 4
	}
}

// SessionTelemetry aggregates execution outcomes for a session.
type SessionTelemetry struct {
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
	LastAbortAt   *time.Time `json:"last_abort_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	SuccessRate   float64    `json:"success_rate"`
	Runs          int        `json:"runs"`
}

// Session is one versioned credential binding for an account.
type Session struct {
	ID                   string           `json:"id"`
	AccountID            string           `json:"account_id"`
	Version              int              `json:"version"`
	IsActive             bool             `json:"is_active"`
	Status               SessionStatus    `json:"status"`
	StaleReason          string           `json:"stale_reason,omitempty"`
	RiskScore            int              `json:"risk_score"`
	LifetimeDaysEstimate int              `json:"lifetime_days_estimate"`
	Telemetry            SessionTelemetry `json:"telemetry"`
	EncryptedBlob        []byte           `json:"-"`
	CreatedAt            time.Time        `json:"created_at"`
	SupersededAt         *time.Time       `json:"superseded_at,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// SessionState is the mutable subset of a session written after risk or
// telemetry updates. Credentials and version are never rewritten.
type SessionState struct {
	Status      SessionStatus
	StaleReason string
	RiskScore   int
	Telemetry   SessionTelemetry
	At          time.Time
}

// ClampRisk bounds a risk score to 0..100.
func ClampRisk(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Account is a harvesting account owned by a user.
type Account struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	Handle      string    `json:"handle"`
	Enabled     bool      `json:"enabled"`
	Preferred   bool      `json:"preferred"`
	ProxyURL    string    `json:"proxy_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
