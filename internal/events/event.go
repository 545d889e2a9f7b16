// Package events carries task and session state transitions to notification
// sinks. Emitters never block; a background hub batches events and fans them
// out to sinks such as logs, Prometheus, or a Pub/Sub topic.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names the transition an Event represents.
type Kind string

// Supported event kinds.
const (
	KindTaskClaimed      Kind = "TASK_CLAIMED"
	KindTaskCompleted    Kind = "TASK_COMPLETED"
	KindTaskRetry        Kind = "TASK_RETRY"
	KindTaskCooldown     Kind = "TASK_COOLDOWN"
	KindTaskFailed       Kind = "TASK_FAILED"
	KindRunAborted       Kind = "RUN_ABORTED"
	KindSessionActivated Kind = "SESSION_ACTIVATED"
	KindSessionStatus    Kind = "SESSION_STATUS_CHANGED"
	KindCooldownApplied  Kind = "COOLDOWN_APPLIED"
)

// Event is one state transition.
type Event struct {
	Kind      Kind      `json:"kind"`
	TS        time.Time `json:"ts"`
	TaskID    string    `json:"task_id,omitempty"`
	AccountID string    `json:"account_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	// Code carries an error code or cooldown reason.
	Code    string        `json:"code,omitempty"`
	Profile string        `json:"profile,omitempty"`
	Fetched int           `json:"fetched,omitempty"`
	Dur     time.Duration `json:"dur,omitempty"`
	// Note is short human-readable context; it must never contain credentials.
	Note string `json:"note,omitempty"`
}

// IsTask reports whether the event describes a task transition.
func (e Event) IsTask() bool {
	switch e.Kind {
	case KindTaskClaimed, KindTaskCompleted, KindTaskRetry, KindTaskCooldown,
		KindTaskFailed, KindRunAborted:
		return true
	}
	return false
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindTaskClaimed, KindTaskCompleted, KindTaskRetry, KindTaskCooldown,
		KindTaskFailed, KindRunAborted:
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Kind)
		}
	case KindSessionActivated, KindSessionStatus:
		if e.AccountID == "" {
			return fmt.Errorf("%s requires account id", e.Kind)
		}
	case KindCooldownApplied:
		if e.AccountID == "" && e.TargetID == "" {
			return errors.New("cooldown requires an account or target")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
