package harvest

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of failure classes recorded on tasks.
type ErrorCode string

// Error codes extracted from raw failure text.
const (
	CodeParserDown         ErrorCode = "PARSER_DOWN"
	CodeTimeout            ErrorCode = "ETIMEDOUT"
	CodeConnReset          ErrorCode = "ECONNRESET"
	CodeSessionExpired     ErrorCode = "SESSION_EXPIRED"
	CodeSessionInvalid     ErrorCode = "SESSION_INVALID"
	CodeDecryptFailed      ErrorCode = "DECRYPT_FAILED"
	CodeAllSessionsInvalid ErrorCode = "ALL_SESSIONS_INVALID"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeCaptcha            ErrorCode = "CAPTCHA_REQUIRED"
	CodeScrollAborted      ErrorCode = "SCROLL_ABORTED"
	CodeLockExpired        ErrorCode = "LOCK_EXPIRED"
	CodeUnknown            ErrorCode = "UNKNOWN"
)

// Sentinel errors returned by stores and the scheduler.
var (
	ErrNotFound       = errors.New("record not found")
	ErrLockLost       = errors.New("task lock lost")
	ErrNotPending     = errors.New("TASK_NOT_PENDING")
	ErrConcurrencyCap = errors.New("MAX_CONCURRENT_REACHED")
)

// SelectionReason names why a session could not be selected.
type SelectionReason string

// Selection failure reasons.
const (
	ReasonNoAccounts          SelectionReason = "NO_ACCOUNTS"
	ReasonNoActiveSession     SelectionReason = "NO_ACTIVE_SESSION"
	ReasonAllSessionsInvalid  SelectionReason = "ALL_SESSIONS_INVALID"
	ReasonAccountNotFound     SelectionReason = "ACCOUNT_NOT_FOUND"
	ReasonProxyUnavailable    SelectionReason = "PROXY_REQUIRED_UNAVAILABLE"
	ReasonSessionInvalid      SelectionReason = "SESSION_INVALID"
	ReasonAccountDisabled     SelectionReason = "ACCOUNT_DISABLED"
	ReasonAccountInCooldown   SelectionReason = "ACCOUNT_IN_COOLDOWN"
	ReasonCredentialsRejected SelectionReason = "DECRYPT_FAILED"
)

// SelectionError reports a specific selection failure.
type SelectionError struct {
	Reason    SelectionReason
	AccountID string
	// SessionID names the session whose credentials were rejected.
	SessionID string
}

func (e *SelectionError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("session selection failed: %s (account %s)", e.Reason, e.AccountID)
	}
	return fmt.Sprintf("session selection failed: %s", e.Reason)
}

// ErrorCode maps a selection failure onto the task error-code set.
func (e *SelectionError) ErrorCode() ErrorCode {
	switch e.Reason {
	case ReasonSessionInvalid, ReasonNoActiveSession:
		return CodeSessionInvalid
	case ReasonCredentialsRejected:
		return CodeDecryptFailed
	default:
		return CodeAllSessionsInvalid
	}
}
