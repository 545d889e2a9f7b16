// Package scheduler claims, completes, and fails harvesting tasks, classifies
// failures into retry, cooldown, or terminal outcomes, and recovers stale locks.
package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/cooldown"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// Decision is the scheduler's verdict on a failed run.
type Decision string

// Failure decisions.
const (
	DecisionRetry    Decision = "RETRY"
	DecisionCooldown Decision = "COOLDOWN"
	DecisionNoRetry  Decision = "NO_RETRY"
)

// codePatterns is checked in order; the first matching substring wins.
var codePatterns = []struct {
	code     harvest.ErrorCode
	patterns []string
}{
	{harvest.CodeDecryptFailed, []string{"decrypt_failed", "decrypt", "cipher: message authentication failed"}},
	{harvest.CodeAllSessionsInvalid, []string{"all_sessions_invalid", "all sessions invalid", "no valid session"}},
	{harvest.CodeSessionExpired, []string{"session_expired", "session expired", "login required", "logged out"}},
	{harvest.CodeSessionInvalid, []string{"session_invalid", "session invalid", "unauthorized", "forbidden"}},
	{harvest.CodeCaptcha, []string{"captcha_required", "captcha", "challenge required"}},
	{harvest.CodeRateLimited, []string{"rate_limited", "rate limit", "too many requests", "status 429"}},
	{harvest.CodeScrollAborted, []string{"scroll_aborted", "scroll aborted"}},
	{harvest.CodeLockExpired, []string{"lock_expired"}},
	{harvest.CodeTimeout, []string{"etimedout", "timeout", "timed out", "deadline exceeded"}},
	{harvest.CodeConnReset, []string{"econnreset", "connection reset", "broken pipe", "unexpected eof"}},
	{harvest.CodeParserDown, []string{"parser_down", "parser", "bad gateway", "service unavailable", "status 502", "status 503"}},
}

// ExtractErrorCode pattern-matches raw failure text into the closed error-code set.
func ExtractErrorCode(message string) harvest.ErrorCode {
	msg := strings.ToLower(message)
	if msg == "" {
		return harvest.CodeUnknown
	}
	for _, p := range codePatterns {
		for _, needle := range p.patterns {
			if strings.Contains(msg, needle) {
				return p.code
			}
		}
	}
	return harvest.CodeUnknown
}

// CodeFromError classifies an execution error.
func CodeFromError(err error) harvest.ErrorCode {
	if err == nil {
		return harvest.CodeUnknown
	}
	var selErr *harvest.SelectionError
	if errors.As(err, &selErr) {
		return selErr.ErrorCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return harvest.CodeTimeout
	}
	return ExtractErrorCode(err.Error())
}

// CanExecuteTask rejects a task when the concurrency cap is reached or the
// task is no longer PENDING. A non-positive maxConcurrent means no cap.
func CanExecuteTask(task harvest.Task, currentRunning, maxConcurrent int) error {
	if err := capReached(currentRunning, maxConcurrent); err != nil {
		return err
	}
	if task.Status != harvest.TaskPending {
		return harvest.ErrNotPending
	}
	return nil
}

func capReached(running, maxConcurrent int) error {
	if maxConcurrent > 0 && running >= maxConcurrent {
		return harvest.ErrConcurrencyCap
	}
	return nil
}

// RetryPolicy computes exponential backoff between attempts.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultRetryPolicy is 30s doubling per attempt, capped at 30m, with ±10% jitter.
var DefaultRetryPolicy = RetryPolicy{Base: 30 * time.Second, Max: 30 * time.Minute, Jitter: 0.1}

// Backoff returns the delay before the next attempt after `attempts` attempts.
func (p RetryPolicy) Backoff(attempts int, rng *rand.Rand) time.Duration {
	if p.Base <= 0 {
		p = DefaultRetryPolicy
	}
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.Base) * math.Pow(2, float64(attempts-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 && rng != nil {
		d *= 1 + p.Jitter*(2*rng.Float64()-1)
	}
	if d < float64(time.Second) {
		d = float64(time.Second)
	}
	return time.Duration(d)
}

// Outcome is the full consequence of a failed run: the task transition plus
// the side effects the caller must apply.
type Outcome struct {
	Decision      Decision
	Code          harvest.ErrorCode
	Status        harvest.TaskStatus
	Attempts      int
	NextRetryAt   *time.Time
	CooldownUntil *time.Time
	// CooldownReason is set for COOLDOWN decisions.
	CooldownReason harvest.CooldownReason
	// InvalidateSession is set when the session must not be used again.
	InvalidateSession bool
}

// cooldownReasons routes codes that suspend rather than retry.
var cooldownReasons = map[harvest.ErrorCode]harvest.CooldownReason{
	harvest.CodeSessionExpired:     harvest.ReasonSessionRefresh,
	harvest.CodeSessionInvalid:     harvest.ReasonSessionRefresh,
	harvest.CodeAllSessionsInvalid: harvest.ReasonSessionRefresh,
	harvest.CodeRateLimited:        harvest.ReasonRateLimit,
	harvest.CodeCaptcha:            harvest.ReasonCaptcha,
}

// HandleFailure maps an error code on a claimed task to a decision. Claim has
// already counted the current attempt in task.Attempts.
func HandleFailure(task harvest.Task, code harvest.ErrorCode, now time.Time, policy RetryPolicy, rng *rand.Rand) Outcome {
	out := Outcome{Code: code, Attempts: task.Attempts}

	if reason, ok := cooldownReasons[code]; ok {
		d, _ := cooldown.Duration(reason)
		until := now.Add(d)
		out.Decision = DecisionCooldown
		out.Status = harvest.TaskCooldown
		out.CooldownUntil = &until
		out.CooldownReason = reason
		// Cooldowns do not consume an attempt.
		out.Attempts = max(task.Attempts-1, 0)
		return out
	}

	switch code {
	case harvest.CodeDecryptFailed:
		out.Decision = DecisionNoRetry
		out.Status = harvest.TaskFailed
		out.InvalidateSession = true
		return out
	case harvest.CodeScrollAborted:
		out.Decision = DecisionNoRetry
		out.Status = harvest.TaskFailed
		return out
	}

	if task.Attempts >= task.MaxAttempts {
		out.Decision = DecisionNoRetry
		out.Status = harvest.TaskFailed
		return out
	}
	next := now.Add(policy.Backoff(task.Attempts, rng))
	out.Decision = DecisionRetry
	out.Status = harvest.TaskPending
	out.NextRetryAt = &next
	return out
}
