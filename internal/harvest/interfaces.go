package harvest

import (
	"context"
	"time"
)

// TaskStore persists tasks. ClaimNext must be a single conditional transition
// so concurrent workers never claim the same task.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ClaimNext(ctx context.Context, req ClaimRequest) (Task, bool, error)
	CompleteTask(ctx context.Context, taskID, workerID string, result RunResult, at time.Time) error
	FailTask(ctx context.Context, update FailureUpdate) error
	RecoverStale(ctx context.Context, lockedBefore, now time.Time) (RecoveryReport, error)
	ReleaseCooldowns(ctx context.Context, now time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[TaskStatus]int, error)
	HasOpenTask(ctx context.Context, targetID string) (bool, error)
}

// SessionStore persists session versions. Activate must promote the new
// version and supersede the previous active one in one indivisible step.
type SessionStore interface {
	Activate(ctx context.Context, session Session) (Session, error)
	GetActive(ctx context.Context, accountID string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	UpdateState(ctx context.Context, sessionID string, state SessionState) error
	ListVersions(ctx context.Context, accountID string) ([]Session, error)
}

// AccountStore persists harvesting accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	// ListAccounts returns the accounts of one owner, or every account when
	// ownerUserID is empty.
	ListAccounts(ctx context.Context, ownerUserID string) ([]Account, error)
	SetPreferred(ctx context.Context, ownerUserID, accountID string) error
}

// TargetStore persists harvesting targets. Targets are disabled, never deleted.
type TargetStore interface {
	CreateTarget(ctx context.Context, target Target) error
	GetTarget(ctx context.Context, targetID string) (Target, error)
	ListEnabledTargets(ctx context.Context) ([]Target, error)
	RecordRun(ctx context.Context, targetID string, fetched int, at time.Time) (Target, error)
	SetCooldown(ctx context.Context, targetID string, until time.Time, reason string) error
	SetEnabled(ctx context.Context, targetID string, enabled bool) error
}

// QualityStore persists per (target, account) quality metrics.
type QualityStore interface {
	// GetMetrics returns zero metrics keyed to the pair when none exist yet.
	GetMetrics(ctx context.Context, targetID, accountID string) (QualityMetrics, error)
	SaveMetrics(ctx context.Context, metrics QualityMetrics) error
	// WorstForTarget returns the least healthy metrics recorded for a target.
	WorstForTarget(ctx context.Context, targetID string) (QualityMetrics, error)
}

// CooldownStore persists cooldowns and the trailing abort log.
type CooldownStore interface {
	SetCooldown(ctx context.Context, cooldown Cooldown) error
	GetCooldown(ctx context.Context, entity EntityRef) (Cooldown, bool, error)
	ListActive(ctx context.Context, kind EntityKind, now time.Time) ([]Cooldown, error)
	ClearCooldown(ctx context.Context, entity EntityRef) error
	// RecordAbort stores an abort and returns the number within the trailing window.
	RecordAbort(ctx context.Context, entity EntityRef, at time.Time, window time.Duration) (int, error)
}

// CredentialCrypto encrypts and decrypts opaque session blobs.
type CredentialCrypto interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// Executor performs the actual harvesting run. Implementations call
// req.Report for every telemetry sample and must stop when the returned
// hints carry Abort or ctx is canceled.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest binds a claimed task to its selected run configuration.
type ExecutionRequest struct {
	Task   Task
	Run    RunConfig
	Hints  ScrollHints
	Report func(ScrollTelemetry) ScrollHints
}

// ExecutionResult is returned by the executor when a run ends.
type ExecutionResult struct {
	Fetched  int
	Duration time.Duration
	// ContentIDs are stable identifiers for harvested items, used for idempotent ingestion.
	ContentIDs []string
}

// BlobStore writes run archives and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher delivers notification payloads to a topic and returns a message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
