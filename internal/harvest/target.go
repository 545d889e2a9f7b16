package harvest

import "time"

// TargetKind distinguishes keyword searches from account timelines.
type TargetKind string

// Supported target kinds.
const (
	TargetKeyword TargetKind = "KEYWORD"
	TargetAccount TargetKind = "ACCOUNT"
)

// TargetStats accumulates per-target run history.
type TargetStats struct {
	TotalRuns         int        `json:"total_runs"`
	TotalPostsFetched int        `json:"total_posts_fetched"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
}

// Target is a recurring unit of harvesting work.
type Target struct {
	ID                    string      `json:"id"`
	OwnerUserID           string      `json:"owner_user_id"`
	Kind                  TargetKind  `json:"kind"`
	Query                 string      `json:"query"`
	Enabled               bool        `json:"enabled"`
	Priority              int         `json:"priority"`
	MaxPostsPerRun        int         `json:"max_posts_per_run"`
	CooldownMin           int         `json:"cooldown_min"`
	ConsecutiveEmptyCount int         `json:"consecutive_empty_count"`
	CooldownUntil         *time.Time  `json:"cooldown_until,omitempty"`
	CooldownReason        string      `json:"cooldown_reason,omitempty"`
	Stats                 TargetStats `json:"stats"`
	CreatedAt             time.Time   `json:"created_at"`
}

// QualityStatus is the health classification of a target/account pair.
type QualityStatus string

// Quality statuses.
const (
	QualityHealthy  QualityStatus = "HEALTHY"
	QualityDegraded QualityStatus = "DEGRADED"
	QualityUnstable QualityStatus = "UNSTABLE"
)

// QualityMetrics tracks yield for one (target, account) pair.
type QualityMetrics struct {
	TargetID        string        `json:"target_id"`
	AccountID       string        `json:"account_id"`
	RunsTotal       int           `json:"runs_total"`
	RunsWithResults int           `json:"runs_with_results"`
	EmptyStreak     int           `json:"empty_streak"`
	MaxEmptyStreak  int           `json:"max_empty_streak"`
	AvgFetched      float64       `json:"avg_fetched"`
	LastNonEmptyAt  *time.Time    `json:"last_non_empty_at,omitempty"`
	QualityStatus   QualityStatus `json:"quality_status"`
	QualityScore    int           `json:"quality_score"`
	DegradedSince   *time.Time    `json:"degraded_since,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
