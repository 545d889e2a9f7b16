package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/harvest-orchestrator/internal/scrollrisk"
	"github.com/JakeFAU/harvest-orchestrator/internal/session"
)

const (
	archiveContentType = "application/json"
	systemOwner        = "system"
)

var hasher = sha256.New()

// runRecord is the archived summary of a completed run. Credentials are never written.
type runRecord struct {
	TaskID         string    `json:"task_id"`
	TargetID       string    `json:"target_id,omitempty"`
	AccountID      string    `json:"account_id"`
	SessionID      string    `json:"session_id"`
	SessionVersion int       `json:"session_version"`
	Profile        string    `json:"profile"`
	ProfileChanges int       `json:"profile_changes"`
	FinalRisk      int       `json:"final_risk"`
	Fetched        int       `json:"fetched"`
	DurationMs     int64     `json:"duration_ms"`
	ContentIDs     []string  `json:"content_ids,omitempty"`
	DedupeKeys     []string  `json:"dedupe_keys,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// archive writes the run record to the blob store and returns its URI. It is
// a no-op without a configured store.
func (w *Worker) archive(ctx context.Context, task harvest.Task, sel session.Selection, result harvest.ExecutionResult, summary scrollrisk.Summary, now time.Time) (string, error) {
	if w.d.Archive == nil {
		return "", nil
	}
	rec := runRecord{
		TaskID:         task.ID,
		TargetID:       task.TargetID,
		AccountID:      sel.Run.AccountID,
		SessionID:      sel.Run.SessionID,
		SessionVersion: sel.Run.SessionVersion,
		Profile:        string(summary.Profile),
		ProfileChanges: summary.ProfileChanges,
		FinalRisk:      summary.FinalRisk,
		Fetched:        result.Fetched,
		DurationMs:     result.Duration.Milliseconds(),
		ContentIDs:     result.ContentIDs,
		DedupeKeys:     hasher.DedupeKeys(contentOwner(task), result.ContentIDs),
		FinishedAt:     now.UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal run record: %w", err)
	}
	key := archiveKey(w.cfg.ArchivePrefix, task, now)
	uri, err := w.d.Archive.PutObject(ctx, key, archiveContentType, data)
	if err != nil {
		return "", fmt.Errorf("put run record %s: %w", key, err)
	}
	return uri, nil
}

// archiveKey partitions records by target and day: prefix/target/2006/01/02/task.json.
func archiveKey(prefix string, task harvest.Task, now time.Time) string {
	target := task.TargetID
	if target == "" {
		target = "_none"
	}
	return path.Join(prefix, "runs", target, now.UTC().Format("2006/01/02"), task.ID+".json")
}

// contentOwner scopes dedupe keys: the owning user, or the shared system pool.
func contentOwner(task harvest.Task) string {
	if task.OwnerUserID != "" {
		return task.OwnerUserID
	}
	return systemOwner
}
