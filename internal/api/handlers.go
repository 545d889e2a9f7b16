package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/harvest-orchestrator/internal/cooldown"
	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
	"github.com/JakeFAU/harvest-orchestrator/internal/quality"
	"github.com/JakeFAU/harvest-orchestrator/internal/scheduler"
	"github.com/JakeFAU/harvest-orchestrator/internal/session"
	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := s.d.Diagnoser.Diagnose(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) previewSelection(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.Mode == "" {
		req.Mode = session.ModeAuto
	}
	sel, err := s.d.Selector.Preview(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.d.Sessions.Versions(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": versions})
}

type syncRequest struct {
	// Credentials is the opaque credential blob; it is sealed before storage
	// and never echoed back.
	Credentials string `json:"credentials"`
}

func (s *Server) syncSession(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil || req.Credentials == "" {
		writeError(w, http.StatusBadRequest, "credentials required")
		return
	}
	sess, err := s.d.Sessions.Sync(r.Context(), chi.URLParam(r, "account_id"), []byte(req.Credentials))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) invalidateSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	sess, err := s.d.Sessions.Invalidate(r.Context(), chi.URLParam(r, "account_id"), req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) forceCooldown(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	reason := harvest.CooldownReason(req.Reason)
	if _, ok := cooldown.Duration(reason); !ok {
		writeError(w, http.StatusBadRequest, "unknown cooldown reason")
		return
	}
	c, err := s.d.Sessions.ForceCooldown(r.Context(), chi.URLParam(r, "account_id"), reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type preferredRequest struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

func (s *Server) setPreferred(w http.ResponseWriter, r *http.Request) {
	var req preferredRequest
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "user_id and account_id required")
		return
	}
	if err := s.d.Sessions.SetPreferred(r.Context(), req.UserID, req.AccountID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type assessResponse struct {
	Assessment quality.Assessment `json:"assessment"`
	Cadence    quality.Cadence    `json:"cadence"`
}

func (s *Server) assessQuality(w http.ResponseWriter, r *http.Request) {
	var m harvest.QualityMetrics
	if err := decodeJSON(r, &m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	a := quality.Assess(m, s.d.Clock.Now())
	writeJSON(w, http.StatusOK, assessResponse{Assessment: a, Cadence: quality.ShouldReduceFrequency(m, a)})
}

type delayRequest struct {
	timing.Context
	// RequestsLastMinute, when set, also evaluates the per-minute throttle.
	RequestsLastMinute *int `json:"requests_last_minute,omitempty"`
}

type delayResponse struct {
	timing.DelayResult
	Throttle *timing.ThrottleResult `json:"throttle,omitempty"`
}

func (s *Server) calculateDelay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.HourOfDay < 0 || req.HourOfDay > 23 {
		writeError(w, http.StatusBadRequest, "hour_of_day must be within [0,23]")
		return
	}
	if req.QualityStatus == "" {
		req.QualityStatus = harvest.QualityHealthy
	}
	now := s.d.Clock.Now()

	s.rngMu.Lock()
	resp := delayResponse{DelayResult: s.d.Timing.CalculateDelay(req.Context, s.d.Rand, now)}
	if req.RequestsLastMinute != nil {
		t := s.d.Timing.CheckThrottle(resp.Profile, *req.RequestsLastMinute, s.d.Rand, now)
		resp.Throttle = &t
	}
	s.rngMu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

type createTaskRequest struct {
	Scope       harvest.TaskScope `json:"scope"`
	OwnerUserID string            `json:"owner_user_id"`
	TargetID    string            `json:"target_id"`
	AccountID   string            `json:"account_id"`
	Priority    harvest.Priority  `json:"priority"`
	MaxAttempts int               `json:"max_attempts"`
	Payload     json.RawMessage   `json:"payload"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload required")
		return
	}
	payload, err := harvest.DecodePayload(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.d.Tasks.CreateTask(r.Context(), scheduler.NewTask{
		Scope:       req.Scope,
		OwnerUserID: req.OwnerUserID,
		TargetID:    req.TargetID,
		AccountID:   req.AccountID,
		Payload:     payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskView(task))
}

type taskResponse struct {
	Task       harvest.Task    `json:"task"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Executable bool            `json:"executable"`
	Blocked    string          `json:"blocked_reason,omitempty"`
	RetryIn    string          `json:"retry_in,omitempty"`
}

func taskView(t harvest.Task) taskResponse {
	raw, err := harvest.EncodePayload(t.Payload)
	if err != nil {
		raw = nil
	}
	return taskResponse{Task: t, Payload: raw}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.d.Tasks.GetTask(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	counts, err := s.d.Tasks.CountByStatus(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := taskView(task)
	switch err := scheduler.CanExecuteTask(task, counts[harvest.TaskRunning], s.opts.MaxConcurrent); {
	case err == nil:
		resp.Executable = true
	case errors.Is(err, harvest.ErrNotPending), errors.Is(err, harvest.ErrConcurrencyCap):
		resp.Blocked = err.Error()
	default:
		s.writeDomainError(w, r, err)
		return
	}
	if task.NextRetryAt != nil {
		if d := task.NextRetryAt.Sub(s.d.Clock.Now()); d > 0 {
			resp.RetryIn = d.Round(time.Second).String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
