package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// Mode selects how an account is chosen.
type Mode string

// Selection modes.
const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// Request asks for an account and session to run as.
type Request struct {
	UserID string `json:"user_id"`
	Mode   Mode   `json:"mode"`
	// AccountID pins MANUAL mode to an account; empty uses the preferred account.
	AccountID    string `json:"account_id,omitempty"`
	RequireProxy bool   `json:"require_proxy,omitempty"`
	// TargetID, when set, lets per-target quality break ranking ties.
	TargetID string `json:"target_id,omitempty"`
}

// Candidate describes one usable account/session pair.
type Candidate struct {
	AccountID      string                `json:"account_id"`
	SessionID      string                `json:"session_id"`
	SessionVersion int                   `json:"session_version"`
	Status         harvest.SessionStatus `json:"status"`
	RiskScore      int                   `json:"risk_score"`
	SuccessRate    float64               `json:"success_rate"`
	Preferred      bool                  `json:"preferred"`
	HasProxy       bool                  `json:"has_proxy"`
	QualityScore   int                   `json:"quality_score"`
}

// Selection is the chosen candidate, its failover alternatives, and the run
// configuration. Run.Credentials is empty for previews.
type Selection struct {
	Mode         Mode              `json:"mode"`
	Chosen       Candidate         `json:"chosen"`
	Alternatives []Candidate       `json:"alternatives"`
	Run          harvest.RunConfig `json:"run"`
}

// Selector chooses the account and session a task runs as.
type Selector struct {
	accounts  harvest.AccountStore
	sessions  harvest.SessionStore
	quality   harvest.QualityStore
	crypto    harvest.CredentialCrypto
	cooldowns Cooldowns
	marker    FailureMarker
	clock     harvest.Clock
	logger    *zap.Logger
}

// FailureMarker records a failure code on a session. *Registry implements it.
type FailureMarker interface {
	MarkFailure(ctx context.Context, sessionID string, code harvest.ErrorCode) (harvest.Session, error)
}

// SelectorDeps groups the collaborators of a Selector. Quality and Marker are
// optional; without a Marker, rejected credentials are reported but the
// session is left for the caller to mark.
type SelectorDeps struct {
	Accounts  harvest.AccountStore
	Sessions  harvest.SessionStore
	Quality   harvest.QualityStore
	Crypto    harvest.CredentialCrypto
	Cooldowns Cooldowns
	Marker    FailureMarker
	Clock     harvest.Clock
	Logger    *zap.Logger
}

// NewSelector builds a Selector.
func NewSelector(d SelectorDeps) *Selector {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Selector{
		accounts:  d.Accounts,
		sessions:  d.Sessions,
		quality:   d.Quality,
		crypto:    d.Crypto,
		cooldowns: d.Cooldowns,
		marker:    d.Marker,
		clock:     d.Clock,
		logger:    d.Logger.Named("selector"),
	}
}

// Select chooses a candidate and decrypts its credentials. Failures are
// *harvest.SelectionError values naming the specific reason.
func (s *Selector) Select(ctx context.Context, req Request) (Selection, error) {
	return s.resolve(ctx, req, true)
}

// Preview runs the same selection without touching credentials.
func (s *Selector) Preview(ctx context.Context, req Request) (Selection, error) {
	return s.resolve(ctx, req, false)
}

type resolved struct {
	candidate Candidate
	account   harvest.Account
	session   harvest.Session
}

func (s *Selector) resolve(ctx context.Context, req Request, withCredentials bool) (Selection, error) {
	var (
		ranked []resolved
		err    error
	)
	switch req.Mode {
	case ModeManual:
		var r resolved
		r, err = s.manual(ctx, req)
		ranked = []resolved{r}
	case ModeAuto, "":
		req.Mode = ModeAuto
		ranked, err = s.auto(ctx, req)
	default:
		return Selection{}, fmt.Errorf("unknown selection mode %q", req.Mode)
	}
	if err != nil {
		var selErr *harvest.SelectionError
		if errors.As(err, &selErr) {
			s.logger.Debug("selection failed",
				zap.String("user_id", req.UserID),
				zap.String("mode", string(req.Mode)),
				zap.String("reason", string(selErr.Reason)))
		}
		return Selection{}, err
	}

	if !withCredentials {
		return s.selection(req.Mode, ranked, 0), nil
	}
	// Rejected credentials invalidate the session; AUTO mode fails over to the
	// next ranked candidate.
	var rejected error
	for i, r := range ranked {
		plain, err := s.crypto.Decrypt(r.session.EncryptedBlob)
		if err == nil {
			sel := s.selection(req.Mode, ranked, i)
			sel.Run.Credentials = plain
			return sel, nil
		}
		s.logger.Warn("credential decrypt failed",
			zap.String("account_id", r.account.ID),
			zap.String("session_id", r.session.ID),
			zap.Error(err))
		s.markRejected(ctx, r.session.ID)
		if rejected == nil {
			rejected = &harvest.SelectionError{
				Reason:    harvest.ReasonCredentialsRejected,
				AccountID: r.account.ID,
				SessionID: r.session.ID,
			}
		}
	}
	return Selection{}, rejected
}

// selection builds the result for ranked[chosen]; candidates ranked before it
// were rejected and are not offered as alternatives.
func (s *Selector) selection(mode Mode, ranked []resolved, chosen int) Selection {
	top := ranked[chosen]
	sel := Selection{
		Mode:   mode,
		Chosen: top.candidate,
		Run: harvest.RunConfig{
			AccountID:      top.account.ID,
			SessionID:      top.session.ID,
			SessionVersion: top.session.Version,
			Proxy:          top.account.ProxyURL,
			ScrollProfile:  string(ProfileHint(top.session, s.clock.Now())),
		},
	}
	for _, alt := range ranked[chosen+1:] {
		sel.Alternatives = append(sel.Alternatives, alt.candidate)
	}
	return sel
}

func (s *Selector) markRejected(ctx context.Context, sessionID string) {
	if s.marker == nil {
		return
	}
	if _, err := s.marker.MarkFailure(ctx, sessionID, harvest.CodeDecryptFailed); err != nil {
		s.logger.Warn("mark rejected session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Selector) manual(ctx context.Context, req Request) (resolved, error) {
	accountID := req.AccountID
	if accountID == "" {
		accounts, err := s.accounts.ListAccounts(ctx, req.UserID)
		if err != nil {
			return resolved{}, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range accounts {
			if a.Preferred {
				accountID = a.ID
				break
			}
		}
		if accountID == "" {
			return resolved{}, &harvest.SelectionError{Reason: harvest.ReasonAccountNotFound}
		}
	}

	account, err := s.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, harvest.ErrNotFound) || (err == nil && req.UserID != "" && account.OwnerUserID != req.UserID) {
		return resolved{}, &harvest.SelectionError{Reason: harvest.ReasonAccountNotFound, AccountID: accountID}
	}
	if err != nil {
		return resolved{}, fmt.Errorf("get account: %w", err)
	}
	if !account.Enabled {
		return resolved{}, &harvest.SelectionError{Reason: harvest.ReasonAccountDisabled, AccountID: accountID}
	}
	cooling, err := s.coolingAccounts(ctx)
	if err != nil {
		return resolved{}, err
	}
	if slices.Contains(cooling, accountID) {
		return resolved{}, &harvest.SelectionError{Reason: harvest.ReasonAccountInCooldown, AccountID: accountID}
	}

	session, err := s.sessions.GetActive(ctx, accountID)
	if errors.Is(err, harvest.ErrNotFound) {
		return resolved{}, &harvest.SelectionError{Reason: harvest.ReasonNoActiveSession, AccountID: accountID}
	}
	if err != nil {
		return resolved{}, fmt.Errorf("get active session: %w", err)
	}
	if session.Status == harvest.SessionInvalid {
		return resolved{}, &harvest.SelectionError{Reason: harvest.ReasonSessionInvalid, AccountID: accountID}
	}
	if req.RequireProxy && account.ProxyURL == "" {
		return resolved{}, &harvest.SelectionError{Reason: harvest.ReasonProxyUnavailable, AccountID: accountID}
	}
	return s.candidate(ctx, req, account, session)
}

func (s *Selector) auto(ctx context.Context, req Request) ([]resolved, error) {
	accounts, err := s.accounts.ListAccounts(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	cooling, err := s.coolingAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var (
		out                               []resolved
		enabled, cooled, invalid, noProxy int
	)
	for _, account := range accounts {
		if !account.Enabled {
			continue
		}
		enabled++
		if slices.Contains(cooling, account.ID) {
			cooled++
			continue
		}
		session, err := s.sessions.GetActive(ctx, account.ID)
		if errors.Is(err, harvest.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get active session: %w", err)
		}
		if session.Status == harvest.SessionInvalid {
			invalid++
			continue
		}
		if req.RequireProxy && account.ProxyURL == "" {
			noProxy++
			continue
		}
		r, err := s.candidate(ctx, req, account, session)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	if len(out) == 0 {
		reason := harvest.ReasonNoActiveSession
		switch {
		case enabled == 0:
			reason = harvest.ReasonNoAccounts
		case noProxy > 0:
			reason = harvest.ReasonProxyUnavailable
		case invalid > 0:
			reason = harvest.ReasonAllSessionsInvalid
		case cooled > 0:
			reason = harvest.ReasonAccountInCooldown
		}
		return nil, &harvest.SelectionError{Reason: reason}
	}

	sort.SliceStable(out, func(i, j int) bool { return ranksBefore(out[i].candidate, out[j].candidate) })
	return out, nil
}

// ranksBefore orders candidates by preferred flag, status, risk, success
// rate, and finally per-target quality.
func ranksBefore(a, b Candidate) bool {
	if a.Preferred != b.Preferred {
		return a.Preferred
	}
	if a.Status.Rank() != b.Status.Rank() {
		return a.Status.Rank() < b.Status.Rank()
	}
	if a.RiskScore != b.RiskScore {
		return a.RiskScore < b.RiskScore
	}
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	if a.QualityScore != b.QualityScore {
		return a.QualityScore > b.QualityScore
	}
	return a.AccountID < b.AccountID
}

func (s *Selector) candidate(ctx context.Context, req Request, account harvest.Account, session harvest.Session) (resolved, error) {
	c := Candidate{
		AccountID:      account.ID,
		SessionID:      session.ID,
		SessionVersion: session.Version,
		Status:         session.Status,
		RiskScore:      session.RiskScore,
		SuccessRate:    session.Telemetry.SuccessRate,
		Preferred:      account.Preferred,
		HasProxy:       account.ProxyURL != "",
		QualityScore:   100,
	}
	if req.TargetID != "" && s.quality != nil {
		m, err := s.quality.GetMetrics(ctx, req.TargetID, account.ID)
		if err != nil {
			return resolved{}, fmt.Errorf("get quality metrics: %w", err)
		}
		if m.RunsTotal > 0 {
			c.QualityScore = m.QualityScore
		}
	}
	return resolved{candidate: c, account: account, session: session}, nil
}

func (s *Selector) coolingAccounts(ctx context.Context) ([]string, error) {
	if s.cooldowns == nil {
		return nil, nil
	}
	ids, err := s.cooldowns.ActiveIDs(ctx, harvest.EntityAccount)
	if err != nil {
		return nil, fmt.Errorf("list account cooldowns: %w", err)
	}
	return ids, nil
}
