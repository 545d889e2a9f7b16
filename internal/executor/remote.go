// Package executor forwards claimed runs to an external execution engine.
//
// The engine receives one POST per run and answers with a stream of
// newline-delimited JSON frames: zero or more telemetry samples followed by a
// single result or error frame. Each sample is folded through the scroll risk
// engine; when the hints demand an abort the request is canceled, which the
// engine observes as a client disconnect.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const (
	maxFrameBytes = 1 << 20
	maxErrorBody  = 512
)

// Config addresses the execution engine.
type Config struct {
	Endpoint string
	// Token is sent as a bearer token when set.
	Token  string
	Client *http.Client
}

// Remote implements harvest.Executor over HTTP.
type Remote struct {
	endpoint string
	token    string
	client   *http.Client
}

var _ harvest.Executor = (*Remote)(nil)

// New builds a Remote executor.
func New(cfg Config) (*Remote, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("executor endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{endpoint: cfg.Endpoint, token: cfg.Token, client: client}, nil
}

type runRequest struct {
	TaskID         string              `json:"task_id"`
	Payload        json.RawMessage     `json:"payload"`
	AccountID      string              `json:"account_id"`
	SessionID      string              `json:"session_id"`
	SessionVersion int                 `json:"session_version"`
	Credentials    []byte              `json:"credentials"`
	Proxy          string              `json:"proxy,omitempty"`
	ScrollProfile  string              `json:"scroll_profile"`
	Hints          harvest.ScrollHints `json:"hints"`
}

type frame struct {
	Telemetry *harvest.ScrollTelemetry `json:"telemetry,omitempty"`
	Result    *resultFrame             `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

type resultFrame struct {
	Fetched    int      `json:"fetched"`
	DurationMs int64    `json:"duration_ms"`
	ContentIDs []string `json:"content_ids,omitempty"`
}

// Execute posts the run and consumes the engine's frame stream.
func (r *Remote) Execute(ctx context.Context, req harvest.ExecutionRequest) (harvest.ExecutionResult, error) {
	payload, err := harvest.EncodePayload(req.Task.Payload)
	if err != nil {
		return harvest.ExecutionResult{}, err
	}
	body, err := json.Marshal(runRequest{
		TaskID:         req.Task.ID,
		Payload:        payload,
		AccountID:      req.Run.AccountID,
		SessionID:      req.Run.SessionID,
		SessionVersion: req.Run.SessionVersion,
		Credentials:    req.Run.Credentials,
		Proxy:          req.Run.Proxy,
		ScrollProfile:  req.Run.ScrollProfile,
		Hints:          req.Hints,
	})
	if err != nil {
		return harvest.ExecutionResult{}, fmt.Errorf("marshal run request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return harvest.ExecutionResult{}, fmt.Errorf("build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	started := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return harvest.ExecutionResult{}, fmt.Errorf("execution engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return harvest.ExecutionResult{}, fmt.Errorf("execution engine: status %d %s: %s",
			resp.StatusCode, strings.ToLower(http.StatusText(resp.StatusCode)), strings.TrimSpace(string(snippet)))
	}
	return consume(resp.Body, req, started)
}

func consume(body io.Reader, req harvest.ExecutionRequest, started time.Time) (harvest.ExecutionResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	fetched := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return harvest.ExecutionResult{}, fmt.Errorf("execution engine: malformed frame: %w", err)
		}
		switch {
		case f.Error != "":
			return harvest.ExecutionResult{}, errors.New(f.Error)
		case f.Result != nil:
			return harvest.ExecutionResult{
				Fetched:    f.Result.Fetched,
				Duration:   time.Duration(f.Result.DurationMs) * time.Millisecond,
				ContentIDs: f.Result.ContentIDs,
			}, nil
		case f.Telemetry != nil:
			fetched += f.Telemetry.NewItems
			if req.Report == nil {
				continue
			}
			if hints := req.Report(*f.Telemetry); hints.Abort {
				return harvest.ExecutionResult{Fetched: fetched, Duration: time.Since(started)}, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return harvest.ExecutionResult{}, fmt.Errorf("execution engine: read stream: %w", err)
	}
	return harvest.ExecutionResult{}, errors.New("execution engine: stream ended without result: unexpected eof")
}
