// Package executor holds the HTTP client for the workspace executor: the
// remote service that restores, validates and syncs session workspaces.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/runplane/runplane/internal/apperr"
	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/logger"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// Trace carries the correlation headers propagated on every executor call.
type Trace struct {
	TraceID    string
	SessionID  string
	ExecutorID string
	Operation  string
	RunID      string
}

func (t Trace) apply(req *http.Request) {
	req.Header.Set("x-trace-id", t.TraceID)
	req.Header.Set("x-trace-session-id", t.SessionID)
	req.Header.Set("x-trace-executor-id", t.ExecutorID)
	req.Header.Set("x-trace-operation", t.Operation)
	req.Header.Set("x-trace-ts", strconv.FormatInt(time.Now().UTC().UnixMilli(), 10))
	if t.RunID != "" {
		req.Header.Set("x-trace-run-id", t.RunID)
	}
}

// ValidateResult is the response of the workspace validate endpoint.
type ValidateResult struct {
	OK                   bool     `json:"ok"`
	MissingRequiredPaths []string `json:"missingRequiredPaths,omitempty"`
}

// Client is the workspace executor HTTP client. Calls are bounded by a
// per-call timeout and retried on network failures and configured status
// codes.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	retryCodes map[int]bool
	logger     *logger.Logger
}

// NewClient creates an executor client from configuration.
func NewClient(cfg config.ExecutorConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.AuthToken,
		httpClient: &http.Client{},
		timeout:    cfg.Timeout(),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay(),
		retryCodes: cfg.RetryCodes(),
		logger:     log,
	}
}

type restoreRequest struct {
	SessionID string          `json:"sessionId"`
	Plan      *v1.RestorePlan `json:"plan"`
}

type linkAgentDataRequest struct {
	SessionID string `json:"sessionId"`
}

type validateRequest struct {
	SessionID     string   `json:"sessionId"`
	RequiredPaths []string `json:"requiredPaths"`
}

type syncRequest struct {
	SessionID         string        `json:"sessionId"`
	WorkspaceS3Prefix string        `json:"workspaceS3Prefix"`
	Reason            v1.SyncReason `json:"reason"`
	RunID             string        `json:"runId,omitempty"`
}

// RestoreWorkspace applies a restore plan inside the session workspace.
func (c *Client) RestoreWorkspace(ctx context.Context, sessionID string, plan *v1.RestorePlan, trace Trace) error {
	return c.post(ctx, "/workspace/restore", restoreRequest{SessionID: sessionID, Plan: plan}, nil, trace)
}

// LinkAgentData links the shared agent data directory into the workspace.
func (c *Client) LinkAgentData(ctx context.Context, sessionID string, trace Trace) error {
	return c.post(ctx, "/workspace/link-agent-data", linkAgentDataRequest{SessionID: sessionID}, nil, trace)
}

// ValidateWorkspace checks that the required paths exist in the workspace.
func (c *Client) ValidateWorkspace(ctx context.Context, sessionID string, requiredPaths []string, trace Trace) (*ValidateResult, error) {
	var out ValidateResult
	err := c.post(ctx, "/workspace/validate", validateRequest{SessionID: sessionID, RequiredPaths: requiredPaths}, &out, trace)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncWorkspace uploads the session workspace to the object store prefix.
func (c *Client) SyncWorkspace(ctx context.Context, sessionID, workspaceS3Prefix string, reason v1.SyncReason, runID string, trace Trace) error {
	return c.post(ctx, "/workspace/sync", syncRequest{
		SessionID:         sessionID,
		WorkspaceS3Prefix: workspaceS3Prefix,
		Reason:            reason,
		RunID:             runID,
	}, nil, trace)
}

// post sends a JSON request, decoding the response into out when non-nil.
// Attempts are retried on network errors and retryable status codes up to
// maxRetries times.
func (c *Client) post(ctx context.Context, path string, body, out any, trace Trace) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.KindUpstreamTimeout, "executor call aborted", ctx.Err())
			case <-time.After(c.retryDelay):
			}
		}

		retryable, err := c.doOnce(ctx, url, payload, out, trace)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		c.logger.WithError(err).Warn("Executor call failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries))
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, url string, payload []byte, out any, trace Trace) (retryable bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "failed to build executor request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	trace.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return true, apperr.Wrap(apperr.KindUpstreamTimeout, "executor call timed out", err)
		}
		if ctx.Err() != nil {
			return false, apperr.Wrap(apperr.KindUpstreamNetwork, "executor call canceled", err)
		}
		return true, apperr.Wrap(apperr.KindUpstreamNetwork, "executor unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, apperr.Wrap(apperr.KindUpstreamNetwork, "failed to read executor response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upErr := apperr.Upstream(resp.StatusCode, fmt.Sprintf("executor returned %d: %s", resp.StatusCode, truncate(data, 256)))
		return c.retryCodes[resp.StatusCode], upErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return false, apperr.Wrap(apperr.KindUpstreamHTTP, "failed to decode executor response", err)
		}
	}
	return false, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
