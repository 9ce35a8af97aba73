package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/internal/apperr"
	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/logger"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newClient(t *testing.T, baseURL string, overrides func(*config.ExecutorConfig)) *Client {
	t.Helper()
	cfg := config.ExecutorConfig{
		BaseURL:          baseURL,
		AuthToken:        "secret-token",
		TimeoutMs:        2000,
		MaxRetries:       2,
		RetryDelayMs:     1,
		RetryStatusCodes: "500,502,503,504",
	}
	if overrides != nil {
		overrides(&cfg)
	}
	return NewClient(cfg, newTestLogger(t))
}

func TestSyncSendsAuthAndTraceHeaders(t *testing.T) {
	var captured http.Header
	var body syncRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "/workspace/sync", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	trace := Trace{
		TraceID:    "tr-1",
		SessionID:  "s1",
		ExecutorID: "exec-1",
		Operation:  "workspace.sync",
		RunID:      "r1",
	}
	err := c.SyncWorkspace(context.Background(), "s1", "app/a/project/default/u/session/s1/workspace", v1.SyncReasonPreStop, "r1", trace)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", captured.Get("Authorization"))
	assert.Equal(t, "tr-1", captured.Get("x-trace-id"))
	assert.Equal(t, "s1", captured.Get("x-trace-session-id"))
	assert.Equal(t, "exec-1", captured.Get("x-trace-executor-id"))
	assert.Equal(t, "workspace.sync", captured.Get("x-trace-operation"))
	assert.Equal(t, "r1", captured.Get("x-trace-run-id"))
	assert.NotEmpty(t, captured.Get("x-trace-ts"))

	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, v1.SyncReasonPreStop, body.Reason)
}

func TestRetriesOnConfiguredStatusThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	err := c.LinkAgentData(context.Background(), "s1", Trace{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNonRetryableStatusFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	err := c.LinkAgentData(context.Background(), "s1", Trace{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamHTTP))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesExhaustedReturnsLastError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	err := c.LinkAgentData(context.Background(), "s1", Trace{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamHTTP))
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), calls.Load())
}

func TestTimeoutReportedAsUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, func(cfg *config.ExecutorConfig) {
		cfg.TimeoutMs = 20
		cfg.MaxRetries = 0
	})
	err := c.LinkAgentData(context.Background(), "s1", Trace{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamTimeout))
}

func TestNetworkErrorRetriedThenReported(t *testing.T) {
	// Point at a closed port.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newClient(t, srv.URL, nil)
	err := c.LinkAgentData(context.Background(), "s1", Trace{})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamNetwork))
}

func TestValidateWorkspaceDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"/workspace/.agent_data", "/workspace/.kb/app"}, req.RequiredPaths)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ValidateResult{
			OK:                   false,
			MissingRequiredPaths: []string{"/workspace/.kb/app"},
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	res, err := c.ValidateWorkspace(context.Background(), "s1",
		[]string{"/workspace/.agent_data", "/workspace/.kb/app"}, Trace{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, []string{"/workspace/.kb/app"}, res.MissingRequiredPaths)
}
