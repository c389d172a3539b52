// Package agent implements the agent invocation boundary (C12): the
// Invoker interface the orchestrator calls to run a task against an
// external agent, plus an HTTP reference implementation.
//
// Grounded on jobs.go's Dispatcher.DispatchJob from the teacher repo
// (ctx-aware http.NewRequestWithContext POST, a client with a fixed
// timeout, and status-code-driven success/failure classification) and
// agent/executor.go's sendResult JSON envelope shape, combined into a
// single synchronous call/response round trip appropriate for
// spec.md's synchronous Invoker contract (the teacher's async
// dispatch-then-later-callback split is collapsed since C11 already
// tracks in-flight state itself).
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hephaestus-run/core/internal/orchestrator"
	"github.com/hephaestus-run/core/internal/ratelimit"
	"github.com/hephaestus-run/core/internal/retry"
)

// Request is the JSON envelope POSTed to an agent endpoint.
type Request struct {
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the JSON envelope an agent endpoint returns.
type Response struct {
	Status string          `json:"status"` // "completed" or "failed"
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HTTPInvoker is the reference orchestrator.Invoker implementation: it
// POSTs the task payload to t.Endpoint and interprets the response.
type HTTPInvoker struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPInvoker constructs an HTTPInvoker with the given per-call
// timeout, matching the teacher's fixed 5s client timeout pattern but
// made configurable.
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPInvoker{Client: &http.Client{Timeout: timeout}, Timeout: timeout}
}

// Invoke implements orchestrator.Invoker. A 401/403 response is
// classified as a permanent failure (wrapped in *retry.ErrNonRetryable)
// so the orchestrator's rate limiter disables the offending key rather
// than retrying; any other non-2xx or transport error is retryable.
func (h *HTTPInvoker) Invoke(ctx context.Context, t orchestrator.Task, permit *ratelimit.Permit) error {
	reqBody, err := json.Marshal(Request{TaskID: t.ID, Payload: t.Payload})
	if err != nil {
		return &retry.ErrNonRetryable{Cause: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return &retry.ErrNonRetryable{Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+permit.Key().Secret)

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("contact agent endpoint %s: %w", t.Endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &retry.ErrNonRetryable{Cause: fmt.Errorf("agent endpoint %s rejected credentials: %d", t.Endpoint, resp.StatusCode)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("agent endpoint %s returned %d", t.Endpoint, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent endpoint %s returned %d: %s", t.Endpoint, resp.StatusCode, string(body))
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode response from %s: %w", t.Endpoint, err)
	}
	if parsed.Status != "completed" {
		return fmt.Errorf("agent endpoint %s reported failure: %s", t.Endpoint, parsed.Error)
	}
	return nil
}
