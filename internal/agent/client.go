// Package agent implements the worker node: it registers with the dispatch
// controller, heartbeats, claims jobs, executes them, and reports signed
// completions.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmos/swarmos/internal/domain"
)

// ControllerAPI is the slice of the controller's surface the agent uses.
type ControllerAPI interface {
	Register(ctx domain.Context, p RegisterPayload) error
	Heartbeat(ctx domain.Context, worker string, status domain.WorkerStatus, currentJobID string) error
	Claim(ctx domain.Context, worker string) (*domain.QueuedJob, error)
	Complete(ctx domain.Context, jobID string, p CompletePayload) error
	Fail(ctx domain.Context, jobID, reason string) error
}

// RegisterPayload mirrors POST /api/v1/workers/register.
type RegisterPayload struct {
	Worker    string `json:"worker"`
	GPUModel  string `json:"gpu_model"`
	VRAMGB    int    `json:"vram_gb"`
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// CompletePayload mirrors POST /api/v1/jobs/{id}/complete.
type CompletePayload struct {
	Worker      string `json:"worker"`
	ResultRef   string `json:"result_ref"`
	PoEHash     string `json:"poe_hash"`
	ExecutionMS int64  `json:"execution_ms"`
	Signature   string `json:"signature"`
}

// Client is the HTTP implementation of ControllerAPI.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a Client against the controller base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

var kindToSentinel = map[string]error{
	"bad_request":         domain.ErrBadRequest,
	"unauthorized":        domain.ErrUnauthorized,
	"forbidden":           domain.ErrForbidden,
	"not_found":           domain.ErrNotFound,
	"conflict":            domain.ErrConflict,
	"insufficient_funds":  domain.ErrInsufficientFunds,
	"precondition_failed": domain.ErrPreconditionFailed,
	"timeout":             domain.ErrTimeout,
	"unavailable":         domain.ErrUnavailable,
}

func (c *Client) post(ctx domain.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=agentcli path=%s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=agentcli path=%s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("op=agentcli path=%s: %v: %w", path, err, domain.ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var eb struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		sentinel, ok := kindToSentinel[eb.Error.Kind]
		if !ok {
			sentinel = domain.ErrInternal
		}
		return fmt.Errorf("op=agentcli path=%s: %s: %w", path, eb.Error.Message, sentinel)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("op=agentcli path=%s: decode: %w", path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// Register announces the worker to the controller.
func (c *Client) Register(ctx domain.Context, p RegisterPayload) error {
	return c.post(ctx, "/api/v1/workers/register", p, nil)
}

// Heartbeat refreshes the worker's liveness record.
func (c *Client) Heartbeat(ctx domain.Context, worker string, status domain.WorkerStatus, currentJobID string) error {
	body := map[string]any{"worker": worker, "status": status, "current_job_id": currentJobID}
	return c.post(ctx, "/api/v1/workers/heartbeat", body, nil)
}

// Claim asks for the best queued job; nil means the queue is empty.
func (c *Client) Claim(ctx domain.Context, worker string) (*domain.QueuedJob, error) {
	var out struct {
		Job *domain.QueuedJob `json:"job"`
	}
	if err := c.post(ctx, "/api/v1/jobs/claim", map[string]any{"worker": worker}, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// Complete reports a signed completion.
func (c *Client) Complete(ctx domain.Context, jobID string, p CompletePayload) error {
	return c.post(ctx, "/api/v1/jobs/"+jobID+"/complete", p, nil)
}

// Fail reports an execution failure.
func (c *Client) Fail(ctx domain.Context, jobID, reason string) error {
	return c.post(ctx, "/api/v1/jobs/"+jobID+"/fail", map[string]any{"reason": reason}, nil)
}

// backoffPermanent marks an error as not worth retrying.
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}

// withRetries wraps a call in exponential backoff for transient failures.
func withRetries(ctx domain.Context, attempts uint64, base time.Duration, fn func() error) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(base),
			backoff.WithMaxInterval(5*time.Second),
		), attempts), ctx)
	return backoff.Retry(fn, bo)
}
