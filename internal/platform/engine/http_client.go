package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/redact"
	"github.com/phrazzld/parsedispatch/internal/task"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL string
	APIKey  string

	// IdempotencySupported tells whether the engine honours the
	// Idempotency-Key header. When false the client looks up an existing job
	// for the task before submitting.
	IdempotencySupported bool

	// Client defaults to a client without timeout; callers bound each call
	// through its context.
	Client *http.Client
}

// HTTPClient talks to the engine's REST API.
type HTTPClient struct {
	base   *url.URL
	cfg    HTTPClientConfig
	client *http.Client
	logger *slog.Logger
}

var _ task.Engine = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and creates a client.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid engine base URL %q", cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		base:   base,
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "engine_http_client"),
	}, nil
}

type submitBody struct {
	ClientRef string          `json:"client_ref"`
	OwnerID   string          `json:"owner_id"`
	Kind      domain.TaskKind `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// JobStatus is the engine's description of a job. Poll responses and push
// callbacks share this shape.
type JobStatus struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type jobListBody struct {
	Jobs []JobStatus `json:"jobs"`
}

// Submit implements task.Engine. The task ID is sent as Idempotency-Key so a
// repeated submission returns the job created the first time.
func (c *HTTPClient) Submit(ctx context.Context, req task.SubmitRequest) (string, error) {
	if !c.cfg.IdempotencySupported {
		ref, err := c.lookup(ctx, req.TaskID)
		if err != nil {
			return "", err
		}
		if ref != "" {
			c.logger.InfoContext(ctx, "reusing existing engine job",
				"task_id", req.TaskID,
				"external_ref", ref)
			return ref, nil
		}
	}

	body, err := json.Marshal(submitBody{
		ClientRef: req.TaskID.String(),
		OwnerID:   req.OwnerID.String(),
		Kind:      req.Kind,
		Payload:   req.Payload,
	})
	if err != nil {
		return "", task.NewPermanentError(0, "encode submission", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TaskID.String())

	var job JobStatus
	status, err := c.do(httpReq, &job, http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusConflict)
	if err != nil {
		return "", err
	}
	if job.JobID == "" {
		return "", task.NewTransientError(status, "engine response carried no job id", nil)
	}
	return job.JobID, nil
}

// PollStatus implements task.Engine. A 404 maps to EngineStateNotFound.
func (c *HTTPClient) PollStatus(ctx context.Context, externalRef string) (task.EngineStatus, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(externalRef), nil)
	if err != nil {
		return task.EngineStatus{}, err
	}

	var job JobStatus
	status, err := c.do(httpReq, &job, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return task.EngineStatus{}, err
	}
	if status == http.StatusNotFound {
		return task.EngineStatus{State: task.EngineStateNotFound}, nil
	}

	st, ok := job.EngineStatus()
	if !ok {
		return task.EngineStatus{}, task.NewTransientError(status, fmt.Sprintf("unknown job status %q", job.Status), nil)
	}
	return st, nil
}

// Cancel implements task.Engine. Jobs the engine no longer knows about or
// that already finished count as cancelled.
func (c *HTTPClient) Cancel(ctx context.Context, externalRef string) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(externalRef)+"/cancel", nil)
	if err != nil {
		return err
	}
	_, err = c.do(httpReq, nil,
		http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound, http.StatusConflict)
	return err
}

// lookup finds a job previously created for taskID.
func (c *HTTPClient) lookup(ctx context.Context, taskID uuid.UUID) (string, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/v1/jobs?client_ref="+url.QueryEscape(taskID.String()), nil)
	if err != nil {
		return "", err
	}
	var list jobListBody
	if _, err := c.do(httpReq, &list, http.StatusOK); err != nil {
		return "", err
	}
	for _, job := range list.Jobs {
		if job.JobID != "" {
			return job.JobID, nil
		}
	}
	return "", nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, task.NewPermanentError(0, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

// do sends req and decodes a JSON body into out when the status is one of
// accepted. Other statuses become classified engine errors.
func (c *HTTPClient) do(req *http.Request, out any, accepted ...int) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, task.NewTransientError(0, req.Method+" "+req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range accepted {
		if resp.StatusCode != code {
			continue
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return resp.StatusCode, nil
		}
		// Bodies of accepted non-2xx answers are optional.
		err := json.NewDecoder(resp.Body).Decode(out)
		if err != nil && !errors.Is(err, io.EOF) && resp.StatusCode < 300 {
			return resp.StatusCode, task.NewTransientError(resp.StatusCode, "decode engine response", err)
		}
		return resp.StatusCode, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, classify(resp.StatusCode, redact.String(strings.TrimSpace(string(msg))))
}

// classify maps an unexpected HTTP status to the retry taxonomy: throttling,
// timeouts and server errors are transient, other client errors permanent.
func classify(status int, message string) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return task.NewTransientError(status, message, nil)
	default:
		return task.NewPermanentError(status, message, nil)
	}
}

// EngineStatus maps the engine's status vocabulary onto task.EngineState.
// ok is false for a status string the engine is not known to send.
func (j JobStatus) EngineStatus() (task.EngineStatus, bool) {
	switch strings.ToLower(j.Status) {
	case "succeeded", "completed", "done":
		return task.EngineStatus{State: task.EngineStateSucceeded, Progress: 100, Result: j.Result}, true
	case "failed", "error", "cancelled", "canceled":
		return task.EngineStatus{State: task.EngineStateFailed, Error: redact.String(j.Error)}, true
	case "queued", "pending", "running", "processing":
		return task.EngineStatus{State: task.EngineStateRunning, Progress: j.Progress}, true
	case "not_found", "unknown_job":
		return task.EngineStatus{State: task.EngineStateNotFound}, true
	default:
		return task.EngineStatus{}, false
	}
}
