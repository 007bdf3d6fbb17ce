package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxJobEntityBatchSize is the declared maximum of the BatchGetJobEntity
// operation's identifiers field in the service model
const maxJobEntityBatchSize = 25

// HTTPClient is the JSON-over-HTTPS implementation of Client
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	userAgent  string
}

// HTTPClientConfig configures an HTTPClient
type HTTPClientConfig struct {
	// Endpoint is the service base URL, e.g. https://scheduling.example.com
	Endpoint string

	// Timeout bounds a single HTTP exchange. Zero means 30 seconds.
	Timeout time.Duration

	// UserAgent overrides the default agent identification header
	UserAgent string

	// Transport overrides the default HTTP transport (used by tests)
	Transport http.RoundTripper
}

// NewHTTPClient creates an HTTP dispatch service client
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "farmhand-worker-agent"
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
		userAgent: userAgent,
	}
}

// serviceErrorBody is the error response shape of the dispatch service
type serviceErrorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Reason            string `json:"reason,omitempty"`
	ResourceID        string `json:"resourceId,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Context           struct {
		Status string `json:"status,omitempty"`
	} `json:"context"`
}

func (c *HTTPClient) do(ctx context.Context, operation, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("building %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", operation, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		svcErr := &ServiceError{
			Operation: operation,
			Code:      ErrCodeInternalServer,
			Message:   string(payload),
		}
		var decoded serviceErrorBody
		if err := json.Unmarshal(payload, &decoded); err == nil && decoded.Code != "" {
			svcErr.Code = decoded.Code
			svcErr.Message = decoded.Message
			svcErr.Reason = decoded.Reason
			svcErr.ResourceID = decoded.ResourceID
			svcErr.ResourceStatus = decoded.Context.Status
			svcErr.RetryAfterSeconds = decoded.RetryAfterSeconds
		}
		if svcErr.RetryAfterSeconds == 0 {
			if after, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				svcErr.RetryAfterSeconds = after
			}
		}
		return svcErr
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", operation, err)
		}
	}
	return nil
}

func (c *HTTPClient) workerPath(farmID, fleetID, workerID string) string {
	return fmt.Sprintf("/2023-10-12/farms/%s/fleets/%s/workers/%s", farmID, fleetID, workerID)
}

func (c *HTTPClient) CreateWorker(ctx context.Context, req *CreateWorkerRequest) (*CreateWorkerResponse, error) {
	path := fmt.Sprintf("/2023-10-12/farms/%s/fleets/%s/workers", req.FarmID, req.FleetID)
	var out CreateWorkerResponse
	if err := c.do(ctx, "CreateWorker", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteWorker(ctx context.Context, req *DeleteWorkerRequest) error {
	path := c.workerPath(req.FarmID, req.FleetID, req.WorkerID)
	return c.do(ctx, "DeleteWorker", http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) UpdateWorker(ctx context.Context, req *UpdateWorkerRequest) (*UpdateWorkerResponse, error) {
	path := c.workerPath(req.FarmID, req.FleetID, req.WorkerID)
	var out UpdateWorkerResponse
	if err := c.do(ctx, "UpdateWorker", http.MethodPatch, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateWorkerSchedule(ctx context.Context, req *UpdateWorkerScheduleRequest) (*UpdateWorkerScheduleResponse, error) {
	path := c.workerPath(req.FarmID, req.FleetID, req.WorkerID) + "/schedule"
	var out UpdateWorkerScheduleResponse
	if err := c.do(ctx, "UpdateWorkerSchedule", http.MethodPatch, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) BatchGetJobEntity(ctx context.Context, req *BatchGetJobEntityRequest) (*BatchGetJobEntityResponse, error) {
	path := c.workerPath(req.FarmID, req.FleetID, req.WorkerID) + "/batchGetJobEntity"
	var out BatchGetJobEntityResponse
	if err := c.do(ctx, "BatchGetJobEntity", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) AssumeFleetRoleForWorker(ctx context.Context, req *AssumeFleetRoleRequest) (*AssumeRoleResponse, error) {
	path := c.workerPath(req.FarmID, req.FleetID, req.WorkerID) + "/fleet-roles"
	var out AssumeRoleResponse
	if err := c.do(ctx, "AssumeFleetRoleForWorker", http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) AssumeQueueRoleForWorker(ctx context.Context, req *AssumeQueueRoleRequest) (*AssumeRoleResponse, error) {
	path := c.workerPath(req.FarmID, req.FleetID, req.WorkerID) + "/queue-roles/" + req.QueueID
	var out AssumeRoleResponse
	if err := c.do(ctx, "AssumeQueueRoleForWorker", http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) MaxJobEntityBatchSize() int {
	return maxJobEntityBatchSize
}
