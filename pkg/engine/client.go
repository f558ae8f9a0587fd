// Package engine provides an HTTP client for the downstream workflow engine
// that actually performs automation actions.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowgate/flowgate/pkg/types"
)

// Client calls the workflow engine over HTTP to run an automation's actions.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new engine client. A zero timeout defaults to 30s;
// action execution is slow compared to policy-style lookups.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RunInput is the execution envelope sent to the engine.
type RunInput struct {
	AutomationID string          `json:"automation_id"`
	RunID        string          `json:"run_id"`
	OwnerID      string          `json:"owner_id"`
	Actions      []types.Action  `json:"actions"`
	TriggerData  json.RawMessage `json:"trigger_data,omitempty"`
}

// runResponse is the shape the engine returns.
type runResponse struct {
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Run executes the automation's actions downstream and reports the outcome.
// A transport failure or non-2xx status is an error; the caller decides how
// to record it.
func (c *Client) Run(ctx context.Context, in RunInput) (*types.ExecutionResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("engine marshal: %w", err)
	}

	url := c.baseURL + "/v1/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("engine new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("engine returned %d: %s", resp.StatusCode, string(b))
	}

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("engine decode response: %w", err)
	}
	if out.Status == "" {
		out.Status = "success"
	}
	if out.DurationMS == 0 {
		out.DurationMS = time.Since(started).Milliseconds()
	}
	return &types.ExecutionResult{
		Status:     out.Status,
		OutputJSON: out.Output,
		Error:      out.Error,
		DurationMS: out.DurationMS,
	}, nil
}
