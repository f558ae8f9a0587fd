// Package planner provides an HTTP client for the translation service that
// turns a natural-language prompt into a structured automation plan.
package planner

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

// Client calls the planner service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new planner client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// translateRequest is the envelope the planner expects.
type translateRequest struct {
	Prompt string `json:"prompt"`
}

// translateResponse is the shape the planner returns.
type translateResponse struct {
	Plan  *types.Plan `json:"plan"`
	Error string      `json:"error,omitempty"`
}

// Translate sends a prompt to the planner and returns the proposed plan. The
// plan is a draft: callers validate it and the user confirms it before an
// automation is created from it.
func (c *Client) Translate(ctx context.Context, prompt string) (*types.Plan, error) {
	body, err := json.Marshal(translateRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("planner marshal: %w", err)
	}

	url := c.baseURL + "/v1/translate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("planner new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("planner returned %d: %s", resp.StatusCode, string(b))
	}

	var out translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("planner decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("planner: %s", out.Error)
	}
	if out.Plan == nil {
		return nil, fmt.Errorf("planner: empty plan")
	}
	return out.Plan, nil
}
