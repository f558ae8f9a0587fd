// Package client is the Go SDK for the flowgate control plane. It wraps the
// console's automation and approval surfaces and the gateway's test-delivery
// call behind one typed client.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/flowgate/flowgate/pkg/approvals"
	"github.com/flowgate/flowgate/pkg/automations"
	"github.com/flowgate/flowgate/pkg/types"
)

type Client struct {
	baseURL    string
	gatewayURL string
	apiKey     string
	httpClient *http.Client
}

// New creates a client against the console API. The gateway is assumed to
// share the base URL until SetGatewayURL says otherwise.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		gatewayURL: baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetGatewayURL points test deliveries at a separately deployed gateway.
func (c *Client) SetGatewayURL(gatewayURL string) {
	c.gatewayURL = gatewayURL
}

// ──────────────────────────────────────────────────────────────────────────────
// Plans and automations
// ──────────────────────────────────────────────────────────────────────────────

// TranslatePlan turns a natural-language prompt into a draft automation plan.
func (c *Client) TranslatePlan(ctx context.Context, prompt string) (*types.Plan, error) {
	var plan types.Plan
	err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/plans",
		map[string]string{"prompt": prompt}, &plan)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// CreatedAutomation is the creation response. WebhookSecret is returned
// exactly once; store it, it cannot be fetched again.
type CreatedAutomation struct {
	types.Automation
	WebhookSecret string `json:"webhook_secret,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
}

func (c *Client) CreateAutomation(ctx context.Context, in automations.CreateAutomationInput) (*CreatedAutomation, error) {
	var out CreatedAutomation
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/automations", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAutomation(ctx context.Context, id string) (*types.Automation, error) {
	var out types.Automation
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/automations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListAutomations(ctx context.Context) ([]types.Automation, error) {
	var out struct {
		Automations []types.Automation `json:"automations"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/automations", nil, &out); err != nil {
		return nil, err
	}
	return out.Automations, nil
}

// UpdateAutomation edits an automation. When the edit switches the trigger
// to webhook, the response carries the freshly minted secret, once.
func (c *Client) UpdateAutomation(ctx context.Context, id string, in automations.CreateAutomationInput) (*CreatedAutomation, error) {
	var out CreatedAutomation
	if err := c.do(ctx, http.MethodPut, c.baseURL+"/v1/automations/"+url.PathEscape(id), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteAutomation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.baseURL+"/v1/automations/"+url.PathEscape(id), nil, nil)
}

func (c *Client) PauseAutomation(ctx context.Context, id string) (*types.Automation, error) {
	return c.setStatus(ctx, id, "pause")
}

func (c *Client) ResumeAutomation(ctx context.Context, id string) (*types.Automation, error) {
	return c.setStatus(ctx, id, "resume")
}

func (c *Client) setStatus(ctx context.Context, id, verb string) (*types.Automation, error) {
	var out types.Automation
	u := c.baseURL + "/v1/automations/" + url.PathEscape(id) + "/" + verb
	if err := c.do(ctx, http.MethodPost, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TestDelivery pushes a synthetic signed payload through the full ingestion
// pipeline and returns whatever the pipeline produced, including failures.
func (c *Client) TestDelivery(ctx context.Context, automationID string, payload json.RawMessage) (*types.IngestResponse, error) {
	in := types.TestDeliveryInput{Action: "test_webhook", TestPayload: payload}
	var out types.IngestResponse
	u := c.gatewayURL + "/v1/automations/" + url.PathEscape(automationID) + "/test"
	if err := c.do(ctx, http.MethodPost, u, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Approvals
// ──────────────────────────────────────────────────────────────────────────────

// ListApprovals lists the caller's requests. An empty status lists pending
// requests ordered by soonest expiry.
func (c *Client) ListApprovals(ctx context.Context, status string) ([]approvals.ApprovalRequest, error) {
	u := c.baseURL + "/v1/approvals"
	if status != "" {
		u += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Requests []approvals.ApprovalRequest `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) GetApproval(ctx context.Context, id string) (*approvals.ApprovalRequest, error) {
	var out approvals.ApprovalRequest
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/approvals/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Approve(ctx context.Context, requestID string) (*approvals.ApprovalRequest, error) {
	return c.decide(ctx, requestID, "approve", "")
}

func (c *Client) Reject(ctx context.Context, requestID, reason string) (*approvals.ApprovalRequest, error) {
	return c.decide(ctx, requestID, "reject", reason)
}

func (c *Client) decide(ctx context.Context, requestID, action, reason string) (*approvals.ApprovalRequest, error) {
	body := map[string]string{"request_id": requestID, "action": action}
	if reason != "" {
		body["reason"] = reason
	}
	var out approvals.ApprovalRequest
	if err := c.do(ctx, http.MethodPut, c.baseURL+"/v1/approvals", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApprovalHistory(ctx context.Context, requestID string) ([]approvals.HistoryEntry, error) {
	var out struct {
		History []approvals.HistoryEntry `json:"history"`
	}
	u := c.baseURL + "/v1/approvals/" + url.PathEscape(requestID) + "/history"
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// WaitForDecision polls until the request leaves pending or ctx expires.
func (c *Client) WaitForDecision(ctx context.Context, requestID string, pollEvery time.Duration) (*approvals.ApprovalRequest, error) {
	t := time.NewTicker(pollEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			req, err := c.GetApproval(ctx, requestID)
			if err != nil {
				continue
			}
			if approvals.IsTerminal(req.Status) {
				return req, nil
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr types.APIError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Message != "" {
			return fmt.Errorf("api error %s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
