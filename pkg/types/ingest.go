package types

import (
	"encoding/json"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Trigger snapshot — captured inbound event, stored for audit and replay.
// ──────────────────────────────────────────────────────────────────────────────

type TriggerSnapshot struct {
	// Headers holds the inbound request headers relevant for audit
	// (content type, signature convention used, source address).
	Headers map[string]string `json:"headers,omitempty"`
	// Body is the exact raw payload bytes. Signatures are computed over
	// these bytes, never over a re-serialized parse.
	Body       []byte    `json:"body,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Ingestion responses
// ──────────────────────────────────────────────────────────────────────────────

// Ingest status values reported to the event sender.
const (
	IngestProcessed       = "processed"
	IngestPendingApproval = "pending_approval"
)

type IngestResponse struct {
	Success      bool      `json:"success"`
	AutomationID string    `json:"automation_id"`
	Status       string    `json:"status"`
	LogID        string    `json:"log_id,omitempty"`
	ApprovalID   string    `json:"approval_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TestDeliveryInput is the body of the explicit test-delivery call. The
// gateway synthesizes a signed request through the full ingestion pipeline.
type TestDeliveryInput struct {
	Action      string          `json:"action"` // "test_webhook"
	TestPayload json.RawMessage `json:"test_payload,omitempty"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution result — what the workflow engine produced.
// ──────────────────────────────────────────────────────────────────────────────

type ExecutionResult struct {
	Status     string          `json:"status"` // "success" | "error" | "timeout"
	OutputJSON json.RawMessage `json:"output_json,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}
