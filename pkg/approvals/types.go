// Package approvals implements the human sign-off state machine gating
// automation execution, with an immutable audit history per request.
package approvals

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/flowgate/flowgate/pkg/types"
)

// Request status values. pending is the only non-terminal status; exactly
// one terminal transition is permitted per request.
const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusRejected     = "rejected"
	StatusExpired      = "expired"
	StatusAutoExecuted = "auto_executed"
)

// IsTerminal reports whether status permits no further transition.
func IsTerminal(status string) bool {
	return status == StatusApproved || status == StatusRejected ||
		status == StatusExpired || status == StatusAutoExecuted
}

// Resolution methods.
const (
	MethodManual = "manual"
	MethodAuto   = "auto"
)

// History actions. "requested" marks creation; the remaining four mirror the
// terminal statuses. History entries are never edited or removed.
const (
	HistoryRequested = "requested"
)

// Sentinel errors surfaced by the store.
var (
	// ErrNotFound means no request carries the given identifier.
	ErrNotFound = errors.New("approval request not found")
	// ErrInvalidState means the request already reached a terminal status
	// and permits no further transition.
	ErrInvalidState = errors.New("approval request is not pending")
)

// ──────────────────────────────────────────────────────────────────────────────
// ApprovalRequest — created when an approval-requiring automation fires.
// ──────────────────────────────────────────────────────────────────────────────

type ApprovalRequest struct {
	ID           string `json:"id"`
	AutomationID string `json:"automation_id"`
	// RunID correlates the request with its execution log entry.
	RunID   string `json:"run_id"`
	OwnerID string `json:"owner_id"`
	Status  string `json:"status"`

	TriggerData    json.RawMessage `json:"trigger_data,omitempty"`
	ActionsPreview []types.Action  `json:"actions_preview,omitempty"`
	RequestedBy    string          `json:"requested_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// TimeoutOutcome is the terminal status forced when no manual decision
	// arrives before ExpiresAt: "expired" abandons the execution,
	// "auto_executed" lets it proceed without a human.
	TimeoutOutcome string `json:"timeout_outcome"`

	ResolvedBy       *string    `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionMethod string     `json:"resolution_method,omitempty"` // "manual" | "auto"
	RejectReason     string     `json:"reject_reason,omitempty"`
}

// ──────────────────────────────────────────────────────────────────────────────
// HistoryEntry — immutable audit chain per request.
// ──────────────────────────────────────────────────────────────────────────────

type HistoryEntry struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	// Actor is nil for system-driven transitions (expiry sweep).
	Actor     *string   `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ──────────────────────────────────────────────────────────────────────────────
// API payloads
// ──────────────────────────────────────────────────────────────────────────────

type CreateInput struct {
	AutomationID   string          `json:"automation_id"`
	RunID          string          `json:"run_id"`
	OwnerID        string          `json:"owner_id"`
	TriggerData    json.RawMessage `json:"trigger_data,omitempty"`
	ActionsPreview []types.Action  `json:"actions_preview,omitempty"`
	RequestedBy    string          `json:"requested_by,omitempty"`
	// Timeout defaults to types.DefaultApprovalTimeout when zero.
	Timeout        time.Duration `json:"-"`
	TimeoutOutcome string        `json:"timeout_outcome,omitempty"`
}

// ListFilter narrows a listing. Zero values mean "no constraint"; OwnerID is
// always set by handlers so results stay scoped to the owning user.
type ListFilter struct {
	OwnerID      string
	RequestID    string
	AutomationID string
	Status       string
	Limit        int
	Offset       int
}
