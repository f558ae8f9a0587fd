// Package types defines the canonical automation schema used across all services.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────────────────────────────────

const (
	MaxNameBytes       = 256
	MaxActionsCount    = 25
	MaxRecipientsCount = 50
	MaxParamsBytes     = 64 * 1024 // 64 KB

	// DefaultApprovalTimeout bounds how long an approval request stays
	// pending before the timeout outcome is forced.
	DefaultApprovalTimeout = time.Hour

	TriggerServiceWebhook = "webhook"
)

// Automation status values.
const (
	AutomationActive = "active"
	AutomationPaused = "paused"
)

// ──────────────────────────────────────────────────────────────────────────────
// Automation — a trigger/action plan owned by a user.
// ──────────────────────────────────────────────────────────────────────────────

type Automation struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Status  string `json:"status"` // "active" | "paused"

	Trigger Trigger  `json:"trigger"`
	Actions []Action `json:"actions"`

	// Connections are the service identifiers this automation needs
	// credentials for.
	Connections []string `json:"connections,omitempty"`

	// WebhookID is the opaque token in the ingestion URL. Unique across all
	// automations and immutable while the trigger stays webhook-based; it is
	// cleared together with the secret when the trigger type changes away
	// from webhook.
	WebhookID     string `json:"webhook_id,omitempty"`
	WebhookSecret string `json:"-"`

	RequireApproval      bool     `json:"require_approval"`
	ApprovalTimeoutMS    int64    `json:"approval_timeout_ms,omitempty"`
	ApprovalRecipients   []string `json:"approval_recipients,omitempty"`
	AutoExecuteOnTimeout bool     `json:"auto_execute_on_timeout"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trigger describes what fires the automation, e.g. service "webhook",
// event "webhook.received".
type Trigger struct {
	Service string `json:"service"`
	Event   string `json:"event"`
}

// Action is one step of the ordered action list, executed by the external
// workflow engine.
type Action struct {
	Service string          `json:"service"`
	Name    string          `json:"name"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsWebhookTriggered reports whether this automation listens on the webhook
// ingestion endpoint.
func (a *Automation) IsWebhookTriggered() bool {
	return a.Trigger.Service == TriggerServiceWebhook
}

// ApprovalTimeout returns the configured approval window, falling back to
// the default when unset.
func (a *Automation) ApprovalTimeout() time.Duration {
	if a.ApprovalTimeoutMS <= 0 {
		return DefaultApprovalTimeout
	}
	return time.Duration(a.ApprovalTimeoutMS) * time.Millisecond
}

// Normalize lowercases service and event identifiers.
func (a *Automation) Normalize() {
	a.Trigger.Service = strings.ToLower(strings.TrimSpace(a.Trigger.Service))
	a.Trigger.Event = strings.ToLower(strings.TrimSpace(a.Trigger.Event))
	for i := range a.Actions {
		a.Actions[i].Service = strings.ToLower(strings.TrimSpace(a.Actions[i].Service))
		a.Actions[i].Name = strings.ToLower(strings.TrimSpace(a.Actions[i].Name))
	}
}

// Validate enforces all invariants on the automation. Also normalizes
// service/event identifiers.
func (a *Automation) Validate() error {
	a.Normalize()

	if a.OwnerID == "" {
		return &ValidationError{Field: "owner_id", Reason: "required"}
	}
	if len(a.Name) > MaxNameBytes {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("exceeds %d bytes", MaxNameBytes)}
	}
	if a.Status != AutomationActive && a.Status != AutomationPaused {
		return &ValidationError{Field: "status", Reason: "must be active or paused"}
	}
	if a.Trigger.Service == "" {
		return &ValidationError{Field: "trigger.service", Reason: "required"}
	}
	if a.Trigger.Event == "" {
		return &ValidationError{Field: "trigger.event", Reason: "required"}
	}
	if len(a.Actions) == 0 {
		return &ValidationError{Field: "actions", Reason: "at least one action required"}
	}
	if len(a.Actions) > MaxActionsCount {
		return &ValidationError{Field: "actions", Reason: fmt.Sprintf("exceeds %d entries", MaxActionsCount)}
	}
	for i, act := range a.Actions {
		if act.Service == "" || act.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("actions[%d]", i), Reason: "service and name required"}
		}
		if len(act.Params) > MaxParamsBytes {
			return &ValidationError{Field: fmt.Sprintf("actions[%d].params", i), Reason: fmt.Sprintf("exceeds %d bytes", MaxParamsBytes)}
		}
	}
	if len(a.ApprovalRecipients) > MaxRecipientsCount {
		return &ValidationError{Field: "approval_recipients", Reason: fmt.Sprintf("exceeds %d entries", MaxRecipientsCount)}
	}
	if !a.IsWebhookTriggered() && (a.WebhookID != "" || a.WebhookSecret != "") {
		return &ValidationError{Field: "webhook_id", Reason: "only webhook-triggered automations carry a webhook identity"}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Plan — the structured output of natural-language translation.
// ──────────────────────────────────────────────────────────────────────────────

// Plan is what the external planner service returns for a prompt. Accepting a
// plan creates an Automation from it.
type Plan struct {
	Name            string   `json:"name"`
	Trigger         Trigger  `json:"trigger"`
	Actions         []Action `json:"actions"`
	Connections     []string `json:"connections,omitempty"`
	RequireApproval bool     `json:"require_approval"`
	Summary         string   `json:"summary,omitempty"`
}
