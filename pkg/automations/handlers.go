package automations

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowgate/flowgate/pkg/auth"
	"github.com/flowgate/flowgate/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MB

// Handlers groups the HTTP handlers for automation management.
type Handlers struct {
	store      handlersStore
	registry   *ValidatorRegistry
	planner    handlersPlanner
	gatewayURL string
}

type handlersStore interface {
	Create(context.Context, *types.Automation) error
	Get(context.Context, string, string) (*types.Automation, error)
	List(context.Context, string) ([]types.Automation, error)
	Update(context.Context, *types.Automation) error
	SetStatus(context.Context, string, string, string) error
	Delete(context.Context, string, string) error
}

type handlersPlanner interface {
	Translate(ctx context.Context, prompt string) (*types.Plan, error)
}

// NewHandlers creates handlers backed by the given store.
func NewHandlers(store handlersStore, registry *ValidatorRegistry, planner handlersPlanner, gatewayURL string) *Handlers {
	return &Handlers{store: store, registry: registry, planner: planner, gatewayURL: gatewayURL}
}

// RegisterRoutes mounts the automation routes on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/v1/plans", h.TranslatePlan)
	r.Post("/v1/automations", h.CreateAutomation)
	r.Get("/v1/automations", h.ListAutomations)
	r.Get("/v1/automations/{id}", h.GetAutomation)
	r.Put("/v1/automations/{id}", h.UpdateAutomation)
	r.Post("/v1/automations/{id}/pause", h.PauseAutomation)
	r.Post("/v1/automations/{id}/resume", h.ResumeAutomation)
	r.Delete("/v1/automations/{id}", h.DeleteAutomation)
}

// ──────────────────────────────────────────────────────────────────────────────
// Plan translation
// ──────────────────────────────────────────────────────────────────────────────

// TranslatePlan handles POST /v1/plans. It proxies the natural-language
// prompt to the external planner and returns the structured plan for the
// user to accept.
func (h *Handlers) TranslatePlan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if in.Prompt == "" {
		types.ErrBadRequest("prompt is required").WriteJSON(w)
		return
	}

	plan, err := h.planner.Translate(r.Context(), in.Prompt)
	if err != nil {
		slog.ErrorContext(r.Context(), "plan translation failed", "error", err)
		types.ErrUpstreamUnavailable("plan translation failed").WriteJSON(w)
		return
	}

	writeJSON(w, http.StatusOK, plan)
}

// ──────────────────────────────────────────────────────────────────────────────
// CRUD
// ──────────────────────────────────────────────────────────────────────────────

// CreateAutomationInput is an accepted plan plus approval configuration.
type CreateAutomationInput struct {
	Name                 string         `json:"name"`
	Trigger              types.Trigger  `json:"trigger"`
	Actions              []types.Action `json:"actions"`
	Connections          []string       `json:"connections,omitempty"`
	RequireApproval      bool           `json:"require_approval"`
	ApprovalTimeoutMS    int64          `json:"approval_timeout_ms,omitempty"`
	ApprovalRecipients   []string       `json:"approval_recipients,omitempty"`
	AutoExecuteOnTimeout bool           `json:"auto_execute_on_timeout"`
}

// createResponse carries the shared signing secret exactly once, at creation.
type createResponse struct {
	types.Automation
	WebhookSecret string `json:"webhook_secret,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
}

// CreateAutomation handles POST /v1/automations.
func (h *Handlers) CreateAutomation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in CreateAutomationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}

	a := &types.Automation{
		OwnerID:              auth.ActorFromContext(r.Context()),
		Name:                 in.Name,
		Status:               types.AutomationActive,
		Trigger:              in.Trigger,
		Actions:              in.Actions,
		Connections:          in.Connections,
		RequireApproval:      in.RequireApproval,
		ApprovalTimeoutMS:    in.ApprovalTimeoutMS,
		ApprovalRecipients:   in.ApprovalRecipients,
		AutoExecuteOnTimeout: in.AutoExecuteOnTimeout,
	}
	if a.IsWebhookTriggered() {
		a.WebhookID = uuid.NewString()
		a.WebhookSecret = newSecret()
	}

	if err := a.Validate(); err != nil {
		types.ErrValidation(err).WriteJSON(w)
		return
	}
	if h.registry != nil {
		if err := h.registry.ValidateAll(r.Context(), a.OwnerID, a.Connections); err != nil {
			types.ErrValidation(err).WriteJSON(w)
			return
		}
	}

	if err := h.store.Create(r.Context(), a); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			types.ErrValidation(verr).WriteJSON(w)
			return
		}
		slog.ErrorContext(r.Context(), "create automation failed", "error", err)
		types.ErrInternal("failed to create automation").WriteJSON(w)
		return
	}

	resp := createResponse{Automation: *a, WebhookSecret: a.WebhookSecret}
	if a.WebhookID != "" && h.gatewayURL != "" {
		resp.WebhookURL = h.gatewayURL + "/hooks/" + a.WebhookID
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetAutomation handles GET /v1/automations/{id}.
func (h *Handlers) GetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.Get(r.Context(), auth.ActorFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		slog.ErrorContext(r.Context(), "get automation failed", "error", err)
		types.ErrInternal("failed to retrieve automation").WriteJSON(w)
		return
	}
	if a == nil {
		types.ErrNotFound("automation not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAutomations handles GET /v1/automations.
func (h *Handlers) ListAutomations(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context(), auth.ActorFromContext(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "list automations failed", "error", err)
		types.ErrInternal("failed to list automations").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": list})
}

// UpdateAutomation handles PUT /v1/automations/{id}. Status and webhook
// identity rules are enforced by the store; whatever the caller sends for
// either is ignored. Editing a paused automation leaves it paused.
func (h *Handlers) UpdateAutomation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in CreateAutomationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}

	a := &types.Automation{
		ID:                   chi.URLParam(r, "id"),
		OwnerID:              auth.ActorFromContext(r.Context()),
		Name:                 in.Name,
		Trigger:              in.Trigger,
		Actions:              in.Actions,
		Connections:          in.Connections,
		RequireApproval:      in.RequireApproval,
		ApprovalTimeoutMS:    in.ApprovalTimeoutMS,
		ApprovalRecipients:   in.ApprovalRecipients,
		AutoExecuteOnTimeout: in.AutoExecuteOnTimeout,
	}

	if h.registry != nil {
		if err := h.registry.ValidateAll(r.Context(), a.OwnerID, a.Connections); err != nil {
			types.ErrValidation(err).WriteJSON(w)
			return
		}
	}

	err := h.store.Update(r.Context(), a)
	switch {
	case errors.Is(err, ErrNotFound):
		types.ErrNotFound("automation not found").WriteJSON(w)
		return
	case err != nil:
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			types.ErrValidation(verr).WriteJSON(w)
			return
		}
		slog.ErrorContext(r.Context(), "update automation failed", "error", err)
		types.ErrInternal("failed to update automation").WriteJSON(w)
		return
	}

	// A secret is present only when the store minted one for a trigger
	// switched to webhook; it is shown here once, same as at creation.
	resp := createResponse{Automation: *a, WebhookSecret: a.WebhookSecret}
	if a.WebhookSecret != "" && h.gatewayURL != "" {
		resp.WebhookURL = h.gatewayURL + "/hooks/" + a.WebhookID
	}
	writeJSON(w, http.StatusOK, resp)
}

// PauseAutomation handles POST /v1/automations/{id}/pause.
func (h *Handlers) PauseAutomation(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, types.AutomationPaused)
}

// ResumeAutomation handles POST /v1/automations/{id}/resume.
func (h *Handlers) ResumeAutomation(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, types.AutomationActive)
}

func (h *Handlers) setStatus(w http.ResponseWriter, r *http.Request, status string) {
	ownerID := auth.ActorFromContext(r.Context())
	id := chi.URLParam(r, "id")
	err := h.store.SetStatus(r.Context(), ownerID, id, status)
	switch {
	case errors.Is(err, ErrNotFound):
		types.ErrNotFound("automation not found").WriteJSON(w)
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "set automation status failed", "status", status, "error", err)
		types.ErrInternal("failed to update automation status").WriteJSON(w)
		return
	}

	a, err := h.store.Get(r.Context(), ownerID, id)
	if err != nil || a == nil {
		slog.ErrorContext(r.Context(), "reload after status change failed", "error", err)
		types.ErrInternal("failed to load automation").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAutomation handles DELETE /v1/automations/{id}.
func (h *Handlers) DeleteAutomation(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.Context(), auth.ActorFromContext(r.Context()), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrNotFound):
		types.ErrNotFound("automation not found").WriteJSON(w)
	case err != nil:
		slog.ErrorContext(r.Context(), "delete automation failed", "error", err)
		types.ErrInternal("failed to delete automation").WriteJSON(w)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return "whsec_" + hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
