package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowgate/flowgate/pkg/auth"
	"github.com/flowgate/flowgate/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MB

// handlersStore is the slice of Store the HTTP surface needs.
type handlersStore interface {
	CreateRequest(ctx context.Context, in CreateInput) (*ApprovalRequest, error)
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	ListRequests(ctx context.Context, f ListFilter) ([]ApprovalRequest, error)
	Approve(ctx context.Context, id, actor, reason string) (*ApprovalRequest, error)
	Reject(ctx context.Context, id, actor, reason string) (*ApprovalRequest, error)
	History(ctx context.Context, requestID string) ([]HistoryEntry, error)
}

// handlersAutomations resolves the automation behind a request so decisions
// can be authorized against its recipient list.
type handlersAutomations interface {
	GetByID(ctx context.Context, id string) (*types.Automation, error)
}

// Handlers serves the approvals HTTP surface.
type Handlers struct {
	store handlersStore
	autos handlersAutomations
	log   *slog.Logger
}

func NewHandlers(store handlersStore, autos handlersAutomations, log *slog.Logger) *Handlers {
	return &Handlers{store: store, autos: autos, log: log}
}

// Routes mounts the approvals endpoints on r. Callers wrap the router with
// API-key auth; every handler reads the actor from the request context.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/v1/approvals", h.HandleList)
	r.Post("/v1/approvals", h.HandleCreate)
	r.Put("/v1/approvals", h.HandleDecide)
	r.Get("/v1/approvals/{id}", h.HandleGet)
	r.Get("/v1/approvals/{id}/history", h.HandleHistory)
}

// HandleList returns requests scoped to the caller. Without a status filter
// only pending requests are returned, ordered by soonest expiry.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	q := r.URL.Query()
	f := ListFilter{
		OwnerID:      actor,
		RequestID:    q.Get("request_id"),
		AutomationID: q.Get("automation_id"),
		Status:       q.Get("status"),
	}
	if f.Status != "" && f.Status != StatusPending && !IsTerminal(f.Status) {
		types.ErrBadRequest("unknown status filter").WriteJSON(w)
		return
	}

	reqs, err := h.store.ListRequests(r.Context(), f)
	if err != nil {
		h.log.Error("list approvals failed", "error", err)
		types.ErrInternal("failed to list approval requests").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": reqs,
		"count":    len(reqs),
	})
}

// HandleGet returns a single request. Requests owned by other users get the
// same 404 as unknown identifiers.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	req, err := h.store.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.log.Error("get approval failed", "error", err)
		types.ErrInternal("failed to load approval request").WriteJSON(w)
		return
	}
	if req == nil || !h.canView(r.Context(), req, actor) {
		types.ErrNotFound("approval request not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleHistory returns the request's audit chain, oldest first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	id := chi.URLParam(r, "id")
	req, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		h.log.Error("get approval failed", "error", err)
		types.ErrInternal("failed to load approval request").WriteJSON(w)
		return
	}
	if req == nil || !h.canView(r.Context(), req, actor) {
		types.ErrNotFound("approval request not found").WriteJSON(w)
		return
	}

	entries, err := h.store.History(r.Context(), id)
	if err != nil {
		h.log.Error("load approval history failed", "error", err, "request_id", id)
		types.ErrInternal("failed to load approval history").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": id,
		"history":    entries,
	})
}

type createRequestBody struct {
	Action         string          `json:"action"`
	AutomationID   string          `json:"automation_id"`
	RunID          string          `json:"run_id"`
	TriggerData    json.RawMessage `json:"trigger_data,omitempty"`
	ActionsPreview []types.Action  `json:"actions_preview,omitempty"`
	TimeoutMS      int64           `json:"timeout_ms,omitempty"`
	TimeoutOutcome string          `json:"timeout_outcome,omitempty"`
}

// HandleCreate creates a pending request out of band of webhook ingestion,
// for callers that gate their own workflows on human sign-off.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if body.Action != "create_request" {
		types.ErrBadRequest("action must be \"create_request\"").WriteJSON(w)
		return
	}
	if body.AutomationID == "" {
		types.ErrBadRequest("automation_id is required").WriteJSON(w)
		return
	}

	a, err := h.autos.GetByID(r.Context(), body.AutomationID)
	if err != nil {
		h.log.Error("resolve automation failed", "error", err)
		types.ErrInternal("failed to resolve automation").WriteJSON(w)
		return
	}
	if a == nil || a.OwnerID != actor {
		types.ErrNotFound("automation not found").WriteJSON(w)
		return
	}

	in := CreateInput{
		AutomationID:   a.ID,
		RunID:          body.RunID,
		OwnerID:        a.OwnerID,
		TriggerData:    body.TriggerData,
		ActionsPreview: body.ActionsPreview,
		RequestedBy:    actor,
		TimeoutOutcome: body.TimeoutOutcome,
	}
	if body.TimeoutMS > 0 {
		in.Timeout = time.Duration(body.TimeoutMS) * time.Millisecond
	} else {
		in.Timeout = a.ApprovalTimeout()
	}

	req, err := h.store.CreateRequest(r.Context(), in)
	if err != nil {
		h.log.Error("create approval failed", "error", err, "automation_id", a.ID)
		types.ErrInternal("failed to create approval request").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type decideBody struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
}

// HandleDecide applies a manual approve or reject decision. Only the
// automation owner or a configured recipient may decide; anyone else gets a
// 403 and the request stays pending.
func (h *Handlers) HandleDecide(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body decideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if body.RequestID == "" {
		types.ErrBadRequest("request_id is required").WriteJSON(w)
		return
	}
	if body.Action != "approve" && body.Action != "reject" {
		types.ErrBadRequest("action must be \"approve\" or \"reject\"").WriteJSON(w)
		return
	}

	req, err := h.store.GetRequest(r.Context(), body.RequestID)
	if err != nil {
		h.log.Error("get approval failed", "error", err)
		types.ErrInternal("failed to load approval request").WriteJSON(w)
		return
	}
	if req == nil {
		types.ErrNotFound("approval request not found").WriteJSON(w)
		return
	}

	a, err := h.autos.GetByID(r.Context(), req.AutomationID)
	if err != nil {
		h.log.Error("resolve automation failed", "error", err)
		types.ErrInternal("failed to resolve automation").WriteJSON(w)
		return
	}
	if a == nil {
		types.ErrNotFound("approval request not found").WriteJSON(w)
		return
	}
	// Non-approvers are told so rather than given the enumeration 404; they
	// already hold the request identifier.
	if !CanResolve(a, actor) {
		types.ErrForbidden("not authorized to decide this request").WriteJSON(w)
		return
	}

	switch body.Action {
	case "approve":
		req, err = h.store.Approve(r.Context(), body.RequestID, actor, body.Reason)
	case "reject":
		req, err = h.store.Reject(r.Context(), body.RequestID, actor, body.Reason)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		types.ErrNotFound("approval request not found").WriteJSON(w)
		return
	case errors.Is(err, ErrInvalidState):
		types.ErrInvalidState("approval request already resolved").WriteJSON(w)
		return
	case err != nil:
		h.log.Error("decide approval failed", "error", err, "request_id", body.RequestID)
		types.ErrInternal("failed to apply decision").WriteJSON(w)
		return
	}

	h.log.Info("approval decided",
		"request_id", req.ID, "automation_id", req.AutomationID,
		"status", req.Status, "actor", actor)
	writeJSON(w, http.StatusOK, req)
}

// canView loads the automation and applies visibility. Owners always see
// their requests; recipients see requests they can decide.
func (h *Handlers) canView(ctx context.Context, req *ApprovalRequest, actor string) bool {
	if req.OwnerID == actor {
		return true
	}
	a, err := h.autos.GetByID(ctx, req.AutomationID)
	if err != nil || a == nil {
		return false
	}
	return CanResolve(a, actor)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
