package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flowgate/flowgate/pkg/approvals"
	"github.com/flowgate/flowgate/pkg/auth"
	"github.com/flowgate/flowgate/pkg/engine"
	"github.com/flowgate/flowgate/pkg/execlog"
	"github.com/flowgate/flowgate/pkg/ratelimit"
	"github.com/flowgate/flowgate/pkg/signature"
	"github.com/flowgate/flowgate/pkg/types"
)

type fakeAutos struct {
	byWebhook map[string]*types.Automation
	byID      map[string]*types.Automation
}

func newFakeAutos(autos ...*types.Automation) *fakeAutos {
	f := &fakeAutos{byWebhook: map[string]*types.Automation{}, byID: map[string]*types.Automation{}}
	for _, a := range autos {
		f.byID[a.ID] = a
		if a.WebhookID != "" && a.Status == types.AutomationActive {
			f.byWebhook[a.WebhookID] = a
		}
	}
	return f
}

func (f *fakeAutos) ResolveWebhook(_ context.Context, webhookID string) (*types.Automation, error) {
	return f.byWebhook[webhookID], nil
}

func (f *fakeAutos) Get(_ context.Context, ownerID, id string) (*types.Automation, error) {
	a := f.byID[id]
	if a == nil || a.OwnerID != ownerID {
		return nil, nil
	}
	return a, nil
}

type fakeLogs struct {
	mu     sync.Mutex
	opened []execlog.OpenInput
	closed map[string]string // logID -> status
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{closed: map[string]string{}}
}

func (f *fakeLogs) Open(_ context.Context, in execlog.OpenInput) (*execlog.ExecutionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, in)
	return &execlog.ExecutionLog{
		ID:           uuid.NewString(),
		AutomationID: in.AutomationID,
		OwnerID:      in.OwnerID,
		Status:       execlog.StatusRunning,
	}, nil
}

func (f *fakeLogs) Close(_ context.Context, logID, status string, _ *types.ExecutionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[logID] = status
	return nil
}

type fakeApprovals struct {
	created []approvals.CreateInput
}

func (f *fakeApprovals) CreateRequest(_ context.Context, in approvals.CreateInput) (*approvals.ApprovalRequest, error) {
	f.created = append(f.created, in)
	return &approvals.ApprovalRequest{
		ID:           uuid.NewString(),
		AutomationID: in.AutomationID,
		RunID:        in.RunID,
		Status:       approvals.StatusPending,
	}, nil
}

type fakeEngine struct {
	result *types.ExecutionResult
	err    error
	runs   []engine.RunInput
}

func (f *fakeEngine) Run(_ context.Context, in engine.RunInput) (*types.ExecutionResult, error) {
	f.runs = append(f.runs, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &types.ExecutionResult{Status: "success", DurationMS: 5}, nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	calls    int
}

func (f *fakeLimiter) Admit(context.Context, string) (ratelimit.Decision, error) {
	f.calls++
	return f.decision, nil
}

func allowAll() *fakeLimiter {
	return &fakeLimiter{decision: ratelimit.Decision{
		Allowed:   true,
		Limit:     100,
		Remaining: 99,
		ResetAt:   time.Now().Add(time.Minute),
	}}
}

type harness struct {
	gw        *Gateway
	autos     *fakeAutos
	logs      *fakeLogs
	approvals *fakeApprovals
	engine    *fakeEngine
	limiter   *fakeLimiter
	router    *chi.Mux
}

func newHarness(autos ...*types.Automation) *harness {
	h := &harness{
		autos:     newFakeAutos(autos...),
		logs:      newFakeLogs(),
		approvals: &fakeApprovals{},
		engine:    &fakeEngine{},
		limiter:   allowAll(),
	}
	h.gw = &Gateway{
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		autos:     h.autos,
		logs:      h.logs,
		approvals: h.approvals,
		engine:    h.engine,
		limiter:   h.limiter,
		burst:     rate.NewLimiter(rate.Inf, 1),
	}
	h.router = chi.NewRouter()
	h.router.Post("/hooks/{webhook_id}", h.gw.HandleIngest)
	h.router.Post("/v1/automations/{id}/test", h.gw.HandleTestDelivery)
	return h
}

func webhookAutomation(secret string, requireApproval bool) *types.Automation {
	return &types.Automation{
		ID:              uuid.NewString(),
		OwnerID:         "alice",
		Name:            "deploy notifier",
		Status:          types.AutomationActive,
		Trigger:         types.Trigger{Service: types.TriggerServiceWebhook, Event: "received"},
		Actions:         []types.Action{{Service: "slack", Name: "post_message"}},
		WebhookID:       uuid.NewString(),
		WebhookSecret:   secret,
		RequireApproval: requireApproval,
	}
}

func (h *harness) deliver(webhookID string, body []byte, sign string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/hooks/"+webhookID, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if sign != "" {
		r.Header.Set(signature.HeaderSignature, sign)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)
	return w
}

// ──────────────────────────────────────────────────────────────────────────────
// Ingestion
// ──────────────────────────────────────────────────────────────────────────────

func TestIngestSignedDeliveryExecutes(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)

	body := []byte(`{"deploy":"v42"}`)
	w := h.deliver(a.WebhookID, body, signature.Compute("sekrit", body))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp types.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Success || resp.Status != types.IngestProcessed || resp.LogID == "" {
		t.Errorf("response = %+v", resp)
	}

	if len(h.engine.runs) != 1 {
		t.Fatalf("engine runs = %d, want 1", len(h.engine.runs))
	}
	if len(h.logs.opened) != 1 {
		t.Fatalf("logs opened = %d, want 1", len(h.logs.opened))
	}
	if got := h.logs.closed[resp.LogID]; got != execlog.StatusSuccess {
		t.Errorf("log closed as %q, want success", got)
	}
	if !bytes.Equal(h.logs.opened[0].Trigger.Body, body) {
		t.Error("trigger snapshot must carry the exact raw body")
	}
}

func TestIngestBadSignature(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)

	body := []byte(`{"deploy":"v42"}`)
	w := h.deliver(a.WebhookID, body, signature.Compute("wrong-secret", body))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}
	if len(h.engine.runs) != 0 {
		t.Error("engine must not run on a bad signature")
	}
	// The attempt is still recorded: opened, then closed as failed.
	if len(h.logs.opened) != 1 || len(h.logs.closed) != 1 {
		t.Fatalf("logs opened = %d closed = %d, want 1/1", len(h.logs.opened), len(h.logs.closed))
	}
	for _, status := range h.logs.closed {
		if status != execlog.StatusFailed {
			t.Errorf("log closed as %q, want failed", status)
		}
	}
}

func TestIngestTamperedBodyFailsVerification(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)

	signed := signature.Compute("sekrit", []byte(`{"amount":10}`))
	w := h.deliver(a.WebhookID, []byte(`{"amount":9999}`), signed)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401 for tampered body", w.Code)
	}
}

func TestIngestNoSecretSkipsVerification(t *testing.T) {
	a := webhookAutomation("", false)
	h := newHarness(a)

	w := h.deliver(a.WebhookID, []byte(`{"ping":1}`), "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 without a configured secret", w.Code)
	}
}

func TestIngestUnknownWebhook(t *testing.T) {
	h := newHarness(webhookAutomation("sekrit", false))

	w := h.deliver("no-such-webhook", []byte(`{}`), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", w.Code)
	}
	// Unknown webhooks never consume a rate-limit slot or open a log entry.
	if h.limiter.calls != 0 || len(h.logs.opened) != 0 {
		t.Error("unknown webhook leaked into the pipeline")
	}
}

func TestIngestPausedWebhookLooksUnknown(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	a.Status = types.AutomationPaused
	h := newHarness(a)

	w := h.deliver(a.WebhookID, []byte(`{}`), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want indistinguishable 404 for paused webhook", w.Code)
	}
}

func TestIngestRateLimited(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)
	reset := time.Now().Add(30 * time.Second)
	h.limiter.decision = ratelimit.Decision{Allowed: false, Limit: 100, Remaining: 0, ResetAt: reset}

	w := h.deliver(a.WebhookID, []byte(`{}`), "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", w.Header().Get("X-RateLimit-Remaining"))
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on 429")
	}
	// Denied deliveries leave no execution trace.
	if len(h.logs.opened) != 0 {
		t.Error("rate-limited delivery must not open a log entry")
	}
}

func TestIngestBurstGuardSetsRateLimitHeaders(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)
	// Empty bucket: every delivery hits the process-wide guard.
	h.gw.burst = rate.NewLimiter(0, 0)

	w := h.deliver(a.WebhookID, []byte(`{}`), "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", w.Code)
	}
	for _, hdr := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"} {
		if w.Header().Get(hdr) == "" {
			t.Errorf("%s header missing on burst-guard 429", hdr)
		}
	}
	// Rejected before the per-webhook window; no slot consumed, no log entry.
	if h.limiter.calls != 0 {
		t.Error("burst-guard rejection must not reach the per-webhook limiter")
	}
	if len(h.logs.opened) != 0 {
		t.Error("burst-limited delivery must not open a log entry")
	}
}

func TestIngestParksForApproval(t *testing.T) {
	a := webhookAutomation("sekrit", true)
	a.AutoExecuteOnTimeout = true
	h := newHarness(a)

	body := []byte(`{"deploy":"v42"}`)
	w := h.deliver(a.WebhookID, body, signature.Compute("sekrit", body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202: %s", w.Code, w.Body.String())
	}

	var resp types.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != types.IngestPendingApproval || resp.ApprovalID == "" {
		t.Errorf("response = %+v", resp)
	}

	if len(h.engine.runs) != 0 {
		t.Error("engine must not run before approval")
	}
	if len(h.approvals.created) != 1 {
		t.Fatalf("approvals created = %d, want 1", len(h.approvals.created))
	}
	created := h.approvals.created[0]
	if created.RunID != resp.LogID || created.TimeoutOutcome != approvals.StatusAutoExecuted {
		t.Errorf("create input = %+v", created)
	}
	// The log entry stays running until the decision lands.
	if len(h.logs.closed) != 0 {
		t.Error("parked execution must leave its log entry open")
	}
}

func TestIngestEngineFailure(t *testing.T) {
	a := webhookAutomation("", false)
	h := newHarness(a)
	h.engine.err = context.DeadlineExceeded

	w := h.deliver(a.WebhookID, []byte(`{}`), "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", w.Code)
	}
	for _, status := range h.logs.closed {
		if status != execlog.StatusFailed {
			t.Errorf("log closed as %q, want failed", status)
		}
	}
}

func TestIngestRecordsReportedActionFailure(t *testing.T) {
	a := webhookAutomation("", false)
	h := newHarness(a)
	h.engine.result = &types.ExecutionResult{Status: "error", Error: "channel not found"}

	w := h.deliver(a.WebhookID, []byte(`{}`), "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 for a recorded action failure", w.Code)
	}
	var resp types.IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Success {
		t.Error("success = true for a failed action")
	}
	if got := h.logs.closed[resp.LogID]; got != execlog.StatusFailed {
		t.Errorf("log closed as %q, want failed", got)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Test deliveries
// ──────────────────────────────────────────────────────────────────────────────

func (h *harness) testDeliver(actor, automationID, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/v1/automations/"+automationID+"/test", bytes.NewReader([]byte(body)))
	r.Header.Set("Content-Type", "application/json")
	if actor != "" {
		r = r.WithContext(auth.WithActor(r.Context(), actor))
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)
	return w
}

func TestTestDeliveryRunsFullPipeline(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)

	w := h.testDeliver("alice", a.ID, `{"action":"test_webhook","test_payload":{"pr":7}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", w.Code, w.Body.String())
	}
	// The synthesized delivery is signed and verified like a live one.
	if len(h.logs.opened) != 1 || len(h.engine.runs) != 1 {
		t.Errorf("opened = %d runs = %d, want full pipeline", len(h.logs.opened), len(h.engine.runs))
	}
	if !bytes.Equal(h.logs.opened[0].Trigger.Body, []byte(`{"pr":7}`)) {
		t.Errorf("snapshot body = %s", h.logs.opened[0].Trigger.Body)
	}
}

func TestTestDeliveryForeignAutomation(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)

	w := h.testDeliver("mallory", a.ID, `{"action":"test_webhook"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want generic 404", w.Code)
	}
}

func TestTestDeliveryValidation(t *testing.T) {
	a := webhookAutomation("sekrit", false)
	h := newHarness(a)

	if w := h.testDeliver("alice", a.ID, `{"action":"ping"}`); w.Code != http.StatusBadRequest {
		t.Errorf("wrong action code = %d, want 400", w.Code)
	}
	if w := h.testDeliver("", a.ID, `{"action":"test_webhook"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated code = %d, want 401", w.Code)
	}
}
