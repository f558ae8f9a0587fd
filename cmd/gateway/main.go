// Gateway is the public ingestion edge. It receives webhook deliveries,
// verifies signatures, enforces rate limits, opens the execution log entry
// and either runs the automation downstream or parks it behind an approval.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowgate/flowgate/pkg/approvals"
	"github.com/flowgate/flowgate/pkg/auth"
	"github.com/flowgate/flowgate/pkg/automations"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/engine"
	"github.com/flowgate/flowgate/pkg/execlog"
	fgOtel "github.com/flowgate/flowgate/pkg/otel"
	"github.com/flowgate/flowgate/pkg/ratelimit"
	"github.com/flowgate/flowgate/pkg/signature"
	"github.com/flowgate/flowgate/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MB

var ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flowgate_ingest_total",
	Help: "Webhook ingestion outcomes.",
}, []string{"outcome"})

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := fgOtel.Setup(ctx, fgOtel.Config{
		ServiceName:   config.EnvOr("OTEL_SERVICE_NAME", "fg-gateway"),
		OTLPEndpoint:  otelEndpoint,
		EnableMetrics: true,
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Postgres ─────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, config.PostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// ── Dependencies ─────────────────────────────────────────────────────
	autoStore := automations.NewStore(pool)
	logStore := execlog.NewStore(pool)
	recorder := execlog.NewRecorder(logStore, log)
	approvalStore := approvals.NewStore(pool)
	engineClient := engine.NewClient(
		config.EnvOr("ENGINE_URL", "http://localhost:8090"),
		config.EnvOrDuration("ENGINE_TIMEOUT", 30*time.Second),
	)
	keyStore := auth.NewKeyStore(os.Getenv("API_KEYS"))

	limiter := ratelimit.New(
		ratelimit.NewMemoryStore(config.EnvOrInt("RATE_LIMIT_MAX_WEBHOOKS", 0)),
		config.EnvOrInt("RATE_LIMIT_PER_WEBHOOK", ratelimit.DefaultCapacity),
		config.EnvOrDuration("RATE_LIMIT_WINDOW", ratelimit.DefaultWindow),
	)

	gw := &Gateway{
		log:       log,
		autos:     autoStore,
		logs:      recorder,
		approvals: approvalStore,
		engine:    engineClient,
		limiter:   limiter,
		// Process-wide burst guard in front of the per-webhook windows.
		burst: rate.NewLimiter(rate.Limit(config.EnvOrInt("RATE_LIMIT_GLOBAL_RPS", 500)),
			config.EnvOrInt("RATE_LIMIT_GLOBAL_BURST", 1000)),
	}

	// ── Router ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Webhook senders authenticate with HMAC signatures, not API keys.
	r.Post("/hooks/{webhook_id}", gw.HandleIngest)

	r.Group(func(pr chi.Router) {
		pr.Use(auth.APIKeyAuth(keyStore))
		pr.Post("/v1/automations/{id}/test", gw.HandleTestDelivery)
	})

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("GATEWAY_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("gateway starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Gateway handler
// ──────────────────────────────────────────────────────────────────────────────

type Gateway struct {
	log       *slog.Logger
	autos     gatewayAutomations
	logs      gatewayLogs
	approvals gatewayApprovals
	engine    gatewayEngine
	limiter   gatewayLimiter
	burst     *rate.Limiter
}

type gatewayAutomations interface {
	ResolveWebhook(context.Context, string) (*types.Automation, error)
	Get(ctx context.Context, ownerID, id string) (*types.Automation, error)
}

type gatewayLogs interface {
	Open(context.Context, execlog.OpenInput) (*execlog.ExecutionLog, error)
	Close(ctx context.Context, logID, status string, result *types.ExecutionResult) error
}

type gatewayApprovals interface {
	CreateRequest(context.Context, approvals.CreateInput) (*approvals.ApprovalRequest, error)
}

type gatewayEngine interface {
	Run(context.Context, engine.RunInput) (*types.ExecutionResult, error)
}

type gatewayLimiter interface {
	Admit(ctx context.Context, identity string) (ratelimit.Decision, error)
}

// HandleIngest is POST /hooks/{webhook_id}.
//
// The order is deliberate: resolve first so unknown webhooks never consume a
// rate-limit slot, rate-limit before the body is read so floods stay cheap,
// and verify the signature over the exact raw bytes that arrived.
func (gw *Gateway) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. Resolve. Unknown and paused webhooks get the same 404; the webhook
	// namespace must not be probeable.
	a, err := gw.autos.ResolveWebhook(ctx, chi.URLParam(r, "webhook_id"))
	if err != nil {
		gw.log.ErrorContext(ctx, "webhook resolve failed", "error", err)
		types.ErrInternal("failed to resolve webhook").WriteJSON(w)
		return
	}
	if a == nil {
		ingestTotal.WithLabelValues("unknown_webhook").Inc()
		types.ErrNotFound("not found").WriteJSON(w)
		return
	}

	// 2. Rate limit: process-wide burst guard, then the per-webhook window.
	// Both rejections carry the same X-RateLimit header contract.
	if !gw.burst.Allow() {
		ingestTotal.WithLabelValues("rate_limited").Inc()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(gw.burst.Limit())))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
		types.ErrRateLimited(1).WriteJSON(w)
		return
	}
	decision, err := gw.limiter.Admit(ctx, a.ID)
	if err != nil {
		gw.log.ErrorContext(ctx, "rate limit check failed", "error", err)
		types.ErrInternal("failed to check rate limit").WriteJSON(w)
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	if !decision.Allowed {
		ingestTotal.WithLabelValues("rate_limited").Inc()
		retryAfter := int(decision.RetryAfter(time.Now()).Seconds())
		types.ErrRateLimited(retryAfter).WriteJSON(w)
		return
	}

	// 3. Raw body. Signatures are computed over these exact bytes.
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		types.ErrBadRequest("failed to read request body").WriteJSON(w)
		return
	}

	resp, apiErr := gw.process(ctx, a, snapshotHeaders(r), body, signature.FromHeaders(r.Header))
	if apiErr != nil {
		apiErr.WriteJSON(w)
		return
	}
	status := http.StatusOK
	if resp.Status == types.IngestPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// process runs the pipeline stages shared by live deliveries and test
// deliveries: open the log entry, verify the signature, then execute or park
// behind an approval.
func (gw *Gateway) process(ctx context.Context, a *types.Automation, headers map[string]string, body []byte, presented string) (*types.IngestResponse, *types.APIError) {
	entry, err := gw.logs.Open(ctx, execlog.OpenInput{
		AutomationID: a.ID,
		OwnerID:      a.OwnerID,
		Trigger: types.TriggerSnapshot{
			Headers:    headers,
			Body:       body,
			ReceivedAt: time.Now().UTC(),
		},
	})
	if err != nil {
		gw.log.ErrorContext(ctx, "execution log open failed", "error", err, "automation_id", a.ID)
		return nil, types.ErrInternal("failed to record execution")
	}

	// Signature check is skipped only when the automation has no secret.
	if a.WebhookSecret != "" {
		if !signature.Verify(a.WebhookSecret, body, presented) {
			ingestTotal.WithLabelValues("bad_signature").Inc()
			gw.closeLog(ctx, entry.ID, execlog.StatusFailed, &types.ExecutionResult{
				Status: "error",
				Error:  "signature verification failed",
			})
			return nil, types.ErrSignatureInvalid()
		}
	}

	if a.RequireApproval {
		return gw.parkForApproval(ctx, a, entry.ID, body)
	}
	return gw.execute(ctx, a, entry.ID, body)
}

func (gw *Gateway) parkForApproval(ctx context.Context, a *types.Automation, logID string, body []byte) (*types.IngestResponse, *types.APIError) {
	outcome := approvals.StatusExpired
	if a.AutoExecuteOnTimeout {
		outcome = approvals.StatusAutoExecuted
	}
	req, err := gw.approvals.CreateRequest(ctx, approvals.CreateInput{
		AutomationID:   a.ID,
		RunID:          logID,
		OwnerID:        a.OwnerID,
		TriggerData:    triggerJSON(body),
		ActionsPreview: a.Actions,
		Timeout:        a.ApprovalTimeout(),
		TimeoutOutcome: outcome,
	})
	if err != nil {
		gw.log.ErrorContext(ctx, "approval create failed", "error", err, "automation_id", a.ID)
		gw.closeLog(ctx, logID, execlog.StatusFailed, &types.ExecutionResult{
			Status: "error",
			Error:  "failed to create approval request",
		})
		return nil, types.ErrInternal("failed to create approval request")
	}

	ingestTotal.WithLabelValues("pending_approval").Inc()
	gw.log.InfoContext(ctx, "execution parked for approval",
		"automation_id", a.ID, "log_id", logID, "approval_id", req.ID)
	// The log entry stays running; the approval decision closes it.
	return &types.IngestResponse{
		Success:      true,
		AutomationID: a.ID,
		Status:       types.IngestPendingApproval,
		LogID:        logID,
		ApprovalID:   req.ID,
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (gw *Gateway) execute(ctx context.Context, a *types.Automation, logID string, body []byte) (*types.IngestResponse, *types.APIError) {
	result, err := gw.engine.Run(ctx, engine.RunInput{
		AutomationID: a.ID,
		RunID:        logID,
		OwnerID:      a.OwnerID,
		Actions:      a.Actions,
		TriggerData:  triggerJSON(body),
	})
	if err != nil {
		ingestTotal.WithLabelValues("engine_error").Inc()
		gw.log.ErrorContext(ctx, "engine run failed", "error", err, "automation_id", a.ID)
		gw.closeLog(ctx, logID, execlog.StatusFailed, &types.ExecutionResult{
			Status: "error",
			Error:  err.Error(),
		})
		return nil, types.ErrUpstreamUnavailable("workflow engine unavailable")
	}

	status := execlog.StatusSuccess
	if result.Status != "success" {
		status = execlog.StatusFailed
	}
	gw.closeLog(ctx, logID, status, result)
	ingestTotal.WithLabelValues("processed").Inc()
	gw.log.InfoContext(ctx, "webhook processed",
		"automation_id", a.ID, "log_id", logID, "status", status)
	return &types.IngestResponse{
		Success:      status == execlog.StatusSuccess,
		AutomationID: a.ID,
		Status:       types.IngestProcessed,
		LogID:        logID,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// HandleTestDelivery is POST /v1/automations/{id}/test. It synthesizes a
// correctly signed payload and pushes it through the same pipeline as a live
// delivery, returning what the pipeline produced.
func (gw *Gateway) HandleTestDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.ActorFromContext(ctx)
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	a, err := gw.autos.Get(ctx, actor, chi.URLParam(r, "id"))
	if err != nil {
		gw.log.ErrorContext(ctx, "automation lookup failed", "error", err)
		types.ErrInternal("failed to resolve automation").WriteJSON(w)
		return
	}
	if a == nil {
		types.ErrNotFound("automation not found").WriteJSON(w)
		return
	}
	if !a.IsWebhookTriggered() {
		types.ErrBadRequest("automation has no webhook trigger").WriteJSON(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var in types.TestDeliveryInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w)
		return
	}
	if in.Action != "test_webhook" {
		types.ErrBadRequest("action must be \"test_webhook\"").WriteJSON(w)
		return
	}

	body := []byte(in.TestPayload)
	if len(body) == 0 {
		body = []byte(fmt.Sprintf(`{"test":true,"automation_id":%q}`, a.ID))
	}
	headers := map[string]string{
		"content_type": "application/json",
		"source":       "test-delivery",
	}
	presented := ""
	if a.WebhookSecret != "" {
		presented = signature.Compute(a.WebhookSecret, body)
	}

	resp, apiErr := gw.process(ctx, a, headers, body, presented)
	if apiErr != nil {
		apiErr.WriteJSON(w)
		return
	}
	status := http.StatusOK
	if resp.Status == types.IngestPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (gw *Gateway) closeLog(ctx context.Context, logID, status string, result *types.ExecutionResult) {
	if err := gw.logs.Close(ctx, logID, status, result); err != nil {
		gw.log.ErrorContext(ctx, "execution log close failed", "error", err, "log_id", logID)
	}
}

// triggerJSON shapes the raw body for storage in JSON columns: passed
// through when it already is JSON, string-quoted otherwise.
func triggerJSON(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func snapshotHeaders(r *http.Request) map[string]string {
	h := map[string]string{"source": r.RemoteAddr}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		h["content_type"] = ct
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		h["user_agent"] = ua
	}
	if signature.FromHeaders(r.Header) != "" {
		h["signature_present"] = "true"
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
