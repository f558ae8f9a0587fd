// Console is the authenticated control surface: plan translation, automation
// CRUD, approval decisions and execution history. It also runs the approval
// expiry sweep so overdue requests resolve even when nobody is reading them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/flowgate/flowgate/pkg/approvals"
	"github.com/flowgate/flowgate/pkg/auth"
	"github.com/flowgate/flowgate/pkg/automations"
	"github.com/flowgate/flowgate/pkg/config"
	"github.com/flowgate/flowgate/pkg/engine"
	"github.com/flowgate/flowgate/pkg/execlog"
	fgOtel "github.com/flowgate/flowgate/pkg/otel"
	"github.com/flowgate/flowgate/pkg/planner"
	"github.com/flowgate/flowgate/pkg/types"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := fgOtel.Setup(ctx, fgOtel.Config{
		ServiceName:   config.EnvOr("OTEL_SERVICE_NAME", "fg-console"),
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
	engineURL := config.EnvOr("ENGINE_URL", "http://localhost:8090")
	engineClient := engine.NewClient(engineURL, config.EnvOrDuration("ENGINE_TIMEOUT", 30*time.Second))

	autoStore := automations.NewStore(pool)
	logStore := execlog.NewStore(pool)
	recorder := execlog.NewRecorder(logStore, log)

	approvalStore := approvals.NewStore(pool)
	approvalStore.SetExecutor(approvals.NewRunner(engineClient, recorder, log))

	registry := automations.NewValidatorRegistry()
	for _, service := range strings.Split(config.EnvOr("CONNECTOR_SERVICES", "slack,github,jira,email"), ",") {
		service = strings.TrimSpace(service)
		if service == "" {
			continue
		}
		registry.Register(service, &connectionValidator{
			service: service,
			baseURL: engineURL,
			client:  &http.Client{Timeout: 5 * time.Second},
		})
	}

	plannerClient := planner.NewClient(config.EnvOr("PLANNER_URL", "http://localhost:8091"))
	autoHandlers := automations.NewHandlers(autoStore, registry, plannerClient,
		config.EnvOr("GATEWAY_PUBLIC_URL", "http://localhost:8080"))
	approvalHandlers := approvals.NewHandlers(approvalStore, autoStore, log)
	execHandlers := &executionHandlers{store: logStore, log: log}

	keyStore := auth.NewKeyStore(os.Getenv("API_KEYS"))

	// ── Expiry sweep ─────────────────────────────────────────────────────
	// Lazy expiry on the read paths already keeps responses correct; the
	// sweep bounds how long an unread overdue request stays pending.
	sweeper := cron.New()
	_, err = sweeper.AddFunc(config.EnvOr("APPROVAL_SWEEP_SCHEDULE", "@every 1m"), func() {
		swept, err := approvalStore.SweepExpired(ctx, config.EnvOrInt("APPROVAL_SWEEP_LIMIT", 100))
		if err != nil {
			log.Error("approval sweep failed", "error", err)
			return
		}
		if swept > 0 {
			log.Info("approval sweep resolved overdue requests", "count", swept)
		}
	})
	if err != nil {
		log.Error("approval sweep schedule invalid", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

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

	r.Group(func(pr chi.Router) {
		pr.Use(auth.APIKeyAuth(keyStore))
		autoHandlers.RegisterRoutes(pr)
		approvalHandlers.Routes(pr)
		pr.Get("/v1/executions", execHandlers.HandleList)
		pr.Get("/v1/executions/{id}", execHandlers.HandleGet)
	})

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9091")
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
	addr := config.EnvOr("CONSOLE_ADDR", ":8081")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("console starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down console")
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
// Connection validation
// ──────────────────────────────────────────────────────────────────────────────

// connectionValidator asks the workflow engine whether the owner holds a
// usable credential for a service.
type connectionValidator struct {
	service string
	baseURL string
	client  *http.Client
}

func (v *connectionValidator) ValidateConnection(ctx context.Context, ownerID string) error {
	u := fmt.Sprintf("%s/v1/connections/%s/validate?owner_id=%s", v.baseURL, v.service, ownerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("connection check %s: %w", v.service, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("connection check %s: %w", v.service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("no usable %s connection for this account", v.service)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution history
// ──────────────────────────────────────────────────────────────────────────────

type executionStore interface {
	Get(ctx context.Context, ownerID, logID string) (*execlog.ExecutionLog, error)
	List(ctx context.Context, ownerID, automationID string, limit, offset int) ([]execlog.ExecutionLog, error)
}

type executionHandlers struct {
	store executionStore
	log   *slog.Logger
}

// HandleList is GET /v1/executions, newest first, owner-scoped.
func (h *executionHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	logs, err := h.store.List(r.Context(), actor, q.Get("automation_id"), limit, offset)
	if err != nil {
		h.log.Error("list executions failed", "error", err)
		types.ErrInternal("failed to list executions").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": logs,
		"count":      len(logs),
	})
}

// HandleGet is GET /v1/executions/{id}.
func (h *executionHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		types.ErrUnauthorized("authentication required").WriteJSON(w)
		return
	}

	entry, err := h.store.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.log.Error("get execution failed", "error", err)
		types.ErrInternal("failed to load execution").WriteJSON(w)
		return
	}
	if entry == nil {
		types.ErrNotFound("execution not found").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
