package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flowgate/flowgate/pkg/types"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flowgate_approval_transitions_total",
	Help: "Terminal approval request transitions by outcome.",
}, []string{"outcome"})

// timeoutReason is recorded on system-driven history entries.
const timeoutReason = "approval window elapsed"

// Executor is notified after a request reaches a terminal status, so the
// correlated execution run can proceed or be abandoned. Invoked best-effort
// after commit; implementations must tolerate redelivery never happening.
type Executor interface {
	ExecuteResolved(ctx context.Context, req *ApprovalRequest)
}

// Store manages approval requests and their history in Postgres.
type Store struct {
	pool     *pgxpool.Pool
	executor Executor
}

// NewStore creates a new approvals store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SetExecutor installs the post-transition executor. Optional; the gateway
// side of the store only ever creates requests.
func (s *Store) SetExecutor(e Executor) {
	s.executor = e
}

const requestColumns = `
	id, automation_id, run_id, owner_id, status,
	trigger_data, actions_preview, requested_by,
	created_at, expires_at, timeout_outcome,
	resolved_by, resolved_at, resolution_method, reject_reason`

// ──────────────────────────────────────────────────────────────────────────────
// Creation
// ──────────────────────────────────────────────────────────────────────────────

// CreateRequest inserts a new pending request and its "requested" history
// entry atomically.
func (s *Store) CreateRequest(ctx context.Context, in CreateInput) (*ApprovalRequest, error) {
	if in.AutomationID == "" || in.OwnerID == "" {
		return nil, fmt.Errorf("approvals.CreateRequest: automation_id and owner_id are required")
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = types.DefaultApprovalTimeout
	}
	outcome := in.TimeoutOutcome
	if outcome == "" {
		outcome = StatusExpired
	}
	if outcome != StatusExpired && outcome != StatusAutoExecuted {
		return nil, fmt.Errorf("approvals.CreateRequest: invalid timeout outcome %q", outcome)
	}

	now := time.Now().UTC()
	req := &ApprovalRequest{
		ID:             uuid.NewString(),
		AutomationID:   in.AutomationID,
		RunID:          in.RunID,
		OwnerID:        in.OwnerID,
		Status:         StatusPending,
		TriggerData:    in.TriggerData,
		ActionsPreview: in.ActionsPreview,
		RequestedBy:    in.RequestedBy,
		CreatedAt:      now,
		ExpiresAt:      now.Add(timeout),
		TimeoutOutcome: outcome,
	}

	previewJSON, err := json.Marshal(req.ActionsPreview)
	if err != nil {
		return nil, fmt.Errorf("approvals.CreateRequest marshal preview: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("approvals.CreateRequest begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO approval_requests (
			id, automation_id, run_id, owner_id, status,
			trigger_data, actions_preview, requested_by,
			created_at, expires_at, timeout_outcome
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		req.ID, req.AutomationID, req.RunID, req.OwnerID, req.Status,
		req.TriggerData, previewJSON, req.RequestedBy,
		req.CreatedAt, req.ExpiresAt, req.TimeoutOutcome,
	)
	if err != nil {
		return nil, fmt.Errorf("approvals.CreateRequest insert: %w", err)
	}

	var actor *string
	if req.RequestedBy != "" {
		actor = &req.RequestedBy
	}
	if err := insertHistoryTx(ctx, tx, req.ID, HistoryRequested, actor, ""); err != nil {
		return nil, fmt.Errorf("approvals.CreateRequest history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("approvals.CreateRequest commit: %w", err)
	}
	return req, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Read path (lazy expiry applied)
// ──────────────────────────────────────────────────────────────────────────────

// GetRequest fetches a single request. An overdue pending request is resolved
// to its timeout outcome before being returned; no external poller is needed.
func (s *Store) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := s.getRequest(ctx, id)
	if err != nil || req == nil {
		return req, err
	}
	if req.Status == StatusPending && !req.ExpiresAt.After(time.Now().UTC()) {
		if _, err := s.ResolveTimeout(ctx, id); err != nil {
			return nil, err
		}
		return s.getRequest(ctx, id)
	}
	return req, nil
}

const defaultListLimit = 200

// ListRequests lists requests scoped to an owner. The default (no status
// filter) returns only pending requests ordered by soonest expiry, so the
// most urgent decision surfaces first. Overdue pending requests matching the
// filter are resolved before the listing query runs.
func (s *Store) ListRequests(ctx context.Context, f ListFilter) ([]ApprovalRequest, error) {
	if f.OwnerID == "" {
		return nil, fmt.Errorf("approvals.ListRequests: owner scope is required")
	}
	if f.Limit <= 0 || f.Limit > defaultListLimit {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	if err := s.resolveDue(ctx, f); err != nil {
		return nil, err
	}

	status := f.Status
	orderBy := "created_at DESC"
	if status == "" {
		status = StatusPending
	}
	if status == StatusPending {
		orderBy = "expires_at ASC"
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM approval_requests
		WHERE owner_id = $1
		  AND status = $2
		  AND ($3 = '' OR id = $3)
		  AND ($4 = '' OR automation_id = $4)
		ORDER BY `+orderBy+`
		LIMIT $5 OFFSET $6`,
		f.OwnerID, status, f.RequestID, f.AutomationID, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("approvals.ListRequests: %w", err)
	}
	defer rows.Close()

	reqs := make([]ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("approvals.ListRequests scan: %w", err)
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvals.ListRequests iteration: %w", err)
	}
	return reqs, nil
}

// History returns the request's audit chain, oldest entry first.
func (s *Store) History(ctx context.Context, requestID string) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, action, actor, reason, created_at
		FROM approval_history
		WHERE request_id = $1
		ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("approvals.History: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Action, &e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("approvals.History scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvals.History iteration: %w", err)
	}
	return entries, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Manual decisions
// ──────────────────────────────────────────────────────────────────────────────

// Approve applies the pending→approved transition on behalf of actor.
// Returns ErrNotFound for unknown requests and ErrInvalidState when the
// request already reached a terminal status.
func (s *Store) Approve(ctx context.Context, id, actor, reason string) (*ApprovalRequest, error) {
	return s.decide(ctx, id, actor, reason, StatusApproved)
}

// Reject applies the pending→rejected transition on behalf of actor. The
// free-text reason is carried through to the audit record.
func (s *Store) Reject(ctx context.Context, id, actor, reason string) (*ApprovalRequest, error) {
	return s.decide(ctx, id, actor, reason, StatusRejected)
}

// decide performs the status CAS inside a transaction so two concurrent
// decisions cannot both win.
func (s *Store) decide(ctx context.Context, id, actor, reason, status string) (*ApprovalRequest, error) {
	if actor == "" {
		return nil, fmt.Errorf("approvals.decide: actor is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("approvals.decide begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.Exec(ctx, `
		UPDATE approval_requests
		SET status = $2, resolved_by = $3, resolved_at = NOW(),
		    resolution_method = 'manual', reject_reason = $4
		WHERE id = $1 AND status = 'pending' AND expires_at > NOW()`,
		id, status, actor, rejectReason(status, reason))
	if err != nil {
		return nil, fmt.Errorf("approvals.decide update: %w", err)
	}
	if res.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		req, err := s.getRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, ErrNotFound
		}
		// An overdue pending request loses to its timeout outcome even when
		// the manual decision arrives first at this line.
		if _, err := s.ResolveTimeout(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidState
	}

	if err := insertHistoryTx(ctx, tx, id, status, &actor, reason); err != nil {
		return nil, fmt.Errorf("approvals.decide history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("approvals.decide commit: %w", err)
	}
	transitionsTotal.WithLabelValues(status).Inc()

	req, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.executor != nil && req != nil {
		s.executor.ExecuteResolved(ctx, req)
	}
	return req, nil
}

func rejectReason(status, reason string) string {
	if status == StatusRejected {
		return reason
	}
	return ""
}

// ──────────────────────────────────────────────────────────────────────────────
// Timeout resolution
// ──────────────────────────────────────────────────────────────────────────────

// ResolveTimeout applies the configured timeout outcome to an overdue
// pending request. Idempotent: racing sweeps and lazy checks produce exactly
// one transition and one history entry; later callers see a no-op.
func (s *Store) ResolveTimeout(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("approvals.ResolveTimeout begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// The WHERE status='pending' guard is the whole concurrency story: the
	// row lock serializes racing callers, exactly one sees a pending row,
	// and only that caller reaches the history insert below. Everyone else
	// matches zero rows and returns through the ErrNoRows branch.
	row := tx.QueryRow(ctx, `
		UPDATE approval_requests
		SET status = timeout_outcome, resolved_at = NOW(), resolution_method = 'auto'
		WHERE id = $1 AND status = 'pending' AND expires_at <= NOW()
		RETURNING status`, id)

	var outcome string
	err = row.Scan(&outcome)
	if err == pgx.ErrNoRows {
		// Already resolved, still live, or unknown: nothing to do.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("approvals.ResolveTimeout update: %w", err)
	}

	if err := insertHistoryTx(ctx, tx, id, outcome, nil, timeoutReason); err != nil {
		return false, fmt.Errorf("approvals.ResolveTimeout history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("approvals.ResolveTimeout commit: %w", err)
	}
	transitionsTotal.WithLabelValues(outcome).Inc()

	if s.executor != nil {
		if req, err := s.getRequest(ctx, id); err == nil && req != nil {
			s.executor.ExecuteResolved(ctx, req)
		}
	}
	return true, nil
}

// SweepExpired resolves up to limit overdue pending requests. Used by the
// background sweep; safe to run concurrently with lazy checks.
func (s *Store) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM approval_requests
		WHERE status = 'pending' AND expires_at <= NOW()
		ORDER BY expires_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return 0, fmt.Errorf("approvals.SweepExpired: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("approvals.SweepExpired scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("approvals.SweepExpired iteration: %w", err)
	}

	resolved := 0
	for _, id := range ids {
		ok, err := s.ResolveTimeout(ctx, id)
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

// resolveDue applies lazy expiry to pending requests matching a list filter
// before the listing query runs.
func (s *Store) resolveDue(ctx context.Context, f ListFilter) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM approval_requests
		WHERE owner_id = $1 AND status = 'pending' AND expires_at <= NOW()
		  AND ($2 = '' OR id = $2)
		  AND ($3 = '' OR automation_id = $3)`,
		f.OwnerID, f.RequestID, f.AutomationID)
	if err != nil {
		return fmt.Errorf("approvals.resolveDue: %w", err)
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("approvals.resolveDue scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("approvals.resolveDue iteration: %w", err)
	}

	for _, id := range ids {
		if _, err := s.ResolveTimeout(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func (s *Store) getRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM approval_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approvals.getRequest: %w", err)
	}
	return req, nil
}

func scanRequest(row pgx.Row) (*ApprovalRequest, error) {
	var req ApprovalRequest
	var previewJSON []byte
	err := row.Scan(
		&req.ID, &req.AutomationID, &req.RunID, &req.OwnerID, &req.Status,
		&req.TriggerData, &previewJSON, &req.RequestedBy,
		&req.CreatedAt, &req.ExpiresAt, &req.TimeoutOutcome,
		&req.ResolvedBy, &req.ResolvedAt, &req.ResolutionMethod, &req.RejectReason,
	)
	if err != nil {
		return nil, err
	}
	if len(previewJSON) > 0 {
		if err := json.Unmarshal(previewJSON, &req.ActionsPreview); err != nil {
			return nil, fmt.Errorf("unmarshal actions preview: %w", err)
		}
	}
	return &req, nil
}

func insertHistoryTx(ctx context.Context, tx pgx.Tx, requestID, action string, actor *string, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO approval_history (id, request_id, action, actor, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.NewString(), requestID, action, actor, reason, time.Now().UTC())
	return err
}
