// Package automations provides the data model, storage, and management
// handlers for trigger/action automations.
package automations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowgate/flowgate/pkg/types"
)

// ErrNotFound is returned by mutating store operations when the target
// automation does not exist for the given owner.
var ErrNotFound = errors.New("automation not found")

// Store manages automations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new automation store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const automationColumns = `
	id, owner_id, name, status,
	trigger_service, trigger_event, actions, connections,
	webhook_id, webhook_secret,
	require_approval, approval_timeout_ms, approval_recipients, auto_execute_on_timeout,
	created_at, updated_at`

// ──────────────────────────────────────────────────────────────────────────────
// Webhook resolution (gateway hot path)
// ──────────────────────────────────────────────────────────────────────────────

// ResolveWebhook resolves the unique active automation owning a webhook
// identity. Returns nil for unknown identities and for paused automations
// alike; callers must not distinguish the two. No side effects.
func (s *Store) ResolveWebhook(ctx context.Context, webhookID string) (*types.Automation, error) {
	if webhookID == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+automationColumns+`
		FROM automations
		WHERE webhook_id = $1 AND status = 'active'`, webhookID)

	a, err := scanAutomation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("automations.ResolveWebhook: %w", err)
	}
	return a, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// CRUD
// ──────────────────────────────────────────────────────────────────────────────

// Create inserts a new automation. The caller assigns webhook identity and
// secret for webhook-triggered automations before calling.
func (s *Store) Create(ctx context.Context, a *types.Automation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	actionsJSON, err := marshalActions(a.Actions)
	if err != nil {
		return fmt.Errorf("automations.Create: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO automations (
			id, owner_id, name, status,
			trigger_service, trigger_event, actions, connections,
			webhook_id, webhook_secret,
			require_approval, approval_timeout_ms, approval_recipients, auto_execute_on_timeout,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		a.ID, a.OwnerID, a.Name, a.Status,
		a.Trigger.Service, a.Trigger.Event, actionsJSON, a.Connections,
		nullable(a.WebhookID), a.WebhookSecret,
		a.RequireApproval, a.ApprovalTimeoutMS, a.ApprovalRecipients, a.AutoExecuteOnTimeout,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("automations.Create insert: %w", err)
	}
	return nil
}

// Get fetches a single automation scoped to its owner. Returns nil when the
// automation does not exist or belongs to someone else.
func (s *Store) Get(ctx context.Context, ownerID, id string) (*types.Automation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+automationColumns+`
		FROM automations
		WHERE id = $1 AND owner_id = $2`, id, ownerID)

	a, err := scanAutomation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("automations.Get: %w", err)
	}
	return a, nil
}

// GetByID fetches an automation without owner scoping. Internal callers only.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Automation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+automationColumns+`
		FROM automations WHERE id = $1`, id)

	a, err := scanAutomation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("automations.GetByID: %w", err)
	}
	return a, nil
}

// List returns all automations owned by ownerID, newest first.
func (s *Store) List(ctx context.Context, ownerID string) ([]types.Automation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+automationColumns+`
		FROM automations
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("automations.List: %w", err)
	}
	defer rows.Close()

	out := make([]types.Automation, 0)
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("automations.List scan: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("automations.List iteration: %w", err)
	}
	return out, nil
}

// Update edits an automation in place. Status is owned by pause/resume and
// always carries over from the stored row. The webhook identity is immutable
// while the trigger stays webhook-based; switching the trigger TO webhook
// mints a fresh identity and secret, switching away clears both. All of this
// is enforced here, inside the transaction, regardless of what the caller
// supplies. On return a.WebhookSecret is set only when a secret was minted
// by this call; a preserved secret is never echoed back.
func (s *Store) Update(ctx context.Context, a *types.Automation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("automations.Update begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx, `
		SELECT status, trigger_service, webhook_id, webhook_secret
		FROM automations
		WHERE id = $1 AND owner_id = $2
		FOR UPDATE`, a.ID, a.OwnerID)

	var curStatus, curService string
	var curWebhookID, curSecret *string
	if err := row.Scan(&curStatus, &curService, &curWebhookID, &curSecret); err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("automations.Update fetch: %w", err)
	}

	a.Status = curStatus

	var storedSecret string
	a.WebhookSecret = ""
	if a.IsWebhookTriggered() {
		if curService == types.TriggerServiceWebhook && curWebhookID != nil {
			a.WebhookID = *curWebhookID
			if curSecret != nil {
				storedSecret = *curSecret
			}
		} else {
			a.WebhookID = uuid.NewString()
			a.WebhookSecret = newSecret()
			storedSecret = a.WebhookSecret
		}
	} else {
		a.WebhookID = ""
	}

	if err := a.Validate(); err != nil {
		return err
	}
	actionsJSON, err := marshalActions(a.Actions)
	if err != nil {
		return fmt.Errorf("automations.Update: %w", err)
	}
	a.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE automations SET
			name = $3, status = $4,
			trigger_service = $5, trigger_event = $6, actions = $7, connections = $8,
			webhook_id = $9, webhook_secret = $10,
			require_approval = $11, approval_timeout_ms = $12,
			approval_recipients = $13, auto_execute_on_timeout = $14,
			updated_at = $15
		WHERE id = $1 AND owner_id = $2`,
		a.ID, a.OwnerID,
		a.Name, a.Status,
		a.Trigger.Service, a.Trigger.Event, actionsJSON, a.Connections,
		nullable(a.WebhookID), storedSecret,
		a.RequireApproval, a.ApprovalTimeoutMS,
		a.ApprovalRecipients, a.AutoExecuteOnTimeout,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("automations.Update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("automations.Update commit: %w", err)
	}
	return nil
}

// SetStatus pauses or resumes an automation.
func (s *Store) SetStatus(ctx context.Context, ownerID, id, status string) error {
	if status != types.AutomationActive && status != types.AutomationPaused {
		return fmt.Errorf("automations.SetStatus: invalid status %q", status)
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE automations SET status = $3, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2`, id, ownerID, status)
	if err != nil {
		return fmt.Errorf("automations.SetStatus: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an automation. Execution logs and approval history survive
// the automation; retention of those is managed externally.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	res, err := s.pool.Exec(ctx, `
		DELETE FROM automations WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("automations.Delete: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func scanAutomation(row pgx.Row) (*types.Automation, error) {
	var a types.Automation
	var actionsJSON []byte
	var webhookID, webhookSecret *string
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.Name, &a.Status,
		&a.Trigger.Service, &a.Trigger.Event, &actionsJSON, &a.Connections,
		&webhookID, &webhookSecret,
		&a.RequireApproval, &a.ApprovalTimeoutMS, &a.ApprovalRecipients, &a.AutoExecuteOnTimeout,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if webhookID != nil {
		a.WebhookID = *webhookID
	}
	if webhookSecret != nil {
		a.WebhookSecret = *webhookSecret
	}
	if len(actionsJSON) > 0 {
		if err := unmarshalActions(actionsJSON, &a.Actions); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// nullable keeps the unique index on webhook_id from tripping over empty
// strings for non-webhook automations.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
