package execlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowgate/flowgate/pkg/types"
)

// Store persists execution logs in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an execution log store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ──────────────────────────────────────────────────────────────────────────────
// Write path
// ──────────────────────────────────────────────────────────────────────────────

// Open inserts a running entry. A per-automation advisory lock serialises
// hash-chain appends so concurrent ingestions cannot fork the chain.
func (s *Store) Open(ctx context.Context, in OpenInput) (*ExecutionLog, error) {
	if in.AutomationID == "" || in.OwnerID == "" {
		return nil, fmt.Errorf("execlog.Open: automation_id and owner_id are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("execlog.Open begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	lockID := automationLockID(in.AutomationID)
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return nil, fmt.Errorf("execlog.Open advisory lock: %w", err)
	}

	prevHash, err := lastHashTx(ctx, tx, in.AutomationID)
	if err != nil {
		return nil, fmt.Errorf("execlog.Open last hash: %w", err)
	}

	canonTrigger, err := CanonicalJSON(in.Trigger)
	if err != nil {
		return nil, fmt.Errorf("execlog.Open canonical trigger: %w", err)
	}
	triggerJSON, err := json.Marshal(in.Trigger)
	if err != nil {
		return nil, fmt.Errorf("execlog.Open marshal trigger: %w", err)
	}

	entry := &ExecutionLog{
		ID:           uuid.NewString(),
		AutomationID: in.AutomationID,
		OwnerID:      in.OwnerID,
		Status:       StatusRunning,
		Trigger:      in.Trigger,
		PrevHash:     prevHash,
		Hash:         ChainHash(prevHash, canonTrigger),
		StartedAt:    time.Now().UTC(),
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO execution_logs (
			id, automation_id, owner_id, status,
			trigger_snapshot, canon_trigger,
			hash, prev_hash, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING seq`,
		entry.ID, entry.AutomationID, entry.OwnerID, entry.Status,
		triggerJSON, canonTrigger,
		entry.Hash, entry.PrevHash, entry.StartedAt,
	)
	if err := row.Scan(&entry.Seq); err != nil {
		return nil, fmt.Errorf("execlog.Open insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("execlog.Open commit: %w", err)
	}
	return entry, nil
}

// Close applies the single terminal transition. Returns ErrNotRunning when
// the entry was already closed, which callers must not retry.
func (s *Store) Close(ctx context.Context, logID, status string, result *types.ExecutionResult) error {
	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("execlog.Close: %q is not a terminal status", status)
	}
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("execlog.Close marshal result: %w", err)
		}
	}

	res, err := s.pool.Exec(ctx, `
		UPDATE execution_logs
		SET status = $2, result = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		logID, status, resultJSON)
	if err != nil {
		return fmt.Errorf("execlog.Close: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("execlog.Close %s: %w", logID, ErrNotRunning)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Read path
// ──────────────────────────────────────────────────────────────────────────────

// Get retrieves a single log entry scoped to its owner. Returns nil when the
// entry does not exist or belongs to someone else.
func (s *Store) Get(ctx context.Context, ownerID, logID string) (*ExecutionLog, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, automation_id, owner_id, status, trigger_snapshot, result,
		       seq, hash, prev_hash, started_at, completed_at
		FROM execution_logs
		WHERE id = $1 AND owner_id = $2`, logID, ownerID)

	entry, err := scanLog(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("execlog.Get: %w", err)
	}
	return entry, nil
}

const defaultListLimit = 200

// List returns an owner's log entries, newest first, optionally filtered by
// automation.
func (s *Store) List(ctx context.Context, ownerID, automationID string, limit, offset int) ([]ExecutionLog, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, automation_id, owner_id, status, trigger_snapshot, result,
		       seq, hash, prev_hash, started_at, completed_at
		FROM execution_logs
		WHERE owner_id = $1 AND ($2 = '' OR automation_id = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`, ownerID, automationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("execlog.List: %w", err)
	}
	defer rows.Close()

	out := make([]ExecutionLog, 0)
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("execlog.List scan: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execlog.List iteration: %w", err)
	}
	return out, nil
}

// GetChainRecords returns records after sinceSeq in sequence order for chain
// verification and archival.
func (s *Store) GetChainRecords(ctx context.Context, automationID string, sinceSeq int64) ([]ChainRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, seq, hash, canon_trigger, started_at
		FROM execution_logs
		WHERE automation_id = $1 AND seq > $2
		ORDER BY seq ASC`, automationID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("execlog.GetChainRecords: %w", err)
	}
	defer rows.Close()

	var records []ChainRecord
	for rows.Next() {
		var rec ChainRecord
		if err := rows.Scan(&rec.LogID, &rec.Seq, &rec.Hash, &rec.CanonTrigger, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("execlog.GetChainRecords scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execlog.GetChainRecords iteration: %w", err)
	}
	return records, nil
}

// ListAutomationIDs returns the distinct automations with log entries.
func (s *Store) ListAutomationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT automation_id FROM execution_logs`)
	if err != nil {
		return nil, fmt.Errorf("execlog.ListAutomationIDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("execlog.ListAutomationIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execlog.ListAutomationIDs iteration: %w", err)
	}
	return ids, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Archive checkpoints
// ──────────────────────────────────────────────────────────────────────────────

// GetArchiveCheckpoint returns the last archived hash and sequence for an
// automation; zero values for a fresh chain.
func (s *Store) GetArchiveCheckpoint(ctx context.Context, automationID string) (lastHash string, lastSeq int64, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT last_hash, last_seq FROM archive_checkpoints WHERE automation_id = $1`, automationID)
	err = row.Scan(&lastHash, &lastSeq)
	if err == pgx.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("execlog.GetArchiveCheckpoint: %w", err)
	}
	return lastHash, lastSeq, nil
}

// UpsertArchiveCheckpoint records archival progress for an automation.
func (s *Store) UpsertArchiveCheckpoint(ctx context.Context, automationID, lastHash string, lastSeq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archive_checkpoints (automation_id, last_hash, last_seq, archived_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (automation_id)
		DO UPDATE SET last_hash = $2, last_seq = $3, archived_at = NOW()`,
		automationID, lastHash, lastSeq)
	if err != nil {
		return fmt.Errorf("execlog.UpsertArchiveCheckpoint: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func lastHashTx(ctx context.Context, tx pgx.Tx, automationID string) (string, error) {
	row := tx.QueryRow(ctx, `
		SELECT hash FROM execution_logs
		WHERE automation_id = $1
		ORDER BY seq DESC LIMIT 1`, automationID)

	var h string
	err := row.Scan(&h)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return h, err
}

func scanLog(row pgx.Row) (*ExecutionLog, error) {
	var entry ExecutionLog
	var triggerJSON, resultJSON []byte
	err := row.Scan(
		&entry.ID, &entry.AutomationID, &entry.OwnerID, &entry.Status,
		&triggerJSON, &resultJSON,
		&entry.Seq, &entry.Hash, &entry.PrevHash,
		&entry.StartedAt, &entry.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &entry.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger snapshot: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		entry.Result = &types.ExecutionResult{}
		if err := json.Unmarshal(resultJSON, entry.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &entry, nil
}

// automationLockID produces a deterministic int64 advisory-lock ID from an
// automation ID string.
func automationLockID(automationID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(automationID))
	b := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(b))
}
