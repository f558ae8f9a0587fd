// Package execlog records every webhook trigger attempt and its outcome as an
// append-only, hash-chained audit trail.
package execlog

import (
	"errors"
	"time"

	"github.com/flowgate/flowgate/pkg/types"
)

// Execution log status values. "running" is the only non-terminal status; a
// log entry makes exactly one transition to success or failed.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ErrNotRunning is returned when closing a log entry that already reached a
// terminal status. Never retried.
var ErrNotRunning = errors.New("execution log entry is not running")

// ExecutionLog is one ingestion attempt. Append-only after creation except
// for the single terminal transition; the gateway never deletes entries.
type ExecutionLog struct {
	ID           string                 `json:"id"`
	AutomationID string                 `json:"automation_id"`
	OwnerID      string                 `json:"owner_id"`
	Status       string                 `json:"status"`
	Trigger      types.TriggerSnapshot  `json:"trigger"`
	Result       *types.ExecutionResult `json:"result,omitempty"`

	// Seq orders entries per automation for chain verification and archival.
	Seq      int64  `json:"seq"`
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OpenInput creates a running entry.
type OpenInput struct {
	AutomationID string
	OwnerID      string
	Trigger      types.TriggerSnapshot
}

// ChainRecord is the minimal shape needed for chain verification and
// archival bundles.
type ChainRecord struct {
	LogID        string    `json:"log_id"`
	Seq          int64     `json:"seq"`
	Hash         string    `json:"hash"`
	CanonTrigger []byte    `json:"canon_trigger"`
	StartedAt    time.Time `json:"started_at"`
}
