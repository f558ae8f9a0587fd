package execlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/flowgate/flowgate/pkg/types"
)

const (
	maxWriteTries        = 3
	initialRetryInterval = 100 * time.Millisecond
)

// recorderStore is the subset of Store the recorder needs.
type recorderStore interface {
	Open(ctx context.Context, in OpenInput) (*ExecutionLog, error)
	Close(ctx context.Context, logID, status string, result *types.ExecutionResult) error
}

// Recorder wraps the store with structured logging and bounded retries for
// transient connectivity errors. Business-logic rejections are never retried.
// A missing log entry must never block accepting a legitimate event, so Open
// degrades to a telemetry report instead of failing the ingestion.
type Recorder struct {
	store recorderStore
	log   *slog.Logger
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store recorderStore, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// Open creates a running entry, retrying transient failures. When the store
// stays unreachable it returns a detached entry with Seq 0 so the caller can
// continue; the loss is reported, not propagated.
func (r *Recorder) Open(ctx context.Context, in OpenInput) (*ExecutionLog, error) {
	entry, err := backoff.Retry(ctx, func() (*ExecutionLog, error) {
		return r.store.Open(ctx, in)
	}, retryOpts()...)
	if err != nil {
		r.log.ErrorContext(ctx, "execution log open failed, continuing without durable entry",
			"automation_id", in.AutomationID,
			"error", err,
		)
		return &ExecutionLog{
			ID:           uuid.NewString(),
			AutomationID: in.AutomationID,
			OwnerID:      in.OwnerID,
			Status:       StatusRunning,
			Trigger:      in.Trigger,
			StartedAt:    time.Now().UTC(),
		}, nil
	}

	r.log.InfoContext(ctx, "execution log opened",
		"log_id", entry.ID,
		"automation_id", entry.AutomationID,
		"seq", entry.Seq,
		"hash", entry.Hash,
	)
	return entry, nil
}

// Close applies the terminal transition, retrying transient failures. An
// ErrNotRunning result is permanent and surfaces to the caller.
func (r *Recorder) Close(ctx context.Context, logID, status string, result *types.ExecutionResult) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.store.Close(ctx, logID, status, result)
		if errors.Is(err, ErrNotRunning) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, retryOpts()...)
	if err != nil {
		r.log.ErrorContext(ctx, "execution log close failed",
			"log_id", logID,
			"status", status,
			"error", err,
		)
		return err
	}

	r.log.InfoContext(ctx, "execution log closed", "log_id", logID, "status", status)
	return nil
}

func retryOpts() []backoff.RetryOption {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxWriteTries),
	}
}
