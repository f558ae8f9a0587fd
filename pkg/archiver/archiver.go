// Package archiver bundles verified execution-log chain segments into
// object storage, per automation, advancing a checkpoint as it goes.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/pkg/execlog"
)

type LogStore interface {
	GetArchiveCheckpoint(context.Context, string) (string, int64, error)
	GetChainRecords(context.Context, string, int64) ([]execlog.ChainRecord, error)
	UpsertArchiveCheckpoint(context.Context, string, string, int64) error
	ListAutomationIDs(context.Context) ([]string, error)
}

type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

type Service struct {
	store    LogStore
	uploader Uploader
}

func New(store LogStore, uploader Uploader) *Service {
	return &Service{store: store, uploader: uploader}
}

type Bundle struct {
	AutomationID string                `json:"automation_id"`
	CreatedAt    time.Time             `json:"created_at"`
	RecordCount  int                   `json:"record_count"`
	Checkpoint   string                `json:"checkpoint_hash"`
	Until        time.Time             `json:"until"`
	ChainRecords []execlog.ChainRecord `json:"chain_records"`
}

// ArchiveAutomation verifies and uploads the chain segment appended since
// the last checkpoint. A broken chain aborts the upload: nothing moves to
// storage unless the segment links back to the checkpoint hash. Returns the
// object key, or "" when there is nothing new.
func (s *Service) ArchiveAutomation(ctx context.Context, automationID string) (string, error) {
	lastHash, lastSeq, err := s.store.GetArchiveCheckpoint(ctx, automationID)
	if err != nil {
		return "", err
	}
	records, err := s.store.GetChainRecords(ctx, automationID, lastSeq)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	if err := execlog.VerifyChainFrom(lastHash, records); err != nil {
		return "", fmt.Errorf("verify chain: %w", err)
	}

	last := records[len(records)-1]
	now := time.Now().UTC()
	bundle := Bundle{
		AutomationID: automationID,
		CreatedAt:    now,
		RecordCount:  len(records),
		Checkpoint:   last.Hash,
		Until:        last.StartedAt,
		ChainRecords: records,
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	key := fmt.Sprintf("execlog/%s/%04d/%02d/%02d/%s.json", automationID, now.Year(), now.Month(), now.Day(), last.Hash)
	if err := s.uploader.Upload(ctx, key, body); err != nil {
		return "", err
	}
	if err := s.store.UpsertArchiveCheckpoint(ctx, automationID, last.Hash, last.Seq); err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveAll runs one archive pass over every automation with log entries.
func (s *Service) ArchiveAll(ctx context.Context) (int, error) {
	ids, err := s.store.ListAutomationIDs(ctx)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, id := range ids {
		key, err := s.ArchiveAutomation(ctx, id)
		if err != nil {
			return archived, fmt.Errorf("archive %s: %w", id, err)
		}
		if key != "" {
			archived++
		}
	}
	return archived, nil
}
