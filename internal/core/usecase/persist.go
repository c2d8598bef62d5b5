package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/kirillkom/statsrag/internal/core/ports"
)

// SnapshotPersister writes and restores the live index through object
// storage under index/<model>.snap and announces fresh snapshots.
type SnapshotPersister struct {
	storage ports.ObjectStorage
	index   ports.VectorIndex
	events  ports.IndexEventPublisher
}

func NewSnapshotPersister(storage ports.ObjectStorage, index ports.VectorIndex, events ports.IndexEventPublisher) *SnapshotPersister {
	return &SnapshotPersister{storage: storage, index: index, events: events}
}

func SnapshotKey(modelID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '@':
			return r
		default:
			return '_'
		}
	}, modelID)
	return "index/" + safe + ".snap"
}

// Persist stores the live index and publishes index.updated. A failed
// announcement is logged; replicas pick the snapshot up on restart.
func (p *SnapshotPersister) Persist(ctx context.Context) error {
	status := p.index.Status()
	var buf bytes.Buffer
	if err := p.index.WriteSnapshot(&buf); err != nil {
		return fmt.Errorf("encode index snapshot: %w", err)
	}
	key := SnapshotKey(status.ModelID)
	if err := p.storage.Save(ctx, key, &buf); err != nil {
		return fmt.Errorf("save index snapshot: %w", err)
	}
	slog.Info("index_snapshot_saved", "key", key, "model_id", status.ModelID, "total_chunks", status.TotalChunks)

	if p.events != nil {
		if err := p.events.PublishIndexUpdated(ctx, status.ModelID); err != nil {
			slog.Warn("index_update_publish_failed", "model_id", status.ModelID, "error", err)
		}
	}
	return nil
}

// Load restores the snapshot for modelID. A missing snapshot leaves the
// index unloaded and is not an error.
func (p *SnapshotPersister) Load(ctx context.Context, modelID string) (bool, error) {
	key := SnapshotKey(modelID)
	rc, err := p.storage.Open(ctx, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("index_snapshot_missing", "key", key, "model_id", modelID)
			return false, nil
		}
		return false, fmt.Errorf("open index snapshot: %w", err)
	}
	defer rc.Close()

	if err := p.index.LoadSnapshot(rc, modelID); err != nil {
		return false, fmt.Errorf("load index snapshot %s: %w", key, err)
	}
	status := p.index.Status()
	slog.Info("index_snapshot_loaded", "key", key, "model_id", status.ModelID,
		"total_chunks", status.TotalChunks, "built_at", status.BuiltAt)
	return true, nil
}
