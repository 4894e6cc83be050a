package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/SiriusScan/code-audit/sirius/store"
)

// MaxSnapshots is how many snapshots are kept per project.
const MaxSnapshots = 10

// SnapshotManager handles per-project scan snapshot storage and retention.
type SnapshotManager struct {
	kvStore store.KVStore
}

// NewSnapshotManager creates a new SnapshotManager instance
func NewSnapshotManager(kvStore store.KVStore) *SnapshotManager {
	return &SnapshotManager{kvStore: kvStore}
}

func snapshotKey(projectID, snapshotID string) string {
	return fmt.Sprintf("scan:snapshot:%s:%s", projectID, snapshotID)
}

// SaveSnapshot stores the snapshot and trims the project's history.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snapshot *store.ScanSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := sm.kvStore.SetValue(ctx, snapshotKey(snapshot.ProjectID, snapshot.SnapshotID), string(data)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	// Cleanup old snapshots after creating new one
	if err := sm.CleanupOldSnapshots(ctx, snapshot.ProjectID); err != nil {
		// Log but don't fail on cleanup error
		slog.Warn("Failed to cleanup old snapshots", "project_id", snapshot.ProjectID, "error", err)
	}
	return nil
}

// GetSnapshot retrieves a specific snapshot of a project.
func (sm *SnapshotManager) GetSnapshot(ctx context.Context, projectID, snapshotID string) (*store.ScanSnapshot, error) {
	resp, err := sm.kvStore.GetValue(ctx, snapshotKey(projectID, snapshotID))
	if err != nil {
		return nil, fmt.Errorf("snapshot not found for ID %s: %w", snapshotID, err)
	}

	var snapshot store.ScanSnapshot
	if err := json.Unmarshal([]byte(resp.Message.Value), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// ListSnapshots returns every stored snapshot of a project, most recent first.
func (sm *SnapshotManager) ListSnapshots(ctx context.Context, projectID string) ([]*store.ScanSnapshot, error) {
	keys, err := sm.kvStore.ListKeys(ctx, snapshotKey(projectID, "*"))
	if err != nil {
		return nil, err
	}

	snapshots := make([]*store.ScanSnapshot, 0, len(keys))
	for _, key := range keys {
		resp, err := sm.kvStore.GetValue(ctx, key)
		if err != nil {
			// Expired or deleted between KEYS and GET
			continue
		}
		var s store.ScanSnapshot
		if err := json.Unmarshal([]byte(resp.Message.Value), &s); err != nil {
			slog.Warn("Skipping unreadable snapshot", "key", key, "error", err)
			continue
		}
		snapshots = append(snapshots, &s)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// GetTrendData returns up to limit recent snapshots (at most MaxSnapshots).
func (sm *SnapshotManager) GetTrendData(ctx context.Context, projectID string, limit int) ([]*store.ScanSnapshot, error) {
	if limit <= 0 || limit > MaxSnapshots {
		limit = MaxSnapshots
	}
	snapshots, err := sm.ListSnapshots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots, nil
}

// CleanupOldSnapshots keeps only the MaxSnapshots most recent snapshots.
func (sm *SnapshotManager) CleanupOldSnapshots(ctx context.Context, projectID string) error {
	snapshots, err := sm.ListSnapshots(ctx, projectID)
	if err != nil {
		return err
	}
	if len(snapshots) <= MaxSnapshots {
		return nil
	}

	for _, s := range snapshots[MaxSnapshots:] {
		key := snapshotKey(projectID, s.SnapshotID)
		if err := sm.kvStore.DeleteValue(ctx, key); err != nil {
			// Log but continue cleanup
			slog.Warn("Failed to delete old snapshot", "key", key, "error", err)
		}
	}
	return nil
}

// GetLatestSnapshot retrieves the most recent snapshot of a project.
func (sm *SnapshotManager) GetLatestSnapshot(ctx context.Context, projectID string) (*store.ScanSnapshot, error) {
	snapshots, err := sm.ListSnapshots(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("no snapshots available for project %s", projectID)
	}
	return snapshots[0], nil
}
