package snapshot

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"testing"
	"time"

	"github.com/SiriusScan/code-audit/sirius/store"
)

// MockKVStore is a simple in-memory implementation of KVStore for testing
type MockKVStore struct {
	data map[string]string
}

func NewMockKVStore() *MockKVStore {
	return &MockKVStore{
		data: make(map[string]string),
	}
}

func (m *MockKVStore) SetValue(ctx context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *MockKVStore) SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error {
	m.data[key] = value
	return nil
}

func (m *MockKVStore) GetValue(ctx context.Context, key string) (store.ValkeyResponse, error) {
	value, exists := m.data[key]
	if !exists {
		return store.ValkeyResponse{}, fmt.Errorf("key '%s': %w", key, store.ErrKeyNotFound)
	}
	return store.ValkeyResponse{
		Message: store.ValkeyValue{Value: value},
	}, nil
}

func (m *MockKVStore) GetTTL(ctx context.Context, key string) (int, error) {
	return -1, nil // Mock always returns -1 (no expiry)
}

func (m *MockKVStore) SetExpire(ctx context.Context, key string, ttlSeconds int) error {
	return nil
}

func (m *MockKVStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	for key := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MockKVStore) DeleteValue(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *MockKVStore) Incr(ctx context.Context, key string) (int64, error) {
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MockKVStore) SetNX(ctx context.Context, key, value string, ttlSeconds int) (bool, error) {
	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *MockKVStore) Close() error {
	return nil
}

func testSnapshot(projectID, taskID string, ts time.Time) *store.ScanSnapshot {
	return &store.ScanSnapshot{
		SnapshotID: taskID,
		ProjectID:  projectID,
		Timestamp:  ts,
		Counts:     store.FindingCounts{Total: 10, High: 4, Medium: 6},
		Diff:       store.DiffCounts{New: 2, Fixed: 1, Recurring: 8, NetRiskScore: 52},
	}
}

func TestSnapshotManagerSaveAndRetrieve(t *testing.T) {
	t.Log("\n🔍 Testing SnapshotManager save and retrieve...")

	mockStore := NewMockKVStore()
	manager := NewSnapshotManager(mockStore)
	ctx := context.Background()

	snap := testSnapshot("proj-1", "task-1", time.Now().UTC())
	if err := manager.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("❌ Failed to save snapshot: %v", err)
	}

	if _, ok := mockStore.data["scan:snapshot:proj-1:task-1"]; !ok {
		t.Fatalf("❌ Snapshot not stored under the project key")
	}

	retrieved, err := manager.GetSnapshot(ctx, "proj-1", "task-1")
	if err != nil {
		t.Fatalf("❌ Failed to retrieve snapshot: %v", err)
	}

	// Verify data integrity
	if retrieved.Counts.Total != snap.Counts.Total {
		t.Errorf("❌ Total count mismatch: expected %d, got %d", snap.Counts.Total, retrieved.Counts.Total)
	}
	if retrieved.Diff.NetRiskScore != 52 {
		t.Errorf("❌ Net risk score mismatch: got %v", retrieved.Diff.NetRiskScore)
	}

	if _, err := manager.GetSnapshot(ctx, "proj-2", "task-1"); err == nil {
		t.Errorf("❌ Expected snapshots to be scoped per project")
	}

	t.Log("\n✅ SnapshotManager save and retrieve test passed")
}

func TestSnapshotManagerListSnapshots(t *testing.T) {
	t.Log("\n🔍 Testing SnapshotManager list snapshots...")

	mockStore := NewMockKVStore()
	manager := NewSnapshotManager(mockStore)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "c", "a"} {
		if err := manager.SaveSnapshot(ctx, testSnapshot("proj-1", id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("❌ Failed to save snapshot: %v", err)
		}
	}
	manager.SaveSnapshot(ctx, testSnapshot("proj-other", "z", base))

	snapshots, err := manager.ListSnapshots(ctx, "proj-1")
	if err != nil {
		t.Fatalf("❌ Failed to list snapshots: %v", err)
	}

	if len(snapshots) != 3 {
		t.Fatalf("❌ Expected 3 snapshots, got %d", len(snapshots))
	}

	// Most recent first, regardless of id order
	if snapshots[0].SnapshotID != "a" || snapshots[2].SnapshotID != "b" {
		t.Errorf("❌ Snapshots not sorted by time: %s, %s, %s",
			snapshots[0].SnapshotID, snapshots[1].SnapshotID, snapshots[2].SnapshotID)
	}

	latest, err := manager.GetLatestSnapshot(ctx, "proj-1")
	if err != nil || latest.SnapshotID != "a" {
		t.Errorf("❌ Expected latest snapshot a, got %v (err %v)", latest, err)
	}

	t.Log("\n✅ SnapshotManager list snapshots test passed")
}

func TestSnapshotManagerCleanup(t *testing.T) {
	t.Log("\n🔍 Testing SnapshotManager cleanup...")

	mockStore := NewMockKVStore()
	manager := NewSnapshotManager(mockStore)
	ctx := context.Background()

	// Save 12 snapshots (more than the 10 limit); SaveSnapshot trims as it goes
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 12; i++ {
		snap := testSnapshot("proj-1", fmt.Sprintf("task-%02d", i), base.AddDate(0, 0, i))
		if err := manager.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("❌ Failed to save snapshot: %v", err)
		}
	}

	snapshots, err := manager.ListSnapshots(ctx, "proj-1")
	if err != nil {
		t.Fatalf("❌ Failed to list snapshots after cleanup: %v", err)
	}

	if len(snapshots) != MaxSnapshots {
		t.Errorf("❌ Expected %d snapshots after cleanup, got %d", MaxSnapshots, len(snapshots))
	}

	// The two oldest are gone
	for _, id := range []string{"task-01", "task-02"} {
		if _, err := manager.GetSnapshot(ctx, "proj-1", id); err == nil {
			t.Errorf("❌ Expected %s to be cleaned up", id)
		}
	}

	trend, err := manager.GetTrendData(ctx, "proj-1", 3)
	if err != nil {
		t.Fatalf("❌ Failed to get trend data: %v", err)
	}
	if len(trend) != 3 || trend[0].SnapshotID != "task-12" {
		t.Errorf("❌ Unexpected trend data: %d snapshots", len(trend))
	}

	t.Log("\n✅ SnapshotManager cleanup test passed")
}
