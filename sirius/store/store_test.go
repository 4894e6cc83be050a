package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreIncrAndSetNX(t *testing.T) {
	t.Log("\n🔍 Testing in-memory store counters and SET NX...")

	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("❌ Incr failed: %v", err)
		}
		if got != want {
			t.Errorf("❌ Incr = %d, want %d", got, want)
		}
	}

	ok, err := s.SetNX(ctx, "lock", "a", 60)
	if err != nil || !ok {
		t.Fatalf("❌ first SetNX should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock", "b", 60)
	if err != nil || ok {
		t.Fatalf("❌ second SetNX should not overwrite: ok=%v err=%v", ok, err)
	}

	resp, err := s.GetValue(ctx, "lock")
	if err != nil || resp.Message.Value != "a" {
		t.Errorf("❌ expected lock=a, got %q (err %v)", resp.Message.Value, err)
	}

	_, err = s.GetValue(ctx, "missing")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("❌ expected ErrKeyNotFound, got %v", err)
	}

	t.Log("✅ Counters and SET NX behave like valkey")
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore().(*memoryStore)
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.SetValueWithTTL(ctx, "k", "v", 10); err != nil {
		t.Fatal(err)
	}
	now = now.Add(11 * time.Second)
	if _, err := m.GetValue(ctx, "k"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("❌ expected key to expire, got %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Log("\n🔍 Testing API key store, validate and deactivate...")

	s := NewMemoryStore()
	ctx := context.Background()

	raw, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("❌ GenerateAPIKey failed: %v", err)
	}
	meta, err := StoreAPIKey(ctx, s, raw, "ci", "tenant-1", "user-1", "test")
	if err != nil {
		t.Fatalf("❌ StoreAPIKey failed: %v", err)
	}
	if meta.ID != HashKey(raw) || !meta.Active {
		t.Fatalf("❌ unexpected metadata: %+v", meta)
	}

	other, _ := GenerateAPIKey()
	if _, err := StoreAPIKey(ctx, s, other, "laptop", "tenant-1", "user-2", "test"); err != nil {
		t.Fatal(err)
	}

	got, err := ValidateAPIKey(ctx, s, raw)
	if err != nil {
		t.Fatalf("❌ ValidateAPIKey failed: %v", err)
	}
	if got.TenantID != "tenant-1" || got.LastUsedAt == "" {
		t.Errorf("❌ unexpected validated metadata: %+v", got)
	}

	owned, err := ListUserAPIKeys(ctx, s, "user-1")
	if err != nil || len(owned) != 1 {
		t.Fatalf("❌ expected one key for user-1, got %d (err %v)", len(owned), err)
	}

	if err := DeactivateAPIKey(ctx, s, meta.ID); err != nil {
		t.Fatalf("❌ DeactivateAPIKey failed: %v", err)
	}
	if _, err := ValidateAPIKey(ctx, s, raw); !errors.Is(err, ErrAPIKeyInactive) {
		t.Errorf("❌ expected ErrAPIKeyInactive, got %v", err)
	}
	owned, _ = ListUserAPIKeys(ctx, s, "user-1")
	if len(owned) != 0 {
		t.Errorf("❌ deactivated keys must not be listed as active")
	}

	t.Log("✅ API key lifecycle works")
}

// deactivatingStore deactivates a key the first time its metadata is read,
// the way a concurrent ban lands between a validate's read and write.
type deactivatingStore struct {
	KVStore
	keyHash string
	fired   bool
}

func (d *deactivatingStore) GetValue(ctx context.Context, key string) (ValkeyResponse, error) {
	resp, err := d.KVStore.GetValue(ctx, key)
	if key == valkeyKey(d.keyHash) && !d.fired {
		d.fired = true
		if derr := DeactivateAPIKey(ctx, d.KVStore, d.keyHash); derr != nil {
			return resp, derr
		}
	}
	return resp, err
}

func TestValidateDoesNotUndoDeactivation(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	raw, _ := GenerateAPIKey()
	if _, err := StoreAPIKey(ctx, inner, raw, "ci", "tenant-1", "user-1", "test"); err != nil {
		t.Fatal(err)
	}

	s := &deactivatingStore{KVStore: inner, keyHash: HashKey(raw)}
	if _, err := ValidateAPIKey(ctx, s, raw); err != nil {
		t.Fatalf("❌ validate read the key before deactivation, expected success: %v", err)
	}

	meta, err := GetAPIKey(ctx, inner, HashKey(raw))
	if err != nil {
		t.Fatal(err)
	}
	if meta.Active {
		t.Errorf("❌ deactivation racing a validate must stick")
	}
	if meta.LastUsedAt == "" {
		t.Errorf("❌ expected last-used timestamp to be recorded")
	}
	if _, err := ValidateAPIKey(ctx, inner, raw); !errors.Is(err, ErrAPIKeyInactive) {
		t.Errorf("❌ expected ErrAPIKeyInactive, got %v", err)
	}
}

func TestIdempotencyClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	owner, claimed, err := ClaimIdempotencyKey(ctx, s, "tenant-1", "upload-42", "task-a", time.Hour)
	if err != nil || !claimed || owner != "task-a" {
		t.Fatalf("❌ first claim: owner=%s claimed=%v err=%v", owner, claimed, err)
	}

	owner, claimed, err = ClaimIdempotencyKey(ctx, s, "tenant-1", "upload-42", "task-b", time.Hour)
	if err != nil || claimed || owner != "task-a" {
		t.Fatalf("❌ second claim should return task-a: owner=%s claimed=%v err=%v", owner, claimed, err)
	}

	// Keys are tenant scoped.
	_, claimed, _ = ClaimIdempotencyKey(ctx, s, "tenant-2", "upload-42", "task-c", time.Hour)
	if !claimed {
		t.Errorf("❌ another tenant must be able to use the same key")
	}

	if err := ReleaseIdempotencyKey(ctx, s, "tenant-1", "upload-42"); err != nil {
		t.Fatal(err)
	}
	owner, err = LookupIdempotencyKey(ctx, s, "tenant-1", "upload-42")
	if err != nil || owner != "" {
		t.Errorf("❌ released key should be empty, got %q (err %v)", owner, err)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := PublishProgress(ctx, s, TaskProgress{TaskID: "t1", Stage: "scan", Percent: 50, ETASeconds: 30}); err != nil {
		t.Fatal(err)
	}
	p, err := GetProgress(ctx, s, "t1")
	if err != nil {
		t.Fatalf("❌ GetProgress failed: %v", err)
	}
	if p.Percent != 50 || p.Stage != "scan" {
		t.Errorf("❌ unexpected progress %+v", p)
	}
}
