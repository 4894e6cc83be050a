package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const idempotencyPrefix = "idempotency:"

func idempotencyKey(tenantID, key string) string {
	return idempotencyPrefix + tenantID + ":" + key
}

// ClaimIdempotencyKey records taskID under (tenantID, key) unless another
// task already holds it. It returns the owning task id and whether this call
// claimed it.
func ClaimIdempotencyKey(ctx context.Context, s KVStore, tenantID, key, taskID string, ttl time.Duration) (string, bool, error) {
	k := idempotencyKey(tenantID, key)
	ok, err := s.SetNX(ctx, k, taskID, int(ttl.Seconds()))
	if err != nil {
		return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return taskID, true, nil
	}
	owner, err := LookupIdempotencyKey(ctx, s, tenantID, key)
	if err != nil {
		return "", false, err
	}
	return owner, false, nil
}

// LookupIdempotencyKey returns the task id recorded for (tenantID, key), or
// "" when none is recorded.
func LookupIdempotencyKey(ctx context.Context, s KVStore, tenantID, key string) (string, error) {
	resp, err := s.GetValue(ctx, idempotencyKey(tenantID, key))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return resp.Message.Value, nil
}

// ReleaseIdempotencyKey frees a key so a rejected or failed submission can be
// retried under it.
func ReleaseIdempotencyKey(ctx context.Context, s KVStore, tenantID, key string) error {
	return s.DeleteValue(ctx, idempotencyKey(tenantID, key))
}

// ReplaceIdempotencyKey points (tenantID, key) at taskID unconditionally,
// used when the previous owner task failed.
func ReplaceIdempotencyKey(ctx context.Context, s KVStore, tenantID, key, taskID string, ttl time.Duration) error {
	return s.SetValueWithTTL(ctx, idempotencyKey(tenantID, key), taskID, int(ttl.Seconds()))
}
