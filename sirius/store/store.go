package store

import (
	"context"
	"errors"
	"fmt"

	valkey "github.com/valkey-io/valkey-go"
)

// ErrKeyNotFound is wrapped by GetValue when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// KVStore defines the key/value operations our store supports.
type KVStore interface {
	// SetValue sets the given key to the specified value.
	SetValue(ctx context.Context, key, value string) error
	// SetValueWithTTL sets the given key to the specified value with a TTL in seconds.
	SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error
	// GetValue retrieves the value associated with the given key.
	GetValue(ctx context.Context, key string) (ValkeyResponse, error)
	// GetTTL retrieves the remaining TTL in seconds for the given key.
	GetTTL(ctx context.Context, key string) (int, error)
	// SetExpire sets the TTL for an existing key in seconds.
	SetExpire(ctx context.Context, key string, ttlSeconds int) error
	// ListKeys retrieves all keys matching the given pattern.
	ListKeys(ctx context.Context, pattern string) ([]string, error)
	// DeleteValue removes the value associated with the given key.
	DeleteValue(ctx context.Context, key string) error
	// Incr atomically increments an integer key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// SetNX sets key only if it does not exist and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttlSeconds int) (bool, error)
	// Close shuts down the underlying connection.
	Close() error
}

// valkeyStore is a concrete implementation of KVStore using the valkey-go client.
type valkeyStore struct {
	client valkey.Client
}

// NewValkeyStore creates a new store connected to addr, e.g. sirius-valkey:6379.
func NewValkeyStore(addr string) (KVStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, err
	}
	return &valkeyStore{client: client}, nil
}

// SetValue implements KVStore by executing a SET command.
func (s *valkeyStore) SetValue(ctx context.Context, key, value string) error {
	cmd := s.client.B().Set().Key(key).Value(value).Build()
	return s.client.Do(ctx, cmd).Error()
}

// SetValueWithTTL implements KVStore by executing SET EX. A non-positive
// TTL stores the key without expiry.
func (s *valkeyStore) SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return s.SetValue(ctx, key, value)
	}
	cmd := s.client.B().Set().Key(key).Value(value).ExSeconds(int64(ttlSeconds)).Build()
	return s.client.Do(ctx, cmd).Error()
}

// GetTTL implements KVStore by executing a TTL command.
func (s *valkeyStore) GetTTL(ctx context.Context, key string) (int, error) {
	cmd := s.client.B().Ttl().Key(key).Build()
	resp := s.client.Do(ctx, cmd)

	if err := resp.Error(); err != nil {
		return -1, fmt.Errorf("valkey TTL for key '%s' failed: %w", key, err)
	}

	ttl, err := resp.ToInt64()
	if err != nil {
		return -1, fmt.Errorf("failed to convert TTL reply to int64 for key '%s': %w", key, err)
	}

	return int(ttl), nil
}

// SetExpire implements KVStore by executing an EXPIRE command.
func (s *valkeyStore) SetExpire(ctx context.Context, key string, ttlSeconds int) error {
	cmd := s.client.B().Expire().Key(key).Seconds(int64(ttlSeconds)).Build()
	return s.client.Do(ctx, cmd).Error()
}

// GetValue implements KVStore by executing a GET command.
func (s *valkeyStore) GetValue(ctx context.Context, key string) (ValkeyResponse, error) {
	var val ValkeyResponse
	str, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return val, fmt.Errorf("key '%s': %w", key, ErrKeyNotFound)
		}
		return val, fmt.Errorf("valkey GET for key '%s' failed: %w", key, err)
	}
	val.Message.Value = str
	return val, nil
}

// scanBatch is the COUNT hint per SCAN round trip.
const scanBatch = 500

// ListKeys implements KVStore by iterating SCAN MATCH, which unlike KEYS
// does not block the server on large keyspaces. Keys written during the
// scan may or may not be returned.
func (s *valkeyStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	seen := make(map[string]bool)
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("valkey SCAN with pattern '%s' failed: %w", pattern, err)
		}
		for _, k := range entry.Elements {
			// SCAN may return a key more than once.
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		if entry.Cursor == 0 {
			return keys, nil
		}
		cursor = entry.Cursor
	}
}

// DeleteValue implements KVStore by executing a DEL command.
func (s *valkeyStore) DeleteValue(ctx context.Context, key string) error {
	cmd := s.client.B().Del().Key(key).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Incr implements KVStore by executing an INCR command.
func (s *valkeyStore) Incr(ctx context.Context, key string) (int64, error) {
	cmd := s.client.B().Incr().Key(key).Build()
	n, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey INCR for key '%s' failed: %w", key, err)
	}
	return n, nil
}

// SetNX implements KVStore by executing SET NX EX.
func (s *valkeyStore) SetNX(ctx context.Context, key, value string, ttlSeconds int) (bool, error) {
	cmd := s.client.B().Set().Key(key).Value(value).Nx().ExSeconds(int64(ttlSeconds)).Build()
	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("valkey SET NX for key '%s' failed: %w", key, err)
	}
	return true, nil
}

// Close shuts down the underlying client connection.
func (s *valkeyStore) Close() error {
	s.client.Close()
	return nil
}

// ValkeyResponse keeps the response shape callers of GetValue decode.
type ValkeyResponse struct {
	Message ValkeyValue `json:"Message"`
	Type    string      `json:"Type"`
}

type ValkeyValue struct {
	Value string `json:"Value"`
}
