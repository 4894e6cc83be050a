package store

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"
)

// memoryStore is an in-process KVStore used by tests and by single-node
// deployments started with VALKEY_ADDR=memory.
type memoryStore struct {
	mu      sync.Mutex
	data    map[string]string
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process KVStore.
func NewMemoryStore() KVStore {
	return &memoryStore{
		data:    make(map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// expireLocked drops key if its TTL has passed. Callers hold mu.
func (m *memoryStore) expireLocked(key string) {
	if at, ok := m.expires[key]; ok && !m.now().Before(at) {
		delete(m.data, key)
		delete(m.expires, key)
	}
}

func (m *memoryStore) SetValue(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	delete(m.expires, key)
	return nil
}

func (m *memoryStore) SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.expires[key] = m.now().Add(time.Duration(ttlSeconds) * time.Second)
	return nil
}

func (m *memoryStore) GetValue(ctx context.Context, key string) (ValkeyResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.data[key]
	if !ok {
		return ValkeyResponse{}, fmt.Errorf("key '%s': %w", key, ErrKeyNotFound)
	}
	return ValkeyResponse{Message: ValkeyValue{Value: v}}, nil
}

func (m *memoryStore) GetTTL(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if _, ok := m.data[key]; !ok {
		return -2, nil
	}
	at, ok := m.expires[key]
	if !ok {
		return -1, nil
	}
	return int(at.Sub(m.now()).Seconds()), nil
}

func (m *memoryStore) SetExpire(ctx context.Context, key string, ttlSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		m.expires[key] = m.now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	return nil
}

// ListKeys supports the same glob syntax as KEYS for the patterns used here.
func (m *memoryStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0)
	for key := range m.data {
		m.expireLocked(key)
		if _, ok := m.data[key]; !ok {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *memoryStore) DeleteValue(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.expires, key)
	return nil
}

func (m *memoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	var n int64
	if v, ok := m.data[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value of key '%s' is not an integer", key)
		}
		n = parsed
	}
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *memoryStore) SetNX(ctx context.Context, key, value string, ttlSeconds int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	if ttlSeconds > 0 {
		m.expires[key] = m.now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	return true, nil
}

func (m *memoryStore) Close() error {
	return nil
}
