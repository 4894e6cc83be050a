package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// APIKeyPrefix is prepended to all generated API keys for easy identification.
	APIKeyPrefix = "sk_"
	// apiKeyStorePrefix is the Valkey key prefix for API key metadata.
	apiKeyStorePrefix = "apikey:"
	// apiKeyUsedPrefix keys the last-used timestamp apart from the metadata
	// so request traffic never rewrites Active.
	apiKeyUsedPrefix = "apikey_used:"
)

// ErrAPIKeyInactive is returned when a deactivated key is presented.
var ErrAPIKeyInactive = errors.New("API key is deactivated")

// APIKeyMeta holds metadata about an API key. The raw key is never persisted.
type APIKeyMeta struct {
	ID         string `json:"id"`           // SHA-256 hash of the raw key (also used as Valkey key suffix)
	Label      string `json:"label"`        // Human-readable label
	Prefix     string `json:"prefix"`       // First characters of the raw key for display
	TenantID   string `json:"tenant_id"`    // Tenant the key acts for
	UserID     string `json:"user_id"`      // Owning user, used for cascading bans
	Active     bool   `json:"active"`       // Cleared when the key or its user is banned
	CreatedBy  string `json:"created_by"`   // User or system that created the key
	CreatedAt  string `json:"created_at"`   // RFC-3339 timestamp
	LastUsedAt string `json:"last_used_at"` // RFC-3339 timestamp, empty if never used
}

// GenerateAPIKey creates a cryptographically random API key with the sk_ prefix.
// The returned string is the only time the raw key is available.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key. Bans on API
// keys are stored by this hash.
func HashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

// valkeyKey returns the full Valkey key for a given key hash.
func valkeyKey(keyHash string) string {
	return apiKeyStorePrefix + keyHash
}

// StoreAPIKey persists API key metadata in Valkey. The raw key is hashed and
// used as the lookup key; the raw key itself is never stored.
func StoreAPIKey(ctx context.Context, s KVStore, rawKey, label, tenantID, userID, createdBy string) (APIKeyMeta, error) {
	keyHash := HashKey(rawKey)
	meta := APIKeyMeta{
		ID:        keyHash,
		Label:     label,
		Prefix:    safePrefix(rawKey),
		TenantID:  tenantID,
		UserID:    userID,
		Active:    true,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := putAPIKey(ctx, s, meta); err != nil {
		return APIKeyMeta{}, fmt.Errorf("failed to store API key: %w", err)
	}
	return meta, nil
}

func putAPIKey(ctx context.Context, s KVStore, meta APIKeyMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal API key metadata: %w", err)
	}
	return s.SetValue(ctx, valkeyKey(meta.ID), string(data))
}

// GetAPIKey loads metadata by key hash.
func GetAPIKey(ctx context.Context, s KVStore, keyHash string) (APIKeyMeta, error) {
	resp, err := s.GetValue(ctx, valkeyKey(keyHash))
	if err != nil {
		return APIKeyMeta{}, err
	}
	var meta APIKeyMeta
	if err := json.Unmarshal([]byte(resp.Message.Value), &meta); err != nil {
		return APIKeyMeta{}, fmt.Errorf("failed to unmarshal API key metadata: %w", err)
	}
	loadLastUsed(ctx, s, &meta)
	return meta, nil
}

func loadLastUsed(ctx context.Context, s KVStore, meta *APIKeyMeta) {
	if resp, err := s.GetValue(ctx, apiKeyUsedPrefix+meta.ID); err == nil {
		meta.LastUsedAt = resp.Message.Value
	}
}

// ValidateAPIKey checks whether the given raw key exists and is active. If
// valid it returns the associated metadata and updates LastUsedAt.
func ValidateAPIKey(ctx context.Context, s KVStore, rawKey string) (APIKeyMeta, error) {
	meta, err := GetAPIKey(ctx, s, HashKey(rawKey))
	if err != nil {
		return APIKeyMeta{}, fmt.Errorf("invalid API key: %w", err)
	}
	if !meta.Active {
		return meta, ErrAPIKeyInactive
	}

	// Best-effort; a failure here doesn't fail the request.
	meta.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	_ = s.SetValue(ctx, apiKeyUsedPrefix+meta.ID, meta.LastUsedAt)

	return meta, nil
}

// ListAPIKeys returns metadata for every API key stored in Valkey.
func ListAPIKeys(ctx context.Context, s KVStore) ([]APIKeyMeta, error) {
	keys, err := s.ListKeys(ctx, apiKeyStorePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}

	var result []APIKeyMeta
	for _, k := range keys {
		resp, err := s.GetValue(ctx, k)
		if err != nil {
			continue // key may have been deleted between list and get
		}
		var meta APIKeyMeta
		if err := json.Unmarshal([]byte(resp.Message.Value), &meta); err != nil {
			continue
		}
		loadLastUsed(ctx, s, &meta)
		result = append(result, meta)
	}
	return result, nil
}

// ListUserAPIKeys returns the active keys owned by userID.
func ListUserAPIKeys(ctx context.Context, s KVStore, userID string) ([]APIKeyMeta, error) {
	all, err := ListAPIKeys(ctx, s)
	if err != nil {
		return nil, err
	}
	var owned []APIKeyMeta
	for _, meta := range all {
		if meta.UserID == userID && meta.Active {
			owned = append(owned, meta)
		}
	}
	return owned, nil
}

// DeactivateAPIKey marks a key inactive without deleting its metadata, so
// the owner and tenant stay visible for audit.
func DeactivateAPIKey(ctx context.Context, s KVStore, keyHash string) error {
	meta, err := GetAPIKey(ctx, s, keyHash)
	if err != nil {
		return fmt.Errorf("failed to deactivate API key: %w", err)
	}
	if !meta.Active {
		return nil
	}
	meta.Active = false
	if err := putAPIKey(ctx, s, meta); err != nil {
		return fmt.Errorf("failed to deactivate API key: %w", err)
	}
	return nil
}

// RevokeAPIKey deletes an API key by its hash ID.
func RevokeAPIKey(ctx context.Context, s KVStore, keyID string) error {
	if err := s.DeleteValue(ctx, valkeyKey(keyID)); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	_ = s.DeleteValue(ctx, apiKeyUsedPrefix+keyID)
	return nil
}

// safePrefix returns the first characters of a key for safe display.
func safePrefix(rawKey string) string {
	if len(rawKey) <= 8 {
		return rawKey
	}
	// Include the sk_ prefix and a few chars after for recognisability.
	if strings.HasPrefix(rawKey, APIKeyPrefix) {
		end := len(APIKeyPrefix) + 8
		if end > len(rawKey) {
			end = len(rawKey)
		}
		return rawKey[:end] + "..."
	}
	return rawKey[:8] + "..."
}
