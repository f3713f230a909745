package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/winspan/dnsguard/pkg/config"
)

// Keys used by the core.
const (
	KeySettings        = "settings"
	KeyLogs            = "logs"
	KeyBlacklist       = "blacklist"
	KeyWhitelist       = "whitelist"
	KeyConnectionState = "connection-state"
	KeyStatistics      = "statistics-counters"
)

// Store is an async key-value store holding JSON documents.
type Store interface {
	// Get returns the stored value, or nil with no error when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// New opens the backend selected by config.
func New(cfg *config.Config) (Store, error) {
	switch cfg.GetStorageBackend() {
	case "sqlite":
		return NewSQLite(cfg.GetSQLiteFile())
	case "redis":
		return NewRedis(cfg.Storage.RedisURL, cfg.GetRedisPrefix())
	case "memory":
		return NewMemory(), nil
	default:
		return NewFile(cfg.GetDataDir())
	}
}

// GetJSON decodes key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
