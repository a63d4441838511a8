package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ErrUnknownBackend is returned by OpenStore for unsupported backends.
var ErrUnknownBackend = errors.New("unknown session backend")

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Backend string       `yaml:"backend"`
	Path    string       `yaml:"path"`
	Redis   RedisOptions `yaml:"redis"`
}

// OpenStore builds the configured store. An empty backend means memory.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = "sessions.db"
		}
		return OpenSQLite(path)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
