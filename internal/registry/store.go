package registry

import (
	"context"
	"fmt"
)

// Store persists connection records. Implementations must treat deletion of
// an absent record as success.
type Store interface {
	Insert(ctx context.Context, record Record) error
	Delete(ctx context.Context, connectionID string) error
	// List returns every stored record. The registry filters the result in
	// memory; see Service.FindByUser for the documented scaling posture.
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// StoreType identifies the registry store backend.
type StoreType string

const (
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig selects and configures the registry store backend.
type StoreConfig struct {
	Type   StoreType
	SQLite SQLiteStoreConfig
	Redis  RedisStoreConfig
}

// NewStore creates a registry store based on configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case StoreTypeSQLite, "":
		return NewSQLiteStore(cfg.SQLite)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("registry: unknown store type %q", cfg.Type)
	}
}
