// Package kv is the host storage primitive: a byte-keyed store with
// in-memory, goleveldb and redis backends.
package kv

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is not present
var ErrNotFound = errors.New("kv: not found")

// ErrBackendUnavailable is returned when the backend storage cannot be reached
var ErrBackendUnavailable = errors.New("kv: backend unavailable")

// Store is the minimal key-value contract used by persistent collections.
// Values returned by Get are owned by the caller.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	Close() error
}

// Backend represents the storage backend type
type Backend string

const (
	BackendMemory  Backend = "memory"
	BackendLevelDB Backend = "leveldb"
	BackendRedis   Backend = "redis"
)

// Config holds configuration for creating a Store instance
type Config struct {
	Backend Backend

	// Path is the goleveldb directory (leveldb backend)
	Path string

	// RedisAddr is host:port or a redis:// URL (redis backend)
	RedisAddr string
	// RedisPrefix namespaces every key written to redis
	RedisPrefix string
	// OpTimeout bounds each redis round trip. Default: 2 seconds
	OpTimeout time.Duration
}

// New creates a Store for the configured backend
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendLevelDB:
		if cfg.Path == "" {
			return nil, fmt.Errorf("kv: leveldb backend requires a path")
		}
		return NewLevelDBStore(cfg.Path)
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("kv: redis backend requires an address")
		}
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPrefix, cfg.OpTimeout)
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", cfg.Backend)
	}
}
