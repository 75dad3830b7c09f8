// Package store provides the persistent operation store: a small key-value
// layer with per-key expiry that keeps in-flight operation records alive across
// restarts. The server-backed implementations are Redis and the backend's own
// state endpoint; bbolt backs the legacy client-local store.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("key not found")

type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
