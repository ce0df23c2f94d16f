package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a backend when it holds nothing under the key.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a single storage mechanism. Implementations must be safe for
// concurrent use and must not assume any other backend is reachable.
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
