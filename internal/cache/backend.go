package cache

import (
	"context"
	"time"
)

// Backend is the persistent tier. Implementations must be safe for
// concurrent use; concurrent writes to one key resolve as last write wins.
type Backend interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value. expiresAt is a hint; freshness is decided by the Store.
	Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	// Delete removes keys as one batch. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Scan calls fn for every stored entry until fn returns an error.
	Scan(ctx context.Context, fn func(key string, value []byte) error) error
	// ScanKeys is Scan without loading values.
	ScanKeys(ctx context.Context, fn func(key string) error) error
	Close() error
}
