package ports

import (
	"context"
	"time"
)

// Cache is a shared byte cache. Implementations must be safe for concurrent
// use; several engine instances may share one.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Clear removes keys matching pattern; a trailing * matches any suffix.
	Clear(ctx context.Context, pattern string) error
	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)
}
