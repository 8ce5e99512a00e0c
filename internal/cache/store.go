package cache

import (
	"context"
	"time"
)

// Store is the shared response-cache interface. Implementations are a pure
// optimization layer: every caller must behave identically when Get always
// reports a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Key builds a deterministic cache key from the logical identity of a request.
// Callers pass an ordered namespace path, e.g. Key("verify", "sessions", id).
func Key(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
