package cache

import (
	"context"
	"time"
)

// BytesCache is a best-effort byte cache. Get reports a miss with
// ok=false; callers treat cache errors as misses.
type BytesCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
