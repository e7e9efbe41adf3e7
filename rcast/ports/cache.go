package ports

import "context"

// PreviewCache memoizes preview bytes in memory in front of the disk cache.
type PreviewCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}
