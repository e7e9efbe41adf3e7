package ports

import (
	"context"
	"errors"
)

// ErrRateLimited is returned by a RenderLimiter with no capacity left.
var ErrRateLimited = errors.New("render rate limit exceeded")

// RenderLimiter admits renders. release returns the slot once the render
// has finished.
type RenderLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
