package ports

import (
	"context"
	"time"
)

// Transcoder wraps the external video tool. Both calls return the tool's
// captured output for diagnostics.
type Transcoder interface {
	// ConcatTrim joins first and second and keeps only the trailing window.
	ConcatTrim(ctx context.Context, first, second, out string, window time.Duration) (string, error)
	// Preview converts a video into the lightweight preview format.
	Preview(ctx context.Context, in, out string) (string, error)
}
