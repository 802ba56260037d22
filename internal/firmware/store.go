// Package firmware abstracts where uploaded artifacts live. The service
// only ever needs four operations; presigned URLs are optional and the
// caller falls back to serving bytes itself when the backend has none.
package firmware

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoPresign is returned by backends that cannot mint download URLs.
var ErrNoPresign = errors.New("storage backend does not support presigned urls")

type Store interface {
	// Put stores the artifact under ref. Artifacts are immutable; a ref is
	// never overwritten.
	Put(ctx context.Context, ref string, r io.Reader, size int64) error

	// Get opens the artifact for reading.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)

	// Delete removes the artifact. Deleting a missing ref is not an error.
	Delete(ctx context.Context, ref string) error

	// PresignedURL mints a temporary direct download link, or ErrNoPresign.
	PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}
