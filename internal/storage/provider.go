// Package storage defines the artifact sink the fetch strategies write
// downloaded files through. The abstraction keeps the engine independent of
// whether artifacts land on the local filesystem or in a cloud bucket.
package storage

import (
	"context"
	"io"
)

// BlobStore writes one artifact and returns a stable reference to it. The
// returned reference is what the state store records as the key's result.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
