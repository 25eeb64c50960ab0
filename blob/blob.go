// Package blob stores opaque binary artifacts produced by flow runs. Steps
// reach it through the core.blob.put and core.blob.get tools.
package blob

import "context"

// Store persists blobs and addresses them by URL.
type Store interface {
	// Put writes data and returns a URL that Get accepts.
	Put(ctx context.Context, data []byte, mime, filename string) (string, error)
	// Get reads a blob back by URL.
	Get(ctx context.Context, url string) ([]byte, error)
}
