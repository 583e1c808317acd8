// Package chunkstore provides durable scratch storage for uploaded chunks,
// keyed by session ID and chunk index. Chunks are owned exclusively by their
// session and never outlive it: they are released on successful merge,
// explicit abort, or expiry sweep.
package chunkstore

import (
	"context"
	"io"
)

// Store is the chunk scratch storage interface. Implementations must be safe
// for concurrent use across sessions and for concurrent writes of different
// indices within one session.
type Store interface {
	// WriteChunk streams r into storage for (sessionID, index) and returns
	// the number of bytes written. Writing the same index again replaces the
	// previous content atomically.
	WriteChunk(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error)

	// OpenChunk opens the stored chunk for reading. The caller must close
	// the returned reader.
	OpenChunk(sessionID string, index int) (io.ReadCloser, error)

	// RemoveChunk deletes a single stored chunk. Removing a chunk that does
	// not exist is not an error.
	RemoveChunk(sessionID string, index int) error

	// RemoveSession deletes all chunks stored for the session. Removing a
	// session with no stored chunks is not an error.
	RemoveSession(sessionID string) error
}
