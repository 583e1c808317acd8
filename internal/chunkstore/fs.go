package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is a [Store] backed by the local filesystem. Each session owns one
// directory under the configured root; each chunk is one file named by its
// zero-padded index. Writes go through a temp file plus rename so a partially
// written chunk is never observable under its final name.
type FS struct {
	root string
}

// Compile-time interface check.
var _ Store = (*FS)(nil)

// NewFS creates an [FS] rooted at dir, creating the directory if needed.
func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, errors.New("chunkstore: root directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create root %q: %w", dir, err)
	}
	return &FS{root: dir}, nil
}

// Root returns the scratch root directory.
func (f *FS) Root() string { return f.root }

// WriteChunk implements [Store]. The chunk is written to a temp file in the
// session directory and renamed into place once fully written.
func (f *FS) WriteChunk(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := f.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("chunkstore: create session dir: %w", err)
	}

	final := f.chunkPath(sessionID, index)
	tmp, err := os.CreateTemp(dir, chunkName(index)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("chunkstore: create temp chunk: %w", err)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("chunkstore: write chunk %s/%d: %w", sessionID, index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("chunkstore: close temp chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("chunkstore: commit chunk %s/%d: %w", sessionID, index, err)
	}
	return n, nil
}

// OpenChunk implements [Store].
func (f *FS) OpenChunk(sessionID string, index int) (io.ReadCloser, error) {
	rc, err := os.Open(f.chunkPath(sessionID, index))
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open chunk %s/%d: %w", sessionID, index, err)
	}
	return rc, nil
}

// RemoveChunk implements [Store].
func (f *FS) RemoveChunk(sessionID string, index int) error {
	err := os.Remove(f.chunkPath(sessionID, index))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("chunkstore: remove chunk %s/%d: %w", sessionID, index, err)
	}
	return nil
}

// RemoveSession implements [Store].
func (f *FS) RemoveSession(sessionID string) error {
	if err := os.RemoveAll(f.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("chunkstore: remove session %s: %w", sessionID, err)
	}
	return nil
}

func (f *FS) sessionDir(sessionID string) string {
	// Session IDs are server-generated UUIDs; Base guards against a crafted
	// ID traversing out of the root.
	return filepath.Join(f.root, filepath.Base(sessionID))
}

func (f *FS) chunkPath(sessionID string, index int) string {
	return filepath.Join(f.sessionDir(sessionID), chunkName(index))
}

// chunkName zero-pads the index so directory listings sort in merge order.
func chunkName(index int) string {
	return fmt.Sprintf("%06d.part", index)
}
