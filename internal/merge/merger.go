// Package merge reconstructs a session's uploaded chunks into one contiguous
// artifact and verifies the result before it is handed onward.
//
// The merge streams each chunk through a bounded transfer buffer and an
// incremental SHA-256, so the full-artifact digest is available the instant
// the last byte lands with no second read pass, and memory use is one buffer
// regardless of file size.
package merge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/scribegate/internal/chunkstore"
	"github.com/MrWong99/scribegate/internal/observe"
	"github.com/MrWong99/scribegate/internal/session"
)

// Artifact is one merged recording, produced exactly once per session.
type Artifact struct {
	// Path is the artifact's location on disk.
	Path string

	// Size is the total byte length written.
	Size int64

	// Digest is the hex-encoded SHA-256 of the full artifact, computed
	// incrementally during the merge.
	Digest string
}

// ErrIncomplete is returned when merge is requested before every chunk index
// has been recorded.
var ErrIncomplete = errors.New("merge: session is not complete")

// Merger performs the streaming merge. It is safe for concurrent use; merges
// for the same session are single-flight, and a completed merge is cached so
// a repeat request returns the existing artifact without re-reading chunks.
type Merger struct {
	store   chunkstore.Store
	dir     string
	bufSize int
	metrics *observe.Metrics

	group singleflight.Group

	mu     sync.Mutex
	merged map[string]*Artifact
}

// Config holds tuning knobs for a [Merger].
type Config struct {
	// Store is the chunk scratch storage to read from.
	Store chunkstore.Store

	// ArtifactDir is where merged artifacts are written.
	ArtifactDir string

	// BufferSize is the transfer buffer size in bytes. Default: 256 KiB.
	BufferSize int

	// Metrics records merge latency. May be nil.
	Metrics *observe.Metrics
}

// New creates a [Merger], creating the artifact directory if needed.
func New(cfg Config) (*Merger, error) {
	if cfg.Store == nil {
		return nil, errors.New("merge: chunk store must not be nil")
	}
	if cfg.ArtifactDir == "" {
		return nil, errors.New("merge: artifact directory must not be empty")
	}
	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("merge: create artifact dir %q: %w", cfg.ArtifactDir, err)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256 << 10
	}
	return &Merger{
		store:   cfg.Store,
		dir:     cfg.ArtifactDir,
		bufSize: cfg.BufferSize,
		metrics: cfg.Metrics,
		merged:  make(map[string]*Artifact),
	}, nil
}

// Merge reconstructs the session's chunks, in strict index order, into one
// artifact. It may only be called once the session is complete. Calling it
// again for an already-merged session returns the cached [Artifact]; two
// concurrent calls share one underlying merge.
//
// The merge is all-or-nothing: chunks stream into a hidden temp file that is
// renamed into place only after the final chunk has been consumed. Any chunk
// read failure removes the temp file, so no partial artifact is ever visible
// downstream.
func (m *Merger) Merge(ctx context.Context, sess *session.Session) (*Artifact, error) {
	m.mu.Lock()
	if a, ok := m.merged[sess.ID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	if !sess.IsComplete() {
		return nil, ErrIncomplete
	}

	v, err, _ := m.group.Do(sess.ID, func() (any, error) {
		// Re-check the cache: a concurrent flight may have completed between
		// the cache miss and entering the group.
		m.mu.Lock()
		if a, ok := m.merged[sess.ID]; ok {
			m.mu.Unlock()
			return a, nil
		}
		m.mu.Unlock()

		a, err := m.mergeOnce(ctx, sess)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.merged[sess.ID] = a
		m.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// mergeOnce performs the actual streaming concatenation.
func (m *Merger) mergeOnce(ctx context.Context, sess *session.Session) (_ *Artifact, err error) {
	start := time.Now()

	tmp := filepath.Join(m.dir, sess.ID+".merging")
	final := filepath.Join(m.dir, sess.ID+".merged")

	dst, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("merge: create artifact: %w", err)
	}
	defer func() {
		if err != nil {
			dst.Close()
			os.Remove(tmp)
		}
	}()

	h := sha256.New()
	// Every byte that reaches the artifact also reaches the digest, in one
	// pass.
	w := io.MultiWriter(dst, h)
	buf := make([]byte, m.bufSize)

	var total int64
	for i := 0; i < sess.TotalChunks; i++ {
		if err = ctx.Err(); err != nil {
			return nil, fmt.Errorf("merge: session %s: %w", sess.ID, err)
		}
		var n int64
		n, err = m.copyChunk(sess.ID, i, w, buf)
		if err != nil {
			return nil, err
		}
		total += n
	}

	// The destination is closed exactly once, after the final chunk has been
	// consumed. Chunk boundaries before the last one must never terminate the
	// artifact stream — an early close here silently truncates the recording
	// while still looking like a success.
	if err = dst.Sync(); err != nil {
		return nil, fmt.Errorf("merge: sync artifact: %w", err)
	}
	if err = dst.Close(); err != nil {
		return nil, fmt.Errorf("merge: close artifact: %w", err)
	}
	if err = os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("merge: commit artifact: %w", err)
	}

	a := &Artifact{
		Path:   final,
		Size:   total,
		Digest: hex.EncodeToString(h.Sum(nil)),
	}

	if m.metrics != nil {
		m.metrics.MergeDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.Info("merge completed",
		"session_id", sess.ID,
		"chunks", sess.TotalChunks,
		"bytes", total,
		"digest", a.Digest,
		"duration", time.Since(start),
	)
	return a, nil
}

// copyChunk streams one chunk into w through the shared transfer buffer.
func (m *Merger) copyChunk(sessionID string, index int, w io.Writer, buf []byte) (int64, error) {
	rc, err := m.store.OpenChunk(sessionID, index)
	if err != nil {
		return 0, fmt.Errorf("merge: chunk %d: %w", index, err)
	}
	defer rc.Close()

	n, err := io.CopyBuffer(w, rc, buf)
	if err != nil {
		return n, fmt.Errorf("merge: copy chunk %d: %w", index, err)
	}
	return n, nil
}

// Artifact returns the cached merged artifact for the session, if any.
func (m *Merger) Artifact(sessionID string) (*Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.merged[sessionID]
	return a, ok
}

// Discard removes the session's merged artifact from disk and from the
// cache. Called after transcription completes (success or permanent failure)
// so the original recording is not retained.
func (m *Merger) Discard(sessionID string) error {
	m.mu.Lock()
	a, ok := m.merged[sessionID]
	delete(m.merged, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("merge: discard artifact %s: %w", sessionID, err)
	}
	return nil
}
