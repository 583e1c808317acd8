// Package session tracks in-flight upload sessions: the declared chunk count
// and total size, the set of received chunk indices, and expiry.
//
// The registry is sharded by session ID so that unrelated uploads never
// contend on a single lock. Within one session the received-index set is the
// synchronisation point: concurrent chunk writes from parallel connections
// are serialised per session, and a duplicate index is a benign no-op that
// never double-counts toward size accounting.
package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknown is returned for operations on a session ID that was never
// opened, or that has already been merged, aborted, or swept.
var ErrUnknown = errors.New("session: unknown session")

// shardCount is the number of registry shards. Must be a power of two.
const shardCount = 32

// Session is one in-flight upload. All mutable state is guarded by mu;
// exported fields are immutable after Open.
type Session struct {
	// ID is the opaque session identifier handed to the client.
	ID string

	// TotalChunks is the declared number of chunks in [0, TotalChunks).
	TotalChunks int

	// TotalSize is the declared total byte size of the upload.
	TotalSize int64

	// FileType is the client's container format hint (e.g., "wav", "mp3").
	FileType string

	// Language is an optional language hint forwarded to transcription.
	Language string

	// ExpectedDigest is the client-supplied hex SHA-256 of the full file,
	// empty when the client did not provide one.
	ExpectedDigest string

	// CreatedAt and ExpiresAt bound the session's lifetime.
	CreatedAt time.Time
	ExpiresAt time.Time

	mu            sync.Mutex
	received      []bool
	receivedCount int
	receivedBytes int64
	chunkSizes    []int64
	done          chan struct{}
}

// RecordChunk marks index as received with the given byte length. A repeat of
// an already-recorded index is reported as duplicate and does not change the
// size accounting. When the final missing index arrives, the completion
// channel is closed.
func (s *Session) RecordChunk(index int, length int64) (duplicate bool, err error) {
	if index < 0 || index >= s.TotalChunks {
		return false, fmt.Errorf("session %s: chunk index %d out of range [0, %d)", s.ID, index, s.TotalChunks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.received[index] {
		return true, nil
	}
	s.received[index] = true
	s.chunkSizes[index] = length
	s.receivedCount++
	s.receivedBytes += length

	if s.receivedCount == s.TotalChunks {
		close(s.done)
	}
	return false, nil
}

// IsComplete reports whether every index in [0, TotalChunks) has been
// recorded exactly once.
func (s *Session) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivedCount == s.TotalChunks
}

// Done returns a channel that is closed once the session is complete.
// Callers awaiting completion select on it instead of polling.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Progress returns the received chunk count and the indices still missing.
func (s *Session) Progress() (received int, missing []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ok := range s.received {
		if !ok {
			missing = append(missing, i)
		}
	}
	return s.receivedCount, missing
}

// ReceivedBytes returns the sum of recorded chunk lengths, each index
// counted once.
func (s *Session) ReceivedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receivedBytes
}

// ChunkSizes returns a copy of the per-index recorded chunk lengths.
func (s *Session) ChunkSizes() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.chunkSizes))
	copy(out, s.chunkSizes)
	return out
}

// Expired reports whether the session's TTL has elapsed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// shard is one bucket of the registry.
type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Tracker is the sharded session registry. All exported methods are safe for
// concurrent use; operations on different sessions never share a lock.
type Tracker struct {
	shards [shardCount]*shard
	ttl    time.Duration

	// maxChunks and maxTotalBytes bound what a single Open call may declare.
	maxChunks     int
	maxTotalBytes int64
}

// TrackerConfig holds tuning knobs for a [Tracker].
type TrackerConfig struct {
	// TTL is how long a session may stay incomplete before SweepExpired
	// releases it. Default: 30 minutes.
	TTL time.Duration

	// MaxChunks caps the declared chunk count per session. Default: 4096.
	MaxChunks int

	// MaxTotalBytes caps the declared total size per session. Default: 2 GiB.
	MaxTotalBytes int64
}

// NewTracker creates a [Tracker] with the supplied configuration. Zero-value
// config fields are replaced with sensible defaults.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 4096
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = 2 << 30
	}
	t := &Tracker{
		ttl:           cfg.TTL,
		maxChunks:     cfg.MaxChunks,
		maxTotalBytes: cfg.MaxTotalBytes,
	}
	for i := range t.shards {
		t.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return t
}

// OpenRequest declares a new upload session.
type OpenRequest struct {
	TotalChunks    int
	TotalSize      int64
	FileType       string
	Language       string
	ExpectedDigest string
}

// Open registers a new session and returns it. The session ID is generated
// server-side and is the only handle the client receives.
func (t *Tracker) Open(req OpenRequest) (*Session, error) {
	if req.TotalChunks <= 0 || req.TotalChunks > t.maxChunks {
		return nil, fmt.Errorf("session: total chunk count %d out of range [1, %d]", req.TotalChunks, t.maxChunks)
	}
	if req.TotalSize <= 0 || req.TotalSize > t.maxTotalBytes {
		return nil, fmt.Errorf("session: total size %d out of range [1, %d]", req.TotalSize, t.maxTotalBytes)
	}

	now := time.Now()
	s := &Session{
		ID:             uuid.NewString(),
		TotalChunks:    req.TotalChunks,
		TotalSize:      req.TotalSize,
		FileType:       req.FileType,
		Language:       req.Language,
		ExpectedDigest: req.ExpectedDigest,
		CreatedAt:      now,
		ExpiresAt:      now.Add(t.ttl),
		received:       make([]bool, req.TotalChunks),
		chunkSizes:     make([]int64, req.TotalChunks),
		done:           make(chan struct{}),
	}

	sh := t.shardFor(s.ID)
	sh.mu.Lock()
	sh.sessions[s.ID] = s
	sh.mu.Unlock()

	return s, nil
}

// Get returns the session with the given ID, or [ErrUnknown].
func (t *Tracker) Get(id string) (*Session, error) {
	sh := t.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrUnknown
	}
	return s, nil
}

// RecordChunk records a received chunk for the session. See
// [Session.RecordChunk] for duplicate semantics.
func (t *Tracker) RecordChunk(id string, index int, length int64) (duplicate bool, err error) {
	s, err := t.Get(id)
	if err != nil {
		return false, err
	}
	return s.RecordChunk(index, length)
}

// IsComplete reports whether the session has every chunk recorded.
func (t *Tracker) IsComplete(id string) (bool, error) {
	s, err := t.Get(id)
	if err != nil {
		return false, err
	}
	return s.IsComplete(), nil
}

// Remove deletes the session from the registry and reports whether it was
// present. Used on successful merge, explicit abort, and expiry. Chunk
// storage cleanup is the caller's responsibility — the tracker owns no files.
func (t *Tracker) Remove(id string) bool {
	sh := t.shardFor(id)
	sh.mu.Lock()
	_, ok := sh.sessions[id]
	delete(sh.sessions, id)
	sh.mu.Unlock()
	return ok
}

// SweepExpired removes every session whose TTL elapsed before now and
// returns them so the caller can release the associated chunk storage.
func (t *Tracker) SweepExpired(now time.Time) []*Session {
	var expired []*Session
	for _, sh := range t.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.Expired(now) {
				delete(sh.sessions, id)
				expired = append(expired, s)
			}
		}
		sh.mu.Unlock()
	}
	return expired
}

// Len returns the number of in-flight sessions across all shards.
func (t *Tracker) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// shardFor hashes the session ID onto its shard.
func (t *Tracker) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return t.shards[h.Sum32()&(shardCount-1)]
}
