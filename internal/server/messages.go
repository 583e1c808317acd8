// Package server exposes the upload pipeline over HTTP and WebSocket.
//
// Both transports speak the same tagged-message schema: an open declaration,
// chunk writes addressed by zero-based index, an explicit finalize, and an
// abort. Messages are validated at the boundary so malformed input never
// reaches session logic.
package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/scribegate/internal/pipeline"
	"github.com/MrWong99/scribegate/internal/transcript"
)

// MessageType tags a control message.
type MessageType string

const (
	// TypeOpen declares a new upload session.
	TypeOpen MessageType = "open"
	// TypeChunk announces one chunk; over WebSocket the chunk bytes follow
	// in the next binary frame.
	TypeChunk MessageType = "chunk"
	// TypeFinalize triggers merge, verification, transcription and
	// inspection.
	TypeFinalize MessageType = "finalize"
	// TypeAbort discards the session and its stored chunks.
	TypeAbort MessageType = "abort"
)

// OpenRequest declares a new upload session.
type OpenRequest struct {
	// TotalChunks is the number of chunks the client will send.
	TotalChunks int `json:"total_chunks"`

	// TotalSize is the declared byte size of the whole recording.
	TotalSize int64 `json:"total_size"`

	// FileType hints the audio container ("wav", "audio/mpeg", ".m4a").
	FileType string `json:"file_type,omitempty"`

	// Language is an optional ISO 639-1 hint forwarded to transcription.
	Language string `json:"language,omitempty"`

	// ExpectedDigest is an optional hex SHA-256 of the whole recording;
	// when present the merged artifact must match it.
	ExpectedDigest string `json:"expected_digest,omitempty"`
}

// Validate checks the declaration before it reaches session logic.
func (r OpenRequest) Validate() error {
	var errs []error
	if r.TotalChunks <= 0 {
		errs = append(errs, fmt.Errorf("total_chunks must be positive, got %d", r.TotalChunks))
	}
	if r.TotalSize <= 0 {
		errs = append(errs, fmt.Errorf("total_size must be positive, got %d", r.TotalSize))
	}
	if d := len(r.ExpectedDigest); d != 0 && d != 64 {
		errs = append(errs, fmt.Errorf("expected_digest must be 64 hex characters, got %d", d))
	}
	return errors.Join(errs...)
}

// OpenResponse acknowledges a session declaration.
type OpenResponse struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChunkHeader announces one chunk over the WebSocket transport. The chunk
// bytes follow in the next binary frame.
type ChunkHeader struct {
	// Index is the chunk's zero-based position.
	Index int `json:"index"`

	// Size is the byte length of the following binary frame.
	Size int64 `json:"size"`
}

// Validate checks the header against the transport chunk-size cap.
func (h ChunkHeader) Validate(maxChunkBytes int64) error {
	var errs []error
	if h.Index < 0 {
		errs = append(errs, fmt.Errorf("index must not be negative, got %d", h.Index))
	}
	if h.Size <= 0 {
		errs = append(errs, fmt.Errorf("size must be positive, got %d", h.Size))
	}
	if maxChunkBytes > 0 && h.Size > maxChunkBytes {
		errs = append(errs, fmt.Errorf("size %d exceeds the %d byte chunk cap", h.Size, maxChunkBytes))
	}
	return errors.Join(errs...)
}

// ChunkResponse acknowledges a stored chunk.
type ChunkResponse struct {
	// Duplicate is true when this index had already been stored; the
	// duplicate write is benign and ignored.
	Duplicate bool `json:"duplicate"`

	// Received is the number of distinct chunk indices stored so far.
	Received int `json:"received"`

	// Total is the declared chunk count.
	Total int `json:"total"`

	// Complete is true once every index has been received.
	Complete bool `json:"complete"`
}

// ControlMessage is the envelope for WebSocket text frames from the client.
// Exactly one payload field matching Type must be set.
type ControlMessage struct {
	Type MessageType `json:"type"`

	Open  *OpenRequest `json:"open,omitempty"`
	Chunk *ChunkHeader `json:"chunk,omitempty"`
}

// Validate checks the envelope's shape; payload contents are validated
// separately.
func (m ControlMessage) Validate() error {
	switch m.Type {
	case TypeOpen:
		if m.Open == nil {
			return errors.New("open message is missing its payload")
		}
	case TypeChunk:
		if m.Chunk == nil {
			return errors.New("chunk message is missing its header")
		}
	case TypeFinalize, TypeAbort:
		// No payload.
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// ServerMessage is the envelope for WebSocket text frames from the server.
type ServerMessage struct {
	// Type is "opened", "chunk_ack", "outcome" or "error".
	Type string `json:"type"`

	Opened  *OpenResponse   `json:"opened,omitempty"`
	Chunk   *ChunkResponse  `json:"chunk,omitempty"`
	Outcome *StatusResponse `json:"outcome,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StatusResponse reports a session's progress or terminal outcome.
type StatusResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`

	// Received/Total/Missing describe chunk progress while the session is
	// still receiving.
	Received int   `json:"received,omitempty"`
	Total    int   `json:"total,omitempty"`
	Missing  []int `json:"missing,omitempty"`

	// Outcome fields, set once the session is terminal.
	Transcript string            `json:"transcript,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	Digest     string            `json:"digest,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Failure    *FailurePayload   `json:"failure,omitempty"`
	Flags      []transcript.Flag `json:"flags,omitempty"`
}

// FailurePayload is the wire form of a pipeline rejection.
type FailurePayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Hint   string `json:"hint"`
}

// ErrorResponse is the wire form of a transport-level error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFromOutcome converts a terminal outcome to its wire form.
func statusFromOutcome(out *pipeline.Outcome) StatusResponse {
	resp := StatusResponse{
		SessionID:  out.SessionID,
		State:      string(out.State),
		Transcript: out.Transcript,
		Notes:      out.Notes,
		Digest:     out.Digest,
		Attempts:   out.Attempts,
	}
	if out.Failure != nil {
		resp.Failure = &FailurePayload{
			Kind:   string(out.Failure.Kind),
			Detail: out.Failure.Detail,
			Hint:   out.Failure.Hint(),
		}
		resp.Flags = out.Failure.Flags
	}
	return resp
}
