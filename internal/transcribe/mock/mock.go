// Package mock provides a test double for the transcribe.Backend interface.
//
// Use Backend to script per-call results and inspect which requests the
// caller submitted.
//
// Example:
//
//	b := &mock.Backend{Text: "hello world"}
//	client := transcribe.NewClient(b, transcribe.ClientConfig{})
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/scribegate/internal/transcribe"
)

// TranscribeCall records a single invocation of Backend.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Filename is the filename from the request.
	Filename string
	// Language is the language hint from the request.
	Language string
	// Body is a copy of the audio bytes that were read from the request.
	Body []byte
}

// Backend is a mock implementation of transcribe.Backend.
type Backend struct {
	mu sync.Mutex

	// Text is the transcript returned on success.
	Text string

	// Errs are returned in order, one per call; once exhausted, calls
	// succeed with Text. A nil entry means that call succeeds.
	Errs []error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Ensure Backend implements transcribe.Backend at compile time.
var _ transcribe.Backend = (*Backend)(nil)

// Transcribe records the call, consumes the next scripted error, and returns
// Text on success.
func (b *Backend) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	body, _ := io.ReadAll(req.Audio)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.TranscribeCalls = append(b.TranscribeCalls, TranscribeCall{
		Ctx:      ctx,
		Filename: req.Filename,
		Language: req.Language,
		Body:     body,
	})

	if n := len(b.TranscribeCalls); n <= len(b.Errs) && b.Errs[n-1] != nil {
		return "", b.Errs[n-1]
	}
	return b.Text, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (b *Backend) Calls() []TranscribeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TranscribeCall, len(b.TranscribeCalls))
	copy(out, b.TranscribeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TranscribeCalls = nil
}
