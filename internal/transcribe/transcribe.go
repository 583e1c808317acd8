// Package transcribe submits merged audio artifacts to an external
// speech-to-text service and classifies its failures so the retry layer can
// tell a transient outage from a hopeless request.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrorKind categorises a transcription failure.
type ErrorKind string

const (
	// KindTooLarge means the artifact exceeds the service upload ceiling.
	// The request was never sent; retrying cannot help.
	KindTooLarge ErrorKind = "too_large"

	// KindAuth means the service rejected our credentials.
	KindAuth ErrorKind = "auth"

	// KindRateLimited means the service asked us to slow down.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUnavailable means the service or the network failed transiently.
	KindUnavailable ErrorKind = "unavailable"

	// KindFatal covers every other failure (malformed request, unexpected
	// response, unsupported media).
	KindFatal ErrorKind = "fatal"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindUnavailable
}

// Error is a classified transcription failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("transcribe: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the [ErrorKind] from err, or [KindFatal] when err carries
// no classification.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindFatal
}

// Request describes one audio artifact to transcribe.
type Request struct {
	// Audio is the artifact content. It is read exactly once per attempt,
	// so the Backend receives a fresh reader each time via Reopen.
	Audio io.Reader

	// Filename hints the container format to the service ("abc.wav").
	Filename string

	// SizeBytes is the artifact size, used for the upload ceiling and for
	// sizing the per-attempt timeout.
	SizeBytes int64

	// Language is an optional ISO 639-1 hint forwarded to the service.
	Language string
}

// Result is a successful transcription.
type Result struct {
	// Text is the raw transcript returned by the service.
	Text string

	// Attempts is how many tries the request took, including the
	// successful one.
	Attempts int
}

// Backend performs a single transcription attempt against a concrete
// speech-to-text service. Implementations classify their failures by
// returning [*Error]; unclassified errors are treated as fatal.
type Backend interface {
	// Transcribe submits audio and returns the transcript text.
	Transcribe(ctx context.Context, req Request) (string, error)
}
