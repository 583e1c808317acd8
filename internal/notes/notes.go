// Package notes hands accepted transcripts to the downstream note-generation
// collaborator.
//
// The pipeline's responsibility ends at producing a validated transcript; a
// [Generator] turns that text into structured notes. The wording of the
// prompt is supplied by configuration, not owned here.
package notes

import "context"

// Request carries an accepted transcript plus the minimal context the
// generator needs.
type Request struct {
	// SessionID identifies the originating upload session.
	SessionID string

	// Transcript is the validated, non-corrupt transcript text.
	Transcript string

	// Language is the transcript language hint, when known.
	Language string
}

// Generator produces notes from a validated transcript. Implementations must
// be safe for concurrent use.
type Generator interface {
	// Generate returns the generated note text.
	Generate(ctx context.Context, req Request) (string, error)
}
