package pipeline

import (
	"fmt"
	"strings"

	"github.com/MrWong99/scribegate/internal/transcript"
)

// FailureKind classifies a pipeline failure. Each kind carries a distinct
// remediation hint because each category is resolved differently by the end
// user — a generic "something went wrong" helps nobody.
//
// The session kinds (unknown, chunk count, size declaration) are recoverable
// precondition failures: the session survives them. Every other kind is a
// terminal rejection.
type FailureKind string

const (
	KindSessionUnknown          FailureKind = "session_unknown"
	KindChunkCountMismatch      FailureKind = "chunk_count_mismatch"
	KindSizeDeclarationMismatch FailureKind = "size_declaration_mismatch"
	KindMergeFailed             FailureKind = "merge_failed"
	KindIntegritySize           FailureKind = "integrity_size"
	KindIntegrityDigest         FailureKind = "integrity_digest"
	KindIntegrityHeader         FailureKind = "integrity_header"
	KindTranscribeTooLarge      FailureKind = "transcribe_too_large"
	KindTranscribeAuth          FailureKind = "transcribe_auth"
	KindTranscribeRateLimited   FailureKind = "transcribe_rate_limited"
	KindTranscribeUnavailable   FailureKind = "transcribe_unavailable"
	KindTranscribeFailed        FailureKind = "transcribe_failed"
	KindTranscriptCorrupt       FailureKind = "transcript_corrupt"
)

// Hint returns the user-facing remediation hint for the kind.
func (k FailureKind) Hint() string {
	switch k {
	case KindSessionUnknown:
		return "The upload session was not found or has expired. Start a new upload."
	case KindChunkCountMismatch:
		return "The upload is incomplete. Re-send the missing parts and finalize again."
	case KindSizeDeclarationMismatch:
		return "The received data does not match the size declared when the upload started. Abort and start a new upload."
	case KindMergeFailed:
		return "The uploaded parts could not be assembled. Start a new upload."
	case KindIntegritySize:
		return "The reassembled file does not match the declared size. Re-upload the recording."
	case KindIntegrityDigest:
		return "The reassembled file is corrupted in transit. Re-upload the recording."
	case KindIntegrityHeader:
		return "The file does not look like a supported audio recording. Check the file format and re-upload."
	case KindTranscribeTooLarge:
		return "The recording is too large to transcribe. Upload a shorter or more compressed recording."
	case KindTranscribeAuth:
		return "The transcription service rejected our credentials. Contact support."
	case KindTranscribeRateLimited:
		return "The transcription service is busy. Try again in a few minutes."
	case KindTranscribeUnavailable:
		return "The transcription service is temporarily unavailable. Try again later."
	case KindTranscribeFailed:
		return "The recording could not be transcribed. Check the audio quality and re-upload."
	case KindTranscriptCorrupt:
		return "The transcription result looks corrupted. Check the audio quality and upload again."
	default:
		return "Upload processing failed. Start a new upload or contact support."
	}
}

// Failure is a classified pipeline failure with enough context to build an
// actionable user-facing message. Session-kind failures are returned as
// errors from [Gate.Finalize] and leave the session intact; the rest arrive
// inside a rejected [Outcome].
type Failure struct {
	// Kind classifies the rejection.
	Kind FailureKind

	// Detail is a short technical description of what went wrong.
	Detail string

	// Flags holds the triggered detector flags when Kind is
	// [KindTranscriptCorrupt].
	Flags []transcript.Flag
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if len(f.Flags) > 0 {
		kinds := make([]string, 0, len(f.Flags))
		for _, fl := range f.Flags {
			kinds = append(kinds, string(fl.Kind))
		}
		return fmt.Sprintf("pipeline: %s (%s): %s", f.Kind, strings.Join(kinds, ","), f.Detail)
	}
	return fmt.Sprintf("pipeline: %s: %s", f.Kind, f.Detail)
}

// Hint returns the remediation hint for the failure's kind.
func (f *Failure) Hint() string { return f.Kind.Hint() }
