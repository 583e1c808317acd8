// Package audit records structured pipeline events for debugging and
// compliance review.
//
// The pipeline owns no durable state beyond the transient session, chunk,
// and artifact lifetime; the audit sink is where its history goes. Sinks are
// best-effort collaborators: a failed write is logged and dropped, never
// surfaced to the upload path.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// EventType names one recorded pipeline occurrence.
type EventType string

const (
	EventSessionOpened    EventType = "session_opened"
	EventChunkReceived    EventType = "chunk_received"
	EventSessionAborted   EventType = "session_aborted"
	EventSessionExpired   EventType = "session_expired"
	EventMergeCompleted   EventType = "merge_completed"
	EventVerifyResult     EventType = "verify_result"
	EventTranscribeResult EventType = "transcribe_result"
	EventCorruptionFlag   EventType = "corruption_flag"
	EventOutcome          EventType = "outcome"
)

// Event is one structured audit record.
type Event struct {
	// SessionID identifies the upload session the event belongs to.
	SessionID string

	// Type names the occurrence.
	Type EventType

	// At is when the event happened.
	At time.Time

	// Detail carries type-specific fields (digest, flag kind, attempt
	// counts). Values must be JSON-serialisable.
	Detail map[string]any
}

// Sink receives audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	// Record stores one event. Errors are the sink's to report; callers
	// treat recording as fire-and-forget.
	Record(ctx context.Context, ev Event) error
}

// LogSink is a [Sink] that writes events to the process log. It is the
// default when no database is configured.
type LogSink struct{}

// Compile-time interface check.
var _ Sink = LogSink{}

// Record implements [Sink] by logging the event at info level.
func (LogSink) Record(_ context.Context, ev Event) error {
	attrs := make([]any, 0, 2*len(ev.Detail)+4)
	attrs = append(attrs, "session_id", ev.SessionID, "event", string(ev.Type))
	for k, v := range ev.Detail {
		attrs = append(attrs, k, v)
	}
	slog.Info("audit event", attrs...)
	return nil
}

// Emit records ev on sink, stamping At when unset and logging any sink
// failure instead of returning it. A nil sink is a no-op.
func Emit(ctx context.Context, sink Sink, ev Event) {
	if sink == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := sink.Record(ctx, ev); err != nil {
		slog.Error("audit sink write failed",
			"session_id", ev.SessionID,
			"event", string(ev.Type),
			"err", err,
		)
	}
}
