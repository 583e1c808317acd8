package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memSink records events in memory for assertions.
type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func TestEmit_StampsTimeWhenUnset(t *testing.T) {
	sink := &memSink{}
	before := time.Now().UTC()
	Emit(context.Background(), sink, Event{SessionID: "s1", Type: EventSessionOpened})
	after := time.Now().UTC()

	if len(sink.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(sink.events))
	}
	at := sink.events[0].At
	if at.Before(before) || at.After(after) {
		t.Errorf("At = %v, want between %v and %v", at, before, after)
	}
}

func TestEmit_PreservesExplicitTime(t *testing.T) {
	sink := &memSink{}
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	Emit(context.Background(), sink, Event{SessionID: "s1", Type: EventOutcome, At: at})

	if got := sink.events[0].At; !got.Equal(at) {
		t.Errorf("At = %v, want %v", got, at)
	}
}

func TestEmit_NilSinkIsNoop(t *testing.T) {
	// Must not panic.
	Emit(context.Background(), nil, Event{SessionID: "s1", Type: EventChunkReceived})
}

func TestEmit_SinkFailureIsSwallowed(t *testing.T) {
	sink := &memSink{err: errors.New("connection refused")}
	// Must not panic or propagate.
	Emit(context.Background(), sink, Event{SessionID: "s1", Type: EventMergeCompleted})
}

func TestLogSink_Record(t *testing.T) {
	s := LogSink{}
	err := s.Record(context.Background(), Event{
		SessionID: "s1",
		Type:      EventVerifyResult,
		Detail:    map[string]any{"ok": true, "digest": "abc123"},
	})
	if err != nil {
		t.Errorf("Record returned error: %v", err)
	}
}
