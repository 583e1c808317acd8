package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/scribegate/internal/audit"
	"github.com/MrWong99/scribegate/internal/chunkstore"
	"github.com/MrWong99/scribegate/internal/merge"
	notesmock "github.com/MrWong99/scribegate/internal/notes/mock"
	"github.com/MrWong99/scribegate/internal/session"
	"github.com/MrWong99/scribegate/internal/transcribe"
	"github.com/MrWong99/scribegate/internal/transcript"
)

// fakeTranscriber scripts transcription results and records the audio it
// received.
type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	audio []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, job transcribe.Job) (*transcribe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rc, err := job.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	f.audio, _ = io.ReadAll(rc)
	if f.err != nil {
		return nil, f.err
	}
	return &transcribe.Result{Text: f.text, Attempts: 1}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memSink records audit events for assertions.
type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memSink) Record(_ context.Context, ev audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) types() []audit.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	gate    *Gate
	tracker *session.Tracker
	store   *chunkstore.FS
	trans   *fakeTranscriber
	gen     *notesmock.Generator
	sink    *memSink
	scratch string
}

func newFixture(t *testing.T, trans *fakeTranscriber) *fixture {
	t.Helper()
	scratch := t.TempDir()
	store, err := chunkstore.NewFS(filepath.Join(scratch, "chunks"))
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	merger, err := merge.New(merge.Config{
		Store:       store,
		ArtifactDir: filepath.Join(scratch, "artifacts"),
	})
	if err != nil {
		t.Fatalf("merge.New: %v", err)
	}
	tracker := session.NewTracker(session.TrackerConfig{TTL: time.Minute})
	gen := &notesmock.Generator{Text: "structured notes"}
	sink := &memSink{}
	gate, err := NewGate(Config{
		Tracker:     tracker,
		Store:       store,
		Merger:      merger,
		Transcriber: trans,
		Detector:    transcript.NewDetector(transcript.Config{}),
		Generator:   gen,
		Sink:        sink,
	})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return &fixture{
		gate:    gate,
		tracker: tracker,
		store:   store,
		trans:   trans,
		gen:     gen,
		sink:    sink,
		scratch: scratch,
	}
}

// wavContent is a minimal RIFF/WAVE prefix followed by filler so the header
// check passes.
func wavContent(n int) []byte {
	content := append([]byte("RIFF\x24\x00\x00\x00WAVE"), bytes.Repeat([]byte{0xAB}, n)...)
	return content
}

// uploadSession opens a session and stores content split into chunks of the
// given size, returning the session ID.
func uploadSession(t *testing.T, f *fixture, content []byte, chunkSize int, digest string) string {
	t.Helper()
	total := (len(content) + chunkSize - 1) / chunkSize
	sess, err := f.tracker.Open(session.OpenRequest{
		TotalChunks:    total,
		TotalSize:      int64(len(content)),
		FileType:       "wav",
		ExpectedDigest: digest,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(content) {
			end = len(content)
		}
		part := content[i*chunkSize : end]
		if _, err := f.store.WriteChunk(context.Background(), sess.ID, i, bytes.NewReader(part)); err != nil {
			t.Fatalf("WriteChunk %d: %v", i, err)
		}
		if _, err := f.tracker.RecordChunk(sess.ID, i, int64(len(part))); err != nil {
			t.Fatalf("RecordChunk %d: %v", i, err)
		}
	}
	return sess.ID
}

func TestFinalize_Accepted(t *testing.T) {
	trans := &fakeTranscriber{text: "patient reports mild swelling of the left ankle"}
	f := newFixture(t, trans)
	content := wavContent(300)
	sum := sha256.Sum256(content)
	id := uploadSession(t, f, content, 64, hex.EncodeToString(sum[:]))

	out, err := f.gate.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.State != StateAccepted {
		t.Fatalf("State = %q, want %q (failure: %+v)", out.State, StateAccepted, out.Failure)
	}
	if out.Transcript != trans.text {
		t.Errorf("Transcript = %q, want %q", out.Transcript, trans.text)
	}
	if out.Notes != "structured notes" {
		t.Errorf("Notes = %q, want %q", out.Notes, "structured notes")
	}
	if !bytes.Equal(trans.audio, content) {
		t.Errorf("transcriber received %d bytes, want the %d merged bytes", len(trans.audio), len(content))
	}

	// The generator received only the validated transcript.
	calls := f.gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("generator calls = %d, want 1", len(calls))
	}
	if calls[0].Req.Transcript != trans.text {
		t.Errorf("generator transcript = %q, want %q", calls[0].Req.Transcript, trans.text)
	}

	// Transient state is gone: session, chunks and artifact.
	if _, err := f.tracker.Get(id); !errors.Is(err, session.ErrUnknown) {
		t.Errorf("tracker.Get after accept = %v, want ErrUnknown", err)
	}
	if _, err := f.store.OpenChunk(id, 0); err == nil {
		t.Error("chunk still readable after accept")
	}
	entries, _ := os.ReadDir(filepath.Join(f.scratch, "artifacts"))
	if len(entries) != 0 {
		t.Errorf("artifact dir has %d entries after accept, want 0", len(entries))
	}
}

func TestFinalize_UnknownSession(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{text: "x"})
	out, err := f.gate.Finalize(context.Background(), "no-such-session")
	if out != nil {
		t.Fatalf("Finalize produced an outcome %+v for an unknown session", out)
	}
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindSessionUnknown {
		t.Fatalf("Finalize error = %v, want Failure kind %q", err, KindSessionUnknown)
	}
	if _, _, ok := f.gate.Status("no-such-session"); ok {
		t.Error("failed finalize left a retained outcome for an unknown session")
	}
}

func TestFinalize_IncompleteSessionSurvives(t *testing.T) {
	trans := &fakeTranscriber{text: "patient doing well"}
	f := newFixture(t, trans)

	content := wavContent(52)
	sess, err := f.tracker.Open(session.OpenRequest{TotalChunks: 2, TotalSize: int64(len(content)), FileType: "wav"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, second := content[:32], content[32:]
	if _, err := f.store.WriteChunk(context.Background(), sess.ID, 0, bytes.NewReader(first)); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}
	if _, err := f.tracker.RecordChunk(sess.ID, 0, int64(len(first))); err != nil {
		t.Fatalf("RecordChunk 0: %v", err)
	}

	out, err := f.gate.Finalize(context.Background(), sess.ID)
	if out != nil {
		t.Fatalf("premature Finalize produced an outcome %+v", out)
	}
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindChunkCountMismatch {
		t.Fatalf("Finalize error = %v, want Failure kind %q", err, KindChunkCountMismatch)
	}
	if trans.callCount() != 0 {
		t.Errorf("transcriber calls = %d, want 0", trans.callCount())
	}

	// The session and its stored chunk survive a premature finalize.
	if _, err := f.tracker.Get(sess.ID); err != nil {
		t.Fatalf("tracker.Get after premature finalize = %v, want session alive", err)
	}
	if _, err := f.store.OpenChunk(sess.ID, 0); err != nil {
		t.Fatalf("OpenChunk after premature finalize = %v, want chunk retained", err)
	}

	// Sending the missing chunk makes the same session finalizable.
	if _, err := f.store.WriteChunk(context.Background(), sess.ID, 1, bytes.NewReader(second)); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}
	if _, err := f.tracker.RecordChunk(sess.ID, 1, int64(len(second))); err != nil {
		t.Fatalf("RecordChunk 1: %v", err)
	}
	out, err = f.gate.Finalize(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Finalize after completing: %v", err)
	}
	if out.State != StateAccepted {
		t.Fatalf("State = %q, want %q (failure: %+v)", out.State, StateAccepted, out.Failure)
	}
}

func TestFinalize_DeclaredSizeMismatch(t *testing.T) {
	trans := &fakeTranscriber{text: "x"}
	f := newFixture(t, trans)

	content := wavContent(52)
	sess, err := f.tracker.Open(session.OpenRequest{
		TotalChunks: 1,
		TotalSize:   int64(len(content)) + 5,
		FileType:    "wav",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.store.WriteChunk(context.Background(), sess.ID, 0, bytes.NewReader(content)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if _, err := f.tracker.RecordChunk(sess.ID, 0, int64(len(content))); err != nil {
		t.Fatalf("RecordChunk: %v", err)
	}

	out, err := f.gate.Finalize(context.Background(), sess.ID)
	if out != nil {
		t.Fatalf("Finalize produced an outcome %+v despite the size mismatch", out)
	}
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != KindSizeDeclarationMismatch {
		t.Fatalf("Finalize error = %v, want Failure kind %q", err, KindSizeDeclarationMismatch)
	}
	if trans.callCount() != 0 {
		t.Errorf("transcriber calls = %d, want 0", trans.callCount())
	}
	if _, err := f.tracker.Get(sess.ID); err != nil {
		t.Errorf("tracker.Get after size mismatch = %v, want session alive", err)
	}
}

func TestFinalize_SurvivesCallerCancellation(t *testing.T) {
	trans := &fakeTranscriber{text: "patient reports mild swelling"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.gate.Finalize(ctx, id)
	if err != nil {
		t.Fatalf("Finalize with cancelled caller context: %v", err)
	}
	if out.State != StateAccepted {
		t.Fatalf("State = %q, want %q (failure: %+v)", out.State, StateAccepted, out.Failure)
	}
	if out.Transcript != trans.text {
		t.Errorf("Transcript = %q, want %q", out.Transcript, trans.text)
	}
}

func TestFinalize_DigestMismatch(t *testing.T) {
	trans := &fakeTranscriber{text: "x"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32,
		"0000000000000000000000000000000000000000000000000000000000000000")

	out, err := f.gate.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Failure == nil || out.Failure.Kind != KindIntegrityDigest {
		t.Fatalf("Failure = %+v, want kind %q", out.Failure, KindIntegrityDigest)
	}
	if out.Failure.Hint() == "" {
		t.Error("rejection carries no remediation hint")
	}
	if trans.callCount() != 0 {
		t.Errorf("transcriber calls = %d, want 0", trans.callCount())
	}
}

func TestFinalize_InvalidHeader(t *testing.T) {
	trans := &fakeTranscriber{text: "x"}
	f := newFixture(t, trans)
	content := append([]byte("this is not audio at all"), bytes.Repeat([]byte{0x20}, 80)...)
	id := uploadSession(t, f, content, 32, "")

	out, err := f.gate.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Failure == nil || out.Failure.Kind != KindIntegrityHeader {
		t.Fatalf("Failure = %+v, want kind %q", out.Failure, KindIntegrityHeader)
	}
}

func TestFinalize_TranscribeAuthFailure(t *testing.T) {
	trans := &fakeTranscriber{err: &transcribe.Error{Kind: transcribe.KindAuth, Err: errors.New("401")}}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	out, err := f.gate.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Failure == nil || out.Failure.Kind != KindTranscribeAuth {
		t.Fatalf("Failure = %+v, want kind %q", out.Failure, KindTranscribeAuth)
	}
}

func TestFinalize_CorruptTranscriptNeverReachesGenerator(t *testing.T) {
	trans := &fakeTranscriber{text: "Thank you. Thanks for watching!"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	out, err := f.gate.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if out.Failure == nil || out.Failure.Kind != KindTranscriptCorrupt {
		t.Fatalf("Failure = %+v, want kind %q", out.Failure, KindTranscriptCorrupt)
	}
	if len(out.Failure.Flags) == 0 {
		t.Error("rejection carries no detector flags")
	}
	if out.Transcript != "" {
		t.Errorf("Transcript = %q, want empty on rejection", out.Transcript)
	}
	if n := len(f.gen.Calls()); n != 0 {
		t.Errorf("generator calls = %d, want 0", n)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	trans := &fakeTranscriber{text: "the quick brown fox"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	first, err := f.gate.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	second, err := f.gate.Finalize(context.Background(), id)
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if first != second {
		t.Error("second Finalize produced a different outcome")
	}
	if trans.callCount() != 1 {
		t.Errorf("transcriber calls = %d, want 1", trans.callCount())
	}
}

func TestFinalize_ConcurrentSingleFlight(t *testing.T) {
	trans := &fakeTranscriber{text: "the quick brown fox"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	const n = 8
	var wg sync.WaitGroup
	outs := make([]*Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], _ = f.gate.Finalize(context.Background(), id)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if outs[i] != outs[0] {
			t.Fatalf("caller %d got a different outcome", i)
		}
	}
	if trans.callCount() != 1 {
		t.Errorf("transcriber calls = %d, want 1", trans.callCount())
	}
}

func TestStatus_Lifecycle(t *testing.T) {
	trans := &fakeTranscriber{text: "the quick brown fox"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	st, out, ok := f.gate.Status(id)
	if !ok || st != StateReceiving || out != nil {
		t.Fatalf("Status before finalize = (%q, %v, %v), want (receiving, nil, true)", st, out, ok)
	}

	if _, err := f.gate.Finalize(context.Background(), id); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	st, out, ok = f.gate.Status(id)
	if !ok || st != StateAccepted || out == nil {
		t.Fatalf("Status after finalize = (%q, %v, %v), want (accepted, outcome, true)", st, out, ok)
	}

	if _, _, ok := f.gate.Status("missing"); ok {
		t.Error("Status for unknown session reported ok")
	}
}

func TestAbort(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{text: "x"})
	id := uploadSession(t, f, wavContent(100), 32, "")

	if err := f.gate.Abort(context.Background(), id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := f.store.OpenChunk(id, 0); err == nil {
		t.Error("chunk still readable after abort")
	}
	if err := f.gate.Abort(context.Background(), id); !errors.Is(err, session.ErrUnknown) {
		t.Errorf("second Abort = %v, want ErrUnknown", err)
	}
}

func TestSweep_ExpiredSessionsAndOutcomes(t *testing.T) {
	trans := &fakeTranscriber{text: "the quick brown fox"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	if n := f.gate.Sweep(context.Background(), time.Now()); n != 0 {
		t.Errorf("Sweep before expiry = %d, want 0", n)
	}

	if n := f.gate.Sweep(context.Background(), time.Now().Add(2*time.Minute)); n != 1 {
		t.Errorf("Sweep after expiry = %d, want 1", n)
	}
	if _, err := f.store.OpenChunk(id, 0); err == nil {
		t.Error("chunk still readable after expiry sweep")
	}

	// Outcomes are dropped once the retention window passes.
	id2 := uploadSession(t, f, wavContent(100), 32, "")
	if _, err := f.gate.Finalize(context.Background(), id2); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.gate.Sweep(context.Background(), time.Now().Add(time.Hour))
	if _, _, ok := f.gate.Status(id2); ok {
		t.Error("outcome survived past its retention window")
	}
}

func TestFinalize_AuditTrail(t *testing.T) {
	trans := &fakeTranscriber{text: "the quick brown fox"}
	f := newFixture(t, trans)
	id := uploadSession(t, f, wavContent(100), 32, "")

	if _, err := f.gate.Finalize(context.Background(), id); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	want := map[audit.EventType]bool{
		audit.EventMergeCompleted:   false,
		audit.EventVerifyResult:     false,
		audit.EventTranscribeResult: false,
		audit.EventOutcome:          false,
	}
	for _, typ := range f.sink.types() {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("audit trail missing %s event", typ)
		}
	}
}

func TestFailureKind_DistinctHints(t *testing.T) {
	kinds := []FailureKind{
		KindSessionUnknown, KindChunkCountMismatch, KindSizeDeclarationMismatch,
		KindMergeFailed,
		KindIntegritySize, KindIntegrityDigest, KindIntegrityHeader,
		KindTranscribeTooLarge, KindTranscribeAuth, KindTranscribeRateLimited,
		KindTranscribeUnavailable, KindTranscribeFailed, KindTranscriptCorrupt,
	}
	seen := map[string]FailureKind{}
	for _, k := range kinds {
		hint := k.Hint()
		if hint == "" {
			t.Errorf("%s has no hint", k)
			continue
		}
		if prev, dup := seen[hint]; dup {
			t.Errorf("%s and %s share the hint %q", prev, k, hint)
		}
		seen[hint] = k
	}
}
