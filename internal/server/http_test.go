package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/scribegate/internal/chunkstore"
	"github.com/MrWong99/scribegate/internal/merge"
	"github.com/MrWong99/scribegate/internal/pipeline"
	"github.com/MrWong99/scribegate/internal/server"
	"github.com/MrWong99/scribegate/internal/session"
	"github.com/MrWong99/scribegate/internal/transcribe"
	"github.com/MrWong99/scribegate/internal/transcript"
)

// fakeTranscriber returns a fixed transcript without touching the network.
type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, job transcribe.Job) (*transcribe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rc, err := job.Open()
	if err != nil {
		return nil, err
	}
	rc.Close()
	return &transcribe.Result{Text: f.text, Attempts: 1}, nil
}

func newTestServer(t *testing.T, maxChunkBytes int64) *httptest.Server {
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
	gate, err := pipeline.NewGate(pipeline.Config{
		Tracker:     tracker,
		Store:       store,
		Merger:      merger,
		Transcriber: &fakeTranscriber{text: "patient reports mild swelling of the left ankle"},
		Detector:    transcript.NewDetector(transcript.Config{}),
	})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	handler, err := server.New(server.HandlerConfig{
		Tracker:       tracker,
		Store:         store,
		Gate:          gate,
		MaxChunkBytes: maxChunkBytes,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func putChunk(t *testing.T, base, id string, index int, data []byte, out *server.ChunkResponse) *http.Response {
	t.Helper()
	url := fmt.Sprintf("%s/v1/sessions/%s/chunks/%d", base, id, index)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode chunk response: %v", err)
		}
	}
	return resp
}

// wavBytes is a minimal RIFF/WAVE prefix followed by filler.
func wavBytes(n int) []byte {
	return append([]byte("RIFF\x24\x00\x00\x00WAVE"), bytes.Repeat([]byte{0xCD}, n)...)
}

func openSession(t *testing.T, base string, content []byte, chunks int) (string, [][]byte) {
	t.Helper()
	size := (len(content) + chunks - 1) / chunks
	var parts [][]byte
	for i := 0; i < len(content); i += size {
		end := i + size
		if end > len(content) {
			end = len(content)
		}
		parts = append(parts, content[i:end])
	}
	var opened server.OpenResponse
	resp := doJSON(t, http.MethodPost, base+"/v1/sessions", server.OpenRequest{
		TotalChunks: len(parts),
		TotalSize:   int64(len(content)),
		FileType:    "wav",
	}, &opened)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if opened.SessionID == "" {
		t.Fatal("open returned an empty session id")
	}
	return opened.SessionID, parts
}

func TestHTTP_UploadLifecycle(t *testing.T) {
	srv := newTestServer(t, 0)
	content := wavBytes(200)
	id, parts := openSession(t, srv.URL, content, 4)

	for i, part := range parts {
		var ack server.ChunkResponse
		resp := putChunk(t, srv.URL, id, i, part, &ack)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d status = %d, want 200", i, resp.StatusCode)
		}
		if ack.Received != i+1 {
			t.Errorf("chunk %d Received = %d, want %d", i, ack.Received, i+1)
		}
	}

	var status server.StatusResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/finalize", nil, &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d, want 200", resp.StatusCode)
	}
	if status.State != string(pipeline.StateAccepted) {
		t.Fatalf("State = %q, want accepted (failure: %+v)", status.State, status.Failure)
	}
	if status.Transcript == "" {
		t.Error("accepted outcome has no transcript")
	}

	// GET after finalize returns the retained outcome.
	var after server.StatusResponse
	doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+id, nil, &after)
	if after.State != string(pipeline.StateAccepted) {
		t.Errorf("status after finalize = %q, want accepted", after.State)
	}
}

func TestHTTP_OpenValidation(t *testing.T) {
	srv := newTestServer(t, 0)

	cases := []struct {
		name string
		body any
	}{
		{"zero chunks", server.OpenRequest{TotalChunks: 0, TotalSize: 10}},
		{"zero size", server.OpenRequest{TotalChunks: 2, TotalSize: 0}},
		{"bad digest", server.OpenRequest{TotalChunks: 2, TotalSize: 10, ExpectedDigest: "abc"}},
		{"unknown field", map[string]any{"total_chunks": 2, "total_size": 10, "nope": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", tc.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestHTTP_ChunkErrors(t *testing.T) {
	srv := newTestServer(t, 0)
	id, parts := openSession(t, srv.URL, wavBytes(100), 2)

	if resp := putChunk(t, srv.URL, "missing", 0, parts[0], nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
	if resp := putChunk(t, srv.URL, id, 7, parts[0], nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out-of-range index status = %d, want 400", resp.StatusCode)
	}

	var first, dup server.ChunkResponse
	putChunk(t, srv.URL, id, 0, parts[0], &first)
	putChunk(t, srv.URL, id, 0, parts[0], &dup)
	if first.Duplicate {
		t.Error("first write reported duplicate")
	}
	if !dup.Duplicate {
		t.Error("second write not reported duplicate")
	}
	if dup.Received != first.Received {
		t.Errorf("duplicate changed Received: %d -> %d", first.Received, dup.Received)
	}
}

func TestHTTP_ChunkBodyCap(t *testing.T) {
	srv := newTestServer(t, 64)
	id, _ := openSession(t, srv.URL, wavBytes(100), 1)

	resp := putChunk(t, srv.URL, id, 0, bytes.Repeat([]byte{0x01}, 256), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized chunk status = %d, want 413", resp.StatusCode)
	}
}

func TestHTTP_StatusProgress(t *testing.T) {
	srv := newTestServer(t, 0)
	id, parts := openSession(t, srv.URL, wavBytes(100), 3)
	putChunk(t, srv.URL, id, 1, parts[1], nil)

	var status server.StatusResponse
	doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+id, nil, &status)
	if status.State != string(pipeline.StateReceiving) {
		t.Errorf("State = %q, want receiving", status.State)
	}
	if status.Received != 1 || status.Total != 3 {
		t.Errorf("progress = %d/%d, want 1/3", status.Received, status.Total)
	}
	wantMissing := []int{0, 2}
	if len(status.Missing) != len(wantMissing) {
		t.Fatalf("Missing = %v, want %v", status.Missing, wantMissing)
	}
	for i, want := range wantMissing {
		if status.Missing[i] != want {
			t.Errorf("Missing[%d] = %d, want %d", i, status.Missing[i], want)
		}
	}
}

func TestHTTP_FinalizeIncomplete(t *testing.T) {
	srv := newTestServer(t, 0)
	id, parts := openSession(t, srv.URL, wavBytes(100), 3)
	putChunk(t, srv.URL, id, 0, parts[0], nil)

	var status server.StatusResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/finalize", nil, &status)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("finalize status = %d, want 409", resp.StatusCode)
	}
	if status.State != string(pipeline.StateReceiving) {
		t.Fatalf("State = %q, want receiving", status.State)
	}
	if status.Failure == nil || status.Failure.Kind != string(pipeline.KindChunkCountMismatch) {
		t.Fatalf("Failure = %+v, want kind chunk_count_mismatch", status.Failure)
	}
	if status.Failure.Hint == "" {
		t.Error("precondition failure carries no hint")
	}
	if status.Received != 1 || status.Total != 3 {
		t.Errorf("progress = %d/%d, want 1/3", status.Received, status.Total)
	}
	if len(status.Missing) != 2 {
		t.Errorf("Missing = %v, want the two unsent indexes", status.Missing)
	}

	// The session survives; sending the rest makes it finalizable.
	putChunk(t, srv.URL, id, 1, parts[1], nil)
	putChunk(t, srv.URL, id, 2, parts[2], nil)
	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+id+"/finalize", nil, &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize after completing status = %d, want 200", resp.StatusCode)
	}
	if status.State != string(pipeline.StateAccepted) {
		t.Fatalf("State = %q, want accepted (failure: %+v)", status.State, status.Failure)
	}
}

func TestHTTP_FinalizeUnknownSession(t *testing.T) {
	srv := newTestServer(t, 0)
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/nope/finalize", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHTTP_Abort(t *testing.T) {
	srv := newTestServer(t, 0)
	id, _ := openSession(t, srv.URL, wavBytes(100), 2)

	resp := doJSON(t, http.MethodDelete, srv.URL+"/v1/sessions/"+id, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("abort status = %d, want 204", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/sessions/"+id, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second abort status = %d, want 404", resp.StatusCode)
	}
}
