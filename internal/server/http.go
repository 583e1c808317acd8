package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MrWong99/scribegate/internal/audit"
	"github.com/MrWong99/scribegate/internal/chunkstore"
	"github.com/MrWong99/scribegate/internal/observe"
	"github.com/MrWong99/scribegate/internal/pipeline"
	"github.com/MrWong99/scribegate/internal/session"
)

// DefaultMaxChunkBytes caps one chunk body (16 MiB). The transcription
// ceiling is enforced later on the whole artifact; this cap just keeps a
// single request from holding the connection indefinitely.
const DefaultMaxChunkBytes = 16 << 20

// Handler serves the upload protocol. Construct with [New] and mount via
// [Handler.Register].
type Handler struct {
	tracker       *session.Tracker
	store         chunkstore.Store
	gate          *pipeline.Gate
	sink          audit.Sink
	metrics       *observe.Metrics
	maxChunkBytes int64
}

// HandlerConfig wires a [Handler]. Tracker, Store and Gate are required;
// Sink and Metrics may be nil.
type HandlerConfig struct {
	Tracker *session.Tracker
	Store   chunkstore.Store
	Gate    *pipeline.Gate
	Sink    audit.Sink
	Metrics *observe.Metrics

	// MaxChunkBytes caps a single chunk body. Default: 16 MiB.
	MaxChunkBytes int64
}

// New constructs a Handler from cfg.
func New(cfg HandlerConfig) (*Handler, error) {
	switch {
	case cfg.Tracker == nil:
		return nil, errors.New("server: Tracker must not be nil")
	case cfg.Store == nil:
		return nil, errors.New("server: Store must not be nil")
	case cfg.Gate == nil:
		return nil, errors.New("server: Gate must not be nil")
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	return &Handler{
		tracker:       cfg.Tracker,
		store:         cfg.Store,
		gate:          cfg.Gate,
		sink:          cfg.Sink,
		metrics:       cfg.Metrics,
		maxChunkBytes: cfg.MaxChunkBytes,
	}, nil
}

// Register adds the upload routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.handleOpen)
	mux.HandleFunc("PUT /v1/sessions/{id}/chunks/{index}", h.handleChunk)
	mux.HandleFunc("POST /v1/sessions/{id}/finalize", h.handleFinalize)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleAbort)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleStatus)
	mux.HandleFunc("GET /v1/upload", h.handleWebSocket)
}

// handleOpen declares a new upload session.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := h.openSession(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, OpenResponse{
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
	})
}

// openSession creates a tracked session from a validated declaration and
// emits the bookkeeping shared by both transports.
func (h *Handler) openSession(ctx context.Context, req OpenRequest) (*session.Session, error) {
	sess, err := h.tracker.Open(session.OpenRequest{
		TotalChunks:    req.TotalChunks,
		TotalSize:      req.TotalSize,
		FileType:       req.FileType,
		Language:       req.Language,
		ExpectedDigest: req.ExpectedDigest,
	})
	if err != nil {
		return nil, err
	}

	if h.metrics != nil {
		h.metrics.ActiveSessions.Add(ctx, 1)
	}
	audit.Emit(ctx, h.sink, audit.Event{
		SessionID: sess.ID,
		Type:      audit.EventSessionOpened,
		Detail: map[string]any{
			"total_chunks": req.TotalChunks,
			"total_size":   req.TotalSize,
			"file_type":    req.FileType,
		},
	})
	slog.Info("session opened",
		"session_id", sess.ID,
		"total_chunks", req.TotalChunks,
		"total_size", req.TotalSize,
	)
	return sess, nil
}

// handleChunk stores one chunk body. The chunk is written to scratch storage
// first and recorded with the session after; if the session vanished in
// between, the orphaned chunk is deleted again.
func (h *Handler) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index %q", r.PathValue("index")))
		return
	}

	sess, err := h.tracker.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if index >= sess.TotalChunks {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("chunk index %d out of range [0,%d)", index, sess.TotalChunks))
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxChunkBytes)
	n, err := h.store.WriteChunk(r.Context(), id, index, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("chunk exceeds the %d byte cap", h.maxChunkBytes))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("store chunk: %w", err))
		return
	}

	ack, err := h.recordChunk(r.Context(), sess, index, n)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// recordChunk registers a chunk that was already written to scratch storage.
// If the session vanished in between, the orphaned chunk is deleted again so
// no scratch data outlives its session.
func (h *Handler) recordChunk(ctx context.Context, sess *session.Session, index int, n int64) (ChunkResponse, error) {
	duplicate, err := h.tracker.RecordChunk(sess.ID, index, n)
	if err != nil {
		if rmErr := h.store.RemoveChunk(sess.ID, index); rmErr != nil {
			slog.Error("orphaned chunk cleanup failed", "session_id", sess.ID, "index", index, "err", rmErr)
		}
		return ChunkResponse{}, err
	}

	if h.metrics != nil {
		status := "stored"
		if duplicate {
			status = "duplicate"
		}
		h.metrics.RecordChunk(ctx, n, status)
	}
	audit.Emit(ctx, h.sink, audit.Event{
		SessionID: sess.ID,
		Type:      audit.EventChunkReceived,
		Detail:    map[string]any{"index": index, "bytes": n, "duplicate": duplicate},
	})

	received, _ := sess.Progress()
	return ChunkResponse{
		Duplicate: duplicate,
		Received:  received,
		Total:     sess.TotalChunks,
		Complete:  sess.IsComplete(),
	}, nil
}

// handleFinalize runs the session through the pipeline and returns its
// terminal outcome. The call blocks until the outcome is known, so clients
// can treat it as a long poll. A session-level precondition failure (missing
// chunks, mismatched size declaration) gets a 409 and leaves the session
// intact for the client to complete and finalize again.
func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	out, err := h.gate.Finalize(r.Context(), id)
	if err != nil {
		var failure *pipeline.Failure
		switch {
		case errors.As(err, &failure) && failure.Kind == pipeline.KindSessionUnknown:
			writeError(w, http.StatusNotFound, err)
		case errors.As(err, &failure):
			resp := StatusResponse{
				SessionID: id,
				State:     string(pipeline.StateReceiving),
				Failure: &FailurePayload{
					Kind:   string(failure.Kind),
					Detail: failure.Detail,
					Hint:   failure.Hint(),
				},
			}
			if sess, terr := h.tracker.Get(id); terr == nil {
				received, missing := sess.Progress()
				resp.Received = received
				resp.Total = sess.TotalChunks
				resp.Missing = missing
			}
			writeJSON(w, http.StatusConflict, resp)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, statusFromOutcome(out))
}

// handleAbort discards the session and its stored chunks.
func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.gate.Abort(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports chunk progress for live sessions and the retained
// outcome for terminal ones.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	state, out, ok := h.gate.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrUnknown)
		return
	}
	if out != nil {
		writeJSON(w, http.StatusOK, statusFromOutcome(out))
		return
	}

	resp := StatusResponse{SessionID: id, State: string(state)}
	if sess, err := h.tracker.Get(id); err == nil {
		received, missing := sess.Progress()
		resp.Received = received
		resp.Total = sess.TotalChunks
		resp.Missing = missing
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "err", err)
	}
}

// writeError encodes err as a JSON error response.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
