package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/scribegate/internal/pipeline"
	"github.com/MrWong99/scribegate/internal/session"
)

// wsReadSlack is headroom added to the read limit on top of the chunk cap,
// covering JSON control frames and websocket framing.
const wsReadSlack = 4096

// handleWebSocket serves the single-socket upload transport: one connection
// carries tagged JSON control frames and binary chunk frames for exactly one
// session. The conversation is: open, then per chunk a header frame followed
// by a binary frame, then finalize (or abort). The outcome is written back
// before the connection closes.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected shutdown")

	conn.SetReadLimit(h.maxChunkBytes + wsReadSlack)

	ctx := r.Context()
	var (
		sess    *session.Session
		pending *ChunkHeader
	)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Client went away mid-upload; the session stays tracked so
			// the client can resume over HTTP until the expiry sweep.
			return
		}

		switch typ {
		case websocket.MessageText:
			if pending != nil {
				h.wsError(ctx, conn, fmt.Errorf("expected a binary frame with chunk %d", pending.Index))
				return
			}

			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.wsError(ctx, conn, fmt.Errorf("decode control message: %w", err))
				return
			}
			if err := msg.Validate(); err != nil {
				h.wsError(ctx, conn, err)
				return
			}

			switch msg.Type {
			case TypeOpen:
				if sess != nil {
					h.wsError(ctx, conn, fmt.Errorf("session %s is already open on this connection", sess.ID))
					return
				}
				if err := msg.Open.Validate(); err != nil {
					h.wsError(ctx, conn, err)
					return
				}
				sess, err = h.openSession(ctx, *msg.Open)
				if err != nil {
					h.wsError(ctx, conn, err)
					return
				}
				h.wsSend(ctx, conn, ServerMessage{
					Type:   "opened",
					Opened: &OpenResponse{SessionID: sess.ID, ExpiresAt: sess.ExpiresAt},
				})

			case TypeChunk:
				if sess == nil {
					h.wsError(ctx, conn, fmt.Errorf("chunk before open"))
					return
				}
				if err := msg.Chunk.Validate(h.maxChunkBytes); err != nil {
					h.wsError(ctx, conn, err)
					return
				}
				if msg.Chunk.Index >= sess.TotalChunks {
					h.wsError(ctx, conn,
						fmt.Errorf("chunk index %d out of range [0,%d)", msg.Chunk.Index, sess.TotalChunks))
					return
				}
				pending = msg.Chunk

			case TypeFinalize:
				if sess == nil {
					h.wsError(ctx, conn, fmt.Errorf("finalize before open"))
					return
				}
				out, err := h.gate.Finalize(ctx, sess.ID)
				if err != nil {
					var failure *pipeline.Failure
					if errors.As(err, &failure) && failure.Kind == pipeline.KindChunkCountMismatch {
						// Still missing chunks; the session survives and the
						// client may keep sending them on this connection.
						h.wsSend(ctx, conn, ServerMessage{Type: "error", Error: failure.Error()})
						continue
					}
					h.wsError(ctx, conn, err)
					return
				}
				status := statusFromOutcome(out)
				h.wsSend(ctx, conn, ServerMessage{Type: "outcome", Outcome: &status})
				conn.Close(websocket.StatusNormalClosure, string(out.State))
				return

			case TypeAbort:
				if sess == nil {
					h.wsError(ctx, conn, fmt.Errorf("abort before open"))
					return
				}
				if err := h.gate.Abort(ctx, sess.ID); err != nil && !errors.Is(err, session.ErrUnknown) {
					h.wsError(ctx, conn, err)
					return
				}
				conn.Close(websocket.StatusNormalClosure, "aborted")
				return
			}

		case websocket.MessageBinary:
			if pending == nil {
				h.wsError(ctx, conn, fmt.Errorf("binary frame without a preceding chunk header"))
				return
			}
			header := *pending
			pending = nil

			if int64(len(data)) != header.Size {
				h.wsError(ctx, conn,
					fmt.Errorf("chunk %d is %d bytes, header declared %d", header.Index, len(data), header.Size))
				return
			}

			n, err := h.store.WriteChunk(ctx, sess.ID, header.Index, bytes.NewReader(data))
			if err != nil {
				h.wsError(ctx, conn, fmt.Errorf("store chunk: %w", err))
				return
			}
			ack, err := h.recordChunk(ctx, sess, header.Index, n)
			if err != nil {
				h.wsError(ctx, conn, err)
				return
			}
			h.wsSend(ctx, conn, ServerMessage{Type: "chunk_ack", Chunk: &ack})
		}
	}
}

// wsSend writes a server message as a JSON text frame; write failures end
// the conversation at the caller's next read.
func (h *Handler) wsSend(ctx context.Context, conn *websocket.Conn, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket message encoding failed", "err", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("websocket write failed", "err", err)
	}
}

// wsError reports a protocol violation and closes the connection. The
// session, if any, stays tracked so the client can resume over HTTP.
func (h *Handler) wsError(ctx context.Context, conn *websocket.Conn, err error) {
	h.wsSend(ctx, conn, ServerMessage{Type: "error", Error: err.Error()})
	conn.Close(websocket.StatusPolicyViolation, "protocol error")
}
