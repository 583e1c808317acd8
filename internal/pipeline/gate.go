// Package pipeline sequences the upload pipeline: merge, integrity
// verification, transcription, and corruption inspection, gated so that
// transcript text only ever leaves through an accepted outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/scribegate/internal/audit"
	"github.com/MrWong99/scribegate/internal/chunkstore"
	"github.com/MrWong99/scribegate/internal/merge"
	"github.com/MrWong99/scribegate/internal/notes"
	"github.com/MrWong99/scribegate/internal/observe"
	"github.com/MrWong99/scribegate/internal/session"
	"github.com/MrWong99/scribegate/internal/transcribe"
	"github.com/MrWong99/scribegate/internal/transcript"
)

// State is one stage of the pipeline. Transitions are strictly forward;
// there is no path back to [StateReceiving] — a rejected session must be
// restarted as a new session.
type State string

const (
	StateReceiving    State = "receiving"
	StateMerging      State = "merging"
	StateVerifying    State = "verifying"
	StateTranscribing State = "transcribing"
	StateInspecting   State = "inspecting"
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected"
)

// Terminal reports whether the state is a final outcome.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Outcome is the terminal result of one session's pipeline run.
type Outcome struct {
	// SessionID identifies the upload session.
	SessionID string

	// State is [StateAccepted] or [StateRejected].
	State State

	// Transcript is the validated transcript text; set only when accepted.
	Transcript string

	// Notes is the generated note text when a generator is configured and
	// succeeded; best-effort, may be empty even on acceptance.
	Notes string

	// Digest is the hex SHA-256 of the merged artifact, when the merge
	// completed.
	Digest string

	// Attempts is the number of transcription attempts performed.
	Attempts int

	// Failure describes the rejection; nil when accepted.
	Failure *Failure

	// CompletedAt is when the terminal state was reached.
	CompletedAt time.Time
}

// Transcriber is the retrying transcription client consumed by the gate.
// *transcribe.Client satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, job transcribe.Job) (*transcribe.Result, error)
}

// Gate orchestrates the pipeline for all sessions. Safe for concurrent use.
type Gate struct {
	tracker    *session.Tracker
	store      chunkstore.Store
	merger     *merge.Merger
	trans      Transcriber
	detector   *transcript.Detector
	generator  notes.Generator
	sink       audit.Sink
	metrics    *observe.Metrics
	retainFor  time.Duration
	runTimeout time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	stages   map[string]State
	outcomes map[string]*Outcome
}

// Config wires a [Gate]. Tracker, Store, Merger, Transcriber and Detector
// are required; Generator, Sink and Metrics may be nil.
type Config struct {
	Tracker     *session.Tracker
	Store       chunkstore.Store
	Merger      *merge.Merger
	Transcriber Transcriber
	Detector    *transcript.Detector

	// Generator receives accepted transcripts; nil disables note handoff.
	Generator notes.Generator

	// Sink receives audit events; nil disables auditing.
	Sink audit.Sink

	// Metrics records pipeline instruments; nil disables recording.
	Metrics *observe.Metrics

	// RetainOutcomes is how long terminal outcomes stay queryable after
	// completion. Default: 30 minutes.
	RetainOutcomes time.Duration

	// RunTimeout bounds one pipeline run from merge through inspection.
	// Default: 30 minutes.
	RunTimeout time.Duration
}

// NewGate constructs a Gate from cfg.
func NewGate(cfg Config) (*Gate, error) {
	switch {
	case cfg.Tracker == nil:
		return nil, errors.New("pipeline: Tracker must not be nil")
	case cfg.Store == nil:
		return nil, errors.New("pipeline: Store must not be nil")
	case cfg.Merger == nil:
		return nil, errors.New("pipeline: Merger must not be nil")
	case cfg.Transcriber == nil:
		return nil, errors.New("pipeline: Transcriber must not be nil")
	case cfg.Detector == nil:
		return nil, errors.New("pipeline: Detector must not be nil")
	}
	if cfg.RetainOutcomes <= 0 {
		cfg.RetainOutcomes = 30 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	return &Gate{
		tracker:    cfg.Tracker,
		store:      cfg.Store,
		merger:     cfg.Merger,
		trans:      cfg.Transcriber,
		detector:   cfg.Detector,
		generator:  cfg.Generator,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		retainFor:  cfg.RetainOutcomes,
		runTimeout: cfg.RunTimeout,
		stages:     make(map[string]State),
		outcomes:   make(map[string]*Outcome),
	}, nil
}

// Status returns the session's current stage. Terminal sessions also return
// their outcome. ok is false when the session is unknown and no retained
// outcome exists.
func (g *Gate) Status(sessionID string) (State, *Outcome, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if out, ok := g.outcomes[sessionID]; ok {
		return out.State, out, true
	}
	if st, ok := g.stages[sessionID]; ok {
		return st, nil, true
	}
	if _, err := g.tracker.Get(sessionID); err == nil {
		return StateReceiving, nil, true
	}
	return "", nil, false
}

// Finalize runs the session through merge, verify, transcribe and inspect,
// returning its terminal outcome. Concurrent calls for the same session
// collapse into one run; repeated calls after completion return the retained
// outcome without re-running anything.
//
// Session errors — unknown session, missing chunks, a declared size that
// disagrees with what was received — are returned as a [*Failure] error
// without entering the pipeline: the session and its chunks stay alive, so
// an early finalize can be followed by the missing uploads and retried.
func (g *Gate) Finalize(ctx context.Context, sessionID string) (*Outcome, error) {
	g.mu.RLock()
	cached, done := g.outcomes[sessionID]
	g.mu.RUnlock()
	if done {
		return cached, nil
	}

	v, err, _ := g.group.Do(sessionID, func() (any, error) {
		g.mu.RLock()
		cached, done := g.outcomes[sessionID]
		g.mu.RUnlock()
		if done {
			return cached, nil
		}

		sess, err := g.tracker.Get(sessionID)
		if err != nil {
			return nil, &Failure{
				Kind:   KindSessionUnknown,
				Detail: "session not found or expired",
			}
		}
		if !sess.IsComplete() {
			received, missing := sess.Progress()
			return nil, &Failure{
				Kind: KindChunkCountMismatch,
				Detail: fmt.Sprintf("received %d of %d chunks, %d missing",
					received, sess.TotalChunks, len(missing)),
			}
		}
		if got := sess.ReceivedBytes(); got != sess.TotalSize {
			return nil, &Failure{
				Kind: KindSizeDeclarationMismatch,
				Detail: fmt.Sprintf("received %d bytes, session declared %d",
					got, sess.TotalSize),
			}
		}

		// The run outlives the finalize request: a client disconnect or
		// proxy timeout during the minutes-long transcription must not
		// cancel the pipeline and cost the user their upload. The outcome
		// stays queryable for a disconnected client to re-poll.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.runTimeout)
		defer cancel()
		return g.run(runCtx, sess), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Outcome), nil
}

// run executes the full state machine for one complete session and returns
// its terminal outcome. Only ever invoked single-flight per session.
func (g *Gate) run(ctx context.Context, sess *session.Session) *Outcome {
	ctx, span := observe.StartSpan(ctx, "pipeline.finalize")
	defer span.End()

	sessionID := sess.ID

	// Merging.
	g.setStage(sessionID, StateMerging)
	artifact, err := g.merger.Merge(ctx, sess)
	if err != nil {
		return g.reject(ctx, sessionID, &Failure{
			Kind:   KindMergeFailed,
			Detail: err.Error(),
		}, "", 0)
	}
	audit.Emit(ctx, g.sink, audit.Event{
		SessionID: sessionID,
		Type:      audit.EventMergeCompleted,
		Detail:    map[string]any{"digest": artifact.Digest, "bytes": artifact.Size},
	})

	// Verifying.
	g.setStage(sessionID, StateVerifying)
	verifyStart := time.Now()
	verr := merge.Verify(artifact, sess.ReceivedBytes(), sess.ExpectedDigest, sess.FileType)
	if g.metrics != nil {
		g.metrics.VerifyDuration.Record(ctx, time.Since(verifyStart).Seconds())
	}
	audit.Emit(ctx, g.sink, audit.Event{
		SessionID: sessionID,
		Type:      audit.EventVerifyResult,
		Detail:    map[string]any{"ok": verr == nil},
	})
	if verr != nil {
		return g.reject(ctx, sessionID, &Failure{
			Kind:   integrityKind(verr),
			Detail: verr.Error(),
		}, artifact.Digest, 0)
	}

	// Transcribing.
	g.setStage(sessionID, StateTranscribing)
	result, terr := g.trans.Transcribe(ctx, transcribe.Job{
		Open: func() (io.ReadCloser, error) {
			return os.Open(artifact.Path)
		},
		Filename:  sessionID + "." + fileExt(sess.FileType),
		SizeBytes: artifact.Size,
		Language:  sess.Language,
	})
	attempts := 0
	if result != nil {
		attempts = result.Attempts
	}
	audit.Emit(ctx, g.sink, audit.Event{
		SessionID: sessionID,
		Type:      audit.EventTranscribeResult,
		Detail:    map[string]any{"ok": terr == nil, "attempts": attempts},
	})
	if terr != nil {
		return g.reject(ctx, sessionID, &Failure{
			Kind:   transcribeKind(terr),
			Detail: terr.Error(),
		}, artifact.Digest, attempts)
	}

	// Inspecting.
	g.setStage(sessionID, StateInspecting)
	flags := g.detector.Inspect(result.Text)
	if len(flags) > 0 {
		details := make([]string, 0, len(flags))
		for _, f := range flags {
			details = append(details, f.Detail)
			if g.metrics != nil {
				g.metrics.RecordCorruptionFlag(ctx, string(f.Kind))
			}
			audit.Emit(ctx, g.sink, audit.Event{
				SessionID: sessionID,
				Type:      audit.EventCorruptionFlag,
				Detail:    map[string]any{"kind": string(f.Kind), "detail": f.Detail},
			})
		}
		return g.reject(ctx, sessionID, &Failure{
			Kind:   KindTranscriptCorrupt,
			Detail: strings.Join(details, "; "),
			Flags:  flags,
		}, artifact.Digest, result.Attempts)
	}

	return g.accept(ctx, sess, artifact, result)
}

// accept finalises an accepted session: the transcript is handed to the
// note generator, the outcome recorded, and all transient state released.
func (g *Gate) accept(ctx context.Context, sess *session.Session, artifact *merge.Artifact, result *transcribe.Result) *Outcome {
	out := &Outcome{
		SessionID:   sess.ID,
		State:       StateAccepted,
		Transcript:  result.Text,
		Digest:      artifact.Digest,
		Attempts:    result.Attempts,
		CompletedAt: time.Now().UTC(),
	}

	if g.generator != nil {
		noteText, err := g.generator.Generate(ctx, notes.Request{
			SessionID:  sess.ID,
			Transcript: result.Text,
			Language:   sess.Language,
		})
		if err != nil {
			// Note generation is downstream of the gate's contract; its
			// failure does not reject a valid transcript.
			slog.Error("note generation failed", "session_id", sess.ID, "err", err)
		} else {
			out.Notes = noteText
		}
	}

	g.finish(ctx, out, "none")
	slog.Info("session accepted",
		"session_id", sess.ID,
		"digest", out.Digest,
		"attempts", out.Attempts,
		"chars", len(out.Transcript),
	)
	return out
}

// reject finalises a rejected session and releases all transient state.
func (g *Gate) reject(ctx context.Context, sessionID string, failure *Failure, digest string, attempts int) *Outcome {
	out := &Outcome{
		SessionID:   sessionID,
		State:       StateRejected,
		Digest:      digest,
		Attempts:    attempts,
		Failure:     failure,
		CompletedAt: time.Now().UTC(),
	}
	g.finish(ctx, out, string(failure.Kind))
	slog.Warn("session rejected",
		"session_id", sessionID,
		"kind", string(failure.Kind),
		"detail", failure.Detail,
	)
	return out
}

// finish records the outcome, emits metrics and audit, and deletes the
// session's chunks, artifact and tracker entry. The transcript text in the
// outcome is all that survives.
func (g *Gate) finish(ctx context.Context, out *Outcome, kind string) {
	g.mu.Lock()
	g.outcomes[out.SessionID] = out
	delete(g.stages, out.SessionID)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.RecordOutcome(ctx, string(out.State), kind)
	}
	audit.Emit(ctx, g.sink, audit.Event{
		SessionID: out.SessionID,
		Type:      audit.EventOutcome,
		Detail:    map[string]any{"state": string(out.State), "kind": kind},
	})

	if removed := g.tracker.Remove(out.SessionID); removed && g.metrics != nil {
		g.metrics.ActiveSessions.Add(ctx, -1)
	}
	if err := g.store.RemoveSession(out.SessionID); err != nil {
		slog.Error("chunk cleanup failed", "session_id", out.SessionID, "err", err)
	}
	if err := g.merger.Discard(out.SessionID); err != nil {
		slog.Error("artifact cleanup failed", "session_id", out.SessionID, "err", err)
	}
}

// Abort discards a session and all of its stored chunks. Aborting an unknown
// session returns [session.ErrUnknown].
func (g *Gate) Abort(ctx context.Context, sessionID string) error {
	if !g.tracker.Remove(sessionID) {
		return session.ErrUnknown
	}
	if g.metrics != nil {
		g.metrics.ActiveSessions.Add(ctx, -1)
	}
	g.mu.Lock()
	delete(g.stages, sessionID)
	g.mu.Unlock()

	if err := g.store.RemoveSession(sessionID); err != nil {
		slog.Error("chunk cleanup failed", "session_id", sessionID, "err", err)
	}
	if err := g.merger.Discard(sessionID); err != nil {
		slog.Error("artifact cleanup failed", "session_id", sessionID, "err", err)
	}
	audit.Emit(ctx, g.sink, audit.Event{
		SessionID: sessionID,
		Type:      audit.EventSessionAborted,
	})
	return nil
}

// Sweep releases expired sessions and their chunks, plus outcomes past
// their retention window. Returns the number of sessions expired.
func (g *Gate) Sweep(ctx context.Context, now time.Time) int {
	expired := g.tracker.SweepExpired(now)
	for _, sess := range expired {
		if err := g.store.RemoveSession(sess.ID); err != nil {
			slog.Error("chunk cleanup failed", "session_id", sess.ID, "err", err)
		}
		if g.metrics != nil {
			g.metrics.ActiveSessions.Add(ctx, -1)
			g.metrics.SessionsExpired.Add(ctx, 1)
		}
		audit.Emit(ctx, g.sink, audit.Event{
			SessionID: sess.ID,
			Type:      audit.EventSessionExpired,
		})
		slog.Info("session expired", "session_id", sess.ID)
	}

	g.mu.Lock()
	for id, out := range g.outcomes {
		if now.Sub(out.CompletedAt) > g.retainFor {
			delete(g.outcomes, id)
		}
	}
	g.mu.Unlock()

	return len(expired)
}

// RunSweeper calls [Gate.Sweep] every interval until ctx is cancelled.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			g.Sweep(ctx, now)
		}
	}
}

// setStage records the session's current pipeline stage for status queries.
func (g *Gate) setStage(sessionID string, st State) {
	g.mu.Lock()
	g.stages[sessionID] = st
	g.mu.Unlock()
}

// integrityKind maps a verification failure to its [FailureKind].
func integrityKind(err error) FailureKind {
	var ierr *merge.IntegrityError
	if !errors.As(err, &ierr) {
		return KindMergeFailed
	}
	switch ierr.Kind {
	case merge.IntegritySize:
		return KindIntegritySize
	case merge.IntegrityDigest:
		return KindIntegrityDigest
	case merge.IntegrityHeader:
		return KindIntegrityHeader
	default:
		return KindMergeFailed
	}
}

// transcribeKind maps a transcription failure to its [FailureKind].
func transcribeKind(err error) FailureKind {
	switch transcribe.KindOf(err) {
	case transcribe.KindTooLarge:
		return KindTranscribeTooLarge
	case transcribe.KindAuth:
		return KindTranscribeAuth
	case transcribe.KindRateLimited:
		return KindTranscribeRateLimited
	case transcribe.KindUnavailable:
		return KindTranscribeUnavailable
	default:
		return KindTranscribeFailed
	}
}

// fileExt derives a filename extension from the session's file-type hint.
func fileExt(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	h = strings.TrimPrefix(h, "audio/")
	h = strings.TrimPrefix(h, "video/")
	h = strings.TrimPrefix(h, ".")
	switch h {
	case "", "wav", "wave", "x-wav":
		return "wav"
	case "mpeg", "mpga", "mp3":
		return "mp3"
	default:
		return h
	}
}
