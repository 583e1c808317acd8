package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/scribegate/internal/observe"
	"github.com/MrWong99/scribegate/internal/resilience"
)

const (
	// DefaultMaxUploadBytes is the service upload ceiling (25 MiB). Artifacts
	// above it are rejected before any network traffic.
	DefaultMaxUploadBytes = 25 << 20

	defaultMaxAttempts  = 3
	defaultBackoffBase  = 2 * time.Second
	defaultTimeoutFloor = 5 * time.Minute
	defaultTimeoutPerMB = 10 * time.Second
)

// Job describes one transcription request to [Client.Transcribe]. Unlike
// [Request] it carries an Open callback instead of a reader, because each
// retry attempt must read the artifact from the start.
type Job struct {
	// Open returns a fresh reader over the artifact. Called once per attempt.
	Open func() (io.ReadCloser, error)

	// Filename hints the container format to the service.
	Filename string

	// SizeBytes is the artifact size.
	SizeBytes int64

	// Language is an optional ISO 639-1 hint.
	Language string
}

// ClientConfig holds tuning knobs for [NewClient]. Zero values select the
// package defaults.
type ClientConfig struct {
	// MaxUploadBytes is the pre-flight size ceiling.
	MaxUploadBytes int64

	// MaxAttempts bounds retries for retryable failures.
	MaxAttempts int

	// BackoffBase is the exponential backoff base delay.
	BackoffBase time.Duration

	// TimeoutFloor is the minimum per-attempt timeout. Large artifacts get
	// TimeoutFloor + TimeoutPerMB × size so slow uploads are not cut off.
	TimeoutFloor time.Duration

	// TimeoutPerMB extends the per-attempt timeout per MiB of artifact.
	TimeoutPerMB time.Duration

	// Metrics records attempt outcomes; nil disables recording.
	Metrics *observe.Metrics

	// Sleep overrides the backoff wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client wraps a [Backend] with the upload ceiling, size-proportional
// per-attempt timeouts, and classified retry. Safe for concurrent use when
// the backend is.
type Client struct {
	backend Backend
	cfg     ClientConfig
}

// NewClient wraps backend with retry and admission policy.
func NewClient(backend Backend, cfg ClientConfig) *Client {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.TimeoutFloor <= 0 {
		cfg.TimeoutFloor = defaultTimeoutFloor
	}
	if cfg.TimeoutPerMB <= 0 {
		cfg.TimeoutPerMB = defaultTimeoutPerMB
	}
	return &Client{backend: backend, cfg: cfg}
}

// Transcribe submits the job, retrying rate-limit and availability failures
// with exponential backoff. Oversize jobs fail with [KindTooLarge] before the
// backend is ever called.
func (c *Client) Transcribe(ctx context.Context, job Job) (*Result, error) {
	if job.SizeBytes > c.cfg.MaxUploadBytes {
		return nil, &Error{
			Kind: KindTooLarge,
			Err:  fmt.Errorf("artifact is %d bytes, ceiling is %d", job.SizeBytes, c.cfg.MaxUploadBytes),
		}
	}

	attemptTimeout := c.timeoutFor(job.SizeBytes)

	retryCfg := resilience.Config{
		Name:        "transcription",
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BackoffBase,
		Sleep:       c.cfg.Sleep,
	}

	text, attempts, err := resilience.Do(ctx, retryCfg, classify, func(ctx context.Context) (string, error) {
		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()
		return c.attempt(actx, job)
	})

	c.recordAttempts(ctx, attempts)

	if err != nil {
		return nil, err
	}

	slog.Info("transcription succeeded",
		"filename", job.Filename,
		"bytes", job.SizeBytes,
		"attempts", len(attempts),
		"chars", len(text),
	)
	return &Result{Text: text, Attempts: len(attempts)}, nil
}

// attempt performs one try against the backend with a fresh artifact reader.
func (c *Client) attempt(ctx context.Context, job Job) (string, error) {
	rc, err := job.Open()
	if err != nil {
		return "", &Error{Kind: KindFatal, Err: fmt.Errorf("open artifact: %w", err)}
	}
	defer rc.Close()

	return c.backend.Transcribe(ctx, Request{
		Audio:     rc,
		Filename:  job.Filename,
		SizeBytes: job.SizeBytes,
		Language:  job.Language,
	})
}

// timeoutFor sizes the per-attempt timeout to the artifact: the floor plus a
// per-MiB allowance, rounding partial MiB up.
func (c *Client) timeoutFor(sizeBytes int64) time.Duration {
	mib := (sizeBytes + (1 << 20) - 1) >> 20
	return c.cfg.TimeoutFloor + time.Duration(mib)*c.cfg.TimeoutPerMB
}

// recordAttempts emits one metric sample per attempt.
func (c *Client) recordAttempts(ctx context.Context, attempts []resilience.Attempt) {
	if c.cfg.Metrics == nil {
		return
	}
	for _, a := range attempts {
		outcome := "success"
		if a.Err != nil {
			outcome = string(KindOf(a.Err))
		}
		c.cfg.Metrics.RecordAttempt(ctx, outcome, a.Latency.Seconds())
	}
}

// classify maps transcription error kinds onto the retry classes.
func classify(err error) resilience.Class {
	if KindOf(err).Retryable() {
		return resilience.ClassRetryable
	}
	return resilience.ClassFatal
}
