// Package resilience provides the classified retry primitive used around the
// external transcription service.
//
// Failures are split into two classes by a caller-supplied [Classifier]:
// retryable failures are re-attempted with exponential backoff up to a
// bounded attempt count, everything else aborts immediately. Collapsing the
// two classes either wastes time retrying unrecoverable errors or gives up
// too early on transient ones, so the classification is the contract here.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Class is the retry classification of one failure.
type Class int

const (
	// ClassFatal aborts the retry loop immediately; the error is surfaced
	// after exactly one failed attempt.
	ClassFatal Class = iota

	// ClassRetryable schedules another attempt after the backoff delay,
	// until the attempt budget is exhausted.
	ClassRetryable
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRetryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Classifier maps a failure to its retry [Class].
type Classifier func(error) Class

// Attempt records the outcome of a single try, for diagnostics and tests.
type Attempt struct {
	// Number is the 1-based attempt number.
	Number int

	// Err is the attempt's failure, nil on success.
	Err error

	// Class is the classification of Err; meaningless when Err is nil.
	Class Class

	// Latency is how long the attempt took.
	Latency time.Duration

	// Backoff is the delay scheduled after this attempt, zero for the last.
	Backoff time.Duration
}

// Config holds tuning knobs for [Do].
type Config struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxAttempts bounds the number of tries. Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff base: the delay before attempt n+1 is
	// 2^(n-1) × BaseDelay (1×, 2×, 4×, …). Default: 1s.
	BaseDelay time.Duration

	// Sleep allows tests to intercept the backoff wait. When nil a
	// context-aware timer sleep is used.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn until it succeeds, a failure is classified [ClassFatal], the
// attempt budget is exhausted, or ctx is cancelled. It returns fn's last
// result together with the full attempt history.
func Do[T any](ctx context.Context, cfg Config, classify Classifier, fn func(ctx context.Context) (T, error)) (T, []Attempt, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var attempts []Attempt
	var zero T

	for n := 1; ; n++ {
		start := time.Now()
		out, err := fn(ctx)
		latency := time.Since(start)

		if err == nil {
			attempts = append(attempts, Attempt{Number: n, Latency: latency})
			return out, attempts, nil
		}

		class := classify(err)
		att := Attempt{Number: n, Err: err, Class: class, Latency: latency}

		if class != ClassRetryable || n >= cfg.MaxAttempts {
			attempts = append(attempts, att)
			return zero, attempts, err
		}

		delay := cfg.BaseDelay << (n - 1)
		att.Backoff = delay
		attempts = append(attempts, att)

		slog.Warn("retryable failure, backing off",
			"name", cfg.Name,
			"attempt", n,
			"max_attempts", cfg.MaxAttempts,
			"backoff", delay,
			"err", err,
		)

		if serr := sleep(ctx, delay); serr != nil {
			return zero, attempts, serr
		}
	}
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
