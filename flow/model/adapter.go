package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitError wraps a throttling failure with the server's retry-after
// hint when one was provided. errors.Is(err, ErrRateLimited) holds.
type RateLimitError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Cause }

// Is reports ErrRateLimited so classification works through the wrapper.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// AdapterOptions configures the retry and throttling layer.
type AdapterOptions struct {
	// CallTimeout bounds each non-streaming attempt. Default 60s.
	CallTimeout time.Duration

	// StreamTimeout bounds the whole streaming read. Default 300s.
	StreamTimeout time.Duration

	// MaxAttempts bounds retries for retryable failures. Default 3.
	MaxAttempts int

	// RateLimit is the process-wide request rate shared by all runs.
	// Zero disables throttling.
	RateLimit rate.Limit

	// RateBurst is the limiter burst. Default 1 when RateLimit is set.
	RateBurst int

	// Meter receives every successful call's usage. Optional.
	Meter *Meter
}

// Adapter wraps a provider backend with the behavior the orchestrator
// requires of every model call: a process-wide token-bucket rate limiter,
// bounded retries with exponential backoff on retryable classifications,
// retry-after hints on 429s, per-call timeouts, and token metering.
//
// Retry policy: rate-limit and transport failures are retried up to
// MaxAttempts with backoff base 4s, multiplier 2, cap 10s; a server
// retry-after hint overrides the computed delay. Token-limit and
// bad-request failures are never retried.
type Adapter struct {
	backend Client
	limiter *rate.Limiter
	meter   *Meter

	callTimeout   time.Duration
	streamTimeout time.Duration
	maxAttempts   int

	rng *rand.Rand

	// sleepFn waits between attempts. Tests swap it out to avoid real
	// delays.
	sleepFn func(ctx context.Context, d time.Duration) error
}

const (
	retryBase = 4 * time.Second
	retryCap  = 10 * time.Second
)

// NewAdapter wraps backend with the standard call policy.
func NewAdapter(backend Client, opts AdapterOptions) *Adapter {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 300 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &Adapter{
		backend:       backend,
		limiter:       limiter,
		meter:         opts.Meter,
		callTimeout:   opts.CallTimeout,
		streamTimeout: opts.StreamTimeout,
		maxAttempts:   opts.MaxAttempts,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter timing only
		sleepFn:       sleepCtx,
	}
}

// Generate performs a non-streaming call under the adapter policy.
func (a *Adapter) Generate(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := a.sleepFn(ctx, a.delayFor(lastErr, attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := a.wait(ctx); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		resp, err := a.backend.Generate(callCtx, req)
		cancel()

		if err == nil {
			if a.meter != nil {
				a.meter.Record(resp.Usage)
			}
			return resp, nil
		}
		err = normalizeCallErr(ctx, callCtx, err)
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// GenerateStream starts a streaming call. Only stream establishment is
// retried; once chunks flow, failures surface to the consumer directly.
// The returned stream observes the adapter's stream timeout and closes on
// cancellation; every chunk's usage lands in the meter exactly once.
func (a *Adapter) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := a.sleepFn(ctx, a.delayFor(lastErr, attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := a.wait(ctx); err != nil {
			return nil, err
		}

		streamCtx, cancel := context.WithTimeout(ctx, a.streamTimeout)
		st, err := a.backend.GenerateStream(streamCtx, req)
		if err == nil {
			return &meteredStream{inner: st, cancel: cancel, meter: a.meter}, nil
		}
		cancel()
		err = normalizeCallErr(ctx, streamCtx, err)
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// delayFor computes the wait before the next attempt. A server retry-after
// hint wins; otherwise exponential backoff with jitter, capped.
func (a *Adapter) delayFor(err error, attempt int) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	d := retryBase << attempt
	if d > retryCap {
		d = retryCap
	}
	// Jitter keeps concurrent retries from synchronizing while staying
	// under the cap.
	half := d / 2
	return half + time.Duration(a.rng.Int63n(int64(half)))
}

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

// normalizeCallErr maps a per-attempt deadline onto ErrTimeout while letting
// caller-level cancellation through untouched.
func normalizeCallErr(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || (call.Err() == context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// meteredStream decorates a provider stream with usage metering and
// cancel-on-close, guaranteeing at-most-once chunk delivery.
type meteredStream struct {
	inner  Stream
	cancel context.CancelFunc
	meter  *Meter
	done   bool
}

func (s *meteredStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	chunk, err := s.inner.Recv()
	if err != nil {
		s.done = true
		s.cancel()
		return Chunk{}, err
	}
	if chunk.Done {
		s.done = true
		if s.meter != nil && chunk.Usage != nil {
			s.meter.Record(*chunk.Usage)
		}
		s.cancel()
	}
	return chunk, nil
}

func (s *meteredStream) Close() error {
	s.done = true
	s.cancel()
	return s.inner.Close()
}
