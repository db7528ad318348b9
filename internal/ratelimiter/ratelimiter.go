// Package ratelimiter throttles segment archival: object uploads per second
// and bytes per second.
package ratelimiter

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// RateLimiter provides rate limiting using the token bucket algorithm.
//
// This implementation wraps golang.org/x/time/rate to provide:
//   - Token bucket rate limiting (allows bursts while enforcing sustained rate)
//   - Context-aware waiting (respects cancellation)
//   - Waiting for more tokens than the burst in bucket-sized steps
//
// A token is whatever the caller meters: one object upload, or one byte of
// a segment body streamed through Reader.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a new RateLimiter with the specified rate and burst capacity.
//
// Parameters:
//   - perSecond: Maximum sustained rate (tokens added per second)
//   - burst: Maximum burst size (bucket capacity in tokens)
//
// Special cases:
//   - perSecond = 0: No rate limiting (unlimited)
//   - burst = 0: burst equals one second worth of tokens
//
// Example:
//
//	// Upload at most 8 MiB/s, allowing 16 MiB bursts
//	limiter := New(8<<20, 16<<20)
func New(perSecond, burst uint) *RateLimiter {
	if perSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = perSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(burst)),
	}
}

// Unlimited reports whether the limiter never blocks.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow reports whether one token is available now, consuming it if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// WaitN blocks until n tokens have been consumed. Requests larger than the
// burst are served in burst-sized steps.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r.Unlimited() {
		return ctx.Err()
	}

	burst := r.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := r.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// SetLimit updates the sustained rate. Zero removes the limit.
func (r *RateLimiter) SetLimit(perSecond uint) {
	if perSecond == 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	if r.limiter.Burst() == 0 {
		r.limiter.SetBurst(int(perSecond))
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
}

// Tokens returns the current number of available tokens.
//
// This is primarily useful for monitoring and debugging.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// Reader wraps src so that every byte read consumes one token.
func (r *RateLimiter) Reader(ctx context.Context, src io.Reader) io.Reader {
	if r.Unlimited() {
		return src
	}
	return &throttledReader{ctx: ctx, src: src, limiter: r}
}

type throttledReader struct {
	ctx     context.Context
	src     io.Reader
	limiter *RateLimiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	// Never read more than one bucket at a time so a single Read cannot
	// run ahead of the limit.
	if burst := t.limiter.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.src.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
