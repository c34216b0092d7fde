// Package ratelimit provides the token-bucket bandwidth limiter behind the
// HTTP engine's `limit` option. The torrent adapter's upload/download caps
// use golang.org/x/time/rate instead.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"
)

// Limiter controls bandwidth usage with a token bucket that refills at
// bytesPerSecond and bursts up to one second's worth of bytes.
type Limiter struct {
	bytesPerSecond int64
	tokens         int64
	maxTokens      int64
	lastUpdate     time.Time
	mu             sync.Mutex
}

// New creates a limiter capped at bytesPerSecond. If bytesPerSecond <= 0,
// New returns nil, and all methods on a nil *Limiter are no-ops — callers
// never need a feature flag to skip rate limiting, just pass the nil value.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Limiter{
		bytesPerSecond: bytesPerSecond,
		tokens:         bytesPerSecond,
		maxTokens:      bytesPerSecond,
		lastUpdate:     time.Now(),
	}
}

// Acquire blocks until n bytes may be consumed, or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, n int64) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()

	now := time.Now()
	elapsed := now.Sub(l.lastUpdate)
	l.lastUpdate = now

	newTokens := int64(elapsed.Seconds() * float64(l.bytesPerSecond))
	l.tokens += newTokens
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}

	if l.tokens >= n {
		l.tokens -= n
		l.mu.Unlock()
		return nil
	}

	needed := n - l.tokens
	waitTime := time.Duration(float64(needed) / float64(l.bytesPerSecond) * float64(time.Second))
	l.tokens = 0
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(waitTime):
		return nil
	}
}

// SetLimit changes the rate limit in place.
func (l *Limiter) SetLimit(bytesPerSecond int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesPerSecond = bytesPerSecond
	l.maxTokens = bytesPerSecond
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
}

// Limit returns the current limit in bytes per second (0 for a nil limiter).
func (l *Limiter) Limit() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytesPerSecond
}

// Reader wraps an io.Reader, acquiring tokens for every byte read.
type Reader struct {
	r       io.Reader
	limiter *Limiter
	ctx     context.Context
}

// NewReader wraps r with limiter. A nil limiter makes this a passthrough.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) *Reader {
	return &Reader{r: r, limiter: limiter, ctx: ctx}
}

func (r *Reader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}

	n, err := r.r.Read(p)
	if n > 0 && r.limiter != nil {
		if limitErr := r.limiter.Acquire(r.ctx, int64(n)); limitErr != nil {
			return n, limitErr
		}
	}
	return n, err
}
