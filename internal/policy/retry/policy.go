// Package retry classifies download failures and computes backoff delays.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jiang10061/image-downloader/internal/harvest"
)

// Class is the retry classification of an error.
type Class int

const (
	// Retryable errors are retried until attempts run out.
	Retryable Class = iota
	// Terminal errors end the attempt loop immediately.
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "retryable"
}

const (
	defaultBase = 500 * time.Millisecond
	defaultMax  = 10 * time.Second
)

// Policy implements capped exponential backoff without jitter.
type Policy struct {
	base time.Duration
	max  time.Duration
}

// New builds a Policy. Non-positive durations fall back to defaults.
func New(base, maxDelay time.Duration) *Policy {
	if base <= 0 {
		base = defaultBase
	}
	if maxDelay <= 0 {
		maxDelay = defaultMax
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Policy{base: base, max: maxDelay}
}

// Classify decides whether err is worth another attempt.
func (p *Policy) Classify(err error) Class {
	switch {
	case err == nil:
		return Terminal
	case errors.Is(err, context.Canceled),
		errors.Is(err, harvest.ErrBlockedContentType),
		errors.Is(err, harvest.ErrSizeOutOfBounds),
		errors.Is(err, harvest.ErrFilesystem),
		errors.Is(err, harvest.ErrStore):
		return Terminal
	}
	// Transport failures, per-fetch deadlines and non-2xx statuses are transient.
	return Retryable
}

// Backoff returns the delay after the given failed attempt (1-based): base*2^(attempt-1), capped.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.base) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.max) || math.IsInf(delay, 0) {
		return p.max
	}
	return time.Duration(delay)
}
