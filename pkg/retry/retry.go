// Package retry runs operations under a bounded retry policy shared by the
// exchange client and the notification dispatcher.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raykavin/leverwatch/pkg/core"
)

// BackoffFunc returns the wait after the given failed attempt (1-based)
type BackoffFunc func(attempt int) time.Duration

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried.
//
// A core.RateLimitError does not consume an attempt while fewer than
// MaxRateLimitWaits waits happened: the provider hint (or RateLimitFallback)
// is waited out and the same attempt is made again.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc

	// Retryable reports whether a failure is worth another attempt. Nil retries everything.
	Retryable func(error) bool

	RateLimitFallback time.Duration
	MaxRateLimitWaits int

	// OnRetry is called before every wait
	OnRetry func(attempt int, err error, wait time.Duration)

	Sleep SleepFunc
}

// Linear waits step multiplied by the attempt number
func Linear(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Constant always waits d
func Constant(d time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return d
	}
}

// Exponential delegates to a jpillora backoff without mutating its counter
func Exponential(b *backoff.Backoff) BackoffFunc {
	return func(attempt int) time.Duration {
		return b.ForAttempt(float64(attempt - 1))
	}
}

// Do runs fn until it succeeds, returns a non retryable error, the attempts
// are exhausted or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	rateLimitWaits := 0
	for attempt := 1; ; {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var wait time.Duration
		var rateLimited *core.RateLimitError

		switch {
		case errors.As(err, &rateLimited) && rateLimitWaits < p.MaxRateLimitWaits:
			rateLimitWaits++
			wait = rateLimited.RetryAfter
			if wait <= 0 {
				wait = p.RateLimitFallback
			}
		case p.Retryable != nil && !p.Retryable(err):
			return err
		case attempt >= maxAttempts:
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		default:
			if p.Backoff != nil {
				wait = p.Backoff(attempt)
			}
			attempt++
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return errors.Join(sleepErr, err)
		}
	}
}

// Sleep waits for d unless ctx is done first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
