// Package notification delivers alert messages to Telegram chats and e-mail
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/retry"
	"github.com/samber/lo"
)

const (
	DefaultAttempts          = 3
	DefaultBackoff           = 5 * time.Second
	DefaultRateLimitFallback = 12 * time.Second
	DefaultTimeout           = 10 * time.Second

	maxRateLimitWaits = 3
)

// Dispatcher fans an alert out to every channel concurrently. Delivery
// succeeds when at least one channel accepts it.
type Dispatcher struct {
	channels []core.Channel
	log      logger.Logger
	timeout  time.Duration
	policy   retry.Policy
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithAttempts sets the attempts per channel
func WithAttempts(attempts int) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy.MaxAttempts = attempts
	}
}

// WithBackoff sets the fixed wait after a failed attempt
func WithBackoff(wait time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy.Backoff = retry.Constant(wait)
	}
}

// WithRateLimitFallback sets the wait used when a throttled channel gives no hint
func WithRateLimitFallback(wait time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy.RateLimitFallback = wait
	}
}

// WithTimeout bounds a single send
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithSleep replaces the wait between attempts
func WithSleep(sleep retry.SleepFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy.Sleep = sleep
	}
}

func NewDispatcher(log logger.Logger, channels []core.Channel, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		log:      log,
		timeout:  DefaultTimeout,
		policy: retry.Policy{
			MaxAttempts:       DefaultAttempts,
			Backoff:           retry.Constant(DefaultBackoff),
			RateLimitFallback: DefaultRateLimitFallback,
			MaxRateLimitWaits: maxRateLimitWaits,
		},
	}

	for _, option := range options {
		option(d)
	}

	return d
}

// Channels returns the names of the configured channels
func (d *Dispatcher) Channels() []string {
	return lo.Map(d.channels, func(c core.Channel, _ int) string { return c.Name() })
}

// Send formats and delivers an alert
func (d *Dispatcher) Send(ctx context.Context, a Alert) error {
	return d.Deliver(ctx, FormatAlert(a))
}

// Deliver sends text to every channel. It returns an error wrapping
// core.ErrDeliveryFailed only when no channel accepted the message.
func (d *Dispatcher) Deliver(ctx context.Context, text string) error {
	if len(d.channels) == 0 {
		return fmt.Errorf("%w: no channels configured", core.ErrDeliveryFailed)
	}

	results := make([]error, len(d.channels))

	var wg sync.WaitGroup
	for i, channel := range d.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.deliverTo(ctx, channel, text)
		}()
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			d.log.WithError(err).WithField("channel", d.channels[i].Name()).Warn("channel rejected alert")
		}
	}

	if lo.ContainsBy(results, func(err error) bool { return err == nil }) {
		return nil
	}

	return fmt.Errorf("%w: %w", core.ErrDeliveryFailed, errors.Join(results...))
}

func (d *Dispatcher) deliverTo(ctx context.Context, channel core.Channel, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", channel.Name(), r)
		}
	}()

	policy := d.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.log.WithError(err).WithFields(map[string]any{
			"channel": channel.Name(),
			"attempt": attempt,
			"wait":    wait.String(),
		}).Debug("retrying alert delivery")
	}

	return policy.Do(ctx, func(ctx context.Context) error {
		// a send in progress survives shutdown, bounded by the timeout
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		return channel.Send(callCtx, text)
	})
}
