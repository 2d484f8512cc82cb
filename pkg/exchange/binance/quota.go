package binance

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/raykavin/leverwatch/pkg/retry"
)

const (
	usedWeightHeader = "X-Mbx-Used-Weight-1m"
	retryAfterHeader = "Retry-After"

	DefaultWeightLimit    = 6000
	DefaultQuotaThreshold = 10
	DefaultRequestSpacing = 250 * time.Millisecond
)

// Quota tracks the request weight budget of the current one minute window
// and paces callers so the budget is never exhausted. It is shared by every
// request the client issues.
type Quota struct {
	mu sync.Mutex

	limit     int
	threshold int
	spacing   time.Duration

	used         int
	window       time.Time
	nextSlot     time.Time
	blockedUntil time.Time

	requests  int64
	pauses    int64
	throttled int64

	now   func() time.Time
	sleep retry.SleepFunc
}

// QuotaOption configures a Quota
type QuotaOption func(*Quota)

// WithWeightLimit sets the weight allowed per minute
func WithWeightLimit(limit int) QuotaOption {
	return func(q *Quota) {
		q.limit = limit
	}
}

// WithThreshold sets the remaining weight below which callers pause
func WithThreshold(threshold int) QuotaOption {
	return func(q *Quota) {
		q.threshold = threshold
	}
}

// WithSpacing sets the minimum delay between two requests
func WithSpacing(spacing time.Duration) QuotaOption {
	return func(q *Quota) {
		q.spacing = spacing
	}
}

// WithClock replaces the time source and the sleep function
func WithClock(now func() time.Time, sleep retry.SleepFunc) QuotaOption {
	return func(q *Quota) {
		q.now = now
		q.sleep = sleep
	}
}

func NewQuota(options ...QuotaOption) *Quota {
	q := &Quota{
		limit:     DefaultWeightLimit,
		threshold: DefaultQuotaThreshold,
		spacing:   DefaultRequestSpacing,
		now:       time.Now,
		sleep:     retry.Sleep,
	}

	for _, option := range options {
		option(q)
	}

	return q
}

// SetLimit updates the per minute weight limit reported by the exchange
func (q *Quota) SetLimit(limit int) {
	if limit <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.limit = limit
}

// Wait reserves the next request slot and blocks until it is due. A caller
// that finds the remaining weight below the threshold waits for the next
// minute window.
func (q *Quota) Wait(ctx context.Context) error {
	q.mu.Lock()
	now := q.now()
	q.rollWindow(now)

	readyAt := now
	if q.nextSlot.After(readyAt) {
		readyAt = q.nextSlot
	}
	if q.blockedUntil.After(readyAt) {
		readyAt = q.blockedUntil
	}

	if q.limit-q.used < q.threshold {
		reset := now.Truncate(time.Minute).Add(time.Minute)
		if reset.After(readyAt) {
			readyAt = reset
		}
		q.pauses++
		q.used = 0
		q.window = reset
	}

	q.nextSlot = readyAt.Add(q.spacing)
	q.requests++
	q.mu.Unlock()

	return q.sleep(ctx, readyAt.Sub(now))
}

// Observe records the weight and throttling hints of a response
func (q *Quota) Observe(resp *http.Response) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if used, err := strconv.Atoi(resp.Header.Get(usedWeightHeader)); err == nil {
		q.used = used
		q.window = now.Truncate(time.Minute)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		q.throttled++

		retryAfter := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		if seconds, err := strconv.Atoi(resp.Header.Get(retryAfterHeader)); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds) * time.Second
		}
		q.blockedUntil = now.Add(retryAfter)
	}
}

// BlockedFor returns how long the exchange asked to back off, zero if not blocked
func (q *Quota) BlockedFor() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d := q.blockedUntil.Sub(q.now()); d > 0 {
		return d
	}
	return 0
}

// rollWindow forgets the used weight once its minute has passed
func (q *Quota) rollWindow(now time.Time) {
	if q.window.Before(now.Truncate(time.Minute)) {
		q.used = 0
		q.window = now.Truncate(time.Minute)
	}
}

// QuotaSnapshot is a point in time view of the request budget
type QuotaSnapshot struct {
	Used         int           `json:"used"`
	Limit        int           `json:"limit"`
	Remaining    int           `json:"remaining"`
	Threshold    int           `json:"threshold"`
	Spacing      time.Duration `json:"spacing"`
	Requests     int64         `json:"requests"`
	Pauses       int64         `json:"pauses"`
	Throttled    int64         `json:"throttled"`
	WindowReset  time.Time     `json:"window_reset"`
	BlockedUntil time.Time     `json:"blocked_until,omitempty"`
}

func (q *Quota) Snapshot() QuotaSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.rollWindow(now)

	return QuotaSnapshot{
		Used:         q.used,
		Limit:        q.limit,
		Remaining:    q.limit - q.used,
		Threshold:    q.threshold,
		Spacing:      q.spacing,
		Requests:     q.requests,
		Pauses:       q.pauses,
		Throttled:    q.throttled,
		WindowReset:  now.Truncate(time.Minute).Add(time.Minute),
		BlockedUntil: q.blockedUntil,
	}
}

// Transport wraps next so every response updates the quota
func (q *Quota) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &quotaTransport{quota: q, next: next}
}

type quotaTransport struct {
	quota *Quota
	next  http.RoundTripper
}

func (t *quotaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	t.quota.Observe(resp)
	return resp, nil
}
