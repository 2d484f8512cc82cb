// Package monitor drives the polling loop: load the leveraged universe,
// evaluate symbols in small batches and dispatch threshold alerts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raykavin/leverwatch/pkg/alert"
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/indicator"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/metric"
	"github.com/raykavin/leverwatch/pkg/notification"
	"github.com/raykavin/leverwatch/pkg/retry"
	"github.com/samber/lo"
)

const (
	DefaultTimeframe      = "15m"
	DefaultCandleLimit    = 50
	DefaultInterval       = 5 * time.Minute
	DefaultBatchSize      = 3
	DefaultBatchDelay     = 10 * time.Second
	DefaultFaultCooldown  = time.Minute
	DefaultMaxFaultDelay  = 10 * time.Minute
	faultCooldownMultiple = 2
)

var (
	errRestarted = errors.New("cycle interrupted by restart")
	errStopped   = errors.New("cycle interrupted by stop")
)

// Dispatcher delivers a formatted alert to the configured channels
type Dispatcher interface {
	Send(ctx context.Context, a notification.Alert) error
}

// Monitor runs monitoring cycles until its context is done
type Monitor struct {
	feeder     core.Feeder
	dispatcher Dispatcher
	session    *Session
	log        logger.Logger
	metrics    *metric.Metrics

	timeframe   string
	candleLimit int
	interval    time.Duration
	batchSize   int
	batchDelay  time.Duration
	fault       *backoff.Backoff

	now        func() time.Time
	sleep      retry.SleepFunc
	onProgress func(done, total int)
	afterCycle func()

	mu             sync.Mutex
	active         bool
	running        bool
	restartPending bool
	wake           chan struct{}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithTimeframe sets the candle interval, e.g. "15m"
func WithTimeframe(timeframe string) Option {
	return func(m *Monitor) {
		m.timeframe = timeframe
	}
}

// WithCandleLimit sets how many closed candles are fetched per symbol
func WithCandleLimit(limit int) Option {
	return func(m *Monitor) {
		m.candleLimit = limit
	}
}

// WithInterval sets the wait between the end of a cycle and the next one
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		m.interval = interval
	}
}

// WithBatchSize sets how many symbols are evaluated concurrently
func WithBatchSize(size int) Option {
	return func(m *Monitor) {
		m.batchSize = size
	}
}

// WithBatchDelay sets the pause between two batches
func WithBatchDelay(delay time.Duration) Option {
	return func(m *Monitor) {
		m.batchDelay = delay
	}
}

// WithFaultCooldown sets the first and the largest delay after a faulty cycle
func WithFaultCooldown(initial, maximum time.Duration) Option {
	return func(m *Monitor) {
		m.fault = &backoff.Backoff{Min: initial, Max: maximum, Factor: faultCooldownMultiple}
	}
}

// WithTracker replaces the alert tracker
func WithTracker(tracker *alert.Tracker) Option {
	return func(m *Monitor) {
		m.session.Tracker = tracker
	}
}

// WithMetrics publishes loop activity to Prometheus
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithSleep replaces the wait between batches
func WithSleep(sleep retry.SleepFunc) Option {
	return func(m *Monitor) {
		m.sleep = sleep
	}
}

// WithProgress is called every time a symbol evaluation settles
func WithProgress(fn func(done, total int)) Option {
	return func(m *Monitor) {
		m.onProgress = fn
	}
}

// WithAfterCycle is called after every completed cycle
func WithAfterCycle(fn func()) Option {
	return func(m *Monitor) {
		m.afterCycle = fn
	}
}

func New(log logger.Logger, feeder core.Feeder, dispatcher Dispatcher, options ...Option) *Monitor {
	m := &Monitor{
		feeder:      feeder,
		dispatcher:  dispatcher,
		log:         log,
		timeframe:   DefaultTimeframe,
		candleLimit: DefaultCandleLimit,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
		batchDelay:  DefaultBatchDelay,
		fault: &backoff.Backoff{
			Min:    DefaultFaultCooldown,
			Max:    DefaultMaxFaultDelay,
			Factor: faultCooldownMultiple,
		},
		now:    time.Now,
		sleep:  retry.Sleep,
		active: true,
		wake:   make(chan struct{}, 1),
	}
	m.session = &Session{Tracker: alert.NewTracker()}

	for _, option := range options {
		option(m)
	}

	m.session.Stats = NewStats(m.now())
	m.batchSize = max(m.batchSize, 1)

	return m
}

// Session exposes the tracker and the counters
func (m *Monitor) Session() *Session {
	return m.session
}

// Run loops over cycles until ctx is done. A failure to load the symbol
// universe is returned and must stop the process.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithFields(map[string]any{
		"timeframe": m.timeframe,
		"interval":  m.interval.String(),
		"batch":     m.batchSize,
		"policy":    string(m.session.Tracker.Policy()),
	}).Info("monitor started")

	for {
		wait := m.interval

		if m.Active() {
			err := m.safeCycle(ctx)

			switch {
			case ctx.Err() != nil:
				m.log.Info("monitor stopped")
				return nil
			case errors.Is(err, core.ErrMarketLoad):
				return err
			case errors.Is(err, errRestarted):
				m.drainWake()
				continue
			case errors.Is(err, errStopped):
				m.log.Info("cycle interrupted, monitor is inactive")
			case err != nil:
				wait = m.fault.Duration()
				m.metrics.CycleFault()
				m.session.Stats.RecordError(ErrorRecord{Kind: ErrorKind(err), Message: err.Error(), At: m.now()})
				m.log.WithError(err).WithField("cooldown", wait.String()).Error("cycle fault, delaying next cycle")
			default:
				m.fault.Reset()
			}
		}

		if !m.Active() {
			wait = -1
		}

		if !m.waitNext(ctx, wait) {
			m.log.Info("monitor stopped")
			return nil
		}
	}
}

// waitNext blocks for wait, or forever when negative, until ctx is done or
// the loop is woken by Restart. It returns false when ctx is done.
func (m *Monitor) waitNext(ctx context.Context, wait time.Duration) bool {
	var timeout <-chan time.Time
	if wait >= 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		return true
	case <-timeout:
		return true
	}
}

func (m *Monitor) drainWake() {
	select {
	case <-m.wake:
	default:
	}
}

func (m *Monitor) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
			m.log.WithField("stack", string(debug.Stack())).Error("cycle panicked")
		}
	}()

	return m.RunCycle(ctx)
}

// RunCycle performs one full pass over the symbol universe
func (m *Monitor) RunCycle(ctx context.Context) error {
	m.beginCycle()
	defer m.finishCycle()

	started := m.now()

	symbols, err := m.feeder.LeveragedSymbols(ctx)
	if err != nil {
		if !errors.Is(err, core.ErrMarketLoad) {
			err = fmt.Errorf("%w: %w", core.ErrMarketLoad, err)
		}
		return err
	}

	m.session.Stats.Universe(len(symbols))
	m.metrics.Universe(len(symbols))
	m.log.WithField("symbols", len(symbols)).Debug("cycle started")

	var done atomic.Int64
	batches := lo.Chunk(symbols, m.batchSize)

	for i, batch := range batches {
		if i > 0 {
			if err := m.sleep(ctx, m.batchDelay); err != nil {
				return err
			}
		}

		if err := m.checkpoint(); err != nil {
			return err
		}

		var wg sync.WaitGroup
		for _, symbol := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := m.evaluate(ctx, symbol); err != nil {
					m.recordSymbolError(symbol, err)
				}

				if m.onProgress != nil {
					m.onProgress(int(done.Add(1)), len(symbols))
				}
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := m.checkpoint(); err != nil {
		return err
	}

	elapsed := m.now().Sub(started)
	m.session.Stats.CycleCompleted(m.now(), elapsed)
	m.metrics.CycleCompleted(elapsed, m.session.Tracker.Len())

	stats := m.session.Stats.Snapshot()
	m.log.WithFields(map[string]any{
		"cycle":    stats.CyclesCompleted,
		"symbols":  len(symbols),
		"alerts":   stats.TotalAlertsSent,
		"duration": elapsed.Round(time.Millisecond).String(),
	}).Info("cycle completed")

	if m.afterCycle != nil {
		m.afterCycle()
	}

	return nil
}

// evaluate runs fetch, compute, decide, dispatch and commit for one symbol.
// Panics are turned into errors so they never reach the other symbols.
func (m *Monitor) evaluate(ctx context.Context, symbol string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	fetchStarted := m.now()
	candles, err := m.feeder.CandlesByLimit(ctx, symbol, m.timeframe, m.candleLimit)
	m.metrics.FetchObserved(m.now().Sub(fetchStarted))
	if err != nil {
		return err
	}

	snapshot, err := indicator.Snapshot(candles)
	if err != nil {
		return err
	}

	decision := m.session.Tracker.Evaluate(symbol, snapshot.RSI, m.now())
	log := m.log.WithFields(map[string]any{
		"symbol": symbol,
		"rsi":    fmt.Sprintf("%.1f", snapshot.RSI),
		"state":  decision.State.String(),
	})

	if !decision.Alert {
		m.session.Tracker.Commit(decision, false)
		log.Trace("no alert")
		return nil
	}

	err = m.dispatcher.Send(ctx, notification.Alert{
		Symbol:   symbol,
		State:    decision.State,
		Snapshot: snapshot,
		At:       decision.At,
	})
	m.session.Tracker.Commit(decision, err == nil)

	if err != nil {
		m.session.Stats.AlertFailed()
		m.metrics.AlertFailed()
		return err
	}

	m.session.Stats.AlertSent()
	m.metrics.AlertSent(decision.State.String())
	log.Info("alert sent")

	return nil
}

func (m *Monitor) recordSymbolError(symbol string, err error) {
	symbolErr := &core.SymbolError{Symbol: symbol, Err: err}
	kind := ErrorKind(err)

	m.session.Stats.RecordError(ErrorRecord{Symbol: symbol, Kind: kind, Message: err.Error(), At: m.now()})
	m.metrics.SymbolError(kind)

	log := m.log.WithError(symbolErr).WithField("kind", kind)
	switch kind {
	case "insufficient_data":
		log.Debug("symbol skipped")
	case "panic":
		log.Error("symbol evaluation panicked")
	default:
		log.Warn("symbol skipped")
	}
}

func (m *Monitor) beginCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyRestartLocked()
	m.running = true
}

func (m *Monitor) finishCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

// checkpoint applies control requests made while a batch was in flight
func (m *Monitor) checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.restartPending {
		m.applyRestartLocked()
		return errRestarted
	}

	if !m.active {
		return errStopped
	}

	return nil
}

func (m *Monitor) applyRestartLocked() {
	if !m.restartPending {
		return
	}

	m.restartPending = false
	m.session.Reset(m.now())
	m.metrics.Reset()
	m.log.Info("alert state and counters cleared")
}

// Active reports whether cycles are being scheduled
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Stop stops scheduling batches and cycles. A batch in flight finishes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	m.log.Info("monitor deactivated")
}

// Restart clears the alert state and the counters and starts a cycle
// immediately. During a cycle the reset waits for the in flight batch.
func (m *Monitor) Restart() {
	m.mu.Lock()
	m.active = true
	m.restartPending = true
	if !m.running {
		m.applyRestartLocked()
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.log.Info("monitor restart requested")
}
