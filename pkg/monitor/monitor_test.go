package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raykavin/leverwatch/pkg/alert"
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/exchange/binance"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/logger/zerolog"
	"github.com/raykavin/leverwatch/pkg/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	log, err := zerolog.New(zerolog.Options{Level: "error", JSON: true, Out: io.Discard})
	require.NoError(t, err)
	return log
}

func candlesFromCloses(pair string, closes []float64) []core.Candle {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]core.Candle, 0, len(closes))
	for i, c := range closes {
		candles = append(candles, core.Candle{
			Pair:     pair,
			Time:     start.Add(time.Duration(i) * 15 * time.Minute),
			Open:     c,
			Close:    c,
			High:     c,
			Low:      c,
			Volume:   float64(100 + i),
			Complete: true,
		})
	}
	return candles
}

// window pads closes with its last value up to the minimum window size
func window(pair string, closes ...float64) []core.Candle {
	for len(closes) < core.MinCandles {
		closes = append(closes, closes[len(closes)-1])
	}
	return candlesFromCloses(pair, closes)
}

// RSI 74.2
func overbought(pair string) []core.Candle { return window(pair, 100, 174.2, 148.4) }

// RSI 25.8
func oversold(pair string) []core.Candle { return window(pair, 200, 125.8, 151.6) }

func neutral(pair string) []core.Candle {
	closes := make([]float64, core.MinCandles)
	for i := range closes {
		closes[i] = 100 + float64(i%2)
	}
	return candlesFromCloses(pair, closes)
}

type fakeFeeder struct {
	mu         sync.Mutex
	symbols    []string
	symbolsErr error
	panicLoad  bool
	candles    map[string][]core.Candle
	errs       map[string]error
	panics     map[string]bool
	onFetch    func(symbol string)
	fetched    []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeFeeder(symbols ...string) *fakeFeeder {
	return &fakeFeeder{
		symbols: symbols,
		candles: make(map[string][]core.Candle),
		errs:    make(map[string]error),
		panics:  make(map[string]bool),
	}
}

func (f *fakeFeeder) LeveragedSymbols(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.panicLoad {
		panic("exchange info decoder blew up")
	}
	return append([]string(nil), f.symbols...), f.symbolsErr
}

func (f *fakeFeeder) CandlesByLimit(_ context.Context, pair, _ string, _ int) ([]core.Candle, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxInFlight.Load()
		if current <= seen || f.maxInFlight.CompareAndSwap(seen, current) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.fetched = append(f.fetched, pair)
	hook := f.onFetch
	candles, err, panics := f.candles[pair], f.errs[pair], f.panics[pair]
	f.mu.Unlock()

	if hook != nil {
		hook(pair)
	}
	if panics {
		panic("unexpected kline layout")
	}
	if err != nil {
		return nil, err
	}
	if candles == nil {
		return neutral(pair), nil
	}
	return candles, nil
}

func (f *fakeFeeder) set(pair string, candles []core.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[pair] = candles
}

func (f *fakeFeeder) fetchedSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type fakeDispatcher struct {
	mu     sync.Mutex
	err    error
	alerts []notification.Alert
}

func (d *fakeDispatcher) Send(_ context.Context, a notification.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	d.alerts = append(d.alerts, a)
	return nil
}

func (d *fakeDispatcher) sent() []notification.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notification.Alert(nil), d.alerts...)
}

func (d *fakeDispatcher) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type batchSleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *batchSleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestMonitor(t *testing.T, feeder core.Feeder, dispatcher Dispatcher, options ...Option) (*Monitor, *testClock) {
	t.Helper()
	clock := newTestClock()
	sleeps := &batchSleeps{}

	defaults := []Option{WithClock(clock.Now), WithSleep(sleeps.sleep)}
	return New(testLogger(t), feeder, dispatcher, append(defaults, options...)...), clock
}

func TestMonitor_FirstSightOverboughtAlerts(t *testing.T) {
	feeder := newFakeFeeder("BTC3L/USDT")
	feeder.set("BTC3L/USDT", overbought("BTC3L/USDT"))
	dispatcher := &fakeDispatcher{}
	monitor, clock := newTestMonitor(t, feeder, dispatcher)

	require.NoError(t, monitor.RunCycle(context.Background()))

	alerts := dispatcher.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, "BTC3L/USDT", alerts[0].Symbol)
	assert.Equal(t, alert.Overbought, alerts[0].State)
	assert.InDelta(t, 74.2, alerts[0].Snapshot.RSI, 1e-6)

	text := notification.FormatAlert(alerts[0])
	assert.Contains(t, text, "74.2")
	assert.Contains(t, text, "sell")

	state, ok := monitor.Session().Tracker.Get("BTC3L/USDT")
	require.True(t, ok)
	assert.True(t, state.Overbought)
	assert.Equal(t, clock.Now(), state.LastAlert)

	stats := monitor.Session().Stats.Snapshot()
	assert.Equal(t, 1, stats.CyclesCompleted)
	assert.Equal(t, 1, stats.TotalAlertsSent)
	assert.Equal(t, 1, stats.UniverseSize)

	// Within the cooldown the persisting state stays silent
	clock.Advance(5 * time.Minute)
	require.NoError(t, monitor.RunCycle(context.Background()))
	assert.Len(t, dispatcher.sent(), 1)

	// Past the cooldown it alerts again
	clock.Advance(11 * time.Minute)
	require.NoError(t, monitor.RunCycle(context.Background()))
	assert.Len(t, dispatcher.sent(), 2)
}

func TestMonitor_OversoldAndNeutral(t *testing.T) {
	feeder := newFakeFeeder("ETH3S/USDT", "XRPUP/USDT")
	feeder.set("ETH3S/USDT", oversold("ETH3S/USDT"))
	dispatcher := &fakeDispatcher{}
	monitor, _ := newTestMonitor(t, feeder, dispatcher)

	require.NoError(t, monitor.RunCycle(context.Background()))

	alerts := dispatcher.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.Oversold, alerts[0].State)
	assert.Contains(t, notification.FormatAlert(alerts[0]), "buy")

	state, ok := monitor.Session().Tracker.Get("XRPUP/USDT")
	require.True(t, ok)
	assert.Equal(t, alert.Neutral, state.State())
}

func TestMonitor_FailureIsolation(t *testing.T) {
	feeder := newFakeFeeder("AUP/USDT", "BUP/USDT", "CUP/USDT", "BTC3L/USDT")
	feeder.errs["AUP/USDT"] = fmt.Errorf("%w: AUP/USDT: timeout", core.ErrFetch)
	feeder.panics["BUP/USDT"] = true
	feeder.set("CUP/USDT", candlesFromCloses("CUP/USDT", []float64{1, 2, 3}))
	feeder.set("BTC3L/USDT", overbought("BTC3L/USDT"))
	dispatcher := &fakeDispatcher{}
	monitor, _ := newTestMonitor(t, feeder, dispatcher, WithBatchSize(4))

	require.NoError(t, monitor.RunCycle(context.Background()))

	assert.Len(t, dispatcher.sent(), 1)

	stats := monitor.Session().Stats.Snapshot()
	assert.Equal(t, 1, stats.CyclesCompleted)
	assert.Equal(t, 3, stats.SymbolErrors)
	require.Len(t, stats.Errors, 3)

	kinds := make(map[string]string)
	for _, record := range stats.Errors {
		kinds[record.Symbol] = record.Kind
	}
	assert.Equal(t, map[string]string{
		"AUP/USDT": "fetch",
		"BUP/USDT": "panic",
		"CUP/USDT": "insufficient_data",
	}, kinds)
}

func TestMonitor_DeliveryFailureRetriesNextCycle(t *testing.T) {
	feeder := newFakeFeeder("BTC3L/USDT")
	feeder.set("BTC3L/USDT", overbought("BTC3L/USDT"))
	dispatcher := &fakeDispatcher{}
	dispatcher.fail(fmt.Errorf("%w: telegram down", core.ErrDeliveryFailed))
	monitor, _ := newTestMonitor(t, feeder, dispatcher)

	require.NoError(t, monitor.RunCycle(context.Background()))

	stats := monitor.Session().Stats.Snapshot()
	assert.Equal(t, 1, stats.FailedAlerts)
	assert.Zero(t, stats.TotalAlertsSent)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "delivery", stats.Errors[0].Kind)

	state, _ := monitor.Session().Tracker.Get("BTC3L/USDT")
	assert.False(t, state.Overbought)
	assert.True(t, state.LastAlert.IsZero())

	dispatcher.fail(nil)
	require.NoError(t, monitor.RunCycle(context.Background()))
	assert.Len(t, dispatcher.sent(), 1)
}

func TestMonitor_RestartClearsState(t *testing.T) {
	feeder := newFakeFeeder("BTC3L/USDT")
	feeder.set("BTC3L/USDT", overbought("BTC3L/USDT"))
	dispatcher := &fakeDispatcher{}
	monitor, _ := newTestMonitor(t, feeder, dispatcher)

	require.NoError(t, monitor.RunCycle(context.Background()))
	require.Len(t, dispatcher.sent(), 1)

	monitor.Restart()

	stats := monitor.Session().Stats.Snapshot()
	assert.Zero(t, stats.CyclesCompleted)
	assert.Zero(t, stats.TotalAlertsSent)
	assert.Zero(t, monitor.Session().Tracker.Len())
	assert.True(t, monitor.Active())

	// Every symbol is first seen again
	require.NoError(t, monitor.RunCycle(context.Background()))
	assert.Len(t, dispatcher.sent(), 2)
}

func TestMonitor_BatchesAndProgress(t *testing.T) {
	symbols := []string{"AUP/USDT", "BUP/USDT", "CUP/USDT", "DUP/USDT", "EUP/USDT", "FUP/USDT", "GUP/USDT"}
	feeder := newFakeFeeder(symbols...)
	sleeps := &batchSleeps{}

	var progress atomic.Int32
	monitor, _ := newTestMonitor(t, feeder, &fakeDispatcher{},
		WithBatchSize(3),
		WithBatchDelay(10*time.Second),
		WithSleep(sleeps.sleep),
		WithProgress(func(done, total int) {
			assert.Equal(t, len(symbols), total)
			progress.Add(1)
		}),
	)

	require.NoError(t, monitor.RunCycle(context.Background()))

	assert.Equal(t, int32(len(symbols)), progress.Load())
	assert.ElementsMatch(t, symbols, feeder.fetchedSymbols())
	assert.LessOrEqual(t, feeder.maxInFlight.Load(), int32(3))
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sleeps.waits)
}

func TestMonitor_StopMidCycle(t *testing.T) {
	feeder := newFakeFeeder("AUP/USDT", "BUP/USDT", "CUP/USDT", "DUP/USDT")
	monitor, _ := newTestMonitor(t, feeder, &fakeDispatcher{}, WithBatchSize(2))

	var once sync.Once
	feeder.onFetch = func(string) { once.Do(monitor.Stop) }

	err := monitor.RunCycle(context.Background())
	require.ErrorIs(t, err, errStopped)

	assert.Len(t, feeder.fetchedSymbols(), 2, "the in flight batch finishes")
	assert.False(t, monitor.Active())
	assert.Zero(t, monitor.Session().Stats.Snapshot().CyclesCompleted)
}

func TestMonitor_RestartMidCycle(t *testing.T) {
	feeder := newFakeFeeder("AUP/USDT", "BUP/USDT")
	monitor, _ := newTestMonitor(t, feeder, &fakeDispatcher{}, WithBatchSize(2))

	var once sync.Once
	feeder.onFetch = func(string) {
		once.Do(func() {
			monitor.Restart()
			// Not applied while the batch is in flight
			assert.Equal(t, 2, monitor.Session().Stats.Snapshot().UniverseSize)
		})
	}

	err := monitor.RunCycle(context.Background())
	require.ErrorIs(t, err, errRestarted)

	stats := monitor.Session().Stats.Snapshot()
	assert.Zero(t, stats.UniverseSize)
	assert.Zero(t, monitor.Session().Tracker.Len())
}

func TestMonitor_Run(t *testing.T) {
	feeder := newFakeFeeder("BTC3L/USDT")
	monitor, _ := newTestMonitor(t, feeder, &fakeDispatcher{}, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	cycles := func() int { return monitor.Session().Stats.Snapshot().CyclesCompleted }
	require.Eventually(t, func() bool { return cycles() >= 2 }, time.Second, 5*time.Millisecond)

	monitor.Stop()
	time.Sleep(30 * time.Millisecond)
	stopped := cycles()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, cycles(), "no cycles while inactive")

	monitor.Restart()
	require.Eventually(t, func() bool { return cycles() >= 1 && monitor.Active() }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

// fixedUniverse serves candles from the exchange client and a fixed symbol list
type fixedUniverse struct {
	*binance.Client
	symbols []string
}

func (f fixedUniverse) LeveragedSymbols(context.Context) ([]string, error) {
	return f.symbols, nil
}

func TestMonitor_RunStopsRetryingOnShutdown(t *testing.T) {
	requested := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case requested <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
	}))
	t.Cleanup(server.Close)

	client := binance.New(testLogger(t),
		binance.WithBaseURL(server.URL),
		binance.WithQuota(binance.NewQuota(binance.WithSpacing(0))),
		binance.WithFetchTimeout(2*time.Second),
	)
	feeder := fixedUniverse{Client: client, symbols: []string{"BTC3L/USDT"}}
	monitor, _ := newTestMonitor(t, feeder, &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	select {
	case <-requested:
	case <-time.After(2 * time.Second):
		t.Fatal("klines never requested")
	}

	// the client now waits 5s before its second attempt
	time.Sleep(100 * time.Millisecond)
	cancelled := time.Now()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(cancelled), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor kept retrying after shutdown")
	}
}

func TestMonitor_RunMarketLoadIsFatal(t *testing.T) {
	feeder := newFakeFeeder()
	feeder.symbolsErr = errors.New("exchange unreachable")
	monitor, _ := newTestMonitor(t, feeder, &fakeDispatcher{})

	err := monitor.Run(context.Background())
	require.ErrorIs(t, err, core.ErrMarketLoad)
}

func TestMonitor_RunCycleFaultCooldown(t *testing.T) {
	feeder := newFakeFeeder("BTC3L/USDT")
	feeder.panicLoad = true
	monitor, _ := newTestMonitor(t, feeder, &fakeDispatcher{},
		WithInterval(time.Millisecond),
		WithFaultCooldown(time.Millisecond, 2*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(monitor.Session().Stats.Snapshot().Errors) >= 2
	}, time.Second, 5*time.Millisecond)

	feeder.mu.Lock()
	feeder.panicLoad = false
	feeder.mu.Unlock()

	require.Eventually(t, func() bool {
		return monitor.Session().Stats.Snapshot().CyclesCompleted >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	record := monitor.Session().Stats.Snapshot().Errors[0]
	assert.Equal(t, "panic", record.Kind)
	assert.Empty(t, record.Symbol)
}

func TestMonitor_Status(t *testing.T) {
	feeder := newFakeFeeder("BTC3L/USDT", "ETH3S/USDT", "XRPUP/USDT")
	feeder.set("BTC3L/USDT", overbought("BTC3L/USDT"))
	feeder.set("ETH3S/USDT", oversold("ETH3S/USDT"))
	monitor, clock := newTestMonitor(t, feeder, &fakeDispatcher{})

	require.NoError(t, monitor.RunCycle(context.Background()))
	clock.Advance(90 * time.Second)

	status := monitor.Status()
	assert.True(t, status.Active)
	assert.Equal(t, "1m30s", status.Uptime)
	assert.Equal(t, "cooldown", status.Policy)
	assert.Equal(t, []string{"BTC3L/USDT"}, status.Overbought)
	assert.Equal(t, []string{"ETH3S/USDT"}, status.Oversold)
	assert.Len(t, status.Symbols, 3)
	assert.Equal(t, 3, status.Breadth.Count)
	assert.Equal(t, 1, status.Breadth.Overbought)

	text := monitor.StatusText()
	assert.Contains(t, text, "Status: `active`")
	assert.Contains(t, text, "Cycles: `1` | Alerts: `2`")
	assert.Contains(t, text, "Overbought: `BTC3L/USDT`")

	monitor.Stop()
	assert.Contains(t, monitor.StatusText(), "Status: `inactive`")
}
