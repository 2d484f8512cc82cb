package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/logger/zerolog"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.waits = append(s.waits, d)
	}
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	log, err := zerolog.New(zerolog.Options{Level: "error", JSON: true, Out: io.Discard})
	require.NoError(t, err)
	return log
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *sleepRecorder) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	retries := &sleepRecorder{}
	quota := NewQuota(WithSpacing(0), WithClock(time.Now, (&sleepRecorder{}).sleep))

	client := New(testLogger(t),
		WithBaseURL(server.URL),
		WithQuota(quota),
		WithRetrySleep(retries.sleep),
		WithFetchTimeout(2*time.Second),
	)

	return client, retries
}

type symbolFixture struct {
	Symbol      string   `json:"symbol"`
	Status      string   `json:"status"`
	BaseAsset   string   `json:"baseAsset"`
	QuoteAsset  string   `json:"quoteAsset"`
	Permissions []string `json:"permissions,omitempty"`
}

func exchangeInfoHandler(symbols []symbolFixture) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(usedWeightHeader, "20")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"timezone":   "UTC",
			"serverTime": 1714521600000,
			"rateLimits": []map[string]any{
				{"rateLimitType": "REQUEST_WEIGHT", "interval": "MINUTE", "intervalNum": 1, "limit": 1200},
				{"rateLimitType": "ORDERS", "interval": "SECOND", "intervalNum": 10, "limit": 50},
			},
			"symbols": symbols,
		})
	}
}

func klinesJSON(n int) []byte {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	rows := make([][]any, 0, n)
	for i := 0; i < n; i++ {
		open := start + int64(i)*int64(15*time.Minute/time.Millisecond)
		price := strconv.FormatFloat(100+float64(i), 'f', 2, 64)
		rows = append(rows, []any{
			open, price, price, price, price, "1500.5",
			open + 899999, "150050.0", 42, "700.0", "70000.0", "0",
		})
	}
	data, _ := json.Marshal(rows)
	return data
}

func TestClient_LeveragedSymbols(t *testing.T) {
	t.Run("exchange metadata is authoritative", func(t *testing.T) {
		client, _ := newTestClient(t, exchangeInfoHandler([]symbolFixture{
			{"BTCUPUSDT", "TRADING", "BTCUP", "USDT", []string{"SPOT", "LEVERAGED"}},
			{"BTCUSDT", "TRADING", "BTC", "USDT", []string{"SPOT", "MARGIN"}},
			{"JUPUSDT", "TRADING", "JUP", "USDT", []string{"SPOT"}},
			{"ETHDOWNUSDT", "BREAK", "ETHDOWN", "USDT", []string{"LEVERAGED"}},
			{"BTC3LBUSD", "TRADING", "BTC3L", "BUSD", []string{"LEVERAGED"}},
			{"BTC3LUSDT", "TRADING", "BTC3L", "USDT", []string{"LEVERAGED"}},
			{"BTCUPUSDT", "TRADING", "BTCUP", "USDT", []string{"LEVERAGED"}},
		}))

		symbols, err := client.LeveragedSymbols(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"BTCUP/USDT", "BTC3L/USDT"}, symbols)

		snapshot := client.Quota().Snapshot()
		require.Equal(t, 1200, snapshot.Limit)
		require.Equal(t, 20, snapshot.Used)
	})

	t.Run("pattern fallback without metadata", func(t *testing.T) {
		client, _ := newTestClient(t, exchangeInfoHandler([]symbolFixture{
			{Symbol: "BTCUPUSDT", Status: "TRADING", BaseAsset: "BTCUP", QuoteAsset: "USDT"},
			{Symbol: "ETHBULLUSDT", Status: "TRADING", BaseAsset: "ETHBULL", QuoteAsset: "USDT"},
			{Symbol: "XRPBEARUSDT", Status: "TRADING", BaseAsset: "XRPBEAR", QuoteAsset: "USDT"},
			{Symbol: "BTC3SUSDT", Status: "TRADING", BaseAsset: "BTC3S", QuoteAsset: "USDT"},
			{Symbol: "BTCUSDT", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "USDT"},
			{Symbol: "LINKDOWNBTC", Status: "TRADING", BaseAsset: "LINKDOWN", QuoteAsset: "BTC"},
			{Symbol: "JUPUSDT", Status: "TRADING", BaseAsset: "JUP", QuoteAsset: "USDT"},
			{Symbol: "SYRUPUSDT", Status: "TRADING", BaseAsset: "SYRUP", QuoteAsset: "USDT"},
			{Symbol: "1000SATSUSDT", Status: "TRADING", BaseAsset: "1000SATS", QuoteAsset: "USDT"},
			{Symbol: "1INCHUPUSDT", Status: "TRADING", BaseAsset: "1INCHUP", QuoteAsset: "USDT"},
		}))

		symbols, err := client.LeveragedSymbols(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"BTCUP/USDT", "ETHBULL/USDT", "XRPBEAR/USDT", "BTC3S/USDT", "1INCHUP/USDT"}, symbols)
	})

	t.Run("retries then fails with market load error", func(t *testing.T) {
		var calls atomic.Int32
		client, retries := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":-1000,"msg":"An unknown error occurred"}`))
		}))

		_, err := client.LeveragedSymbols(context.Background())
		require.ErrorIs(t, err, core.ErrMarketLoad)
		require.EqualValues(t, 5, calls.Load())
		require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second}, retries.recorded())
	})

	t.Run("empty universe", func(t *testing.T) {
		client, _ := newTestClient(t, exchangeInfoHandler([]symbolFixture{
			{"BTCUSDT", "TRADING", "BTC", "USDT", []string{"SPOT"}},
		}))

		_, err := client.LeveragedSymbols(context.Background())
		require.ErrorIs(t, err, core.ErrMarketLoad)
	})
}

func TestClient_CandlesByLimit(t *testing.T) {
	t.Run("drops the open candle", func(t *testing.T) {
		var requested atomic.Value
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requested.Store(*r.URL)
			_, _ = w.Write(klinesJSON(31))
		}))

		candles, err := client.CandlesByLimit(context.Background(), "BTC3L/USDT", "15m", 30)
		require.NoError(t, err)
		require.Len(t, candles, 30)

		u := requested.Load().(url.URL)
		require.Equal(t, "/api/v3/klines", u.Path)
		q := u.Query()
		require.Equal(t, []string{"BTC3LUSDT"}, q["symbol"])
		require.Equal(t, []string{"15m"}, q["interval"])
		require.Equal(t, []string{"31"}, q["limit"])

		require.Equal(t, "BTC3L/USDT", candles[0].Pair)
		require.Equal(t, 100.0, candles[0].Close)
		require.Equal(t, 129.0, candles[29].Close)
		require.Equal(t, 1500.5, candles[29].Volume)
		require.True(t, candles[0].Time.Before(candles[1].Time))
	})

	t.Run("insufficient data is not retried", func(t *testing.T) {
		var calls atomic.Int32
		client, retries := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = w.Write(klinesJSON(21))
		}))

		_, err := client.CandlesByLimit(context.Background(), "ETH3S/USDT", "15m", 50)
		require.ErrorIs(t, err, core.ErrInsufficientData)
		require.EqualValues(t, 1, calls.Load())
		require.Empty(t, retries.recorded())
	})

	t.Run("fetch error after three attempts", func(t *testing.T) {
		var calls atomic.Int32
		client, retries := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
		}))

		_, err := client.CandlesByLimit(context.Background(), "ETH3S/USDT", "15m", 50)
		require.ErrorIs(t, err, core.ErrFetch)
		require.EqualValues(t, 3, calls.Load())
		require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, retries.recorded())
	})

	t.Run("rate limit is waited out without consuming attempts", func(t *testing.T) {
		var calls atomic.Int32
		client, retries := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set(retryAfterHeader, "3")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
				return
			}
			_, _ = w.Write(klinesJSON(22))
		}))

		candles, err := client.CandlesByLimit(context.Background(), "BTCUP/USDT", "15m", 21)
		require.NoError(t, err)
		require.Len(t, candles, 21)
		require.EqualValues(t, 2, calls.Load())

		waits := retries.recorded()
		require.Len(t, waits, 1)
		require.InDelta(t, float64(3*time.Second), float64(waits[0]), float64(time.Second))
		require.EqualValues(t, 1, client.Quota().Snapshot().Throttled)
	})

	t.Run("request in flight outlives cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cancel()
			time.Sleep(50 * time.Millisecond)
			_, _ = w.Write(klinesJSON(22))
		}))

		candles, err := client.CandlesByLimit(ctx, "BTCUP/USDT", "15m", 21)
		require.NoError(t, err)
		require.Len(t, candles, 21)
	})

	t.Run("cancellation stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var calls atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			cancel()
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
		}))

		_, err := client.CandlesByLimit(ctx, "ETH3S/USDT", "15m", 50)
		require.ErrorIs(t, err, core.ErrFetch)
		require.ErrorIs(t, err, context.Canceled)
		require.EqualValues(t, 1, calls.Load())
	})

	t.Run("malformed kline", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rows := make([]string, 0, 22)
			for i := 0; i < 22; i++ {
				rows = append(rows, fmt.Sprintf(`[%d,"x","1","1","1","1",0,"0",1,"0","0","0"]`, i))
			}
			_, _ = w.Write([]byte("[" + strings.Join(rows, ",") + "]"))
		}))

		_, err := client.CandlesByLimit(context.Background(), "BTCUP/USDT", "15m", 21)
		require.ErrorIs(t, err, core.ErrFetch)
	})
}

func TestPairHelpers(t *testing.T) {
	require.Equal(t, "BTC3L/USDT", FormatPair("BTC3L", "USDT"))
	require.Equal(t, "BTC3LUSDT", Ticker("BTC3L/USDT"))

	base, quote := SplitPair("ETHDOWN/USDT")
	require.Equal(t, "ETHDOWN", base)
	require.Equal(t, "USDT", quote)
}
