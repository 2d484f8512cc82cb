// Package binance implements core.Feeder on top of the Binance spot REST API
package binance

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/retry"
)

// Binance API error codes
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
	codeInvalidSymbol   = -1121
)

const (
	DefaultQuoteAsset   = "USDT"
	DefaultFetchTimeout = 10 * time.Second

	symbolsAttempts = 5
	symbolsBackoff  = 10 * time.Second
	candlesAttempts = 3
	candlesBackoff  = 5 * time.Second
)

// Client fetches the leveraged symbol universe and candle windows
type Client struct {
	client *binance.Client
	quota  *Quota
	log    logger.Logger

	apiKey       string
	apiSecret    string
	baseURL      string
	transport    http.RoundTripper
	quoteAsset   string
	fetchTimeout time.Duration
	sleep        retry.SleepFunc

	symbolsPolicy retry.Policy
	candlesPolicy retry.Policy
}

// Option configures a Client
type Option func(*Client)

// WithCredentials sets the API credentials. Market data endpoints work without them.
func WithCredentials(key, secret string) Option {
	return func(c *Client) {
		c.apiKey = key
		c.apiSecret = secret
	}
}

// WithBaseURL points the client at a custom REST endpoint
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithTestNet enables the Binance testnet
func WithTestNet() Option {
	return func(_ *Client) {
		binance.UseTestnet = true
	}
}

// WithQuoteAsset restricts the universe to pairs quoted in asset
func WithQuoteAsset(asset string) Option {
	return func(c *Client) {
		c.quoteAsset = asset
	}
}

// WithFetchTimeout bounds every single API call
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.fetchTimeout = timeout
	}
}

// WithQuota shares a request budget with the client
func WithQuota(quota *Quota) Option {
	return func(c *Client) {
		c.quota = quota
	}
}

// WithTransport sets the underlying HTTP transport
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = transport
	}
}

// WithRetrySleep replaces the wait between retries
func WithRetrySleep(sleep retry.SleepFunc) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// New creates a Binance spot client. The logger is required.
func New(log logger.Logger, options ...Option) *Client {
	c := &Client{
		log:          log,
		quoteAsset:   DefaultQuoteAsset,
		fetchTimeout: DefaultFetchTimeout,
		sleep:        retry.Sleep,
	}

	for _, option := range options {
		option(c)
	}

	if c.quota == nil {
		c.quota = NewQuota()
	}

	c.client = binance.NewClient(c.apiKey, c.apiSecret)
	c.client.HTTPClient = &http.Client{Transport: c.quota.Transport(c.transport)}
	if c.baseURL != "" {
		c.client.BaseURL = c.baseURL
	}

	c.symbolsPolicy = retry.Policy{
		MaxAttempts:       symbolsAttempts,
		Backoff:           retry.Linear(symbolsBackoff),
		Retryable:         retryable,
		MaxRateLimitWaits: 3,
		RateLimitFallback: time.Minute,
		Sleep:             c.sleep,
		OnRetry:           c.onRetry("exchange info"),
	}

	c.candlesPolicy = retry.Policy{
		MaxAttempts:       candlesAttempts,
		Backoff:           retry.Linear(candlesBackoff),
		Retryable:         retryable,
		MaxRateLimitWaits: 2,
		RateLimitFallback: time.Minute,
		Sleep:             c.sleep,
		OnRetry:           c.onRetry("klines"),
	}

	return c
}

// Quota exposes the request budget shared by every call
func (c *Client) Quota() *Quota {
	return c.quota
}

func (c *Client) onRetry(call string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		c.log.WithError(err).WithFields(map[string]any{
			"call":    call,
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("binance request failed, retrying")
	}
}

// callContext bounds a single request by the fetch timeout. A request already
// sent is not cancelled with ctx; retries and quota pauses still are.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
}

// classify turns throttling responses into core.RateLimitError
func (c *Client) classify(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	blocked := c.quota.BlockedFor()
	if apiErr.Code == codeTooManyRequests || apiErr.Code == codeTooManyOrders || blocked > 0 {
		return &core.RateLimitError{RetryAfter: blocked, Err: err}
	}

	return err
}

func retryable(err error) bool {
	if errors.Is(err, core.ErrInsufficientData) || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol {
		return false
	}

	return true
}
