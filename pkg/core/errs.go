package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMarketLoad means the symbol universe could not be loaded. Fatal to the service.
	ErrMarketLoad = errors.New("market load failed")

	// ErrFetch means candles for a symbol could not be retrieved
	ErrFetch = errors.New("fetch failed")

	// ErrInsufficientData means the candle window is too short for the indicators
	ErrInsufficientData = errors.New("insufficient data")

	// ErrComputation means an indicator produced no usable output
	ErrComputation = errors.New("indicator computation failed")

	// ErrDivisionByZero means the previous close used as a divisor was zero
	ErrDivisionByZero = errors.New("division by zero")

	// ErrDeliveryFailed means no channel accepted an alert after all retries
	ErrDeliveryFailed = errors.New("alert delivery failed")

	// ErrRateLimited means a provider throttled the request
	ErrRateLimited = errors.New("rate limited")
)

// RateLimitError is returned when a provider throttles a request.
// RetryAfter is the provider hint, zero when none was given.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRateLimited) match any RateLimitError
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// SymbolError ties a failure to the symbol being evaluated
type SymbolError struct {
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }
