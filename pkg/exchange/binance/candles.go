package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/raykavin/leverwatch/pkg/core"
)

// CandlesByLimit returns the last limit closed candles of pair, oldest
// first. The still open candle is discarded. Windows shorter than
// core.MinCandles yield core.ErrInsufficientData, anything else that goes
// wrong yields core.ErrFetch.
func (c *Client) CandlesByLimit(ctx context.Context, pair, period string, limit int) ([]core.Candle, error) {
	var klines []*binance.Kline

	err := c.candlesPolicy.Do(ctx, func(ctx context.Context) error {
		if err := c.quota.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := c.callContext(ctx)
		defer cancel()

		data, err := c.client.NewKlinesService().
			Symbol(Ticker(pair)).
			Interval(period).
			Limit(limit + 1). // +1 to discard the last incomplete candle
			Do(callCtx)
		if err != nil {
			return c.classify(err)
		}

		klines = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", core.ErrFetch, pair, err)
	}

	if len(klines) > 0 {
		klines = klines[:len(klines)-1]
	}

	candles := make([]core.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := convertKlineToCandle(pair, *k)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", core.ErrFetch, pair, err)
		}
		candles = append(candles, candle)
	}

	if len(candles) < core.MinCandles {
		return nil, fmt.Errorf("%w: %s returned %d closed candles", core.ErrInsufficientData, pair, len(candles))
	}

	return candles, nil
}

// convertKlineToCandle converts a Binance kline to a core.Candle
func convertKlineToCandle(pair string, k binance.Kline) (core.Candle, error) {
	candle := core.Candle{
		Pair:     pair,
		Time:     time.UnixMilli(k.OpenTime),
		Complete: true,
	}

	fields := []struct {
		raw string
		dst *float64
	}{
		{k.Open, &candle.Open},
		{k.Close, &candle.Close},
		{k.High, &candle.High},
		{k.Low, &candle.Low},
		{k.Volume, &candle.Volume},
	}

	var errs []error
	for _, field := range fields {
		value, err := strconv.ParseFloat(field.raw, 64)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*field.dst = value
	}

	if len(errs) > 0 {
		return core.Candle{}, fmt.Errorf("malformed kline at %d: %w", k.OpenTime, errors.Join(errs...))
	}

	return candle, nil
}
