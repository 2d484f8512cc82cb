package binance

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/StudioSol/set"
	"github.com/adshao/go-binance/v2"
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/samber/lo"
)

const (
	statusTrading       = "TRADING"
	permissionLeveraged = "LEVERAGED"
	rateLimitWeight     = "REQUEST_WEIGHT"
	rateLimitMinute     = "MINUTE"
	pairSeparator       = "/"
)

// leveragedBase matches leveraged token base assets such as BTCUP, ETHDOWN,
// XRPBULL or BTC3L. Only used when the exchange publishes no permissions.
// UP and DOWN need an underlying of at least three characters so that
// ordinary tokens like JUP are not matched.
var leveragedBase = regexp.MustCompile(`^[A-Z0-9]{3,}(UP|DOWN)$|^[A-Z]+(BULL|BEAR)$|^[A-Z]+\d+[LS]$`)

// ordinaryBases are spot tokens whose names look like leveraged tokens
var ordinaryBases = set.NewLinkedHashSetString("SYRUP", "SETUP", "GROUP", "BACKUP", "POWERUP", "LOCKUP")

// FormatPair builds the display identifier of a pair, e.g. BTC3L/USDT
func FormatPair(base, quote string) string {
	return base + pairSeparator + quote
}

// SplitPair splits a display identifier into base and quote assets
func SplitPair(pair string) (base, quote string) {
	base, quote, _ = strings.Cut(pair, pairSeparator)
	return base, quote
}

// Ticker converts a display identifier into the exchange symbol, e.g. BTC3LUSDT
func Ticker(pair string) string {
	return strings.ReplaceAll(pair, pairSeparator, "")
}

// LeveragedSymbols returns the trading, leveraged pairs quoted in the
// configured asset, in exchange order and without duplicates. Exhausting
// the retries yields core.ErrMarketLoad.
func (c *Client) LeveragedSymbols(ctx context.Context) ([]string, error) {
	var info *binance.ExchangeInfo

	err := c.symbolsPolicy.Do(ctx, func(ctx context.Context) error {
		if err := c.quota.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := c.callContext(ctx)
		defer cancel()

		res, err := c.client.NewExchangeInfoService().Do(callCtx)
		if err != nil {
			return c.classify(err)
		}

		info = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMarketLoad, err)
	}

	c.applyRateLimits(info.RateLimits)

	pairs := c.filterLeveraged(info.Symbols)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no leveraged %s pairs listed", core.ErrMarketLoad, c.quoteAsset)
	}

	return pairs, nil
}

func (c *Client) filterLeveraged(symbols []binance.Symbol) []string {
	withMetadata := lo.SomeBy(symbols, func(s binance.Symbol) bool {
		return len(s.Permissions) > 0
	})

	if !withMetadata {
		c.log.Warn("exchange info carries no permissions, matching leveraged tokens by name")
	}

	pairs := set.NewLinkedHashSetString()
	for _, s := range symbols {
		if s.Status != statusTrading || s.QuoteAsset != c.quoteAsset {
			continue
		}

		if !isLeveraged(s, withMetadata) {
			continue
		}

		pairs.Add(FormatPair(s.BaseAsset, s.QuoteAsset))
	}

	result := make([]string, 0)
	for pair := range pairs.Iter() {
		result = append(result, pair)
	}

	return result
}

func isLeveraged(s binance.Symbol, withMetadata bool) bool {
	if withMetadata {
		return slices.Contains(s.Permissions, permissionLeveraged)
	}
	return leveragedBase.MatchString(s.BaseAsset) && !ordinaryBases.InArray(s.BaseAsset)
}

// applyRateLimits adopts the request weight limit published by the exchange
func (c *Client) applyRateLimits(limits []binance.RateLimit) {
	for _, limit := range limits {
		if limit.RateLimitType == rateLimitWeight && limit.Interval == rateLimitMinute && limit.IntervalNum == 1 {
			c.quota.SetLimit(int(limit.Limit))
		}
	}
}
