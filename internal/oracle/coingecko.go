package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// coinGeckoIDs maps perp market symbols to CoinGecko asset ids.
var coinGeckoIDs = map[string]string{
	"SOL-PERP":  "solana",
	"BTC-PERP":  "bitcoin",
	"ETH-PERP":  "ethereum",
	"DOGE-PERP": "dogecoin",
	"XRP-PERP":  "ripple",
	"ARB-PERP":  "arbitrum",
	"SUI-PERP":  "sui",
	"APT-PERP":  "aptos",
	"JUP-PERP":  "jupiter-exchange-solana",
	"WIF-PERP":  "dogwifcoin",
}

// CoinGecko fetches spot prices from the CoinGecko simple price API as a
// stand-in for the venue's own mark price feed.
type CoinGecko struct {
	http *resty.Client
}

// NewCoinGecko builds a client against baseURL with every request bounded
// by timeout.
func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &CoinGecko{http: httpClient}
}

// GetPrice returns the current USD price for a perp market.
// Any transport or response problem surfaces as ErrPriceUnavailable.
func (c *CoinGecko) GetPrice(ctx context.Context, market string) (float64, error) {
	id, ok := coinGeckoIDs[market]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}

	var result map[string]map[string]float64
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           id,
			"vs_currencies": "usd",
		}).
		SetResult(&result).
		Get("/api/v3/simple/price")

	if err != nil {
		log.Warn().Err(err).Str("market", market).Msg("price request failed")
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		log.Warn().Int("status", resp.StatusCode()).Str("market", market).Msg("price request rejected")
		return 0, fmt.Errorf("%w: status %d", ErrPriceUnavailable, resp.StatusCode())
	}

	price, ok := result[id]["usd"]
	if !ok || price == 0 {
		return 0, fmt.Errorf("%w: no usd quote for %s", ErrPriceUnavailable, market)
	}

	return price, nil
}
