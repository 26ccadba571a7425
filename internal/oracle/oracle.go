// Package oracle fetches and caches the credit-token/USD exchange rate.
//
// Quotes come from a CoinGecko-style simple/price endpoint. The last good
// quote is cached: inside the staleness window it is served without a
// network round trip, and on refresh failure it may be served marked
// degraded up to a hard outer bound. Beyond that bound the call fails
// rather than settle on an arbitrarily old price.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrUnavailable  = errors.New("price oracle unavailable")
	ErrInvalidQuote = errors.New("invalid price quote")
)

// Quote is one observed exchange rate: USD per credit-token unit.
type Quote struct {
	Rate     decimal.Decimal
	AsOf     time.Time
	Degraded bool // served past the staleness window during an oracle outage
}

// coinIDs maps token symbols to the oracle's asset identifiers.
var coinIDs = map[string]string{
	"SOL":  "solana",
	"ETH":  "ethereum",
	"USDC": "usd-coin",
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	staleness   time.Duration
	staleFactor int
	log         zerolog.Logger
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]Quote
}

func NewClient(baseURL string, staleness time.Duration, staleFactor int, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		staleness:   staleness,
		staleFactor: staleFactor,
		log:         logger.With().Str("component", "oracle").Logger(),
		now:         time.Now,
		cache:       make(map[string]Quote),
	}
}

// Quote returns the current USD rate for the given token symbol.
//
// A cached quote within the staleness window is returned as-is. Outside the
// window the client refreshes; if the refresh fails, the stale quote is
// served marked Degraded only while its age is within staleFactor times the
// staleness window.
func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cached, ok := c.cache[symbol]
	if ok && now.Sub(cached.AsOf) <= c.staleness {
		return cached, nil
	}

	fresh, err := c.fetch(ctx, symbol)
	if err != nil {
		outer := c.staleness * time.Duration(c.staleFactor)
		if ok && now.Sub(cached.AsOf) <= outer {
			c.log.Warn().Err(err).Str("symbol", symbol).
				Dur("age", now.Sub(cached.AsOf)).
				Msg("oracle refresh failed, serving stale quote")
			cached.Degraded = true
			return cached, nil
		}
		return Quote{}, err
	}

	c.cache[symbol] = fresh
	return fresh, nil
}

func (c *Client) fetch(ctx context.Context, symbol string) (Quote, error) {
	coinID, ok := coinIDs[strings.ToUpper(symbol)]
	if !ok {
		coinID = strings.ToLower(symbol)
	}

	u := fmt.Sprintf("%s?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(coinID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}

	priceStr, ok := body[coinID]["usd"]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no usd price for %s", ErrInvalidQuote, coinID)
	}

	rate, err := decimal.NewFromString(priceStr.String())
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	if !rate.IsPositive() {
		return Quote{}, fmt.Errorf("%w: rate %s is not positive", ErrInvalidQuote, rate)
	}

	q := Quote{Rate: rate, AsOf: c.now()}
	c.log.Debug().Str("symbol", symbol).Str("rate_usd", rate.String()).Msg("quote refreshed")
	return q, nil
}
