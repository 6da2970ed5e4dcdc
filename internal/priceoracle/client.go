// Package priceoracle implements the centralized-exchange kline client
// used to turn a block timestamp into a fiat-denominated gas price: a
// single one-minute candle lookup for the live processor, and a range
// query covering a whole historical batch for the batch processor.
package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"csic-platform/service/blockchain/recording/internal/bigmath"
	"csic-platform/service/blockchain/recording/internal/ratelimit"
)

// cacheCapacity matches the component design's "capacity ~16 per
// function" LRU sizing.
const cacheCapacity = 16

// priceKey is the exact (gasCurrency, quoteCurrency, timestamp) tuple the
// component design specifies as the price cache's key.
type priceKey struct {
	gasCurrency   string
	quoteCurrency string
	timestamp     uint64
}

// Quote is a resolved price: the digits of the close price with the
// decimal separator removed, and the count of fractional digits that
// followed it.
type Quote struct {
	IntegerPrice *big.Int
	Decimals     int
}

// Client fetches klines from a Binance-shaped REST price oracle.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *lru.Cache[priceKey, Quote]
	limiter    *ratelimit.Limiter
}

// New builds a Client against baseURL (e.g. "https://api.binance.com").
// limiter governs every outbound kline request this Client makes, shared
// with whatever else draws from the same oracle budget; it may be nil to
// disable limiting (e.g. in tests).
func New(baseURL string, limiter *ratelimit.Limiter) (*Client, error) {
	cache, err := lru.New[priceKey, Quote](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("priceoracle: building cache: %w", err)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cache:      cache,
		limiter:    limiter,
	}, nil
}

type kline [12]interface{}

// FetchAt resolves the close price of the one-minute candle ending at
// timestamp (seconds), for the symbol formed by concatenating gasCurrency
// and quoteCurrency (e.g. "ETHSGD"). Memoized by the exact
// (gasCurrency, quoteCurrency, timestamp) tuple.
func (c *Client) FetchAt(ctx context.Context, gasCurrency, quoteCurrency string, timestamp uint64) (Quote, error) {
	key := priceKey{gasCurrency: gasCurrency, quoteCurrency: quoteCurrency, timestamp: timestamp}
	if q, ok := c.cache.Get(key); ok {
		return q, nil
	}

	endMs := timestamp * 1000
	klines, err := c.fetchKlines(ctx, gasCurrency+quoteCurrency, map[string]string{
		"endTime": strconv.FormatUint(endMs, 10),
		"limit":   "1",
	})
	if err != nil {
		return Quote{}, err
	}
	if len(klines) == 0 {
		return Quote{}, fmt.Errorf("priceoracle: no klines returned for %s%s at %d", gasCurrency, quoteCurrency, timestamp)
	}

	q, err := quoteFromKline(klines[0])
	if err != nil {
		return Quote{}, err
	}
	c.cache.Add(key, q)
	return q, nil
}

// RangeQuote is one resolved (closeTimeSeconds, price) pair from a range
// query, used by the historical batch processor's cursor walk.
type RangeQuote struct {
	CloseTime uint64
	Price     Quote
}

// FetchRange resolves every one-minute candle covering
// [fromSeconds, toSeconds], sorted ascending by close time, for use by
// the historical batch processor's single range query per batch.
func (c *Client) FetchRange(ctx context.Context, gasCurrency, quoteCurrency string, fromSeconds, toSeconds uint64) ([]RangeQuote, error) {
	klines, err := c.fetchKlines(ctx, gasCurrency+quoteCurrency, map[string]string{
		"startTime": strconv.FormatUint(fromSeconds*1000, 10),
		"endTime":   strconv.FormatUint(toSeconds*1000, 10),
	})
	if err != nil {
		return nil, err
	}

	out := make([]RangeQuote, 0, len(klines))
	for _, k := range klines {
		q, err := quoteFromKline(k)
		if err != nil {
			return nil, err
		}
		closeTimeMs, ok := klineUint64(k, 6)
		if !ok {
			return nil, fmt.Errorf("priceoracle: malformed close_time in kline")
		}
		out = append(out, RangeQuote{CloseTime: closeTimeMs / 1000, Price: q})
	}
	return out, nil
}

func (c *Client) fetchKlines(ctx context.Context, symbol string, extra map[string]string) ([]kline, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "oracle"); err != nil {
			return nil, fmt.Errorf("priceoracle: rate limiter wait: %w", err)
		}
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", "1m")
	for k, v := range extra {
		q.Set(k, v)
	}

	reqURL := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("priceoracle: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
		return nil, fmt.Errorf("priceoracle: transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("priceoracle: rate limited by oracle (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("priceoracle: unexpected status %d", resp.StatusCode)
	}

	var klines []kline
	if err := json.NewDecoder(resp.Body).Decode(&klines); err != nil {
		return nil, fmt.Errorf("priceoracle: decoding klines: %w", err)
	}
	return klines, nil
}

func quoteFromKline(k kline) (Quote, error) {
	closeStr, ok := k[4].(string)
	if !ok {
		return Quote{}, fmt.Errorf("priceoracle: close price field is not a string")
	}
	integerPrice, decimals, ok := bigmath.SplitDecimalString(closeStr)
	if !ok {
		return Quote{}, fmt.Errorf("priceoracle: could not parse close price %q", closeStr)
	}
	return Quote{IntegerPrice: integerPrice, Decimals: decimals}, nil
}

func klineUint64(k kline, index int) (uint64, bool) {
	switch v := k[index].(type) {
	case float64:
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
