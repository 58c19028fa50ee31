// Package binance fetches spot candles over REST and streams last prices
// over websocket.
package binance

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/martin-bot/martin/internal/httpapi"
)

// Candle is one spot kline with open and close times normalized to unix
// seconds.
type Candle struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

var symbolMap = map[string]string{
	"BTC": "BTCUSDT",
	"ETH": "ETHUSDT",
}

// Symbol maps an asset to its Binance trading pair, defaulting to
// <ASSET>USDT.
func Symbol(asset string) string {
	if s, ok := symbolMap[asset]; ok {
		return s
	}
	return asset + "USDT"
}

// Client is the REST kline client.
type Client struct {
	baseURL string
	http    *httpapi.Client
}

func NewClient(baseURL string, http *httpapi.Client) *Client {
	return &Client{baseURL: baseURL, http: http}
}

// GetKlines fetches up to limit candles of the given interval starting at
// startTs (unix seconds). Timestamps are converted to the API's milliseconds
// and back.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, startTs, endTs int64, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(startTs*1000, 10))
	if endTs > 0 {
		params.Set("endTime", strconv.FormatInt(endTs*1000, 10))
	}
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.http.GetJSON(ctx, c.baseURL+"/api/v3/klines", params, &raw); err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		// [open_time, open, high, low, close, volume, close_time, ...]
		if len(k) < 7 {
			continue
		}
		openTime, ok := k[0].(float64)
		if !ok {
			continue
		}
		closeTime, _ := k[6].(float64)
		candles = append(candles, Candle{
			OpenTime:  int64(openTime) / 1000,
			Open:      parsePrice(k[1]),
			High:      parsePrice(k[2]),
			Low:       parsePrice(k[3]),
			Close:     parsePrice(k[4]),
			Volume:    parsePrice(k[5]),
			CloseTime: int64(closeTime) / 1000,
		})
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime < candles[j].OpenTime })
	return candles, nil
}

// GetKlinesForWindow fetches all candles covering [startTs-warmup, endTs),
// paging past the per-request cap and deduplicating by open time.
func (c *Client) GetKlinesForWindow(ctx context.Context, asset, interval string, startTs, endTs int64, warmupSeconds int) ([]Candle, error) {
	symbol := Symbol(asset)
	fetchStart := startTs - int64(warmupSeconds)

	var all []Candle
	current := fetchStart
	for current < endTs {
		batch, err := c.GetKlines(ctx, symbol, interval, current, endTs, 1000)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)

		last := batch[len(batch)-1].OpenTime
		if last <= current {
			break
		}
		current = last + intervalSeconds(interval)

		// Stay friendly with the rate limiter between pages.
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	seen := make(map[int64]struct{}, len(all))
	unique := all[:0]
	for _, candle := range all {
		if _, dup := seen[candle.OpenTime]; dup {
			continue
		}
		seen[candle.OpenTime] = struct{}{}
		unique = append(unique, candle)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].OpenTime < unique[j].OpenTime })

	log.Debug().Str("asset", asset).Str("interval", interval).
		Int("candles", len(unique)).Msg("Fetched klines for window")
	return unique, nil
}

func intervalSeconds(interval string) int64 {
	switch interval {
	case "1m":
		return 60
	case "5m":
		return 300
	case "15m":
		return 900
	case "1h":
		return 3600
	default:
		return 60
	}
}

func parsePrice(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
