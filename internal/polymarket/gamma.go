// Package polymarket talks to the two Polymarket APIs: Gamma for market
// discovery and settlement outcomes, CLOB for price history and live orders.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martin-bot/martin/internal/domain"
	"github.com/martin-bot/martin/internal/httpapi"
)

const hourlyIntervalSeconds = 3600

// Window is one discovered hourly up/down market, fully resolved down to the
// per-outcome CLOB token IDs.
type Window struct {
	Asset       string
	Slug        string
	ConditionID string
	UpTokenID   string
	DownTokenID string
	StartTs     int64
	EndTs       int64
}

// gammaEvent mirrors the Gamma /events payload. Outcome labels, prices and
// token IDs arrive as JSON encoded strings inside the JSON document.
type gammaEvent struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Active    bool   `json:"active"`
	Closed    bool   `json:"closed"`
	StartTime string `json:"startTime"`
	EndDate   string `json:"endDate"`
	Markets   []struct {
		ConditionID    string `json:"conditionId"`
		Question       string `json:"question"`
		Outcomes       string `json:"outcomes"`
		OutcomePrices  string `json:"outcomePrices"`
		ClobTokenIDs   string `json:"clobTokenIds"`
		EventStartTime string `json:"eventStartTime"`
		EndDate        string `json:"endDate"`
		Closed         bool   `json:"closed"`
	} `json:"markets"`
}

// GammaClient discovers hourly windows by slug and reads settlement outcomes.
type GammaClient struct {
	baseURL string
	http    *httpapi.Client
}

func NewGammaClient(baseURL string, http *httpapi.Client) *GammaClient {
	return &GammaClient{baseURL: baseURL, http: http}
}

// HourlySlug builds the deterministic slug of the hourly up/down market that
// starts at the hour containing ts.
func HourlySlug(asset string, ts int64) string {
	aligned := ts - ts%hourlyIntervalSeconds
	return fmt.Sprintf("%s-updown-1h-%d", strings.ToLower(asset), aligned)
}

// DiscoverWindows fetches the current and next hourly window for each asset.
// Markets whose token IDs or outcome labels cannot be resolved are dropped
// with a warning rather than surfaced as errors.
func (c *GammaClient) DiscoverWindows(ctx context.Context, assets []string, now int64) ([]Window, error) {
	var windows []Window
	for _, asset := range assets {
		for _, ts := range []int64{now, now + hourlyIntervalSeconds} {
			slug := HourlySlug(asset, ts)
			window, err := c.FetchWindow(ctx, asset, slug)
			if err != nil {
				log.Warn().Str("slug", slug).Err(err).Msg("Window discovery failed")
				continue
			}
			if window != nil {
				windows = append(windows, *window)
			}
		}
	}
	return windows, nil
}

// FetchWindow looks up one market by slug. Returns nil without error when the
// slug does not exist yet (the next hour's market may not be listed).
func (c *GammaClient) FetchWindow(ctx context.Context, asset, slug string) (*Window, error) {
	event, err := c.fetchEvent(ctx, slug)
	if err != nil {
		return nil, err
	}
	if event == nil || len(event.Markets) == 0 {
		return nil, nil
	}

	market := event.Markets[0]
	upToken, downToken, err := resolveTokens(market.Outcomes, market.ClobTokenIDs)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", slug, err)
	}

	// Market level times win over event level when both are present.
	startStr := firstNonEmpty(market.EventStartTime, event.StartTime)
	endStr := firstNonEmpty(market.EndDate, event.EndDate)
	startTs, err := parseTimestamp(startStr)
	if err != nil {
		return nil, fmt.Errorf("market %s: bad start time %q", slug, startStr)
	}
	endTs, err := parseTimestamp(endStr)
	if err != nil {
		return nil, fmt.Errorf("market %s: bad end time %q", slug, endStr)
	}

	return &Window{
		Asset:       asset,
		Slug:        slug,
		ConditionID: market.ConditionID,
		UpTokenID:   upToken,
		DownTokenID: downToken,
		StartTs:     startTs,
		EndTs:       endTs,
	}, nil
}

// FetchOutcome reads the settled direction of a closed market. The second
// return is false while the market has not resolved yet.
func (c *GammaClient) FetchOutcome(ctx context.Context, slug string) (domain.Direction, bool, error) {
	event, err := c.fetchEvent(ctx, slug)
	if err != nil {
		return "", false, err
	}
	if event == nil || len(event.Markets) == 0 {
		return "", false, fmt.Errorf("market %s not found", slug)
	}

	market := event.Markets[0]
	if !market.Closed && !event.Closed {
		return "", false, nil
	}

	var labels, prices []string
	if err := json.Unmarshal([]byte(market.Outcomes), &labels); err != nil {
		return "", false, fmt.Errorf("market %s: parse outcomes: %w", slug, err)
	}
	if err := json.Unmarshal([]byte(market.OutcomePrices), &prices); err != nil {
		return "", false, fmt.Errorf("market %s: parse outcome prices: %w", slug, err)
	}
	if len(labels) != len(prices) {
		return "", false, fmt.Errorf("market %s: %d outcomes vs %d prices", slug, len(labels), len(prices))
	}

	winThreshold := decimal.NewFromFloat(0.5)
	for i, label := range labels {
		price, err := decimal.NewFromString(prices[i])
		if err != nil {
			continue
		}
		if price.GreaterThan(winThreshold) {
			switch normalizeLabel(label) {
			case "UP":
				return domain.DirectionUp, true, nil
			case "DOWN":
				return domain.DirectionDown, true, nil
			}
		}
	}
	return "", false, nil
}

func (c *GammaClient) fetchEvent(ctx context.Context, slug string) (*gammaEvent, error) {
	params := url.Values{}
	params.Set("slug", slug)

	var events []gammaEvent
	if err := c.http.GetJSON(ctx, c.baseURL+"/events", params, &events); err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", slug, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// resolveTokens pairs outcome labels with CLOB token IDs. UP/YES maps to the
// up token, DOWN/NO to the down token.
func resolveTokens(outcomesJSON, tokenIDsJSON string) (up, down string, err error) {
	var labels, tokenIDs []string
	if err := json.Unmarshal([]byte(outcomesJSON), &labels); err != nil {
		return "", "", fmt.Errorf("parse outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(tokenIDsJSON), &tokenIDs); err != nil {
		return "", "", fmt.Errorf("parse token ids: %w", err)
	}
	if len(labels) != len(tokenIDs) {
		return "", "", fmt.Errorf("%d outcomes vs %d token ids", len(labels), len(tokenIDs))
	}

	for i, label := range labels {
		switch normalizeLabel(label) {
		case "UP":
			up = tokenIDs[i]
		case "DOWN":
			down = tokenIDs[i]
		}
	}
	if up == "" || down == "" {
		return "", "", fmt.Errorf("unresolvable outcome labels %v", labels)
	}
	return up, down, nil
}

func normalizeLabel(label string) string {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "UP", "YES":
		return "UP"
	case "DOWN", "NO":
		return "DOWN"
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", s)
}
