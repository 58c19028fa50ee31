// Package httpapi is the shared outbound HTTP layer: JSON GET with timeout,
// bounded retries, exponential backoff and Retry-After handling on 429.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// APIError is a non-2xx response from a remote endpoint.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.StatusCode, truncate(e.Body, 200))
}

// RateLimitError is an exhausted retry budget against a 429 response.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Endpoint, e.RetryAfter)
}

// ErrTimeout wraps request timeouts after all retries.
var ErrTimeout = errors.New("request timed out")

// Client wraps http.Client with the retry policy every venue client shares.
type Client struct {
	http    *http.Client
	retries int
	backoff float64
}

func NewClient(timeout time.Duration, retries int, backoff float64) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		retries: retries,
		backoff: backoff,
	}
}

// GetJSON fetches rawURL with query params and decodes the body into out.
// Retries time-outs and transport errors with exponential backoff; a 429
// waits for the Retry-After hint instead. Each retry counts against the
// budget.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, out interface{}) error {
	endpoint := rawURL
	if len(params) > 0 {
		rawURL = rawURL + "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrTimeout, err)
			log.Warn().Str("endpoint", endpoint).Int("attempt", attempt+1).Err(err).Msg("HTTP request failed")
			if attempt < c.retries {
				if !c.sleep(ctx, c.backoffDelay(attempt)) {
					return ctx.Err()
				}
				continue
			}
			break
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < c.retries {
				if !c.sleep(ctx, c.backoffDelay(attempt)) {
					return ctx.Err()
				}
				continue
			}
			break
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			log.Warn().Str("endpoint", endpoint).Dur("retry_after", retryAfter).
				Int("attempt", attempt+1).Msg("Rate limited")
			lastErr = &RateLimitError{Endpoint: endpoint, RetryAfter: retryAfter}
			if attempt < c.retries {
				if !c.sleep(ctx, retryAfter) {
					return ctx.Err()
				}
				continue
			}
			break
		}

		if resp.StatusCode >= 400 {
			return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	}

	return lastErr
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(c.backoff, float64(attempt)) * float64(time.Second))
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func parseRetryAfter(header string) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
