package birdeye

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

const defaultBaseURL = "https://public-api.birdeye.so"

// Client fetches historical and current token prices from BirdEye.
// The advertised ceiling is ~100 req/min; callers (the enricher) self-pace
// well below it, so the client itself only handles transport and retries.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient creates a BirdEye client.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type historicalPriceResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Value float64 `json:"value"`
	} `json:"data"`
}

type multiPriceResponse struct {
	Success bool `json:"success"`
	Data    map[string]struct {
		Value float64 `json:"value"`
	} `json:"data"`
}

// HistoricalPrice returns the USD price of a token at a unix timestamp.
func (c *Client) HistoricalPrice(ctx context.Context, chain, address string, unixTime int64) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("address", address)
	params.Set("unixtime", fmt.Sprintf("%d", unixTime))
	reqURL := fmt.Sprintf("%s/defi/historical_price_unix?%s", c.baseURL, params.Encode())

	var resp historicalPriceResponse
	if err := c.getJSON(ctx, chain, reqURL, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	if !resp.Success {
		return decimal.Decimal{}, fmt.Errorf("birdeye historical price lookup failed for %s@%d", address, unixTime)
	}
	return decimal.NewFromFloat(resp.Data.Value), nil
}

// CurrentPrices returns current USD prices for a set of token addresses.
// Addresses missing from the response are absent from the returned map.
func (c *Client) CurrentPrices(ctx context.Context, chain string, addresses []string) (map[string]decimal.Decimal, error) {
	if len(addresses) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	params := url.Values{}
	params.Set("list_address", strings.Join(addresses, ","))
	reqURL := fmt.Sprintf("%s/defi/multi_price?%s", c.baseURL, params.Encode())

	var resp multiPriceResponse
	if err := c.getJSON(ctx, chain, reqURL, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("birdeye multi price lookup failed for %d addresses", len(addresses))
	}

	prices := make(map[string]decimal.Decimal, len(resp.Data))
	for addr, entry := range resp.Data {
		prices[addr] = decimal.NewFromFloat(entry.Value)
	}
	return prices, nil
}

// isRetryable returns true if the HTTP status code indicates a transient error worth retrying.
func isRetryable(statusCode int) bool {
	return statusCode == 429 || statusCode == 502 || statusCode == 503 || statusCode == 504
}

// getJSON fetches a URL with the BirdEye auth headers and decodes JSON into
// dst, retrying transient errors with exponential backoff.
func (c *Client) getJSON(ctx context.Context, chain, rawURL string, dst interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-API-KEY", c.apiKey)
		req.Header.Set("x-chain", chain)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			log.Printf("[BIRDEYE] Request failed (attempt %d/%d): %v", attempt+1, maxRetries+1, err)
			continue
		}

		if resp.StatusCode == 200 {
			decErr := json.NewDecoder(resp.Body).Decode(dst)
			resp.Body.Close()
			return decErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("birdeye %d: %s", resp.StatusCode, string(body))

		if !isRetryable(resp.StatusCode) {
			return lastErr
		}
		log.Printf("[BIRDEYE] Retryable error %d (attempt %d/%d)", resp.StatusCode, attempt+1, maxRetries+1)
	}

	return lastErr
}
