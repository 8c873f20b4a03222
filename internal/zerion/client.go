package zerion

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

const defaultBaseURL = "https://api.zerion.io/v1"

// Client is a rate-limited Zerion HTTP client. A channel semaphore bounds
// in-flight requests so paginating many wallets at once never floods the API.
type Client struct {
	http    *http.Client
	baseURL string
	auth    string // precomputed Basic auth header value
	sem     chan struct{}
}

// NewClient creates a Zerion client. The API key is sent as the Basic auth
// username with an empty password.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     120 * time.Second,
	}
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second, Transport: transport},
		baseURL: baseURL,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":")),
		sem:     make(chan struct{}, 10),
	}
}

// isRetryable returns true if the HTTP status code indicates a transient error worth retrying.
func isRetryable(statusCode int) bool {
	return statusCode == 429 || statusCode == 502 || statusCode == 503 || statusCode == 504
}

// WalletTransactions fetches the trade and send history for a wallet on one
// chain, following the server-provided next link until it is absent or
// maxPages is reached.
func (c *Client) WalletTransactions(ctx context.Context, wallet, chainID string, maxPages int) ([]Transaction, error) {
	params := url.Values{}
	params.Set("filter[chain_ids]", chainID)
	params.Set("filter[operation_types]", "trade,send")
	params.Set("filter[trash]", "only_non_trash")
	params.Set("currency", "usd")
	params.Set("page[size]", "100")

	pageURL := fmt.Sprintf("%s/wallets/%s/transactions/?%s", c.baseURL, wallet, params.Encode())

	var all []Transaction
	for page := 1; ; page++ {
		if maxPages > 0 && page > maxPages {
			log.Printf("[ZERION] Page limit %d reached for wallet %s, stopping pagination", maxPages, wallet)
			break
		}

		var resp transactionsResponse
		if err := c.getJSON(ctx, pageURL, &resp); err != nil {
			return nil, fmt.Errorf("fetch transactions page %d for %s: %w", page, wallet, err)
		}
		all = append(all, resp.Data...)

		if resp.Links.Next == "" {
			break
		}
		pageURL = resp.Links.Next
	}

	log.Printf("[ZERION] Fetched %d transactions for wallet %s on %s", len(all), wallet, chainID)
	return all, nil
}

// getJSON fetches a URL and decodes JSON into dst.
// Retries transient errors (429, 502, 503, 504) with exponential backoff; the
// semaphore is released before sleeping so other requests can proceed.
func (c *Client) getJSON(ctx context.Context, rawURL string, dst interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1)) // 500ms, 1s, 2s
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
		if err != nil {
			<-c.sem
			return err
		}
		req.Header.Set("Authorization", c.auth)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			<-c.sem
			lastErr = err
			log.Printf("[ZERION] Request failed (attempt %d/%d): %v", attempt+1, maxRetries+1, err)
			continue
		}

		if resp.StatusCode == 200 {
			decErr := json.NewDecoder(resp.Body).Decode(dst)
			resp.Body.Close()
			<-c.sem
			return decErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		<-c.sem // release before potential retry sleep
		lastErr = fmt.Errorf("zerion %d: %s", resp.StatusCode, string(body))

		if !isRetryable(resp.StatusCode) {
			return lastErr
		}
		log.Printf("[ZERION] Retryable error %d (attempt %d/%d)", resp.StatusCode, attempt+1, maxRetries+1)
	}

	return lastErr
}
