// Package indexer implements the historical pipeline's source: a
// block-explorer-style REST API (Etherscan-shaped) that serves raw event
// logs for a contract/topic over a block range, one fixed-size window at
// a time.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"csic-platform/service/blockchain/recording/internal/domain"
)

// Client fetches logs from a block-explorer REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "https://api.etherscan.io")
// authenticated with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type getLogsResponse struct {
	Result []domain.EventLog `json:"result"`
}

// GetLogs fetches every log matching address and topic0 within
// [fromBlock, toBlock] inclusive. The indexer does not paginate and
// silently truncates oversize windows, so callers must request small
// windows (the component design's blocks_per_batch, ~15-30 blocks).
func (c *Client) GetLogs(ctx context.Context, address, topic0 string, fromBlock, toBlock uint64) ([]domain.EventLog, error) {
	q := url.Values{}
	q.Set("module", "logs")
	q.Set("action", "getLogs")
	q.Set("apikey", c.apiKey)
	q.Set("address", address)
	q.Set("topic0", topic0)
	q.Set("fromBlock", strconv.FormatUint(fromBlock, 10))
	q.Set("toBlock", strconv.FormatUint(toBlock, 10))

	reqURL := fmt.Sprintf("%s/api?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("indexer: building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
		return nil, fmt.Errorf("indexer: transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer: unexpected status %d", resp.StatusCode)
	}

	var parsed getLogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("indexer: decoding response: %w", err)
	}
	return parsed.Result, nil
}
