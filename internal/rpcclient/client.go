// Package rpcclient implements the node JSON-RPC-over-HTTP client used by
// the live processor and by event handlers resolving their chain context:
// eth_call, eth_getBlockByHash, and eth_getTransactionReceipt. The block
// and receipt lookups are LRU-memoized per the component design's
// "capacity ~16 per function" caching rule; eth_call is not cached.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"csic-platform/service/blockchain/recording/internal/bigmath"
	"csic-platform/service/blockchain/recording/internal/domain"
)

// Client is a thin JSON-RPC 2.0 client over a single node HTTP endpoint,
// with the two memoized lookups (block, receipt) the recording pipeline
// needs.
type Client struct {
	uri        string
	httpClient *http.Client

	blockCache   *lru.Cache[string, domain.Block]
	receiptCache *lru.Cache[string, domain.TransactionReceipt]
}

// cacheCapacity matches the component design's "capacity ~16 per
// function" LRU sizing for the block-timestamp and receipt caches (the
// price cache lives in internal/priceoracle).
const cacheCapacity = 16

// New builds a Client against uri (the node's HTTP JSON-RPC endpoint).
func New(uri string) (*Client, error) {
	blockCache, err := lru.New[string, domain.Block](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: building block cache: %w", err)
	}
	receiptCache, err := lru.New[string, domain.TransactionReceipt](cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: building receipt cache: %w", err)
	}
	return &Client{
		uri:          uri,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		blockCache:   blockCache,
		receiptCache: receiptCache,
	}, nil
}

// resetSession replaces the underlying HTTP client, used after a
// transport-level connection error per the "reset session, sleep, resume"
// failure-handling policy.
func (c *Client) resetSession() {
	c.httpClient = &http.Client{Timeout: 30 * time.Second}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpcclient: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpcclient: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.resetSession()
		return fmt.Errorf("rpcclient: transport error calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("rpcclient: decoding response for %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpcclient: node error calling %s: %s", method, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errResultNull
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("rpcclient: unmarshalling result for %s: %w", method, err)
	}
	return nil
}

var errResultNull = errors.New("rpcclient: result is null")

// EthCall issues eth_call({to, data}, "latest") and returns the raw hex
// result string. Satisfies events.RPCCaller.
func (c *Client) EthCall(ctx context.Context, to, data string) (string, error) {
	var result string
	params := []interface{}{
		map[string]string{"to": to, "data": data},
		"latest",
	}
	if err := c.call(ctx, "eth_call", params, &result); err != nil {
		return "", err
	}
	return result, nil
}

// BlockTimestamp returns the timestamp (seconds since epoch) of the block
// identified by blockHash, memoized positively (a found block's timestamp
// never changes). Returns domain.ErrBlockNotFound if the node has not
// indexed the block yet; callers retry per the component design's 2s
// sleep policy.
func (c *Client) BlockTimestamp(ctx context.Context, blockHash string) (uint64, error) {
	if block, ok := c.blockCache.Get(blockHash); ok {
		return parseHexUint64(block.Timestamp), nil
	}

	var block domain.Block
	err := c.call(ctx, "eth_getBlockByHash", []interface{}{blockHash, false}, &block)
	if errors.Is(err, errResultNull) {
		return 0, domain.ErrBlockNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("rpcclient: fetching block %s: %w", blockHash, err)
	}

	c.blockCache.Add(blockHash, block)
	return parseHexUint64(block.Timestamp), nil
}

// TransactionReceipt returns the receipt for transactionHash. Per the
// component design, a missing receipt (domain.ErrReceiptNotIndexed) is
// NEVER cached, so a subsequent call always re-checks the node.
func (c *Client) TransactionReceipt(ctx context.Context, transactionHash string) (domain.TransactionReceipt, error) {
	if receipt, ok := c.receiptCache.Get(transactionHash); ok {
		return receipt, nil
	}

	var receipt domain.TransactionReceipt
	err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{transactionHash}, &receipt)
	if errors.Is(err, errResultNull) {
		return domain.TransactionReceipt{}, domain.ErrReceiptNotIndexed
	}
	if err != nil {
		return domain.TransactionReceipt{}, fmt.Errorf("rpcclient: fetching receipt %s: %w", transactionHash, err)
	}

	c.receiptCache.Add(transactionHash, receipt)
	return receipt, nil
}

func parseHexUint64(hex string) uint64 {
	n, ok := bigmath.ParseHexUint(hex)
	if !ok {
		return 0
	}
	return n.Uint64()
}
