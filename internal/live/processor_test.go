package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/priceoracle"
	"csic-platform/service/blockchain/recording/internal/rpcclient"
)

// noopMetrics records every processor metric in plain counters instead of
// exporting it, so tests can assert on how often each one was reported.
type noopMetrics struct {
	retryMapSize       int32
	staleRetryDropped  int32
	blockTSRetried     int32
	receiptsPostponed  int32
}

func (m *noopMetrics) RetryMapSize(n int)      { atomic.StoreInt32(&m.retryMapSize, int32(n)) }
func (m *noopMetrics) StaleRetryDropped()      { atomic.AddInt32(&m.staleRetryDropped, 1) }
func (m *noopMetrics) BlockTimestampRetried()  { atomic.AddInt32(&m.blockTSRetried, 1) }
func (m *noopMetrics) ReceiptPostponed()       { atomic.AddInt32(&m.receiptsPostponed, 1) }

func testLogger() *zap.SugaredLogger {
	core, _ := observer.New(zap.ErrorLevel)
	return zap.New(core).Sugar()
}

// fakeNodeServer answers eth_getBlockByHash and eth_getTransactionReceipt
// from mutable maps, letting a test flip a transaction from "not indexed"
// to "indexed" between processor ticks.
type fakeNodeServer struct {
	mu        sync.Mutex
	blocks    map[string]domain.Block
	receipts  map[string]domain.TransactionReceipt
	callCount int32
}

func newFakeNodeServer() *fakeNodeServer {
	return &fakeNodeServer{
		blocks:   make(map[string]domain.Block),
		receipts: make(map[string]domain.TransactionReceipt),
	}
}

func (f *fakeNodeServer) setReceipt(txHash string, r domain.TransactionReceipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = r
}

func (f *fakeNodeServer) setBlock(hash string, b domain.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[hash] = b
}

func (f *fakeNodeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.callCount, 1)
		var req struct {
			ID     int               `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var result interface{}
		switch req.Method {
		case "eth_getBlockByHash":
			var hash string
			_ = json.Unmarshal(req.Params[0], &hash)
			f.mu.Lock()
			block, ok := f.blocks[hash]
			f.mu.Unlock()
			if ok {
				result = block
			}
		case "eth_getTransactionReceipt":
			var txHash string
			_ = json.Unmarshal(req.Params[0], &txHash)
			f.mu.Lock()
			receipt, ok := f.receipts[txHash]
			f.mu.Unlock()
			if ok {
				result = receipt
			}
		}

		resultBytes, _ := json.Marshal(result)
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  json.RawMessage(resultBytes),
		}
		if result == nil {
			resp["result"] = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func newTestProcessor(t *testing.T, rpcURL string, metrics ProcessorMetrics) *Processor {
	t.Helper()
	rpc, err := rpcclient.New(rpcURL)
	require.NoError(t, err)

	priceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		klines := []interface{}{
			[]interface{}{0.0, "1", "1", "1", "2000.00", "1", 0.0},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(klines)
	}))
	t.Cleanup(priceSrv.Close)
	price, err := priceoracle.New(priceSrv.URL, nil)
	require.NoError(t, err)

	return NewProcessor(rpc, price, "ETH", "SGD", 0, testLogger(), metrics, nil)
}

func hexBlockNumber(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

// TestProcessor_PostponesUnindexedReceipt covers S2: a log whose receipt
// isn't indexed yet is queued in the retry map rather than dropped, and
// no record is emitted until the receipt resolves.
func TestProcessor_PostponesUnindexedReceipt(t *testing.T) {
	node := newFakeNodeServer()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	metrics := &noopMetrics{}
	p := newTestProcessor(t, srv.URL, metrics)
	p.Bind(0, subscriptionBinding{EventID: "swap", Category: "swaps"})

	node.setBlock("0xblock1", domain.Block{Timestamp: "0x5", Number: hexBlockNumber(1)})

	out := make(chan ProcessorOutput, 4)
	log := domain.EventLog{
		BlockHash:       "0xblock1",
		BlockNumber:     hexBlockNumber(1),
		TransactionHash: "0xtx1",
		LogIndex:        "0x0",
	}

	p.handle(context.Background(), ListenerOutput{SubscriptionID: 0, EventLog: log}, out)

	select {
	case <-out:
		t.Fatal("expected no record emitted while receipt is unindexed")
	default:
	}
	assert.Len(t, p.retryMap, 1, "transaction must be queued in the retry map")
	assert.Equal(t, int32(1), atomic.LoadInt32(&metrics.receiptsPostponed))

	node.setReceipt("0xtx1", domain.TransactionReceipt{
		GasUsed:           "0x5208",
		EffectiveGasPrice: "0x3b9aca00",
		TransactionHash:   "0xtx1",
	})

	p.walkRetryMap(context.Background(), out)

	select {
	case rec := <-out:
		assert.Equal(t, "0xtx1", rec.Record.TransactionHash)
	default:
		t.Fatal("expected a record once the receipt resolved")
	}
	assert.Len(t, p.retryMap, 0, "resolved bucket must be evicted")
}

// TestProcessor_TTLEvictsStaleRetryBucket covers S7: a retry bucket
// whose receipt never resolves is dropped once the head has advanced
// beyond retryTTLBlocks, without ever emitting a record for it.
func TestProcessor_TTLEvictsStaleRetryBucket(t *testing.T) {
	node := newFakeNodeServer()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	metrics := &noopMetrics{}
	rpc, err := rpcclient.New(srv.URL)
	require.NoError(t, err)
	price, err := priceoracle.New("http://unused.invalid", nil)
	require.NoError(t, err)
	p := NewProcessor(rpc, price, "ETH", "SGD", 2, testLogger(), metrics, nil)
	p.Bind(0, subscriptionBinding{EventID: "swap", Category: "swaps"})

	node.setBlock("0xblock1", domain.Block{Timestamp: "0x5", Number: hexBlockNumber(1)})

	out := make(chan ProcessorOutput, 4)
	log := domain.EventLog{
		BlockHash:       "0xblock1",
		BlockNumber:     hexBlockNumber(1),
		TransactionHash: "0xtx-stale",
		LogIndex:        "0x0",
	}
	p.handle(context.Background(), ListenerOutput{SubscriptionID: 0, EventLog: log}, out)
	require.Len(t, p.retryMap, 1)

	// Advance the tracked head well past the TTL window without ever
	// indexing the receipt.
	p.currentHead = 1 + 2 + 1
	p.walkRetryMap(context.Background(), out)

	assert.Len(t, p.retryMap, 0, "stale bucket must be evicted")
	assert.Equal(t, int32(1), atomic.LoadInt32(&metrics.staleRetryDropped))
	select {
	case <-out:
		t.Fatal("a TTL-evicted bucket must never emit a record")
	default:
	}
}

// TestProcessor_DropsRemovedLog covers S3: a reorg'd ("removed") log
// clears any pending retry bucket for its transaction and is otherwise
// ignored — no record, no node calls.
func TestProcessor_DropsRemovedLog(t *testing.T) {
	node := newFakeNodeServer()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	p := newTestProcessor(t, srv.URL, &noopMetrics{})
	p.Bind(0, subscriptionBinding{EventID: "swap", Category: "swaps"})
	p.retryMap["0xtx-reorged"] = &retryBucket{firstSeenBlock: 1}

	out := make(chan ProcessorOutput, 1)
	log := domain.EventLog{
		BlockNumber:     hexBlockNumber(2),
		TransactionHash: "0xtx-reorged",
		Removed:         true,
	}
	p.handle(context.Background(), ListenerOutput{SubscriptionID: 0, EventLog: log}, out)

	assert.Len(t, p.retryMap, 0, "removed log must clear its retry bucket")
	assert.Equal(t, int32(0), atomic.LoadInt32(&node.callCount), "a removed log must not reach the node")
	select {
	case <-out:
		t.Fatal("a removed log must never emit a record")
	default:
	}
}
