package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csic-platform/service/blockchain/recording/internal/domain"
)

func newStubServer(t *testing.T, handle func(method string) (result interface{}, isNull bool)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, isNull := handle(req.Method)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if isNull {
			resp["result"] = nil
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestClient_BlockTimestamp_CachesPositiveResult(t *testing.T) {
	calls := 0
	srv := newStubServer(t, func(method string) (interface{}, bool) {
		calls++
		return domain.Block{Timestamp: "0x61a8", Number: "0x10", Hash: "0xB"}, false
	})
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	ts, err := c.BlockTimestamp(context.Background(), "0xB")
	require.NoError(t, err)
	assert.Equal(t, uint64(25000), ts)

	ts, err = c.BlockTimestamp(context.Background(), "0xB")
	require.NoError(t, err)
	assert.Equal(t, uint64(25000), ts)
	assert.Equal(t, 1, calls, "second call should be served from cache")
}

func TestClient_BlockTimestamp_NullResultIsNotFound(t *testing.T) {
	srv := newStubServer(t, func(method string) (interface{}, bool) { return nil, true })
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.BlockTimestamp(context.Background(), "0xB")
	assert.True(t, errors.Is(err, domain.ErrBlockNotFound))
}

func TestClient_TransactionReceipt_DoesNotCacheNullResult(t *testing.T) {
	calls := 0
	srv := newStubServer(t, func(method string) (interface{}, bool) {
		calls++
		return nil, true
	})
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.TransactionReceipt(context.Background(), "0xT")
	assert.True(t, errors.Is(err, domain.ErrReceiptNotIndexed))

	_, err = c.TransactionReceipt(context.Background(), "0xT")
	assert.True(t, errors.Is(err, domain.ErrReceiptNotIndexed))
	assert.Equal(t, 2, calls, "a missing receipt must never be served from cache")
}

func TestClient_TransactionReceipt_CachesFoundResult(t *testing.T) {
	calls := 0
	srv := newStubServer(t, func(method string) (interface{}, bool) {
		calls++
		return domain.TransactionReceipt{GasUsed: "0x5208", EffectiveGasPrice: "0x3b9aca00"}, false
	})
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	r1, err := c.TransactionReceipt(context.Background(), "0xT")
	require.NoError(t, err)
	r2, err := c.TransactionReceipt(context.Background(), "0xT")
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, calls)
}

func TestClient_EthCall(t *testing.T) {
	srv := newStubServer(t, func(method string) (interface{}, bool) {
		assert.Equal(t, "eth_call", method)
		return "0x0000000000000000000000000000000000000000000000000000000000000012", false
	})
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	result, err := c.EthCall(context.Background(), "0xPool", "0x95d89b41")
	require.NoError(t, err)
	assert.Contains(t, result, "12")
}
