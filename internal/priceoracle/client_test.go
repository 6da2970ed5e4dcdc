package priceoracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchAt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		klines := []interface{}{
			[]interface{}{1700000000000.0, "1200.00", "1250.00", "1190.00", "1234.56", "10.5", 1700000059999.0},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(klines))
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)

	q, err := c.FetchAt(context.Background(), "ETH", "SGD", 25000)
	require.NoError(t, err)
	assert.Equal(t, "123456", q.IntegerPrice.String())
	assert.Equal(t, 2, q.Decimals)

	_, err = c.FetchAt(context.Background(), "ETH", "SGD", 25000)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call for the same key must be served from cache")
}

func TestClient_FetchRange_SortedByCloseTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		klines := []interface{}{
			[]interface{}{0.0, "1", "1", "1", "100.00", "1", 60000.0},
			[]interface{}{0.0, "1", "1", "1", "101.00", "1", 120000.0},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(klines))
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)

	quotes, err := c.FetchRange(context.Background(), "ETH", "SGD", 0, 120)
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, uint64(60), quotes[0].CloseTime)
	assert.Equal(t, uint64(120), quotes[1].CloseTime)
}

func TestClient_FetchKlines_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := New(srv.URL, nil)
	require.NoError(t, err)

	_, err = c.FetchAt(context.Background(), "ETH", "SGD", 1)
	assert.Error(t, err)
}
