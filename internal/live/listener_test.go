package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingListenerMetrics struct {
	reconnects int32
}

func (m *countingListenerMetrics) WebSocketReconnected() { atomic.AddInt32(&m.reconnects, 1) }

// fakeNodeWS upgrades every connection, answers eth_subscribe with a fresh
// subscription id per connection, sends one notification, then closes —
// forcing the listener to reconnect and reseat on every cycle.
type fakeNodeWS struct {
	connCount int32
}

func (f *fakeNodeWS) handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connNum := atomic.AddInt32(&f.connCount, 1)

		var subReq struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		if err := conn.ReadJSON(&subReq); err != nil {
			return
		}
		subID := "0xsub1"
		if connNum > 1 {
			subID = "0xsub2"
		}
		_ = conn.WriteJSON(map[string]interface{}{"id": subReq.ID, "result": subID})

		note := map[string]interface{}{
			"method": "eth_subscription",
			"params": map[string]interface{}{
				"subscription": subID,
				"result": map[string]interface{}{
					"address":         "0xcontract",
					"topics":          []string{"0xtopic"},
					"data":            "0x",
					"blockNumber":     "0x1",
					"transactionHash": "0xtx",
					"logIndex":        "0x0",
				},
			},
		}
		_ = conn.WriteJSON(note)

		// Close abruptly after one notification, forcing the listener to
		// reconnect and reseat every time — whether this is the first
		// connection or a later one.
	}
}

// TestListener_ReconnectsAndReseats covers S4: a dropped connection
// triggers a reconnect, subscriptions are resent on the new connection,
// and notifications keep flowing tagged with the same internal id.
func TestListener_ReconnectsAndReseats(t *testing.T) {
	fake := &fakeNodeWS{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	wssURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	metrics := &countingListenerMetrics{}
	logger := testLogger()
	listener := NewListener(wssURL, logger, metrics)
	listener.reconnectDelay = 10 * time.Millisecond
	id := listener.AddSubscription("swap", "0xcontract", "0xtopic", "swaps")
	require.Equal(t, 0, id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make(chan ListenerOutput, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- listener.ListenForever(ctx, out)
	}()

	received := 0
	for received < 2 {
		select {
		case lo := <-out:
			assert.Equal(t, id, lo.SubscriptionID, "notification must be tagged with the registered internal id across reconnects")
			received++
		case <-ctx.Done():
			t.Fatalf("timed out waiting for notifications, received %d", received)
		}
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&metrics.reconnects), int32(1), "a dropped connection must be counted as a reconnect")

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ListenForever did not return after ctx cancellation")
	}
}
