package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/domain"
)

// ListenerMetrics is the narrow metrics surface the listener reports
// through; satisfied by internal/metrics.Metrics.
type ListenerMetrics interface {
	WebSocketReconnected()
}

// Listener maintains a single WebSocket connection to the node and
// translates eth_subscribe notifications into tagged ListenerOutputs. All
// subscriptions must be registered with AddSubscription before
// ListenForever is called; the protocol re-sends every registered
// subscription on each (re)connection.
type Listener struct {
	wssURI  string
	logger  *zap.SugaredLogger
	metrics ListenerMetrics

	mu            sync.Mutex
	subscriptions []subscription

	reconnectDelay time.Duration
	pingInterval   time.Duration
	pingTimeout    time.Duration
}

// NewListener builds a Listener against wssURI (the node's WebSocket
// JSON-RPC endpoint). metrics may be nil.
func NewListener(wssURI string, logger *zap.SugaredLogger, metrics ListenerMetrics) *Listener {
	return &Listener{
		wssURI:         wssURI,
		logger:         logger,
		metrics:        metrics,
		reconnectDelay: 500 * time.Millisecond,
		pingInterval:   30 * time.Second,
		pingTimeout:    120 * time.Second,
	}
}

// AddSubscription registers a (contractAddress, topic) pair and returns
// its internal id, assigned monotonically starting at 0 in call order.
// Must be called before ListenForever.
func (l *Listener) AddSubscription(eventID, contractAddress, topic, category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := len(l.subscriptions)
	l.subscriptions = append(l.subscriptions, subscription{
		ID:              id,
		EventID:         eventID,
		ContractAddress: contractAddress,
		Topic:           topic,
		Category:        category,
	})
	return id
}

// Subscriptions returns a copy of the registered subscriptions, used by
// the pipeline orchestrator to wire categories into the Writer.
func (l *Listener) Subscriptions() []subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]subscription, len(l.subscriptions))
	copy(out, l.subscriptions)
	return out
}

type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type subscribeResponse struct {
	ID     int    `json:"id"`
	Result string `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type notification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       domain.EventLog `json:"result"`
	} `json:"params"`
}

// ListenForever runs the connect/subscribe/read/reconnect protocol until
// ctx is cancelled, emitting tagged notifications to out. Connection-
// closed errors trigger a reconnect with subscription reseating; any
// other error is returned as fatal, per the component design.
func (l *Listener) ListenForever(ctx context.Context, out chan<- ListenerOutput) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.runConnection(ctx, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var fatal *fatalListenerError
		if errors.As(err, &fatal) {
			return fmt.Errorf("live listener: fatal error: %w", fatal.err)
		}

		l.logger.Warnw("websocket connection closed, reconnecting", "error", err)
		if l.metrics != nil {
			l.metrics.WebSocketReconnected()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.reconnectDelay):
		}
	}
}

// fatalListenerError marks an error that must never trigger a reconnect:
// a bad endpoint, or a node that explicitly rejected a subscribe request.
// Anything else reaching runConnection's caller is treated as a dropped
// connection worth reconnecting over, matching the source protocol's
// "ConnectionClosedError -> reconnect, anything else -> fatal" policy,
// inverted here because gorilla/websocket does not give every transport
// failure a distinct typed error the way the original's library does.
type fatalListenerError struct{ err error }

func (f *fatalListenerError) Error() string { return f.err.Error() }
func (f *fatalListenerError) Unwrap() error { return f.err }

func (l *Listener) runConnection(ctx context.Context, out chan<- ListenerOutput) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.wssURI, nil)
	if err != nil {
		return &fatalListenerError{fmt.Errorf("dialing node websocket: %w", err)}
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(l.pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(l.pingTimeout))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go l.keepAlive(conn, stopPing)

	idmap, err := l.reseat(conn)
	if err != nil {
		return fmt.Errorf("reseating subscriptions: %w", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var note notification
		if err := json.Unmarshal(message, &note); err != nil {
			l.logger.Errorw("discarding unparseable frame", "error", err)
			continue
		}
		if note.Method != "eth_subscription" {
			continue
		}

		internalID, ok := idmap[note.Params.Subscription]
		if !ok {
			l.logger.Warnw("notification for unknown subscription id", "node_subscription_id", note.Params.Subscription)
			continue
		}

		select {
		case out <- ListenerOutput{SubscriptionID: internalID, EventLog: note.Params.Result}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reseat sends eth_subscribe for every registered subscription on conn
// and returns the node subscription id -> internal id map. The idmap is
// rebuilt from scratch on every (re)connection, per the component design.
func (l *Listener) reseat(conn *websocket.Conn) (map[string]int, error) {
	l.mu.Lock()
	subs := make([]subscription, len(l.subscriptions))
	copy(subs, l.subscriptions)
	l.mu.Unlock()

	idmap := make(map[string]int, len(subs))
	for _, sub := range subs {
		req := subscribeRequest{
			JSONRPC: "2.0",
			ID:      sub.ID,
			Method:  "eth_subscribe",
			Params: []interface{}{
				"logs",
				map[string]interface{}{
					"address": sub.ContractAddress,
					"topics":  []string{sub.Topic},
				},
			},
		}
		if err := conn.WriteJSON(req); err != nil {
			return nil, fmt.Errorf("sending eth_subscribe for subscription %d: %w", sub.ID, err)
		}

		var resp subscribeResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("reading eth_subscribe response for subscription %d: %w", sub.ID, err)
		}
		if resp.Error != nil {
			return nil, &fatalListenerError{fmt.Errorf("eth_subscribe rejected for subscription %d: %s", sub.ID, resp.Error.Message)}
		}
		idmap[resp.Result] = sub.ID
	}
	return idmap, nil
}

func (l *Listener) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

