// Package builtin wires every event handler this build ships into a
// fresh events.Registry. It is kept separate from package events so that
// handler implementations (e.g. uniswapv3) can depend on the events
// package's Handler/RPCCaller types without creating an import cycle back
// into a registry package that would otherwise need to import them.
package builtin

import (
	"csic-platform/service/blockchain/recording/internal/events"
	"csic-platform/service/blockchain/recording/internal/events/uniswapv3"
)

// NewRegistry returns an events.Registry preloaded with every event kind
// this build supports. Both entrypoints (cmd/live, cmd/historical) use
// this instead of events.NewRegistry directly.
func NewRegistry() *events.Registry {
	r := events.NewRegistry()
	r.Register(uniswapv3.EventID, uniswapv3.Category, uniswapv3.TopicHash(), uniswapv3.NewHandler)
	return r
}
