// Package events implements the event-decoding registry and the handler
// protocol shared by the live and historical pipelines: a closed,
// tagged-variant registry keyed by event id, each variant carrying its own
// chain-context resolver and payload decoder.
package events

import (
	"context"
)

// RPCCaller is the narrow slice of the node JSON-RPC client a Handler
// needs to resolve its context: a single eth_call against "latest".
// Handlers depend on this interface, not a concrete client, so tests can
// supply a stub without standing up an RPC server.
type RPCCaller interface {
	EthCall(ctx context.Context, to, data string) (string, error)
}

// Handler is the polymorphic contract every event kind implements. A
// Handler is constructed once per (event id, contract address) pair by
// the Registry and is then shared by every log notification seen for that
// subscription.
type Handler interface {
	// ResolveContext populates the handler's immutable chain-resolved
	// metadata. It must be called, and must succeed, before the first
	// Decode call; it is idempotent, and a failure here is fatal to the
	// pipeline that owns the handler.
	ResolveContext(ctx context.Context, rpc RPCCaller) error

	// Decode turns a raw log payload and its topics into the
	// event-specific fields of an EnrichedRecord. If the context has not
	// been resolved yet, Decode returns an empty map rather than erroring,
	// per the non-fatal "handler context unresolved" policy.
	Decode(rawData string, topics []string) (map[string]string, error)
}

// HandlerConstructor builds a fresh Handler bound to contractAddress.
// Registered once per event id in the Registry.
type HandlerConstructor func(contractAddress string) Handler

// eventMetadata is the process-wide, immutable-after-registration entry
// for one event id.
type eventMetadata struct {
	category    string
	topicHash   string
	constructor HandlerConstructor
}
