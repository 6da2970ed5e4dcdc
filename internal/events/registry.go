package events

import (
	"fmt"

	"csic-platform/service/blockchain/recording/internal/domain"
)

// Registry is the process-wide, immutable-after-registration mapping from
// event id to its persistence category, topic hash, and handler
// constructor. Both pipelines share a single Registry instance.
type Registry struct {
	entries map[string]eventMetadata
}

// NewRegistry builds an empty Registry. Callers register event kinds with
// Register; see package events/builtin for the registry preloaded with
// every event kind this build ships (kept as a separate package so
// individual handler implementations can import the events package
// without this package importing them back).
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]eventMetadata)}
}

// Register adds or overwrites metadata for eventID. constructor may be
// nil for event kinds that are persisted but never decoded (Category and
// Topic still resolve; NewHandler returns nil, nil).
func (r *Registry) Register(eventID, category, topicHash string, constructor HandlerConstructor) {
	r.entries[eventID] = eventMetadata{
		category:    category,
		topicHash:   topicHash,
		constructor: constructor,
	}
}

// Category returns the persistence-collection name for eventID.
func (r *Registry) Category(eventID string) (string, error) {
	e, ok := r.entries[eventID]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownEventID, eventID)
	}
	return e.category, nil
}

// Topic returns the keccak topic hash registered for eventID.
func (r *Registry) Topic(eventID string) (string, error) {
	e, ok := r.entries[eventID]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownEventID, eventID)
	}
	return e.topicHash, nil
}

// NewHandler constructs a fresh Handler for eventID bound to
// contractAddress. Returns (nil, nil) for event ids with no handler
// constructor registered — callers must treat that as "decode yields no
// data", not as an error.
func (r *Registry) NewHandler(eventID, contractAddress string) (Handler, error) {
	e, ok := r.entries[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEventID, eventID)
	}
	if e.constructor == nil {
		return nil, nil
	}
	return e.constructor(contractAddress), nil
}

// Known reports whether eventID has been registered.
func (r *Registry) Known(eventID string) bool {
	_, ok := r.entries[eventID]
	return ok
}

// Categories returns every distinct persistence-collection name
// registered, for callers that need to prepare storage (e.g. index
// creation) ahead of any event arriving.
func (r *Registry) Categories() []string {
	seen := make(map[string]struct{}, len(r.entries))
	var categories []string
	for _, e := range r.entries {
		if _, ok := seen[e.category]; ok {
			continue
		}
		seen[e.category] = struct{}{}
		categories = append(categories, e.category)
	}
	return categories
}
