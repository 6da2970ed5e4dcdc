package live

import "csic-platform/service/blockchain/recording/internal/domain"

// ListenerOutput is one notification the Listener has tagged with its
// internal subscription id, ready for the Processor.
type ListenerOutput struct {
	SubscriptionID int
	EventLog       domain.EventLog
}

// ProcessorOutput is one enriched record tagged with the subscription id
// it originated from, ready for the Writer to route by category.
type ProcessorOutput struct {
	SubscriptionID int
	Record         domain.EnrichedRecord
}

// subscription is the listener/processor-shared registration for one
// configured (event_id, contract_address) pair.
type subscription struct {
	ID              int
	EventID         string
	ContractAddress string
	Topic           string
	Category        string
}
