// Package domain holds the types shared by both the live and historical
// recording pipelines: the persisted record shape, the raw wire shapes
// decoded off the node/indexer, and the handler context a decoder resolves
// once and reuses for the life of a subscription.
package domain

import "math/big"

// EventLog is the shape common to both the WebSocket notification payload
// and the indexer's getLogs response. Historical-only fields (TimeStamp,
// GasPrice, GasUsed) are populated by the indexer and absent from the
// node's live notification; live-only fields (BlockHash, Removed) are
// populated by the node and absent from the indexer.
type EventLog struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	BlockHash        string   `json:"blockHash,omitempty"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed,omitempty"`
	TimeStamp        string   `json:"timeStamp,omitempty"`
	GasPrice         string   `json:"gasPrice,omitempty"`
	GasUsed          string   `json:"gasUsed,omitempty"`
}

// GasPriceQuote is the fiat-denominated cost of the gas a transaction
// consumed, expressed as an arbitrary-precision decimal string so callers
// never lose precision marshalling through JSON.
type GasPriceQuote struct {
	Currency string `json:"currency" bson:"currency"`
	Value    string `json:"value" bson:"value"`
}

// EnrichedRecord is the one document persisted per event log, shared
// verbatim by the live and historical pipelines.
type EnrichedRecord struct {
	RecordID        string            `json:"record_id" bson:"record_id"`
	EventID         string            `json:"event_id" bson:"event_id"`
	TransactionHash string            `json:"transaction_hash" bson:"transaction_hash"`
	BlockNumber     uint64            `json:"block_number" bson:"block_number"`
	Timestamp       uint64            `json:"timestamp" bson:"timestamp"`
	GasUsed         string            `json:"gas_used" bson:"gas_used"`
	GasPriceWei     string            `json:"gas_price_wei" bson:"gas_price_wei"`
	GasPriceQuote   GasPriceQuote     `json:"gas_price_quote" bson:"gas_price_quote"`
	Address         string            `json:"address" bson:"address"`
	Topics          []string          `json:"topics" bson:"topics"`
	RawData         string            `json:"raw_data" bson:"raw_data"`
	Data            map[string]string `json:"data" bson:"data"`
	LogIndex        uint64            `json:"log_index" bson:"log_index"`
}

// TransactionReceipt is the subset of eth_getTransactionReceipt this
// system consumes. The node returns null (a nil pointer here) when the
// receipt isn't indexed yet.
type TransactionReceipt struct {
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	BlockNumber       string `json:"blockNumber"`
	TransactionHash   string `json:"transactionHash"`
}

// Block is the subset of eth_getBlockByHash this system consumes.
type Block struct {
	Timestamp string `json:"timestamp"`
	Number    string `json:"number"`
	Hash      string `json:"hash"`
}

// HandlerContext holds the immutable, chain-resolved metadata a handler
// needs before it can decode any event of its kind: token identities,
// decimals, and the derived fixed-point scaling factors used to express
// swap prices with 18 implicit fractional digits. Resolved once, read-only
// thereafter; see ResolveContext on Handler.
type HandlerContext struct {
	Token0Address string
	Token1Address string
	Symbol0       string
	Symbol1       string
	Decimals0     uint8
	Decimals1     uint8
	// Scale0/Scale1 hold 10^(18 + decimals_i - decimals_{1-i}).
	Scale0 *big.Int
	Scale1 *big.Int
	// Resolved is set once ResolveContext completes successfully.
	Resolved bool
}
