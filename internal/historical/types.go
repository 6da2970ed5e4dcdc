package historical

import "csic-platform/service/blockchain/recording/internal/domain"

// RawBatch is one window of raw logs from the indexer. A RawBatch with
// zero Logs is the end-of-stream sentinel: the loader emits exactly one
// of these on completion, and every downstream stage terminates on
// receiving it rather than on channel closure, per the component design.
type RawBatch struct {
	Logs []domain.EventLog
}

// ProcessedBatch is one window of enriched records. Like RawBatch, a
// ProcessedBatch with zero Records is the sentinel that terminates the
// writer.
type ProcessedBatch struct {
	Records []domain.EnrichedRecord
}

// JobRequest describes one backfill invocation: a single (event,
// contract, block range) the historical pipeline covers exactly once.
type JobRequest struct {
	EventID         string
	ContractAddress string
	FromBlock       uint64
	ToBlock         uint64
}
