package historical

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/messaging"
	"csic-platform/service/blockchain/recording/internal/store"
)

// BatchWriter bulk-inserts each non-empty processed batch and publishes
// one aggregate notification per batch, terminating on the empty-batch
// sentinel.
type BatchWriter struct {
	store    *store.Client
	producer messaging.Producer
	category string
	logger   *zap.SugaredLogger
}

// NewBatchWriter builds a BatchWriter writing into the collection named
// category.
func NewBatchWriter(storeClient *store.Client, producer messaging.Producer, category string, logger *zap.SugaredLogger) *BatchWriter {
	return &BatchWriter{store: storeClient, producer: producer, category: category, logger: logger}
}

// Run bulk-inserts every ProcessedBatch from in until it receives the
// empty-batch sentinel or ctx is cancelled.
func (w *BatchWriter) Run(ctx context.Context, in <-chan ProcessedBatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			if len(batch.Records) == 0 {
				return nil
			}
			if err := w.writeBatch(ctx, batch.Records); err != nil {
				return err
			}
		}
	}
}

func (w *BatchWriter) writeBatch(ctx context.Context, records []domain.EnrichedRecord) error {
	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = r
	}
	if err := w.store.InsertMany(ctx, w.category, docs); err != nil {
		return fmt.Errorf("historical writer: bulk inserting %d records: %w", len(records), err)
	}

	event := messaging.RecordedEvent{
		EventID:         records[0].EventID,
		TransactionHash: records[0].TransactionHash,
		BlockNumber:     records[len(records)-1].BlockNumber,
		Count:           len(records),
	}
	if err := w.producer.PublishRecorded(ctx, w.category, event); err != nil {
		w.logger.Errorw("failed to publish recorded notification", "error", err, "category", w.category, "count", len(records))
	}
	return nil
}
