package live

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/messaging"
	"csic-platform/service/blockchain/recording/internal/store"
)

// WriterMetrics is the narrow metrics surface the writer reports
// through; satisfied by internal/metrics.Metrics.
type WriterMetrics interface {
	RecordWritten(category string)
}

// Writer consumes enriched records and persists each one as a single
// insert into the category-named collection, then announces it on the
// notification bus. Per the component design's decision against upserts,
// a duplicate insert (e.g. from a reorg replay) surfaces as a write error
// rather than being silently merged.
type Writer struct {
	store    *store.Client
	producer messaging.Producer
	// categoryOf maps a subscription id (assigned by the Listener) to the
	// collection/topic category it writes to.
	categoryOf map[int]string
	logger     *zap.SugaredLogger
	metrics    WriterMetrics
}

// NewWriter builds a Writer. categoryOf must cover every subscription id
// the upstream Processor can emit. metrics may be nil.
func NewWriter(storeClient *store.Client, producer messaging.Producer, categoryOf map[int]string, logger *zap.SugaredLogger, metrics WriterMetrics) *Writer {
	return &Writer{store: storeClient, producer: producer, categoryOf: categoryOf, logger: logger, metrics: metrics}
}

// Run persists every ProcessorOutput from in until in is closed or ctx is
// cancelled. A write error is fatal: it stops the pipeline rather than
// silently dropping a record, per the component design's error policy.
func (w *Writer) Run(ctx context.Context, in <-chan ProcessorOutput) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case po, ok := <-in:
			if !ok {
				return nil
			}
			if err := w.write(ctx, po); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) write(ctx context.Context, po ProcessorOutput) error {
	category, ok := w.categoryOf[po.SubscriptionID]
	if !ok {
		return fmt.Errorf("live writer: no category bound for subscription id %d", po.SubscriptionID)
	}

	if err := w.store.InsertOne(ctx, category, po.Record); err != nil {
		return fmt.Errorf("live writer: inserting record for %s: %w", po.Record.TransactionHash, err)
	}

	event := messaging.RecordedEvent{
		EventID:         po.Record.EventID,
		TransactionHash: po.Record.TransactionHash,
		BlockNumber:     po.Record.BlockNumber,
		Count:           1,
	}
	if err := w.producer.PublishRecorded(ctx, category, event); err != nil {
		w.logger.Errorw("failed to publish recorded notification", "error", err, "transaction_hash", po.Record.TransactionHash)
	}
	if w.metrics != nil {
		w.metrics.RecordWritten(category)
	}
	return nil
}
