package historical

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/bigmath"
	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/events"
	"csic-platform/service/blockchain/recording/internal/priceoracle"
)

// BatchProcessor enriches each raw log in a batch with a fiat gas quote
// (resolved via a single price-range query per batch, not one lookup per
// log) and the handler-decoded event fields.
type BatchProcessor struct {
	price         *priceoracle.Client
	gasCurrency   string
	quoteCurrency string
	eventID       string
	handler       events.Handler
	logger        *zap.SugaredLogger
}

// NewBatchProcessor builds a BatchProcessor. handler may be nil for event
// kinds persisted without decoding.
func NewBatchProcessor(price *priceoracle.Client, gasCurrency, quoteCurrency, eventID string, handler events.Handler, logger *zap.SugaredLogger) *BatchProcessor {
	return &BatchProcessor{
		price:         price,
		gasCurrency:   gasCurrency,
		quoteCurrency: quoteCurrency,
		eventID:       eventID,
		handler:       handler,
		logger:        logger,
	}
}

// Run processes every RawBatch from in into a ProcessedBatch on out,
// terminating (after emitting an empty ProcessedBatch sentinel) the
// moment it receives the empty-batch sentinel from the loader.
func (p *BatchProcessor) Run(ctx context.Context, in <-chan RawBatch, out chan<- ProcessedBatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			if len(batch.Logs) == 0 {
				select {
				case out <- ProcessedBatch{}:
				case <-ctx.Done():
					return ctx.Err()
				}
				return nil
			}

			records, err := p.processBatch(ctx, batch.Logs)
			if err != nil {
				return err
			}
			select {
			case out <- ProcessedBatch{Records: records}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *BatchProcessor) processBatch(ctx context.Context, logs []domain.EventLog) ([]domain.EnrichedRecord, error) {
	// The indexer is expected to return logs in block-ascending (hence
	// timestamp-ascending) order; sort defensively since the cursor walk
	// below assumes it.
	sorted := make([]domain.EventLog, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, _ := bigmath.ParseHexUint(sorted[i].TimeStamp)
		tj, _ := bigmath.ParseHexUint(sorted[j].TimeStamp)
		return ti.Cmp(tj) < 0
	})

	fromSeconds, _ := bigmath.ParseHexUint(sorted[0].TimeStamp)
	toSeconds, _ := bigmath.ParseHexUint(sorted[len(sorted)-1].TimeStamp)
	// The range query must cover at least 60 seconds before the earliest
	// event in the batch: a log timestamped just after a minute boundary
	// otherwise has no preceding candle to carry forward from, and would
	// silently fall back to a zero gas quote instead.
	rangeStart := fromSeconds.Uint64()
	if rangeStart >= 60 {
		rangeStart -= 60
	} else {
		rangeStart = 0
	}
	quotes, err := p.price.FetchRange(ctx, p.gasCurrency, p.quoteCurrency, rangeStart, toSeconds.Uint64())
	if err != nil {
		return nil, fmt.Errorf("historical processor: fetching price range: %w", err)
	}
	if len(quotes) == 0 {
		p.logger.Warnw("no price quotes for batch extent, gas quotes will be zero", "event_id", p.eventID, "from", fromSeconds, "to", toSeconds)
	}

	records := make([]domain.EnrichedRecord, 0, len(sorted))
	cursor := 0
	var current priceoracle.Quote
	haveCurrent := false

	for _, log := range sorted {
		timestamp, _ := bigmath.ParseHexUint(log.TimeStamp)
		ts := timestamp.Uint64()

		for cursor < len(quotes) && quotes[cursor].CloseTime < ts {
			current = quotes[cursor].Price
			haveCurrent = true
			cursor++
		}
		if !haveCurrent && cursor < len(quotes) {
			current = quotes[cursor].Price
			haveCurrent = true
		}

		record, err := p.buildRecord(log, ts, current)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (p *BatchProcessor) buildRecord(log domain.EventLog, timestamp uint64, quote priceoracle.Quote) (domain.EnrichedRecord, error) {
	gasUsed, ok := bigmath.ParseHexUint(log.GasUsed)
	if !ok {
		return domain.EnrichedRecord{}, fmt.Errorf("historical processor: malformed gasUsed %q", log.GasUsed)
	}
	gasPriceWei, ok := bigmath.ParseHexUint(log.GasPrice)
	if !ok {
		return domain.EnrichedRecord{}, fmt.Errorf("historical processor: malformed gasPrice %q", log.GasPrice)
	}
	blockNumber, _ := bigmath.ParseHexUint(log.BlockNumber)
	logIndex, _ := bigmath.ParseHexUint(log.LogIndex)

	quoteValue := big.NewInt(0)
	if quote.IntegerPrice != nil {
		numerator := new(big.Int).Mul(quote.IntegerPrice, gasUsed)
		numerator.Mul(numerator, gasPriceWei)
		quoteValue = bigmath.FloorDiv(numerator, bigmath.Pow10(quote.Decimals))
	}

	var data map[string]string
	if p.handler != nil {
		var err error
		data, err = p.handler.Decode(log.Data, log.Topics)
		if err != nil {
			return domain.EnrichedRecord{}, fmt.Errorf("historical processor: decoding event: %w", err)
		}
	} else {
		data = map[string]string{}
	}

	return domain.EnrichedRecord{
		RecordID:        uuid.New().String(),
		EventID:         p.eventID,
		TransactionHash: log.TransactionHash,
		BlockNumber:     blockNumber.Uint64(),
		Timestamp:       timestamp,
		GasUsed:         gasUsed.String(),
		GasPriceWei:     gasPriceWei.String(),
		GasPriceQuote:   domain.GasPriceQuote{Currency: p.quoteCurrency, Value: quoteValue.String()},
		Address:         log.Address,
		Topics:          log.Topics,
		RawData:         log.Data,
		Data:            data,
		LogIndex:        logIndex.Uint64(),
	}, nil
}
