package live

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/bigmath"
	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/events"
	"csic-platform/service/blockchain/recording/internal/priceoracle"
	"csic-platform/service/blockchain/recording/internal/ratelimit"
	"csic-platform/service/blockchain/recording/internal/rpcclient"
)

// blockTimestampRetryDelay is the sleep between eth_getBlockByHash
// retries when the node has not yet indexed the block, per the component
// design's "sleep ~2s and retry indefinitely" rule.
const blockTimestampRetryDelay = 2 * time.Second

// defaultRetryTTLBlocks bounds how long a postponed transaction's retry
// bucket survives with no resolution, per the design notes' decision of
// "roughly double Ethereum's practical reorg depth".
const defaultRetryTTLBlocks = 64

// subscriptionBinding is everything the Processor needs per live
// subscription: which handler decodes its events and which category its
// records belong to (the latter is consumed by the Writer, but threaded
// through ProcessorOutput here rather than re-resolved downstream).
type subscriptionBinding struct {
	EventID  string
	Category string
	Handler  events.Handler
}

// retryEntry is one postponed event awaiting its transaction's receipt.
type retryEntry struct {
	subscriptionID int
	eventLog       domain.EventLog
}

// retryBucket groups every postponed event for one transaction hash,
// along with the block number it was first postponed at, used by the TTL
// sweep.
type retryBucket struct {
	firstSeenBlock uint64
	entries        []retryEntry
}

// Processor is the coordination core: it enriches each tagged log with
// block timestamp, receipt-derived gas numbers, price, and decoded data,
// or postpones it in the retry map when the receipt isn't indexed yet.
//
// The retry map is owned exclusively by the goroutine that calls Run; per
// the concurrency model, no synchronization is needed for it as long as
// nothing outside that goroutine touches it, which is the case here.
type Processor struct {
	rpc          *rpcclient.Client
	price        *priceoracle.Client
	gasCurrency  string
	quoteCurrency string
	limiter      *ratelimit.Limiter

	subscriptions map[int]subscriptionBinding

	retryMap        map[string]*retryBucket
	retryTTLBlocks  uint64
	maxRetryPerTick int // 0 = unbounded, matching the spec's literal full walk
	currentHead     uint64

	logger  *zap.SugaredLogger
	metrics ProcessorMetrics
}

// ProcessorMetrics is the narrow metrics surface the processor reports
// through; satisfied by internal/metrics.Metrics, and by a no-op in
// tests.
type ProcessorMetrics interface {
	RetryMapSize(n int)
	StaleRetryDropped()
	BlockTimestampRetried()
	ReceiptPostponed()
}

// NewProcessor builds a Processor. retryTTLBlocks <= 0 selects the
// default of defaultRetryTTLBlocks. limiter may be nil to disable rate
// limiting (e.g. in tests); every outbound node call the processor makes
// waits on it first, the same budget the pipeline's one-off handler
// context resolution uses.
func NewProcessor(rpc *rpcclient.Client, price *priceoracle.Client, gasCurrency, quoteCurrency string, retryTTLBlocks int, logger *zap.SugaredLogger, metrics ProcessorMetrics, limiter *ratelimit.Limiter) *Processor {
	if retryTTLBlocks <= 0 {
		retryTTLBlocks = defaultRetryTTLBlocks
	}
	return &Processor{
		rpc:            rpc,
		price:          price,
		gasCurrency:    gasCurrency,
		quoteCurrency:  quoteCurrency,
		limiter:        limiter,
		subscriptions:  make(map[int]subscriptionBinding),
		retryMap:       make(map[string]*retryBucket),
		retryTTLBlocks: uint64(retryTTLBlocks),
		logger:         logger,
		metrics:        metrics,
	}
}

// waitNode blocks on the shared node-call budget before an outbound
// eth_call/eth_getBlockByHash/eth_getTransactionReceipt, so steady-state
// per-event traffic is governed by the same limiter as the one-off
// handler context resolution, not just it.
func (p *Processor) waitNode(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx, "node")
}

// Bind registers the decode binding for a subscription id, resolved once
// by the pipeline orchestrator before Run starts.
func (p *Processor) Bind(subscriptionID int, binding subscriptionBinding) {
	p.subscriptions[subscriptionID] = binding
}

// Run consumes tagged logs from in, enriches them, and emits records to
// out until in is closed or ctx is cancelled.
func (p *Processor) Run(ctx context.Context, in <-chan ListenerOutput, out chan<- ProcessorOutput) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lo, ok := <-in:
			if !ok {
				return nil
			}
			p.handle(ctx, lo, out)
			p.walkRetryMap(ctx, out)
			if p.metrics != nil {
				p.metrics.RetryMapSize(len(p.retryMap))
			}
		}
	}
}

// handle implements the per-log algorithm of the component design: drop
// on removed, else enrich-or-postpone.
func (p *Processor) handle(ctx context.Context, lo ListenerOutput, out chan<- ProcessorOutput) {
	log := lo.EventLog
	p.trackHead(log)

	if log.Removed {
		delete(p.retryMap, log.TransactionHash)
		return
	}

	binding, ok := p.subscriptions[lo.SubscriptionID]
	if !ok {
		p.logger.Errorw("log for unbound subscription id", "subscription_id", lo.SubscriptionID)
		return
	}

	type timestampResult struct {
		ts  uint64
		err error
	}
	tsCh := make(chan timestampResult, 1)
	go func() {
		ts, err := p.fetchBlockTimestamp(ctx, log.BlockHash)
		tsCh <- timestampResult{ts, err}
	}()

	var receipt domain.TransactionReceipt
	receiptErr := p.waitNode(ctx)
	if receiptErr == nil {
		receipt, receiptErr = p.rpc.TransactionReceipt(ctx, log.TransactionHash)
	}

	tsRes := <-tsCh
	if tsRes.err != nil {
		p.logger.Errorw("fatal error resolving block timestamp", "error", tsRes.err)
		return
	}
	timestamp := tsRes.ts

	type priceResult struct {
		quote priceoracle.Quote
		err   error
	}
	priceCh := make(chan priceResult, 1)
	go func() {
		q, err := p.price.FetchAt(ctx, p.gasCurrency, p.quoteCurrency, timestamp)
		priceCh <- priceResult{q, err}
	}()

	if receiptErr != nil {
		if !errors.Is(receiptErr, domain.ErrReceiptNotIndexed) {
			p.logger.Errorw("fatal error resolving transaction receipt", "error", receiptErr, "transaction_hash", log.TransactionHash)
			return
		}
		// Receipt not yet indexed: postpone. The in-flight price fetch's
		// result is discarded; it will complete and be garbage collected.
		bucket, ok := p.retryMap[log.TransactionHash]
		if !ok {
			bucket = &retryBucket{firstSeenBlock: p.currentHead}
			p.retryMap[log.TransactionHash] = bucket
		}
		bucket.entries = append(bucket.entries, retryEntry{subscriptionID: lo.SubscriptionID, eventLog: log})
		if p.metrics != nil {
			p.metrics.ReceiptPostponed()
		}
		return
	}

	priceRes := <-priceCh
	if priceRes.err != nil {
		p.logger.Errorw("fatal error resolving price", "error", priceRes.err)
		return
	}

	record, err := p.buildRecord(binding, log, timestamp, receipt, priceRes.quote)
	if err != nil {
		p.logger.Errorw("fatal error building record", "error", err, "transaction_hash", log.TransactionHash)
		return
	}

	select {
	case out <- ProcessorOutput{SubscriptionID: lo.SubscriptionID, Record: record}:
	case <-ctx.Done():
	}
}

// walkRetryMap attempts every pending bucket once, evicting resolved or
// TTL-expired buckets. Called after each processed event per the
// component design; maxRetryPerTick bounds the work done per call when
// set, the optimization the design notes flag as acceptable.
func (p *Processor) walkRetryMap(ctx context.Context, out chan<- ProcessorOutput) {
	attempted := 0
	for txHash, bucket := range p.retryMap {
		if p.maxRetryPerTick > 0 && attempted >= p.maxRetryPerTick {
			break
		}
		attempted++

		if p.currentHead > bucket.firstSeenBlock && p.currentHead-bucket.firstSeenBlock > p.retryTTLBlocks {
			delete(p.retryMap, txHash)
			if p.metrics != nil {
				p.metrics.StaleRetryDropped()
			}
			continue
		}

		if p.retryTransaction(ctx, txHash, bucket, out) {
			delete(p.retryMap, txHash)
		}
	}
}

// retryTransaction re-attempts receipt resolution for every entry queued
// under txHash. On success it emits one EnrichedRecord per queued entry,
// sharing the single receipt's gas numbers and timestamp/price, and
// reports true so the caller evicts the bucket.
func (p *Processor) retryTransaction(ctx context.Context, txHash string, bucket *retryBucket, out chan<- ProcessorOutput) bool {
	if err := p.waitNode(ctx); err != nil {
		p.logger.Errorw("rate limiter wait failed on retry", "error", err, "transaction_hash", txHash)
		return false
	}
	receipt, err := p.rpc.TransactionReceipt(ctx, txHash)
	if err != nil {
		if !errors.Is(err, domain.ErrReceiptNotIndexed) {
			p.logger.Errorw("fatal error resolving transaction receipt on retry", "error", err, "transaction_hash", txHash)
		}
		return false
	}

	first := bucket.entries[0].eventLog
	timestamp, err := p.fetchBlockTimestamp(ctx, first.BlockHash)
	if err != nil {
		p.logger.Errorw("fatal error resolving block timestamp on retry", "error", err)
		return false
	}
	quote, err := p.price.FetchAt(ctx, p.gasCurrency, p.quoteCurrency, timestamp)
	if err != nil {
		p.logger.Errorw("fatal error resolving price on retry", "error", err)
		return false
	}

	for _, entry := range bucket.entries {
		binding, ok := p.subscriptions[entry.subscriptionID]
		if !ok {
			continue
		}
		record, err := p.buildRecord(binding, entry.eventLog, timestamp, receipt, quote)
		if err != nil {
			p.logger.Errorw("fatal error building retried record", "error", err, "transaction_hash", txHash)
			continue
		}
		select {
		case out <- ProcessorOutput{SubscriptionID: entry.subscriptionID, Record: record}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// fetchBlockTimestamp wraps rpcclient.Client.BlockTimestamp with the
// unbounded 2s-interval retry the component design requires when a block
// is not yet indexed.
func (p *Processor) fetchBlockTimestamp(ctx context.Context, blockHash string) (uint64, error) {
	for {
		if err := p.waitNode(ctx); err != nil {
			return 0, err
		}
		ts, err := p.rpc.BlockTimestamp(ctx, blockHash)
		if err == nil {
			return ts, nil
		}
		if !errors.Is(err, domain.ErrBlockNotFound) {
			return 0, err
		}
		if p.metrics != nil {
			p.metrics.BlockTimestampRetried()
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(blockTimestampRetryDelay):
		}
	}
}

func (p *Processor) trackHead(log domain.EventLog) {
	n, ok := bigmath.ParseHexUint(log.BlockNumber)
	if !ok {
		return
	}
	if blockNum := n.Uint64(); blockNum > p.currentHead {
		p.currentHead = blockNum
	}
}

// buildRecord computes the gas price quote and invokes the subscription's
// handler, assembling the final EnrichedRecord.
func (p *Processor) buildRecord(binding subscriptionBinding, log domain.EventLog, timestamp uint64, receipt domain.TransactionReceipt, quote priceoracle.Quote) (domain.EnrichedRecord, error) {
	gasUsed, ok := bigmath.ParseHexUint(receipt.GasUsed)
	if !ok {
		return domain.EnrichedRecord{}, fmt.Errorf("live processor: malformed gasUsed %q", receipt.GasUsed)
	}
	gasPriceWei, ok := bigmath.ParseHexUint(receipt.EffectiveGasPrice)
	if !ok {
		return domain.EnrichedRecord{}, fmt.Errorf("live processor: malformed effectiveGasPrice %q", receipt.EffectiveGasPrice)
	}
	blockNumber, _ := bigmath.ParseHexUint(log.BlockNumber)
	logIndex, _ := bigmath.ParseHexUint(log.LogIndex)

	quoteValue := gasPriceQuoteValue(quote, gasUsed, gasPriceWei)

	var data map[string]string
	if binding.Handler != nil {
		var err error
		data, err = binding.Handler.Decode(log.Data, log.Topics)
		if err != nil {
			return domain.EnrichedRecord{}, fmt.Errorf("decoding event: %w", err)
		}
	} else {
		data = map[string]string{}
	}

	return domain.EnrichedRecord{
		RecordID:        uuid.New().String(),
		EventID:         binding.EventID,
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

// gasPriceQuoteValue computes int_price * gas_used * gas_price_wei /
// 10^decimals with arbitrary-precision integer floor division, per the
// quote formula in the testable properties.
func gasPriceQuoteValue(quote priceoracle.Quote, gasUsed, gasPriceWei *big.Int) *big.Int {
	numerator := new(big.Int).Mul(quote.IntegerPrice, gasUsed)
	numerator.Mul(numerator, gasPriceWei)
	divisor := bigmath.Pow10(quote.Decimals)
	return bigmath.FloorDiv(numerator, divisor)
}
