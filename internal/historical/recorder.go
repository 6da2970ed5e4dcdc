package historical

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/events"
	"csic-platform/service/blockchain/recording/internal/indexer"
	"csic-platform/service/blockchain/recording/internal/messaging"
	"csic-platform/service/blockchain/recording/internal/priceoracle"
	"csic-platform/service/blockchain/recording/internal/ratelimit"
	"csic-platform/service/blockchain/recording/internal/rpcclient"
	"csic-platform/service/blockchain/recording/internal/store"
)

const recorderQueueDepth = 8

// Recorder runs exactly one backfill job: Loader -> BatchProcessor ->
// BatchWriter, wired fresh per job since each covers one (event,
// contract, range) tuple and terminates once the range is exhausted.
type Recorder struct {
	registry       *events.Registry
	idx            *indexer.Client
	rpc            *rpcclient.Client
	price          *priceoracle.Client
	storeClient    *store.Client
	producer       messaging.Producer
	limiter        *ratelimit.Limiter
	checkpoint     CheckpointStore
	gasCurrency    string
	quoteCurrency  string
	loaderSleep    time.Duration
	blocksPerBatch int
	logger         *zap.SugaredLogger
}

// NewRecorder builds a Recorder. checkpoint may be nil to disable resume
// support.
func NewRecorder(
	registry *events.Registry,
	idx *indexer.Client,
	rpc *rpcclient.Client,
	price *priceoracle.Client,
	storeClient *store.Client,
	producer messaging.Producer,
	limiter *ratelimit.Limiter,
	checkpoint CheckpointStore,
	gasCurrency, quoteCurrency string,
	loaderSleep time.Duration,
	blocksPerBatch int,
	logger *zap.SugaredLogger,
) *Recorder {
	return &Recorder{
		registry:       registry,
		idx:            idx,
		rpc:            rpc,
		price:          price,
		storeClient:    storeClient,
		producer:       producer,
		limiter:        limiter,
		checkpoint:     checkpoint,
		gasCurrency:    gasCurrency,
		quoteCurrency:  quoteCurrency,
		loaderSleep:    loaderSleep,
		blocksPerBatch: blocksPerBatch,
		logger:         logger,
	}
}

// Run executes job to completion or until ctx is cancelled. An unknown
// event id or an invalid block range is a startup failure, per the
// component design; any other stage error propagates as fatal.
func (r *Recorder) Run(ctx context.Context, job JobRequest) error {
	if job.FromBlock > job.ToBlock {
		return fmt.Errorf("historical recorder: %w", domain.ErrInvalidBlockRange)
	}

	topic, err := r.registry.Topic(job.EventID)
	if err != nil {
		return fmt.Errorf("historical recorder: %w", err)
	}
	category, err := r.registry.Category(job.EventID)
	if err != nil {
		return fmt.Errorf("historical recorder: %w", err)
	}
	// NewHandler returns (nil, nil) for event ids registered without a
	// decoder; the processor treats a nil handler as "no decoded data"
	// rather than dereferencing it.
	handler, err := r.registry.NewHandler(job.EventID, job.ContractAddress)
	if err != nil {
		return fmt.Errorf("historical recorder: %w", err)
	}
	if handler != nil {
		// Token identity and decimals don't change across the backfilled
		// range, so resolving against current chain state (the same
		// eth_call the live pipeline uses) is correct for historical
		// records too.
		if err := handler.ResolveContext(ctx, rpcLimited{r.rpc, r.limiter}); err != nil {
			return fmt.Errorf("historical recorder: resolving handler context: %w", err)
		}
	}

	jobKey := fmt.Sprintf("%s:%s:%d:%d", job.EventID, job.ContractAddress, job.FromBlock, job.ToBlock)

	loader := NewLoader(r.idx, r.limiter, r.loaderSleep, r.blocksPerBatch, r.checkpoint, r.logger)
	processor := NewBatchProcessor(r.price, r.gasCurrency, r.quoteCurrency, job.EventID, handler, r.logger)
	writer := NewBatchWriter(r.storeClient, r.producer, category, r.logger)

	rawCh := make(chan RawBatch, recorderQueueDepth)
	processedCh := make(chan ProcessedBatch, recorderQueueDepth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rawCh)
		return loader.Load(gctx, jobKey, job.ContractAddress, topic, job.FromBlock, job.ToBlock, rawCh)
	})
	g.Go(func() error {
		defer close(processedCh)
		return processor.Run(gctx, rawCh, processedCh)
	})
	g.Go(func() error {
		return writer.Run(gctx, processedCh)
	})

	return g.Wait()
}

// rpcLimited wraps an rpcclient.Client with the shared outbound rate
// limiter, satisfying events.RPCCaller for handler context resolution.
type rpcLimited struct {
	rpc     *rpcclient.Client
	limiter *ratelimit.Limiter
}

func (r rpcLimited) EthCall(ctx context.Context, to, data string) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, "node"); err != nil {
			return "", err
		}
	}
	return r.rpc.EthCall(ctx, to, data)
}
