package live

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"csic-platform/service/blockchain/recording/internal/config"
	"csic-platform/service/blockchain/recording/internal/events"
	"csic-platform/service/blockchain/recording/internal/messaging"
	"csic-platform/service/blockchain/recording/internal/priceoracle"
	"csic-platform/service/blockchain/recording/internal/ratelimit"
	"csic-platform/service/blockchain/recording/internal/rpcclient"
	"csic-platform/service/blockchain/recording/internal/store"
)

// queueDepth bounds every inter-stage channel. A full queue means the
// downstream stage is the bottleneck; backpressure propagates to the
// Listener's send, which blocks rather than drops.
const queueDepth = 256

// Pipeline wires Listener -> Processor -> Writer into the live recording
// pipeline the original's Stream class orchestrated, with every
// configured subscription seated before the first connection is made.
type Pipeline struct {
	listener  *Listener
	processor *Processor
	writer    *Writer
}

// NewPipeline builds every stage from cfg and the registry, binding one
// subscription per configured entry. Returns an error (fatal, per the
// component design) if a configured event id is unknown to the registry.
func NewPipeline(
	cfg *config.Config,
	registry *events.Registry,
	rpc *rpcclient.Client,
	price *priceoracle.Client,
	storeClient *store.Client,
	producer messaging.Producer,
	limiter *ratelimit.Limiter,
	logger *zap.SugaredLogger,
	listenerMetrics ListenerMetrics,
	processorMetrics ProcessorMetrics,
	writerMetrics WriterMetrics,
) (*Pipeline, error) {
	listener := NewListener(cfg.Node.WebSocketURI, logger, listenerMetrics)
	processor := NewProcessor(rpc, price, cfg.GasPricing.GasCurrency, cfg.GasPricing.QuoteCurrency, cfg.Retry.TTLBlocks, logger, processorMetrics, limiter)
	processor.maxRetryPerTick = cfg.Retry.MaxWalkPerTick

	categoryOf := make(map[int]string, len(cfg.Subscriptions))
	for _, sub := range cfg.Subscriptions {
		topic, err := registry.Topic(sub.EventID)
		if err != nil {
			return nil, fmt.Errorf("live pipeline: %w", err)
		}
		category, err := registry.Category(sub.EventID)
		if err != nil {
			return nil, fmt.Errorf("live pipeline: %w", err)
		}
		handler, err := registry.NewHandler(sub.EventID, sub.ContractAddress)
		if err != nil {
			return nil, fmt.Errorf("live pipeline: %w", err)
		}

		id := listener.AddSubscription(sub.EventID, sub.ContractAddress, topic, category)
		categoryOf[id] = category
		processor.Bind(id, subscriptionBinding{EventID: sub.EventID, Category: category, Handler: handler})

		if handler != nil {
			if err := handler.ResolveContext(context.Background(), rpcLimited{rpc, limiter}); err != nil {
				return nil, fmt.Errorf("live pipeline: resolving handler context for %s: %w", sub.EventID, err)
			}
		}
	}

	writer := NewWriter(storeClient, producer, categoryOf, logger, writerMetrics)

	return &Pipeline{listener: listener, processor: processor, writer: writer}, nil
}

// Run starts every stage and blocks until ctx is cancelled or any stage
// returns a fatal error, per the component design's "any stage error
// stops the whole pipeline" rule.
func (p *Pipeline) Run(ctx context.Context) error {
	logCh := make(chan ListenerOutput, queueDepth)
	recordCh := make(chan ProcessorOutput, queueDepth)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(logCh)
		return p.listener.ListenForever(gctx, logCh)
	})
	g.Go(func() error {
		defer close(recordCh)
		return p.processor.Run(gctx, logCh, recordCh)
	})
	g.Go(func() error {
		return p.writer.Run(gctx, recordCh)
	})

	return g.Wait()
}

// rpcLimited wraps an rpcclient.Client with the shared outbound rate
// limiter, satisfying events.RPCCaller for handler context resolution,
// which the component design subjects to the same budget as every other
// node call.
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
