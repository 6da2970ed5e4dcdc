package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/checkpoint"
	"csic-platform/service/blockchain/recording/internal/config"
	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/events/builtin"
	"csic-platform/service/blockchain/recording/internal/historical"
	"csic-platform/service/blockchain/recording/internal/indexer"
	"csic-platform/service/blockchain/recording/internal/messaging"
	"csic-platform/service/blockchain/recording/internal/priceoracle"
	"csic-platform/service/blockchain/recording/internal/ratelimit"
	"csic-platform/service/blockchain/recording/internal/rpcclient"
	"csic-platform/service/blockchain/recording/internal/scheduler"
	"csic-platform/service/blockchain/recording/internal/store"
)

// cmd/historical runs exactly one backfill job to completion, per §1's
// scoping of the job-control HTTP surface and the async job runner as
// external collaborators: this binary is the worker such a collaborator
// would invoke, not the collaborator itself.
func main() {
	logger := mustLogger()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalw("failed to load configuration", "error", err)
	}
	if err := requireHistoricalConfig(cfg); err != nil {
		sugar.Fatalw("missing required configuration", "error", err)
	}
	if dump, err := cfg.Dump(); err == nil {
		sugar.Debugw("effective configuration", "config", dump)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rpc, err := rpcclient.New(cfg.Node.HTTPURI)
	if err != nil {
		sugar.Fatalw("failed to build rpc client", "error", err)
	}
	idx := indexer.New(cfg.Historical.IndexerBaseURL, cfg.Historical.IndexerAPIKey)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	// Node calls (indexer lookups, eth_call context resolution) and price
	// oracle calls draw from separately configured budgets, per the
	// component design: one shared limiter instance per budget.
	limiter := ratelimit.New(redisClient, cfg.Redis.KeyPrefix, cfg.RateLimit.NodeMaxPerWindow, cfg.RateLimit.NodeWindow)
	oracleLimiter := ratelimit.New(redisClient, cfg.Redis.KeyPrefix, cfg.RateLimit.OracleMaxPerWindow, cfg.RateLimit.OracleWindow)

	price, err := priceoracle.New(cfg.PriceOracle.BaseURL, oracleLimiter)
	if err != nil {
		sugar.Fatalw("failed to build price oracle client", "error", err)
	}

	storeClient, err := store.New(ctx, cfg.Mongo.ConnectionURI(), cfg.Mongo.Database)
	if err != nil {
		sugar.Fatalw("failed to connect to document store", "error", err)
	}
	defer storeClient.Disconnect(context.Background())

	registry := builtin.NewRegistry()
	if err := storeClient.EnsureIndexes(ctx, registry.Categories()); err != nil {
		sugar.Fatalw("failed to ensure document store indexes", "error", err)
	}

	checkpointStore, err := checkpoint.New(cfg.Postgres)
	if err != nil {
		sugar.Fatalw("failed to connect to checkpoint store", "error", err)
	}
	defer checkpointStore.Close()
	if err := checkpointStore.Migrate(); err != nil {
		sugar.Fatalw("failed to migrate checkpoint store", "error", err)
	}

	producer := messaging.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, sugar)
	defer producer.Close()

	recorder := historical.NewRecorder(
		registry, idx, rpc, price, storeClient, producer, limiter, checkpointStore,
		cfg.GasPricing.GasCurrency, cfg.GasPricing.QuoteCurrency,
		cfg.Historical.LoaderSleep, cfg.Historical.WindowSize, sugar,
	)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(checkpointStore, jobResumer{recorder}, sugar)
		if err := sched.Start(cfg.Scheduler.Cron); err != nil {
			sugar.Fatalw("failed to start reconciliation scheduler", "error", err)
		}
		defer sched.Stop()
	}

	job := historical.JobRequest{
		EventID:         cfg.Historical.EventID,
		ContractAddress: cfg.Historical.ContractAddress,
		FromBlock:       cfg.Historical.FromBlock,
		ToBlock:         cfg.Historical.ToBlock,
	}

	sugar.Infow("starting backfill job", "event_id", job.EventID, "contract_address", job.ContractAddress, "from_block", job.FromBlock, "to_block", job.ToBlock)
	if err := recorder.Run(ctx, job); err != nil {
		sugar.Fatalw("backfill job failed", "error", err)
	}
	sugar.Info("backfill job complete")
}

// jobResumer adapts a Recorder to scheduler.Resumer. Job keys are
// formatted "event_id:contract_address:from:to"; a stalled job resumes
// with the same range, letting the loader's checkpoint pick up where it
// left off.
type jobResumer struct {
	recorder *historical.Recorder
}

func (r jobResumer) ResumeJob(ctx context.Context, jobKey string) error {
	var from, to uint64
	parts := splitJobKey(jobKey)
	if len(parts) != 4 {
		return fmt.Errorf("scheduler: unparseable job key %q", jobKey)
	}
	eventID := parts[0]
	contractAddress := parts[1]
	if _, err := fmt.Sscanf(parts[2], "%d", &from); err != nil {
		return fmt.Errorf("scheduler: unparseable from_block in job key %q", jobKey)
	}
	if _, err := fmt.Sscanf(parts[3], "%d", &to); err != nil {
		return fmt.Errorf("scheduler: unparseable to_block in job key %q", jobKey)
	}
	return r.recorder.Run(ctx, historical.JobRequest{
		EventID:         eventID,
		ContractAddress: contractAddress,
		FromBlock:       from,
		ToBlock:         to,
	})
}

func splitJobKey(jobKey string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(jobKey); i++ {
		if jobKey[i] == ':' {
			parts = append(parts, jobKey[start:i])
			start = i + 1
		}
	}
	parts = append(parts, jobKey[start:])
	return parts
}

func requireHistoricalConfig(cfg *config.Config) error {
	if cfg.Node.HTTPURI == "" || cfg.Historical.IndexerAPIKey == "" || cfg.Historical.EventID == "" || cfg.Historical.ContractAddress == "" {
		return domain.ErrConfigMissing
	}
	if cfg.Mongo.Host == "" || cfg.Mongo.Port == 0 || cfg.Mongo.Database == "" || cfg.Mongo.Username == "" || cfg.Mongo.Password == "" {
		return domain.ErrConfigMissing
	}
	return nil
}

func mustLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
