package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/config"
	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/events/builtin"
	"csic-platform/service/blockchain/recording/internal/handler"
	"csic-platform/service/blockchain/recording/internal/live"
	"csic-platform/service/blockchain/recording/internal/messaging"
	"csic-platform/service/blockchain/recording/internal/metrics"
	"csic-platform/service/blockchain/recording/internal/priceoracle"
	"csic-platform/service/blockchain/recording/internal/ratelimit"
	"csic-platform/service/blockchain/recording/internal/rpcclient"
	"csic-platform/service/blockchain/recording/internal/store"
)

func main() {
	logger := mustLogger()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalw("failed to load configuration", "error", err)
	}
	if err := requireNodeConfig(cfg); err != nil {
		sugar.Fatalw("missing required configuration", "error", err)
	}
	if dump, err := cfg.Dump(); err == nil {
		sugar.Debugw("effective configuration", "config", dump)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := promRegistry()
	m := metrics.New(reg)

	rpc, err := rpcclient.New(cfg.Node.HTTPURI)
	if err != nil {
		sugar.Fatalw("failed to build rpc client", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		sugar.Fatalw("failed to connect to redis", "error", err)
	}
	// Node calls (eth_call/eth_getBlockByHash/eth_getTransactionReceipt)
	// and price oracle calls draw from separately configured budgets, per
	// the component design: one shared limiter instance per budget.
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

	producer := messaging.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, sugar)
	defer producer.Close()

	pipeline, err := live.NewPipeline(cfg, registry, rpc, price, storeClient, producer, limiter, sugar, m, m, m)
	if err != nil {
		sugar.Fatalw("failed to wire live pipeline", "error", err)
	}

	healthHandler := handler.NewHealthHandler(cfg)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.GET("/health", healthHandler.GetHealth)
	router.GET("/health/live", healthHandler.LivenessCheck)
	router.GET("/health/ready", healthHandler.ReadinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port),
		Handler: router,
	}

	go func() {
		sugar.Infow("starting health/metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("health server failed", "error", err)
		}
	}()

	pipelineErr := make(chan error, 1)
	go func() {
		healthHandler.SetReady(true)
		pipelineErr <- pipeline.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		sugar.Info("shutdown signal received")
	case err := <-pipelineErr:
		if err != nil && err != context.Canceled {
			sugar.Errorw("live pipeline stopped with error", "error", err)
		}
	}

	healthHandler.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("health server forced to shutdown", "error", err)
	}
}

func requireNodeConfig(cfg *config.Config) error {
	if cfg.Node.WebSocketURI == "" || cfg.Node.HTTPURI == "" {
		return domain.ErrConfigMissing
	}
	if cfg.Mongo.Host == "" || cfg.Mongo.Port == 0 || cfg.Mongo.Database == "" || cfg.Mongo.Username == "" || cfg.Mongo.Password == "" {
		return domain.ErrConfigMissing
	}
	return nil
}

func promRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func mustLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
