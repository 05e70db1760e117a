// Package main provides the indicator worker entry point.
// The worker consumes calculation requests from the Kafka queue, computes
// indicator batches over ClickHouse candles under per-indicator locks and
// reports completions on the success topic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quantbed/backtestd/internal/adapter/lock/redislock"
	"github.com/quantbed/backtestd/internal/adapter/queue/kafka"
	"github.com/quantbed/backtestd/internal/adapter/repo/clickhouse"
	"github.com/quantbed/backtestd/internal/app"
	"github.com/quantbed/backtestd/internal/config"
	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/indicator"
	"github.com/quantbed/backtestd/internal/observability"
	"github.com/quantbed/backtestd/internal/timeutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting indicator worker", slog.String("env", cfg.AppEnv))

	zone, err := timeutil.LoadZone(cfg.MarketTimezone)
	if err != nil {
		slog.Error("market timezone load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	chPool, err := clickhouse.NewPool(ctx, clickhouse.NewDialer(clickhouse.Options{
		Addrs:       cfg.ClickHouseAddrs,
		Database:    cfg.ClickHouseDatabase,
		Username:    cfg.ClickHouseUsername,
		Password:    cfg.ClickHousePassword,
		DialTimeout: cfg.ClickHouseDialTimeout,
	}), cfg.ClickHousePoolSize, cfg.ClickHouseAcquireTimeout)
	if err != nil {
		slog.Error("clickhouse connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = chPool.Close(context.Background()) }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:            cfg.KafkaBrokers,
		ClientID:           cfg.ServiceName + "-indicator-producer",
		Acks:               cfg.KafkaProducerAcks,
		Compression:        cfg.KafkaProducerCompression,
		BatchMaxBytes:      cfg.KafkaProducerBatchMaxBytes,
		Linger:             cfg.KafkaProducerLinger,
		MaxBufferedRecords: cfg.KafkaProducerMaxBufferedRecords,
		DeliveryTimeout:    cfg.KafkaProducerDeliveryTimeout,
		FlushTimeout:       cfg.KafkaProducerFlushTimeout,
		Hooks:              kafka.ObservabilityHooks("backtestd_indicator_producer"),
	})
	if err != nil {
		slog.Error("kafka producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	err = kafka.EnsureTopics(ctx, producer.Client(), cfg.KafkaTopicPartitions, cfg.KafkaTopicReplication,
		cfg.TopicIndicatorCalcRequest,
		kafka.DLQTopic(cfg.TopicIndicatorCalcRequest, cfg.KafkaConsumerDLQSuffix),
		cfg.TopicIndicatorCalcSuccess,
	)
	if err != nil {
		slog.Error("topic bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	proc := indicator.Processor{
		Candles:      clickhouse.NewCandleRepo(chPool),
		Indicators:   clickhouse.NewIndicatorRepo(chPool),
		Registry:     indicator.DefaultRegistry(),
		Locker:       redislock.New(rdb, cfg.LockPollInterval),
		Publisher:    producer,
		SuccessTopic: cfg.TopicIndicatorCalcSuccess,
		LockMaxWait:  cfg.LockMaxWait,
		LockTTL:      cfg.LockLeaseTTL,
		Zone:         zone,
	}

	calcHandler := kafka.Chain(
		func(ctx context.Context, msg kafka.Message[domain.IndicatorCalcRequest]) error {
			return proc.Process(ctx, msg.Payload)
		},
		kafka.WithLogDuration[domain.IndicatorCalcRequest](cfg.SlowHandlerThreshold),
		kafka.WithBreaker[domain.IndicatorCalcRequest]("indicator-calc", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout),
		kafka.WithTimeout[domain.IndicatorCalcRequest](cfg.HandlerTimeout),
	)
	calcConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        cfg.KafkaBrokers,
		Group:          cfg.KafkaConsumerGroup + "-calc",
		Topic:          cfg.TopicIndicatorCalcRequest,
		ClientID:       cfg.ServiceName + "-calc",
		MaxConcurrent:  cfg.KafkaConsumerMaxConcurrent,
		MaxPollRecords: cfg.KafkaConsumerMaxPollRecords,
		MaxRetries:     cfg.KafkaConsumerMaxRetries,
		RetryDelays:    cfg.KafkaConsumerRetryDelays,
		DLQSuffix:      cfg.KafkaConsumerDLQSuffix,
		SoftTimeout:    cfg.KafkaConsumerSoftTimeout,
		HardTimeout:    cfg.KafkaConsumerHardTimeout,
		Hooks:          kafka.ObservabilityHooks("backtestd_calc_consumer"),
	}, calcHandler)
	if err != nil {
		slog.Error("calc consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	opsRouter := app.BuildOpsRouter(app.Checks{
		ClickHouse: chPool,
		Redis:      app.RedisPinger{Client: rdb},
		Kafka:      producer.Client(),
	}, map[string]app.StatsFunc{
		"producer":      func() any { return producer.Stats() },
		"calc_consumer": func() any { return calcConsumer.Stats() },
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return calcConsumer.Run(gctx) })
	g.Go(func() error { return app.ServeOps(gctx, fmt.Sprintf(":%d", cfg.OpsPort), opsRouter) })

	slog.Info("indicator worker started, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		slog.Error("indicator worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("indicator worker stopped")
}
