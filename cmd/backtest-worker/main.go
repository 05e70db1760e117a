// Package main provides the backtest worker entry point.
// The worker consumes run requests and calculation confirmations from the
// Kafka queue and drives the backtest pipeline for each referenced job.
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

	"github.com/quantbed/backtestd/internal/adapter/queue/kafka"
	"github.com/quantbed/backtestd/internal/adapter/repo/clickhouse"
	"github.com/quantbed/backtestd/internal/adapter/repo/postgres"
	"github.com/quantbed/backtestd/internal/adapter/repo/redisrepo"
	"github.com/quantbed/backtestd/internal/app"
	"github.com/quantbed/backtestd/internal/backtest"
	"github.com/quantbed/backtestd/internal/config"
	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/indicator"
	"github.com/quantbed/backtestd/internal/observability"
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

	slog.Info("starting backtest worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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
		ClientID:           cfg.ServiceName + "-backtest-producer",
		Acks:               cfg.KafkaProducerAcks,
		Compression:        cfg.KafkaProducerCompression,
		BatchMaxBytes:      cfg.KafkaProducerBatchMaxBytes,
		Linger:             cfg.KafkaProducerLinger,
		MaxBufferedRecords: cfg.KafkaProducerMaxBufferedRecords,
		DeliveryTimeout:    cfg.KafkaProducerDeliveryTimeout,
		FlushTimeout:       cfg.KafkaProducerFlushTimeout,
		Hooks:              kafka.ObservabilityHooks("backtestd_backtest_producer"),
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
		cfg.TopicBacktestRun,
		kafka.DLQTopic(cfg.TopicBacktestRun, cfg.KafkaConsumerDLQSuffix),
		cfg.TopicIndicatorCalcRequest,
		cfg.TopicIndicatorCalcSuccess,
		kafka.DLQTopic(cfg.TopicIndicatorCalcSuccess, cfg.KafkaConsumerDLQSuffix),
	)
	if err != nil {
		slog.Error("topic bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	registry := indicator.DefaultRegistry()
	jobs := postgres.NewJobRepo(pool)
	candles := clickhouse.NewCandleRepo(chPool)
	indicators := clickhouse.NewIndicatorRepo(chPool)
	tickers := redisrepo.CachedTickerRepo{
		Cache:    redisrepo.NewTickerCache(rdb),
		Fallback: postgres.NewTickerRepo(pool),
	}

	pipe := backtest.Pipeline{
		Jobs:             jobs,
		Tickers:          tickers,
		Indicators:       indicators,
		Results:          postgres.NewResultRepo(pool),
		Resolver:         indicator.Resolver{Candles: candles, Indicators: indicators, Registry: registry},
		Keys:             registry,
		Evaluator:        backtest.FrameEvaluator{},
		Publisher:        producer,
		CalcRequestTopic: cfg.TopicIndicatorCalcRequest,
	}

	runHandler := kafka.Chain(
		func(ctx context.Context, msg kafka.Message[domain.BacktestRunRequest]) error {
			return pipe.Run(ctx, msg.Payload.JobID, false)
		},
		kafka.WithLogDuration[domain.BacktestRunRequest](cfg.SlowHandlerThreshold),
		kafka.WithBreaker[domain.BacktestRunRequest]("backtest-run", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout),
		kafka.WithTimeout[domain.BacktestRunRequest](cfg.HandlerTimeout),
	)
	runConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        cfg.KafkaBrokers,
		Group:          cfg.KafkaConsumerGroup + "-run",
		Topic:          cfg.TopicBacktestRun,
		ClientID:       cfg.ServiceName + "-run",
		MaxConcurrent:  cfg.KafkaConsumerMaxConcurrent,
		MaxPollRecords: cfg.KafkaConsumerMaxPollRecords,
		MaxRetries:     cfg.KafkaConsumerMaxRetries,
		RetryDelays:    cfg.KafkaConsumerRetryDelays,
		DLQSuffix:      cfg.KafkaConsumerDLQSuffix,
		SoftTimeout:    cfg.KafkaConsumerSoftTimeout,
		HardTimeout:    cfg.KafkaConsumerHardTimeout,
		Hooks:          kafka.ObservabilityHooks("backtestd_run_consumer"),
	}, runHandler)
	if err != nil {
		slog.Error("run consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	successHandler := kafka.Chain(
		func(ctx context.Context, msg kafka.Message[domain.IndicatorCalcSuccess]) error {
			if msg.Payload.JobID == "" {
				// Scheduled warm-up: the rows are stored, no job is waiting.
				return nil
			}
			return pipe.Run(ctx, msg.Payload.JobID, true)
		},
		kafka.WithLogDuration[domain.IndicatorCalcSuccess](cfg.SlowHandlerThreshold),
		kafka.WithBreaker[domain.IndicatorCalcSuccess]("calc-success", cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout),
		kafka.WithTimeout[domain.IndicatorCalcSuccess](cfg.HandlerTimeout),
	)
	successConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        cfg.KafkaBrokers,
		Group:          cfg.KafkaConsumerGroup + "-calc-success",
		Topic:          cfg.TopicIndicatorCalcSuccess,
		ClientID:       cfg.ServiceName + "-calc-success",
		MaxConcurrent:  cfg.KafkaConsumerMaxConcurrent,
		MaxPollRecords: cfg.KafkaConsumerMaxPollRecords,
		MaxRetries:     cfg.KafkaConsumerMaxRetries,
		RetryDelays:    cfg.KafkaConsumerRetryDelays,
		DLQSuffix:      cfg.KafkaConsumerDLQSuffix,
		SoftTimeout:    cfg.KafkaConsumerSoftTimeout,
		HardTimeout:    cfg.KafkaConsumerHardTimeout,
		Hooks:          kafka.ObservabilityHooks("backtestd_calc_success_consumer"),
	}, successHandler)
	if err != nil {
		slog.Error("calc success consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	sweeper := app.NewStuckJobSweeper(jobs, cfg.StuckJobMaxAge, cfg.StuckJobSweepInterval)
	cleaner := app.NewRetentionCleaner(jobs, cfg.DataRetention(), cfg.CleanupInterval)

	opsRouter := app.BuildOpsRouter(app.Checks{
		Postgres:   pool,
		ClickHouse: chPool,
		Redis:      app.RedisPinger{Client: rdb},
		Kafka:      producer.Client(),
	}, map[string]app.StatsFunc{
		"producer":              func() any { return producer.Stats() },
		"run_consumer":          func() any { return runConsumer.Stats() },
		"calc_success_consumer": func() any { return successConsumer.Stats() },
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runConsumer.Run(gctx) })
	g.Go(func() error { return successConsumer.Run(gctx) })
	g.Go(func() error { return app.ServeOps(gctx, fmt.Sprintf(":%d", cfg.OpsPort), opsRouter) })
	g.Go(func() error { sweeper.Run(gctx); return nil })
	g.Go(func() error { cleaner.Run(gctx); return nil })

	slog.Info("backtest worker started, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		slog.Error("backtest worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("backtest worker stopped")
}
