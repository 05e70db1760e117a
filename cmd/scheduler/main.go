// Package main provides the scheduler entry point.
// The scheduler is a one-shot command: it optionally syncs the instrument
// universe from a seed file, refreshes the Redis mirror and fans one round
// of tasks out over Kafka, then exits.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quantbed/backtestd/internal/adapter/queue/kafka"
	"github.com/quantbed/backtestd/internal/adapter/repo/postgres"
	"github.com/quantbed/backtestd/internal/adapter/repo/redisrepo"
	"github.com/quantbed/backtestd/internal/config"
	"github.com/quantbed/backtestd/internal/indicator"
	"github.com/quantbed/backtestd/internal/observability"
	"github.com/quantbed/backtestd/internal/scheduler"
)

var (
	taskType    string
	timeframes  string
	tickersFile string
	syncRedis   bool
	warmWindow  time.Duration
)

func init() {
	flag.StringVar(&taskType, "type", "candles", "task type to schedule (candles, warm_indicators, ...)")
	flag.StringVar(&timeframes, "timeframes", "1h,1d", "comma-separated timeframes to schedule")
	flag.StringVar(&tickersFile, "sync-tickers", "", "path to a ticker seed YAML; empty skips the sync")
	flag.BoolVar(&syncRedis, "sync-redis", false, "refresh the Redis mirror of active tickers")
	flag.DurationVar(&warmWindow, "warm-window", 0, "history window for warm_indicators runs (default 720h)")
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	slog.Info("starting scheduler",
		slog.String("env", cfg.AppEnv),
		slog.String("task_type", taskType),
		slog.String("timeframes", timeframes))

	for _, tf := range splitList(timeframes) {
		if !cfg.TimeframeAllowed(tf) {
			slog.Error("timeframe not in allow-list", slog.String("timeframe", tf))
			os.Exit(1)
		}
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:            cfg.KafkaBrokers,
		ClientID:           cfg.ServiceName + "-scheduler",
		Acks:               cfg.KafkaProducerAcks,
		Compression:        cfg.KafkaProducerCompression,
		BatchMaxBytes:      cfg.KafkaProducerBatchMaxBytes,
		Linger:             cfg.KafkaProducerLinger,
		MaxBufferedRecords: cfg.KafkaProducerMaxBufferedRecords,
		DeliveryTimeout:    cfg.KafkaProducerDeliveryTimeout,
		FlushTimeout:       cfg.KafkaProducerFlushTimeout,
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
		cfg.TopicCollectTasks,
		cfg.TopicIndicatorCalcRequest,
	)
	if err != nil {
		slog.Error("topic bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	// The Redis mirror is only dialed when the run actually refreshes it.
	var mirror scheduler.TickerMirror
	if syncRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		mirror = redisrepo.NewTickerCache(rdb)
	}

	runner := &scheduler.Runner{
		Tickers:   postgres.NewTickerRepo(pool),
		Mirror:    mirror,
		Publisher: producer,
		Registry:  indicator.DefaultRegistry(),
		TaskTopic: cfg.TopicCollectTasks,
		CalcTopic: cfg.TopicIndicatorCalcRequest,
	}

	err = runner.Run(ctx, scheduler.Options{
		TaskType:    taskType,
		Timeframes:  splitList(timeframes),
		TickersFile: tickersFile,
		SyncRedis:   syncRedis,
		WarmWindow:  warmWindow,
	})
	if err != nil {
		slog.Error("schedule run failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("schedule run complete")
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
