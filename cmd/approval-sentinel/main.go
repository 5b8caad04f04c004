// Package main is the entry point for the approval phishing detection service.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"

	"approval-sentinel/internal/agent"
	"approval-sentinel/internal/alerting"
	"approval-sentinel/internal/approvals"
	"approval-sentinel/internal/blockchain/erc20"
	"approval-sentinel/internal/config"
	"approval-sentinel/internal/ingest/evm"
	"approval-sentinel/internal/kafka"
	"approval-sentinel/internal/logging"
	"approval-sentinel/internal/metrics"
	"approval-sentinel/internal/processor"
	"approval-sentinel/internal/queue"
	"approval-sentinel/internal/storage"
	"approval-sentinel/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("failed to build logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if !cfg.HasSource() {
		logger.Error("no transaction source enabled: enable evm or kafka.transactions_topic")
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"observation_period", cfg.Detection.ObservationPeriodDuration,
		"minimum_approvals", cfg.Detection.MinimumNumberOfApprovals,
		"rpc_url", cfg.Node.RPCURL,
		"queue_size", cfg.Queue.Size,
		"evm_enabled", cfg.EVM.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"clickhouse_enabled", cfg.ClickHouse.Enabled,
		"s3_enabled", cfg.S3.Enabled,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(cfg.Metrics.Namespace)
	health := map[string]metrics.HealthFunc{}

	// Classification oracle
	eth, err := ethclient.DialContext(ctx, cfg.Node.RPCURL)
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer eth.Close()
	health["node"] = func(ctx context.Context) error {
		_, err := eth.BlockNumber(ctx)
		return err
	}

	classifier := erc20.NewClassifier(eth, cfg.Classifier, logger.With("component", "classifier"))
	classify := approvals.ClassifyFunc(classifier.IsEOA)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Error("close failed", "error", err)
			}
		}
	}()

	if cfg.Redis.Enabled {
		cache, err := erc20.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		closers = append(closers, cache)
		cached := erc20.NewCachedClassifier(classify, cache, cfg.Redis.KeyPrefix, cfg.Redis.TTL, logger.With("component", "classifier-cache"))
		classify = cached.IsEOA
		logger.Info("classification cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
	}
	classify = m.InstrumentClassifier(classify)

	// Detection
	decoder, err := erc20.NewDecoder()
	if err != nil {
		return err
	}
	store := approvals.NewStore()
	detector := approvals.NewDetector(store,
		approvals.WithLogger(logger.With("component", "detector")),
		approvals.WithRecorder(m),
	)
	m.TrackWindows(cfg.Metrics.Namespace, store.Len)
	handle := agent.Provide(decoder, detector, classify, cfg.Detection)

	// Alert channels
	channels := cfg.Alerting.Channels(logger.With("component", "alerts"))

	var producer *kafka.Producer
	if cfg.Kafka.Enabled && cfg.Kafka.AlertsTopic != "" {
		producer, err = kafka.NewProducer(cfg.Kafka, logger.With("component", "kafka-producer"))
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		closers = append(closers, producer)
		channels = append(channels, alerting.NewKafkaChannel(producer))
	}

	if cfg.ClickHouse.Enabled {
		chClient, err := storage.NewClickHouseClient(ctx, cfg.ClickHouse)
		if err != nil {
			return err
		}
		closers = append(closers, chClient)
		health["clickhouse"] = chClient.Ping

		logger.Info("running database migrations", "database", chClient.Database())
		if err := storage.Migrate(ctx, chClient, logger.With("component", "migrator")); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		writer := storage.NewAlertWriter(chClient, cfg.ClickHouse.Writer, logger.With("component", "alert-writer"))
		closers = append(closers, writer)
		channels = append(channels, alerting.NewClickHouseChannel(writer))
	}

	if cfg.S3.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.S3, logger.With("component", "s3"))
		if err != nil {
			return fmt.Errorf("create s3 client: %w", err)
		}
		health["s3"] = s3Client.HealthCheck
		channels = append(channels, alerting.NewS3Channel(s3.NewArchive(s3Client)))
	}

	if len(channels) == 0 {
		logger.Warn("no alert channels configured, alerts will only be counted")
	}

	dispatcher := alerting.NewDispatcher(cfg.Alerting.Delivery, channels, logger.With("component", "dispatcher"))
	dispatcher.SetFailureRecorder(m)
	logger.Info("alert dispatcher ready", "channels", dispatcher.Channels())

	// Queue and processor
	txQueue := queue.NewRingBuffer[*erc20.RawTransaction](cfg.Queue.Size)

	proc := processor.New(txQueue, handle, dispatcher, cfg.Processor, logger.With("component", "processor"))
	proc.SetRecorder(m)
	proc.Start(ctx)

	// Sources
	var poller *evm.Poller
	if cfg.EVM.Enabled {
		poller, err = evm.NewPoller(ctx, cfg.EVM, txQueue, logger)
		if err != nil {
			return fmt.Errorf("create evm poller: %w", err)
		}
		if err := poller.Start(ctx); err != nil {
			return fmt.Errorf("start evm poller: %w", err)
		}
		health["evm"] = poller.HealthCheck
	}

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled && cfg.Kafka.TransactionsTopic != "" {
		consumer, err = kafka.NewConsumer(cfg.Kafka, kafka.TransactionHandler(txQueue, logger), logger.With("component", "kafka-consumer"))
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		if err := consumer.StartAsync(); err != nil {
			return err
		}
	}

	// Metrics and health
	serveErr := make(chan error, 1)
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Address, m, health, logger)
		go func() { serveErr <- metrics.Serve(ctx, srv, logger) }()
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}

	// Stop sources first so nothing new enters the queue.
	if poller != nil {
		poller.Stop()
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("kafka consumer stop error", "error", err)
		}
	}

	txQueue.Close()
	proc.Stop()
	dispatcher.Stop()
	cancel()

	queueMetrics := txQueue.Metrics()
	procMetrics := proc.Metrics()
	logger.Info("shutdown complete",
		"transactions_pushed", queueMetrics.Pushed,
		"transactions_dropped", queueMetrics.Dropped,
		"transactions_processed", procMetrics.Processed,
		"transactions_failed", procMetrics.Failed,
		"alerts", procMetrics.Alerts,
		"tracked_windows", store.Len(),
		"dead_letters", len(dispatcher.DeadLetterQueue()),
	)

	return nil
}
