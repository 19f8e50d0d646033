package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fadedpez/tradevault/internal/config"
	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/pkg/events"
	"github.com/fadedpez/tradevault/pkg/repositories/store"
	"github.com/fadedpez/tradevault/pkg/scheduler"
	"github.com/fadedpez/tradevault/pkg/services/escrow"
	"github.com/fadedpez/tradevault/pkg/services/wallet"
)

const sweepLeaseKey = "tradevault:sweep"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel))
	logging.Default = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd stopped: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	fees, err := escrow.NewFeePolicy(cfg.FacilitatorFeeRate, cfg.FacilitatorMinFee)
	if err != nil {
		return err
	}

	publisher, closePublishers, err := openPublishers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublishers()

	wallets := wallet.NewService(s, wallet.Config{MaxRetries: cfg.MaxTxRetries, Logger: logger})
	engine := escrow.NewEngine(s, wallets, publisher, escrow.Config{
		FundingWindow:         cfg.FundingWindow,
		DeliveryWindow:        cfg.DeliveryWindow,
		DisputeResponseWindow: cfg.DisputeResponseWindow,
		InspectionHours:       cfg.InspectionHours,
		Fees:                  fees,
		MaxRetries:            cfg.MaxTxRetries,
		Logger:                logger,
	})

	lease, closeLease, err := openLease(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLease()

	sweep := scheduler.NewEscrowSweepScheduler(engine, lease, scheduler.SweepConfig{
		Interval: cfg.SweepInterval,
		LeaseTTL: cfg.SweepLeaseTTL,
		Logger:   logger,
	})
	sweep.Start(ctx)

	logger.Info("escrowd running with %s storage. Press Ctrl+C to exit", cfg.StorageType)
	<-ctx.Done()

	logger.Info("Shutting down...")
	sweep.Stop()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	switch cfg.StorageType {
	case config.StorageSQLite:
		logger.Info("Initializing SQLite store at %s", cfg.SQLitePath)
		return store.OpenSQLite(cfg.SQLitePath)
	case config.StoragePostgres:
		logger.Info("Connecting to Postgres store")
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		if !cfg.IsDevelopment() {
			logger.Warn("Using in-memory store outside development, data will be lost on restart")
		} else {
			logger.Info("Using in-memory store (data will be lost on restart)")
		}
		return store.NewMemoryStore(), nil
	}
}

// openPublishers builds the milestone sinks that are configured. With none the
// engine only writes its database log.
func openPublishers(ctx context.Context, cfg *config.Config, logger *logging.Logger) (events.Publisher, func(), error) {
	var (
		sinks   []events.Publisher
		closers []func() error
	)

	if cfg.ElasticsearchURL != "" {
		indexer, err := events.NewElasticsearchIndexer(events.ElasticsearchConfig{
			URL:         cfg.ElasticsearchURL,
			Username:    cfg.ElasticsearchUsername,
			Password:    cfg.ElasticsearchPassword,
			IndexPrefix: cfg.ElasticsearchPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := indexer.EnsureIndex(ctx); err != nil {
			// The index is a support copy, escrows keep working without it
			logger.Warn("Elasticsearch index %s unavailable: %v", indexer.Index(), err)
		}
		sinks = append(sinks, indexer)
		logger.Info("Indexing milestones into %s", indexer.Index())
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, producer)
		closers = append(closers, producer.Close)
		logger.Info("Publishing milestones to kafka topic %s", cfg.KafkaTopic)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("Failed to close event sink: %v", err)
			}
		}
	}

	if len(sinks) == 0 {
		return events.Noop{}, closeAll, nil
	}
	return events.NewMulti(logger, sinks...), closeAll, nil
}

func openLease(ctx context.Context, cfg *config.Config, logger *logging.Logger) (scheduler.Lease, func(), error) {
	if cfg.RedisURL == "" {
		return scheduler.NoopLease{}, func() {}, nil
	}

	client, err := scheduler.ConnectRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unreachable, sweeps will run without coordination: %v", err)
	}

	lease := scheduler.NewRedisLease(client, sweepLeaseKey)
	logger.Info("Coordinating sweeps through redis key %s", lease.Key())
	return lease, func() { client.Close() }, nil
}
