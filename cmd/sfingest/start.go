package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jhinw/sfingest/internal/broker"
	"github.com/jhinw/sfingest/internal/cablob"
	"github.com/jhinw/sfingest/internal/checkpoint"
	"github.com/jhinw/sfingest/internal/config"
	"github.com/jhinw/sfingest/internal/esbulk"
	"github.com/jhinw/sfingest/internal/hostadapter"
	"github.com/jhinw/sfingest/internal/logging"
)

func newStartCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the ES and CA ingestion pipelines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "sfingest.yaml", "path to the YAML configuration file")
	return cmd
}

func runStart(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	esHost, err := buildESHost(cfg, logger)
	if err != nil {
		return fmt.Errorf("building ES pipeline: %w", err)
	}
	caHost, err := buildCAHost(cfg, logger)
	if err != nil {
		return fmt.Errorf("building CA pipeline: %w", err)
	}
	defer esHost.Close() //nolint:errcheck
	defer caHost.Close() //nolint:errcheck

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return esHost.Run(gctx) })
	g.Go(func() error { return caHost.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("sfingest shut down cleanly")
	return nil
}

func buildESHost(cfg *config.Config, logger *zap.Logger) (*broker.KafkaHost, error) {
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.ES.Addresses,
		Username:  cfg.ES.Username,
		Password:  cfg.ES.Password,
	})
	if err != nil {
		return nil, err
	}

	submitter := esbulk.NewSubmitter(esClient, logger)
	processor := esbulk.NewProcessor(submitter, logger, esbulk.ProcessorConfig{StatsEnabled: cfg.ES.StatsEnabled})

	adapter := hostadapter.New(func(partitionID string, cp hostadapter.Checkpointer) hostadapter.PartitionProcessor {
		coord := checkpoint.New(checkpoint.Checkpointer(cp))
		return esbulk.NewPartitionHandle(processor, partitionID, coord)
	})

	return broker.NewKafkaHost(broker.Config{
		Brokers:          cfg.Kafka.Brokers,
		Topic:            cfg.Kafka.Topic,
		GroupID:          cfg.Kafka.ESConsumerGroup,
		MaxBatchSize:     cfg.Kafka.MaxBatchSize,
		MaxBatchInterval: cfg.Kafka.MaxBatchInterval,
	}, adapter, logger)
}

func buildCAHost(cfg *config.Config, logger *zap.Logger) (*broker.KafkaHost, error) {
	accounts := make([]cablob.BlobAccountClient, 0, len(cfg.CA.BlobAccounts))
	for _, acct := range cfg.CA.BlobAccounts {
		client, err := cablob.NewAzureBlobAccountClient(acct.Name, acct.Key)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, client)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	processorCfg := cablob.ProcessorConfig{
		LogSink: cablob.SinkConfig{
			SchemaName:           cablob.SchemaNameLog,
			SchemaID:             cfg.CA.LogSchemaID,
			Capacity:             cfg.CA.FlushBufferBytes,
			Compress:             cfg.CA.Compress,
			Accounts:             accounts,
			BaseContainerName:    cfg.CA.BaseContainerName,
			NotificationEndpoint: cfg.CA.NotificationEndpoint,
			InstrumentationKey:   cfg.CA.InstrumentationKey,
		},
		InteractionsSink: cablob.SinkConfig{
			SchemaName:           cablob.SchemaNameInteractions,
			SchemaID:             cfg.CA.InteractionsSchemaID,
			Capacity:             cfg.CA.FlushBufferBytes,
			Compress:             cfg.CA.Compress,
			Accounts:             accounts,
			BaseContainerName:    cfg.CA.BaseContainerName,
			NotificationEndpoint: cfg.CA.NotificationEndpoint,
			InstrumentationKey:   cfg.CA.InstrumentationKey,
		},
	}
	// Each partition gets its own Processor (and so its own pair of Log/
	// Interactions flush buffers): spec.md §3 makes CA sinks partition-local,
	// sharing only the notification HTTP client and the blob-account list
	// across partitions, not the buffers themselves.
	adapter := hostadapter.New(func(partitionID string, cp hostadapter.Checkpointer) hostadapter.PartitionProcessor {
		coord := checkpoint.New(checkpoint.Checkpointer(cp))
		processor := cablob.NewProcessor(processorCfg, httpClient, logger)
		return cablob.NewPartitionHandle(processor, partitionID, coord)
	})

	return broker.NewKafkaHost(broker.Config{
		Brokers:          cfg.Kafka.Brokers,
		Topic:            cfg.Kafka.Topic,
		GroupID:          cfg.Kafka.CAConsumerGroup,
		MaxBatchSize:     cfg.Kafka.MaxBatchSize,
		MaxBatchInterval: cfg.Kafka.MaxBatchInterval,
	}, adapter, logger)
}
