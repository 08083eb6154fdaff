// Package main is the entry point for the lakefeed binary. It wires the
// configured input, object store, warehouse, and shipment ledger into the
// capture pipeline and runs it until the stream ends or a fatal error
// stops the process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lakefeed/internal/config"
	"lakefeed/internal/ledger"
	"lakefeed/internal/pipeline"
	"lakefeed/internal/rules"
	"lakefeed/internal/source"
	"lakefeed/internal/status"
	"lakefeed/internal/storage"
	"lakefeed/internal/warehouse"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		input   string
	)
	cmd := &cobra.Command{
		Use:     "lakefeed",
		Short:   "Stream replicated row changes into a columnar warehouse",
		Long:    "lakefeed tails a logical-replication stream, stages it in rotating\nsegments, and ships aggregated per-table batches through object storage\ninto a DuckDB warehouse, tracking source schema drift along the way.",
		Version: version,

		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(envFile, input)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "KEY=VALUE file loaded beneath the environment")
	cmd.Flags().StringVar(&input, "input", "", `replication input: "-" (stdin), a file path, or "pg_recvlogical"; overrides INPUT`)
	return cmd
}

func run(envFile, input string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if input != "" {
		cfg.Input = input
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	logger.Info("lakefeed starting", "version", version, "wal_dir", cfg.WALDir, "input", cfg.Input)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var led *ledger.Ledger
	if cfg.LedgerDBPath != "" {
		led, err = ledger.Open(logger, cfg.LedgerDBPath)
		if err != nil {
			return err
		}
		defer led.Close()
	}

	client, err := warehouse.Open(ctx, logger, warehouse.Config{
		Path:           cfg.WarehouseDBPath,
		Schema:         cfg.TargetSchema,
		MaxConnections: cfg.WarehouseMaxConns,
		QueryTimeout:   cfg.QueryTimeout,
		S3KeyID:        cfg.S3KeyID,
		S3Secret:       cfg.S3Secret,
		S3Endpoint:     cfg.S3Endpoint,
		S3Region:       cfg.S3Region,
		S3URLStyle:     s3URLStyle(cfg.S3ForcePathStyle),
		GCSKeyFile:     cfg.GCSKeyFile,
		AzureAccount:   cfg.AzureAccount,
		AzureKey:       cfg.AzureKey,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	// The cache seeds drift detection: a table the warehouse already holds
	// must not produce a create-table directive on its first sighting.
	tables, err := client.ScanColumns(ctx)
	if err != nil {
		return err
	}
	cache := warehouse.NewCache()
	cache.Seed(tables)
	logger.Info("warehouse columns scanned", "tables", len(tables))

	store, err := storage.New(logger, storage.Config{
		URL:              cfg.StorageURL,
		S3KeyID:          cfg.S3KeyID,
		S3Secret:         cfg.S3Secret,
		S3Region:         cfg.S3Region,
		S3Endpoint:       cfg.S3Endpoint,
		S3ForcePathStyle: cfg.S3ForcePathStyle,
		GCSKeyFile:       cfg.GCSKeyFile,
		AzureAccount:     cfg.AzureAccount,
		AzureKey:         cfg.AzureKey,
		RateLimit:        cfg.UploadRateLimit,
	})
	if err != nil {
		return err
	}

	tableRules, err := rules.New(logger, rules.Config{
		File:            cfg.TableRulesFile,
		Blacklist:       cfg.TableBlacklist,
		RenameFind:      cfg.TableRenameFind,
		RenameReplace:   cfg.TableRenameReplace,
		RowAgeThreshold: cfg.RowAgeThreshold,
	})
	if err != nil {
		return err
	}

	src, err := source.Open(logger, source.Config{
		Input:       cfg.Input,
		Recvlogical: cfg.Recvlogical,
		ConnString:  cfg.ConnString,
		Slot:        cfg.Slot,
	})
	if err != nil {
		return err
	}

	counters := &status.Counters{}
	var statusSrv *status.Server
	if cfg.StatusAddr != "" {
		statusSrv = status.New(logger, cfg.StatusAddr, counters)
	}
	statusSrv.Start()
	defer func() { _ = statusSrv.Shutdown(context.Background()) }()

	if led != nil {
		maint := pipeline.NewMaintenance(logger, led, cfg.WALDir, cfg.StageDir, cfg.LedgerRetention)
		if err := maint.Start(cfg.MaintenanceSchedule); err != nil {
			return err
		}
		defer maint.Stop()
	}

	// First signal closes the source so the pipeline drains what it has
	// and exits cleanly; a second one abandons in-flight work, leaving the
	// open segments to replay on the next start.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutdown requested, draining")
		_ = src.Close()
		<-sigs
		logger.Warn("second signal, abandoning in-flight work")
		cancel()
	}()

	p := pipeline.New(logger, pipeline.Config{
		WALDir:            cfg.WALDir,
		StageDir:          cfg.StageDir,
		RotateAfter:       cfg.RotateAfter,
		RotateBytes:       cfg.RotateBytes,
		BackoffMaxElapsed: cfg.BackoffMaxElapsed,
	}, pipeline.Deps{
		Input:     src,
		Rules:     tableRules,
		Store:     store,
		Warehouse: warehouse.NewLoader(logger, client, cache),
		Cache:     cache,
		Ledger:    led,
		Counters:  counters,
	})
	return p.Run(ctx)
}

func s3URLStyle(forcePathStyle bool) string {
	if forcePathStyle {
		return "path"
	}
	return "vhost"
}
