package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"clickstream/src/broker"
	"clickstream/src/ingest"
	"clickstream/src/lib"
	"clickstream/src/services"
)

func replayCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed newline-delimited JSON events through the reconciliation path",
		Long: `Replay reads one JSON event per line and handles each exactly as the
consumer would. Use --file - to read from stdin. The command exits non-zero
when any line is rejected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lib.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateStore(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runReplay(cmd.Context(), cfg, path)
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "", "path to a JSONL file, or - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runReplay(ctx context.Context, cfg lib.Config, path string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := lib.NewLogger(cfg.LogLevel)
	metrics := lib.NewMetrics()

	store, err := ingest.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Provision(ctx); err != nil {
		return err
	}

	archive, err := ingest.OpenArchive(ctx, cfg)
	if err != nil {
		return err
	}

	source := broker.NewFileSource(path)
	if path == "-" {
		source = broker.NewReaderSource(os.Stdin)
	}

	handler := ingest.NewMessageHandler(cfg, store, archive, metrics, logger)
	if err := services.NewConsumer(source, handler, cfg.Workers, metrics, logger).Run(ctx); err != nil {
		return err
	}

	summary := source.Summary()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if summary.Nacked > 0 {
		return fmt.Errorf("%d of %d lines were rejected", summary.Nacked, summary.Lines)
	}
	return nil
}
