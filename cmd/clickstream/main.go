package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clickstream/src/ingest"
	"clickstream/src/lib"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "clickstream",
		Short:         "Reconcile clickstream events into a current-state table and an exception log",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(generateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Provision the tables and consume the subscription until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lib.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateConsumer(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx := context.Background()
			shutdownTracing, err := lib.SetupTracing(ctx, cfg)
			if err != nil {
				return err
			}
			defer flushTracing(shutdownTracing, cfg.ShutdownTimeout)

			server, err := ingest.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap server: %w", err)
			}
			return runUntilSignal(server.Start, server.Shutdown, cfg.ShutdownTimeout)
		},
	}
}

func generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Serve the synthetic click event generator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lib.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateGenerator(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx := context.Background()
			shutdownTracing, err := lib.SetupTracing(ctx, cfg)
			if err != nil {
				return err
			}
			defer flushTracing(shutdownTracing, cfg.ShutdownTimeout)

			server, err := ingest.NewGeneratorServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("bootstrap generator: %w", err)
			}
			return runUntilSignal(server.Start, server.Shutdown, cfg.ShutdownTimeout)
		},
	}
}

// runUntilSignal blocks until start fails or SIGINT/SIGTERM arrives, then
// shuts down within timeout.
func runUntilSignal(start func() error, shutdown func(context.Context) error, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), timeout)
	}

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s", sig)
		ctx, cancel := shutdownCtx()
		defer cancel()
		if err := shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		ctx, cancel := shutdownCtx()
		defer cancel()
		shutdownErr := shutdown(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("server exited with error: %w", err)
		}
		return shutdownErr
	}
}

func flushTracing(shutdown func(context.Context) error, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Printf("flush traces: %v", err)
	}
}
