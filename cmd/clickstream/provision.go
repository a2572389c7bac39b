package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"clickstream/src/ingest"
	"clickstream/src/lib"
)

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the current-state and exception tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lib.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateStore(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx := context.Background()
			store, err := ingest.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Provision(ctx); err != nil {
				return err
			}
			lib.NewLogger(cfg.LogLevel).Info("tables provisioned",
				"driver", cfg.StoreDriver,
				"current_state_table", cfg.CurrentStateTable,
				"exception_table", cfg.ExceptionTable,
			)
			return nil
		},
	}
}
