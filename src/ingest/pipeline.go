package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"clickstream/src/lib"
	"clickstream/src/services"
	"clickstream/src/storage"
	"clickstream/src/storage/sqlite"
)

// OpenStore opens the backend named by STORE_DRIVER. Tables are not created;
// call Provision on the result.
func OpenStore(ctx context.Context, cfg lib.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case lib.StoreDriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath, cfg.CurrentStateTable, cfg.ExceptionTable)
		if err != nil {
			return nil, err
		}
		return store, nil
	case lib.StoreDriverPostgres:
		store, err := storage.OpenPostgres(ctx, cfg.DatabaseURL, cfg.CurrentStateTable, cfg.ExceptionTable)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenArchive returns nil when no archive bucket is configured.
func OpenArchive(ctx context.Context, cfg lib.Config) (storage.ExceptionStore, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}
	archive, err := storage.NewS3Archive(ctx, storage.S3ArchiveConfig{
		Bucket:       cfg.ArchiveBucket,
		Region:       cfg.ArchiveRegion,
		Endpoint:     cfg.ArchiveEndpoint,
		UsePathStyle: cfg.ArchivePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return archive, nil
}

// NewMessageHandler wires the reconciliation path over store. The archive,
// when present, receives every exception after the store does.
func NewMessageHandler(cfg lib.Config, store storage.Store, archive storage.ExceptionStore, metrics *lib.Metrics, logger *slog.Logger) *services.MessageHandler {
	retry := services.RetryPolicyFromConfig(cfg)
	sinks := []storage.ExceptionStore{store}
	if archive != nil {
		sinks = append(sinks, archive)
	}
	return services.NewMessageHandler(
		services.NewReconciler(store, retry, metrics, logger),
		services.NewExceptionLogger(retry, metrics, logger, sinks...),
		metrics,
	)
}
