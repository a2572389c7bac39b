package services

import (
	"context"
	"log/slog"

	"clickstream/src/lib"
	"clickstream/src/models"
	"clickstream/src/storage"
)

// ExceptionLogger appends event snapshots to every configured sink, in
// order. There is no dedup and no rollback: an append counts only when every
// sink accepted it.
type ExceptionLogger struct {
	sinks   []storage.ExceptionStore
	retry   RetryPolicy
	metrics *lib.Metrics
	logger  *slog.Logger
}

func NewExceptionLogger(retry RetryPolicy, metrics *lib.Metrics, logger *slog.Logger, sinks ...storage.ExceptionStore) *ExceptionLogger {
	if logger == nil {
		logger = lib.DiscardLogger()
	}
	return &ExceptionLogger{sinks: sinks, retry: retry, metrics: metrics, logger: logger}
}

func (l *ExceptionLogger) Append(ctx context.Context, event models.Event) error {
	for _, sink := range l.sinks {
		_, attempts, err := retryStore(ctx, l.retry, l.metrics, l.logger, "append exception", event.EventID,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, sink.AppendException(ctx, event)
			})
		if err != nil {
			return &PersistenceError{Op: "append exception", EventID: event.EventID, Attempts: attempts, Err: err}
		}
	}
	l.metrics.Inc(lib.MetricExceptionsAppended)
	return nil
}
