package services

import (
	"context"
	"log/slog"

	"clickstream/src/lib"
	"clickstream/src/models"
	"clickstream/src/storage"
)

// Reconciler is the only writer of the current-state table. It holds no
// per-key locks; atomicity comes from the store's conditional merge.
type Reconciler struct {
	store   storage.CurrentStateStore
	retry   RetryPolicy
	metrics *lib.Metrics
	logger  *slog.Logger
}

func NewReconciler(store storage.CurrentStateStore, retry RetryPolicy, metrics *lib.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = lib.DiscardLogger()
	}
	return &Reconciler{store: store, retry: retry, metrics: metrics, logger: logger}
}

// Apply merges a normalized event. Transient faults are retried per the
// policy; the final failure is a *PersistenceError.
func (r *Reconciler) Apply(ctx context.Context, event models.Event) (storage.MergeResult, error) {
	result, attempts, err := retryStore(ctx, r.retry, r.metrics, r.logger, "merge", event.EventID,
		func(ctx context.Context) (storage.MergeResult, error) {
			return r.store.MergeEvent(ctx, event)
		})
	if err != nil {
		return storage.MergeUnchanged, &PersistenceError{Op: "merge current state", EventID: event.EventID, Attempts: attempts, Err: err}
	}

	switch result {
	case storage.MergeApplied:
		r.metrics.Inc(lib.MetricEventsMerged)
	case storage.MergeUnchanged:
		r.metrics.Inc(lib.MetricEventsMergeNoop)
	}
	return result, nil
}

// ApplyTombstone merges the synthetic deletion record for eventID. Its
// received_timestamp is NULL, so it is dropped when the existing row already
// carries a timestamp.
func (r *Reconciler) ApplyTombstone(ctx context.Context, eventID string) (models.Event, storage.MergeResult, error) {
	tombstone := models.Tombstone(eventID)
	result, err := r.Apply(ctx, tombstone)
	if err == nil && result == storage.MergeUnchanged {
		r.logger.Info("tombstone left existing row unchanged", "event_id", eventID)
	}
	return tombstone, result, err
}
