package services

import (
	"context"
	"errors"
	"testing"

	"clickstream/src/lib"
	"clickstream/src/models"
)

func TestExceptionLoggerAppendsToEverySink(t *testing.T) {
	primary := &flakyStore{}
	archive := &flakyStore{failures: 1, err: errLocked}
	metrics := lib.NewMetrics()
	logger := NewExceptionLogger(fastRetry, metrics, nil, primary, archive)

	event := models.Tombstone("e1")
	if err := logger.Append(context.Background(), event); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(primary.appended) != 1 || len(archive.appended) != 1 {
		t.Fatalf("appended = %d/%d, want 1/1", len(primary.appended), len(archive.appended))
	}
	if metrics.Get(lib.MetricExceptionsAppended) != 1 || metrics.Get(lib.MetricMergeRetries) != 1 {
		t.Fatalf("unexpected metrics %v", metrics.Snapshot())
	}
}

func TestExceptionLoggerStopsAtFirstFailedSink(t *testing.T) {
	sinkErr := errors.New("permission denied")
	first := &flakyStore{failures: 1, err: sinkErr}
	second := &flakyStore{}
	metrics := lib.NewMetrics()
	logger := NewExceptionLogger(fastRetry, metrics, nil, first, second)

	err := logger.Append(context.Background(), models.Tombstone("e1"))
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) || !errors.Is(err, sinkErr) {
		t.Fatalf("Append error = %v, want PersistenceError wrapping sink error", err)
	}
	if persistErr.EventID != "e1" || persistErr.Attempts != 1 {
		t.Fatalf("unexpected persistence error %+v", persistErr)
	}
	if len(second.appended) != 0 {
		t.Fatalf("later sinks must not be written after a failure")
	}
	if metrics.Get(lib.MetricExceptionsAppended) != 0 {
		t.Fatalf("failed append must not be counted")
	}
}

func TestExceptionLoggerGivesUpWhenContextEnds(t *testing.T) {
	store := &flakyStore{failures: 100, err: errLocked}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewExceptionLogger(RetryPolicy{MaxAttempts: 50}, nil, nil, store).Append(ctx, models.Tombstone("e1"))
	if err == nil {
		t.Fatalf("expected an error once the context is cancelled")
	}
	if store.calls >= 50 {
		t.Fatalf("calls = %d, retry loop ignored cancellation", store.calls)
	}
}
