package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clickstream/src/lib"
	"clickstream/src/models"
	"clickstream/src/storage"
	"clickstream/src/storage/sqlite"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

type pipeline struct {
	store   *sqlite.Store
	handler *MessageHandler
	metrics *lib.Metrics
}

func newPipeline(t *testing.T) pipeline {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db"), "events_current", "events_exceptions")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}

	metrics := lib.NewMetrics()
	reconciler := NewReconciler(store, fastRetry, metrics, nil)
	exceptions := NewExceptionLogger(fastRetry, metrics, nil, store)
	return pipeline{
		store:   store,
		handler: NewMessageHandler(reconciler, exceptions, metrics),
		metrics: metrics,
	}
}

func (p pipeline) mustHandle(t *testing.T, payload string) Result {
	t.Helper()
	result, err := p.handler.Handle(context.Background(), []byte(payload))
	if err != nil {
		t.Fatalf("Handle(%s): %v", payload, err)
	}
	if result.Outcome != OutcomeProcessed {
		t.Fatalf("Handle(%s) outcome = %v", payload, result.Outcome)
	}
	return result
}

func (p pipeline) row(t *testing.T, eventID string) models.Event {
	t.Helper()
	event, err := p.store.GetEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("GetEvent(%s): %v", eventID, err)
	}
	return event
}

func (p pipeline) exceptionCount(t *testing.T, eventID string) int {
	t.Helper()
	records, err := p.store.ListExceptions(context.Background(), storage.ExceptionFilter{EventID: eventID, Limit: storage.MaxQueryLimit})
	if err != nil {
		t.Fatalf("ListExceptions(%s): %v", eventID, err)
	}
	return len(records)
}

// flakyStore fails the first failures calls with err, then delegates.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	merged   []models.Event
	appended []models.Event
}

func (s *flakyStore) fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return nil
}

func (s *flakyStore) MergeEvent(_ context.Context, event models.Event) (storage.MergeResult, error) {
	if err := s.fail(); err != nil {
		return storage.MergeUnchanged, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, event)
	return storage.MergeApplied, nil
}

func (s *flakyStore) AppendException(_ context.Context, event models.Event) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, event)
	return nil
}

var errLocked = &storage.TransientError{Err: errors.New("database is locked")}
