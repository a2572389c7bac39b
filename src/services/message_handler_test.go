package services

import (
	"context"
	"errors"
	"testing"

	"clickstream/src/lib"
	"clickstream/src/models"
	"clickstream/src/storage"
)

const (
	t1 = "2025-03-01T10:00:00+08:00"
	t2 = "2025-03-01T10:05:00+08:00"
)

func TestHandleIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	payload := `{"event_id":"e1","event_name":"click","user_id":"123","received_timestamp":"` + t1 + `","is_valid":true}`

	first := p.mustHandle(t, payload)
	before := p.row(t, "e1")
	second := p.mustHandle(t, payload)
	after := p.row(t, "e1")

	if first.Merge != storage.MergeApplied || second.Merge != storage.MergeUnchanged {
		t.Fatalf("merge results = %v, %v; want applied then unchanged", first.Merge, second.Merge)
	}
	if *before.EventName != *after.EventName || !before.ReceivedTimestamp.Equal(*after.ReceivedTimestamp) {
		t.Fatalf("row changed on reapply: %+v -> %+v", before, after)
	}
}

func TestHandleLatestWinsInEitherOrder(t *testing.T) {
	older := `{"event_id":"e1","event_name":"old","received_timestamp":"` + t1 + `"}`
	newer := `{"event_id":"e1","event_name":"new","received_timestamp":"` + t2 + `"}`

	for name, order := range map[string][]string{
		"in order":     {older, newer},
		"out of order": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			p := newPipeline(t)
			for _, payload := range order {
				p.mustHandle(t, payload)
			}
			row := p.row(t, "e1")
			if row.EventName == nil || *row.EventName != "new" {
				t.Fatalf("event_name = %v, want new", row.EventName)
			}
		})
	}
}

func TestHandleStaleIsNoop(t *testing.T) {
	p := newPipeline(t)
	p.mustHandle(t, `{"event_id":"e1","event_name":"new","received_timestamp":"`+t2+`"}`)
	result := p.mustHandle(t, `{"event_id":"e1","event_name":"stale","received_timestamp":"`+t1+`"}`)

	if result.Merge != storage.MergeUnchanged {
		t.Fatalf("merge = %v, want unchanged", result.Merge)
	}
	if got := *p.row(t, "e1").EventName; got != "new" {
		t.Fatalf("event_name = %q, want new", got)
	}
	if p.metrics.Get(lib.MetricEventsMergeNoop) != 1 {
		t.Fatalf("noop counter = %d, want 1", p.metrics.Get(lib.MetricEventsMergeNoop))
	}
}

func TestHandleTombstoneDropEdgeCase(t *testing.T) {
	p := newPipeline(t)
	p.mustHandle(t, `{"event_id":"e1","event_name":"click","received_timestamp":"`+t1+`"}`)

	result := p.mustHandle(t, `{"event_id":"e1"}`)
	if !result.Tombstone || result.Merge != storage.MergeUnchanged {
		t.Fatalf("tombstone result = %+v, want unchanged tombstone", result)
	}
	row := p.row(t, "e1")
	if row.Deleted() || row.EventName == nil {
		t.Fatalf("tombstone must leave timestamped row untouched, got %+v", row)
	}
	if !result.ExceptionLogged || p.exceptionCount(t, "e1") != 1 {
		t.Fatalf("tombstone must always be appended to the exception log")
	}
}

func TestHandleTombstoneOnNewKey(t *testing.T) {
	p := newPipeline(t)
	result := p.mustHandle(t, `{"event_id":"gone"}`)

	if result.Merge != storage.MergeApplied {
		t.Fatalf("merge = %v, want applied", result.Merge)
	}
	row := p.row(t, "gone")
	if !row.Deleted() || row.IsValid == nil || *row.IsValid || row.ReceivedTimestamp != nil {
		t.Fatalf("unexpected tombstone row %+v", row)
	}
	records, err := p.store.ListExceptions(context.Background(), storage.ExceptionFilter{EventID: "gone"})
	if err != nil {
		t.Fatalf("ListExceptions: %v", err)
	}
	if len(records) != 1 || !records[0].Deleted() || records[0].ReceivedTimestamp != nil {
		t.Fatalf("unexpected exception records %+v", records)
	}
	if p.metrics.Get(lib.MetricTombstones) != 1 {
		t.Fatalf("tombstone counter = %d", p.metrics.Get(lib.MetricTombstones))
	}
}

func TestHandleDefaultValidity(t *testing.T) {
	p := newPipeline(t)
	for _, payload := range []string{
		`{"event_id":"absent","received_timestamp":"` + t1 + `"}`,
		`{"event_id":"null","received_timestamp":"` + t1 + `","is_valid":null}`,
	} {
		result := p.mustHandle(t, payload)
		if result.ExceptionLogged {
			t.Fatalf("%s must not be logged as an exception", payload)
		}
	}
	for _, id := range []string{"absent", "null"} {
		row := p.row(t, id)
		if row.IsValid == nil || !*row.IsValid || row.IsDeleted == nil || *row.IsDeleted {
			t.Fatalf("%s row flags = %v/%v, want true/false", id, row.IsValid, row.IsDeleted)
		}
		if p.exceptionCount(t, id) != 0 {
			t.Fatalf("%s must not appear in the exception log", id)
		}
	}
}

func TestHandleExceptionRouting(t *testing.T) {
	p := newPipeline(t)
	p.mustHandle(t, `{"event_id":"e1","is_valid":true,"received_timestamp":"`+t1+`"}`)
	if p.exceptionCount(t, "e1") != 0 {
		t.Fatalf("valid event must not be logged")
	}

	result := p.mustHandle(t, `{"event_id":"e1","is_valid":false,"received_timestamp":"`+t2+`"}`)
	if !result.ExceptionLogged {
		t.Fatalf("invalid event must be logged")
	}
	row := p.row(t, "e1")
	if *row.IsValid || !row.Deleted() {
		t.Fatalf("row = %+v, want is_valid=false is_deleted=true", row)
	}
	if got := p.exceptionCount(t, "e1"); got != 1 {
		t.Fatalf("exception rows = %d, want exactly 1", got)
	}
}

func TestHandleStaleInvalidIsStillLogged(t *testing.T) {
	p := newPipeline(t)
	p.mustHandle(t, `{"event_id":"e1","is_valid":true,"received_timestamp":"`+t2+`"}`)
	result := p.mustHandle(t, `{"event_id":"e1","is_valid":false,"received_timestamp":"`+t1+`"}`)

	if result.Merge != storage.MergeUnchanged || !result.ExceptionLogged {
		t.Fatalf("result = %+v, want unchanged merge and a logged exception", result)
	}
	if p.row(t, "e1").Deleted() {
		t.Fatalf("stale correction must not change the row")
	}
}

func TestHandleMalformedInputWritesNothing(t *testing.T) {
	for _, payload := range []string{`not-json`, `{"event_name":"click"}`, `{"event_id":"e1","is_valid":"no"}`, ``} {
		t.Run(payload, func(t *testing.T) {
			p := newPipeline(t)
			result, err := p.handler.Handle(context.Background(), []byte(payload))
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("Handle error = %v, want DecodeError", err)
			}
			if result.Outcome != OutcomeRejected {
				t.Fatalf("outcome = %v, want rejected", result.Outcome)
			}
			rows, err := p.store.QueryEvents(context.Background(), storage.EventFilter{IncludeDeleted: true})
			if err != nil {
				t.Fatalf("QueryEvents: %v", err)
			}
			exceptions, err := p.store.ListExceptions(context.Background(), storage.ExceptionFilter{})
			if err != nil {
				t.Fatalf("ListExceptions: %v", err)
			}
			if len(rows) != 0 || len(exceptions) != 0 {
				t.Fatalf("malformed input wrote %d rows and %d exceptions", len(rows), len(exceptions))
			}
			if p.metrics.Get(lib.MetricDecodeErrors) != 1 {
				t.Fatalf("decode error counter = %d", p.metrics.Get(lib.MetricDecodeErrors))
			}
		})
	}
}

func TestHandleRetriesTransientFaults(t *testing.T) {
	store := &flakyStore{failures: 2, err: errLocked}
	metrics := lib.NewMetrics()
	handler := NewMessageHandler(NewReconciler(store, fastRetry, metrics, nil), NewExceptionLogger(fastRetry, metrics, nil, store), metrics)

	result, err := handler.Handle(context.Background(), []byte(`{"event_id":"e1","is_valid":false}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Outcome != OutcomeProcessed || len(store.merged) != 1 || len(store.appended) != 1 {
		t.Fatalf("unexpected result %+v merged=%d appended=%d", result, len(store.merged), len(store.appended))
	}
	if metrics.Get(lib.MetricMergeRetries) != 2 {
		t.Fatalf("retry counter = %d, want 2", metrics.Get(lib.MetricMergeRetries))
	}
}

func TestHandleSurfacesExhaustedRetries(t *testing.T) {
	store := &flakyStore{failures: 100, err: errLocked}
	metrics := lib.NewMetrics()
	handler := NewMessageHandler(NewReconciler(store, fastRetry, metrics, nil), NewExceptionLogger(fastRetry, metrics, nil, store), metrics)

	result, err := handler.Handle(context.Background(), []byte(`{"event_id":"e1"}`))
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) {
		t.Fatalf("Handle error = %v, want PersistenceError", err)
	}
	if persistErr.Attempts != fastRetry.MaxAttempts || store.calls != fastRetry.MaxAttempts {
		t.Fatalf("attempts = %d calls = %d, want %d", persistErr.Attempts, store.calls, fastRetry.MaxAttempts)
	}
	if !storage.IsTransient(err) {
		t.Fatalf("the last transient fault must stay visible through the chain")
	}
	if result.Outcome != OutcomeRejected || result.EventID != "e1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(store.appended) != 0 {
		t.Fatalf("exception append must not run after a failed merge")
	}
}

func TestHandleDoesNotRetryPermanentFaults(t *testing.T) {
	store := &flakyStore{failures: 1, err: errors.New("no such table")}
	metrics := lib.NewMetrics()
	handler := NewMessageHandler(NewReconciler(store, fastRetry, metrics, nil), NewExceptionLogger(fastRetry, metrics, nil, store), metrics)

	_, err := handler.Handle(context.Background(), []byte(`{"event_id":"e1","is_valid":true}`))
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) || persistErr.Attempts != 1 {
		t.Fatalf("Handle error = %v, want PersistenceError after one attempt", err)
	}
	if metrics.Get(lib.MetricMergeRetries) != 0 {
		t.Fatalf("permanent faults must not be retried")
	}
}

type failingSink struct{ err error }

func (s failingSink) AppendException(context.Context, models.Event) error { return s.err }

func TestHandlePartialWrite(t *testing.T) {
	p := newPipeline(t)
	metrics := lib.NewMetrics()
	sinkErr := errors.New("bucket unavailable")
	handler := NewMessageHandler(
		NewReconciler(p.store, fastRetry, metrics, nil),
		NewExceptionLogger(fastRetry, metrics, nil, p.store, failingSink{err: sinkErr}),
		metrics,
	)

	payload := []byte(`{"event_id":"e1","is_valid":false,"received_timestamp":"` + t1 + `"}`)
	result, err := handler.Handle(context.Background(), payload)
	var partial *PartialWriteError
	if !errors.As(err, &partial) || !errors.Is(err, sinkErr) {
		t.Fatalf("Handle error = %v, want PartialWriteError wrapping sink error", err)
	}
	if result.Outcome != OutcomeRejected || result.Merge != storage.MergeApplied {
		t.Fatalf("unexpected result %+v", result)
	}
	if !p.row(t, "e1").Deleted() {
		t.Fatalf("current-state merge should have landed")
	}
	if metrics.Get(lib.MetricPartialWrites) != 1 {
		t.Fatalf("partial write counter = %d", metrics.Get(lib.MetricPartialWrites))
	}

	// Redelivery: the merge is a no-op, the primary exception log gains a duplicate.
	if _, err := handler.Handle(context.Background(), payload); err == nil {
		t.Fatalf("expected the sink to keep failing")
	}
	if got := p.exceptionCount(t, "e1"); got != 2 {
		t.Fatalf("exception rows = %d, want 2 after redelivery", got)
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeProcessed.String() != "processed" || OutcomeRejected.String() != "rejected" {
		t.Fatalf("unexpected outcome strings")
	}
}
