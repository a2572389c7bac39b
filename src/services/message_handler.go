package services

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"clickstream/src/lib"
	"clickstream/src/models"
	"clickstream/src/storage"
)

type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeRejected
)

func (o Outcome) String() string {
	if o == OutcomeProcessed {
		return "processed"
	}
	return "rejected"
}

// Result describes what Handle did with one payload. EventID is empty when
// the payload could not be decoded.
type Result struct {
	Outcome         Outcome
	EventID         string
	Tombstone       bool
	Merge           storage.MergeResult
	ExceptionLogged bool
}

type MessageHandler struct {
	reconciler *Reconciler
	exceptions *ExceptionLogger
	metrics    *lib.Metrics
}

func NewMessageHandler(reconciler *Reconciler, exceptions *ExceptionLogger, metrics *lib.Metrics) *MessageHandler {
	return &MessageHandler{reconciler: reconciler, exceptions: exceptions, metrics: metrics}
}

// Handle decodes one payload and applies it. A tombstone is merged and then
// always logged as an exception; any other event is normalized, merged, and
// logged only when it is explicitly invalid. A non-nil error always comes
// with OutcomeRejected.
func (h *MessageHandler) Handle(ctx context.Context, payload []byte) (Result, error) {
	span := trace.SpanFromContext(ctx)

	record, err := models.DecodeEvent(payload)
	if err != nil {
		h.metrics.Inc(lib.MetricDecodeErrors)
		return Result{Outcome: OutcomeRejected}, &DecodeError{Err: err}
	}
	result := Result{Outcome: OutcomeRejected, EventID: record.EventID}
	span.SetAttributes(attribute.String("event.id", record.EventID))

	var logged models.Event
	if record.IsTombstone() {
		result.Tombstone = true
		h.metrics.Inc(lib.MetricTombstones)
		tombstone, merge, err := h.reconciler.ApplyTombstone(ctx, record.EventID)
		if err != nil {
			return result, err
		}
		result.Merge = merge
		logged = tombstone
	} else {
		event := record.Normalize()
		merge, err := h.reconciler.Apply(ctx, event)
		if err != nil {
			return result, err
		}
		result.Merge = merge
		if *event.IsValid {
			result.Outcome = OutcomeProcessed
			return result, nil
		}
		logged = event
	}

	if err := h.exceptions.Append(ctx, logged); err != nil {
		h.metrics.Inc(lib.MetricPartialWrites)
		return result, &PartialWriteError{EventID: record.EventID, Err: err}
	}
	result.ExceptionLogged = true
	result.Outcome = OutcomeProcessed
	return result, nil
}
