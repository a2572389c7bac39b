package services

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"clickstream/src/broker"
	"clickstream/src/lib"
)

const tracerName = "clickstream/src/services"

// Consumer fans messages from a source out to a fixed pool of workers. A
// message is acked only after Handle reports it processed; every failure is
// logged and nacked so the broker redelivers it.
type Consumer struct {
	source  broker.Source
	handler *MessageHandler
	workers int
	metrics *lib.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewConsumer(source broker.Source, handler *MessageHandler, workers int, metrics *lib.Metrics, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = lib.DiscardLogger()
	}
	return &Consumer{
		source:  source,
		handler: handler,
		workers: workers,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// Run pulls until ctx is cancelled or the source is exhausted. Cancelling
// ctx stops new deliveries; messages already handed to a worker run to
// completion with cancellation detached, and Run returns after they settle.
func (c *Consumer) Run(ctx context.Context) error {
	msgs := make(chan *broker.Message)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(msgs)
		if err := c.source.Receive(gctx, msgs); err != nil {
			return fmt.Errorf("receive messages: %w", err)
		}
		return nil
	})

	work := context.WithoutCancel(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for msg := range msgs {
				c.process(work, msg)
			}
			return nil
		})
	}

	c.logger.Info("consumer started", "workers", c.workers)
	err := g.Wait()
	c.logger.Info("consumer stopped", "error", err)
	return err
}

func (c *Consumer) process(ctx context.Context, msg *broker.Message) {
	ctx, span := c.tracer.Start(ctx, "handle message", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int("message.delivery_attempt", msg.DeliveryAttempt),
	))
	defer span.End()

	c.metrics.Inc(lib.MetricMessagesReceived)
	result, err := c.handler.Handle(ctx, msg.Data)
	span.SetAttributes(attribute.String("outcome", result.Outcome.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message rejected")
		c.logger.Warn("reject message",
			"message_id", msg.ID,
			"event_id", result.EventID,
			"delivery_attempt", msg.DeliveryAttempt,
			"error", err,
		)
		msg.Nack()
		c.metrics.Inc(lib.MetricMessagesNacked)
		return
	}

	msg.Ack()
	c.metrics.Inc(lib.MetricMessagesAcked)
	c.logger.Debug("processed message",
		"message_id", msg.ID,
		"event_id", result.EventID,
		"tombstone", result.Tombstone,
		"merge", result.Merge.String(),
		"exception_logged", result.ExceptionLogged,
	)
}
