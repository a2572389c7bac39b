package broker

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
)

type PubSubSourceConfig struct {
	ProjectID      string
	SubscriptionID string
	// MaxOutstanding bounds unacked messages held by the client.
	MaxOutstanding int
}

// PubSubSource streams messages from a Google Cloud Pub/Sub subscription.
type PubSubSource struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
}

func NewPubSubSource(ctx context.Context, cfg PubSubSourceConfig) (*PubSubSource, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	return &PubSubSource{client: client, sub: sub}, nil
}

// Receive blocks until ctx is cancelled. Each callback waits for its message
// to be settled, so when Receive returns no delivery is left in flight.
func (s *PubSubSource) Receive(ctx context.Context, out chan<- *Message) error {
	err := s.sub.Receive(ctx, func(cbCtx context.Context, m *pubsub.Message) {
		attempt := 0
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		msg := NewMessage(m.ID, m.Data, attempt, m.Ack, m.Nack)

		select {
		case out <- msg:
		case <-cbCtx.Done():
			msg.Nack()
			return
		}
		<-msg.Done()
	})
	if err != nil {
		return fmt.Errorf("receive from subscription %s: %w", s.sub.ID(), err)
	}
	return nil
}

func (s *PubSubSource) Close() error {
	return s.client.Close()
}

// PubSubPublisher publishes to one topic and waits for the server ack.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubPublisher{client: client, topic: client.Topic(topicID)}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, data []byte) (string, error) {
	id, err := p.topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to topic %s: %w", p.topic.ID(), err)
	}
	return id, nil
}

// Close flushes pending publishes and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
