// Package broker adapts message transports to the consumption loop. Every
// transport hands out *Message values on a channel and learns the outcome
// through Ack or Nack.
package broker

import (
	"context"
	"sync"
)

// Message is one delivery. Exactly one of Ack or Nack takes effect; later
// calls are ignored.
type Message struct {
	ID   string
	Data []byte
	// DeliveryAttempt is 0 when the transport does not track attempts.
	DeliveryAttempt int

	ack  func()
	nack func()
	once sync.Once
	done chan struct{}
}

func NewMessage(id string, data []byte, deliveryAttempt int, ack, nack func()) *Message {
	return &Message{
		ID:              id,
		Data:            data,
		DeliveryAttempt: deliveryAttempt,
		ack:             ack,
		nack:            nack,
		done:            make(chan struct{}),
	}
}

func (m *Message) Ack() {
	m.settle(m.ack)
}

func (m *Message) Nack() {
	m.settle(m.nack)
}

// Done is closed once the message has been acked or nacked.
func (m *Message) Done() <-chan struct{} {
	return m.done
}

func (m *Message) settle(fn func()) {
	m.once.Do(func() {
		if fn != nil {
			fn()
		}
		close(m.done)
	})
}

// Source delivers messages on out until ctx is cancelled or the input is
// exhausted. Implementations must not return before every message they sent
// has been settled.
type Source interface {
	Receive(ctx context.Context, out chan<- *Message) error
}

// Publisher sends raw payloads to a topic and returns the server-assigned id.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (string, error)
	Close() error
}
