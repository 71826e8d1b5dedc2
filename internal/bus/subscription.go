package bus

import (
	"context"
	"sync"
)

// Subscription is a consumer-held sink receiving messages for one topic.
// Ownership is shared: the consumer reads from C and eventually calls Close;
// the subscribe actor writes until it observes the sink closed, then drops it
// from the table. The actor never closes the delivery channel itself.
type Subscription struct {
	topic  string
	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

// NewSubscription builds a sink for the topic with the given delivery buffer.
// A buffer of zero makes every delivery a rendezvous with the consumer.
func NewSubscription(topic string, buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := new(Subscription)
	s.topic = topic
	s.ch = make(chan Message, buffer)
	s.closed = make(chan struct{})
	return s
}

// Topic returns the topic this sink was registered for.
func (s *Subscription) Topic() string { return s.topic }

// C returns the delivery channel. It is never closed by the bus; stop reading
// after Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close marks the sink as unable to accept further data. The next delivery
// attempt removes it from the subscription table, which unsubscribes the
// topic from the broker once no sinks remain.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

// deliver blocks until the sink accepts the message, the sink is closed, or
// the loop context is done. It reports false only when the sink can no longer
// accept data; a context-cancelled delivery is not a sink failure.
func (s *Subscription) deliver(ctx context.Context, msg Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- msg:
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return true
	}
}
