package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/torvane/busmux/errs"
	"github.com/torvane/busmux/internal/broker"
)

// DefaultQueueCapacity bounds the publish and incoming-message queues when
// the configuration does not say otherwise.
const DefaultQueueCapacity = 128

// DefaultSinkBuffer is the fallback per-sink delivery buffer.
const DefaultSinkBuffer = 16

// Config sizes the bus queues.
type Config struct {
	// QueueCapacity bounds both the publish queue and the incoming-message
	// queue. Overflow drops the new entry.
	QueueCapacity int
	// SinkBuffer is the delivery buffer handed to sinks built by Subscribe.
	SinkBuffer int
}

func (c Config) normalize() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = DefaultSinkBuffer
	}
	return c
}

// Bus is the public entry point. It holds the two actor queues and the
// shared cancellation signal; all state lives inside the actors.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	pub *publisher
	sub *subscriber

	pubConn broker.Client
	subConn broker.Client

	loops    conc.WaitGroup
	stopOnce sync.Once
}

// Start launches both actor loops over the given broker connections. Each
// connection is owned by exactly one actor: pubConn by the publish loop,
// subConn (and its push callback) by the subscribe loop. Stop closes both,
// strictly after the loops have exited.
func Start(parent context.Context, cfg Config, pubConn, subConn broker.Client) *Bus {
	cfg = cfg.normalize()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	metrics := newBusMetrics()
	b := new(Bus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.pubConn = pubConn
	b.subConn = subConn
	b.pub = newPublisher(pubConn, cfg.QueueCapacity, metrics)
	b.sub = newSubscriber(subConn, cfg.QueueCapacity, metrics)

	subConn.SetHandler(b.sub.onMessage)

	b.loops.Go(func() { b.pub.run(ctx) })
	b.loops.Go(func() { b.sub.run(ctx) })
	return b
}

// Publish enqueues a publish request. It never blocks: when the publish queue
// is full the request is silently dropped (observable via metrics and debug
// logs only). The error reports misuse, not delivery failure.
func (b *Bus) Publish(topic string, payload []byte) error {
	if topic == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("bus/publish", errs.CodeClosed, errs.WithTopic(topic))
	}
	b.pub.enqueue(Message{Topic: topic, Payload: payload})
	return nil
}

// Subscribe builds a sink for the topic and registers it. The returned
// subscription stays live until its Close; the bus unsubscribes the topic
// from the broker once the last sink for it closes.
func (b *Bus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sink := NewSubscription(topic, b.cfg.SinkBuffer)
	if err := b.SubscribeSink(ctx, topic, sink); err != nil {
		return nil, err
	}
	return sink, nil
}

// SubscribeSink registers a caller-supplied sink for the topic. The call
// blocks until the subscribe actor accepts the request; registration order
// across callers follows acceptance order.
func (b *Bus) SubscribeSink(ctx context.Context, topic string, sink *Subscription) error {
	if topic == "" {
		return errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if sink == nil {
		return errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("sink required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case b.sub.requests <- subscribeRequest{topic: topic, sink: sink}:
		return nil
	case <-b.ctx.Done():
		return errs.New("bus/subscribe", errs.CodeClosed, errs.WithTopic(topic))
	case <-ctx.Done():
		return fmt.Errorf("subscribe context: %w", ctx.Err())
	}
}

// Stop raises the shared cancellation signal, waits for both loops and any
// in-flight broker commands, then closes the two connections. Queued publish
// requests and undelivered messages are abandoned; sinks are not notified.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.loops.Wait()
		b.sub.commands.Wait()
		_ = b.pubConn.Close()
		_ = b.subConn.Close()
	})
}
