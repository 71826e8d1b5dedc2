// Package broker defines the transport contract the bus core consumes.
package broker

import "context"

// Handler receives pushed messages for currently subscribed topics. The
// transport invokes it at most once per delivered message and provides no
// backpressure signal; the receiver must buffer or drop.
type Handler func(topic string, payload []byte)

// Client is an asynchronous publish/subscribe transport connection. Payloads
// are opaque byte sequences; encoding is the caller's concern.
type Client interface {
	// Publish sends the payload to the topic and reports the outcome.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers interest in the topic with the remote broker.
	Subscribe(ctx context.Context, topic string) error
	// Unsubscribe withdraws interest in the topic.
	Unsubscribe(ctx context.Context, topic string) error
	// SetHandler installs the push callback. Must be called before the first
	// Subscribe; replacing the handler mid-stream is not supported.
	SetHandler(h Handler)
	// Close tears down the connection. No handler invocations occur after
	// Close returns.
	Close() error
}
