package broker

import (
	"context"
	"sync"

	"github.com/torvane/busmux/errs"
)

// Memory is a loopback Client: published payloads are delivered straight back
// through the handler when the topic is subscribed. It backs local runs and
// tests that do not want a live broker.
type Memory struct {
	mu      sync.Mutex
	topics  map[string]struct{}
	handler Handler
	closed  bool
}

// NewMemory constructs an open loopback connection with no subscriptions.
func NewMemory() *Memory {
	m := new(Memory)
	m.topics = make(map[string]struct{})
	return m
}

// SetHandler installs the push callback.
func (m *Memory) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Publish delivers the payload to the handler when the topic is subscribed.
// Delivery happens on the caller's goroutine.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return errs.New("broker/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.New("broker/publish", errs.CodeClosed, errs.WithTopic(topic))
	}
	_, subscribed := m.topics[topic]
	handler := m.handler
	m.mu.Unlock()

	if subscribed && handler != nil {
		handler(topic, payload)
	}
	return nil
}

// Subscribe marks the topic as active.
func (m *Memory) Subscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return errs.New("broker/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.New("broker/subscribe", errs.CodeClosed, errs.WithTopic(topic))
	}
	m.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe clears the topic. Unsubscribing an inactive topic is a no-op.
func (m *Memory) Unsubscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.New("broker/unsubscribe", errs.CodeClosed, errs.WithTopic(topic))
	}
	delete(m.topics, topic)
	return nil
}

// Subscribed reports whether the topic is currently active.
func (m *Memory) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// Close tears down the connection; further calls fail with CodeClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handler = nil
	m.topics = make(map[string]struct{})
	return nil
}
