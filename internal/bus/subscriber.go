package bus

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/torvane/busmux/internal/broker"
	"github.com/torvane/busmux/internal/observability"
)

// subscribeRequest transfers a sink registration into the actor loop.
type subscribeRequest struct {
	topic string
	sink  *Subscription
}

// subscriber owns the subscription table and the subscribe connection. The
// table is mutated only from the run loop, so it needs no lock. Broker
// subscribe/unsubscribe commands are issued as detached tasks whose outcome
// is observed only for logging; the local table is updated regardless.
type subscriber struct {
	conn     broker.Client
	requests chan subscribeRequest
	incoming chan Message
	table    map[string]map[*Subscription]struct{}
	commands conc.WaitGroup
	metrics  *busMetrics
}

func newSubscriber(conn broker.Client, capacity int, metrics *busMetrics) *subscriber {
	s := new(subscriber)
	s.conn = conn
	// Capacity 1 on the request queue synchronizes registrations one at a
	// time; callers block until the loop accepts the request.
	s.requests = make(chan subscribeRequest, 1)
	s.incoming = make(chan Message, capacity)
	s.table = make(map[string]map[*Subscription]struct{})
	s.metrics = metrics
	return s
}

// onMessage is the broker push callback. The broker offers no backpressure,
// so a full incoming queue drops the notification.
func (s *subscriber) onMessage(topic string, payload []byte) {
	select {
	case s.incoming <- Message{Topic: topic, Payload: payload}:
	default:
		s.metrics.recordIncomingDropped(topic)
		observability.Log().Debug("incoming queue full, message dropped",
			observability.F("topic", topic))
	}
}

// run is the actor loop. Each iteration picks the first ready source in
// priority order: cancellation, then subscribe requests, then incoming
// messages. New registrations are never starved by a fan-out backlog, but a
// blocked fan-out still delays the next iteration.
func (s *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			s.register(ctx, req)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			s.register(ctx, req)
		case msg := <-s.incoming:
			s.fanout(ctx, msg)
		}
	}
}

// register adds the sink to the topic's set. The first sink for a topic
// triggers a broker subscribe.
func (s *subscriber) register(ctx context.Context, req subscribeRequest) {
	sinks, ok := s.table[req.topic]
	if !ok {
		sinks = make(map[*Subscription]struct{})
		s.table[req.topic] = sinks
		s.metrics.addActiveTopics(1)
		s.command(ctx, "subscribe", req.topic, s.conn.Subscribe)
	}
	sinks[req.sink] = struct{}{}
}

// fanout delivers the message to every sink registered for its topic. Sinks
// that report closed are removed after the pass; removing the last sink
// triggers a broker unsubscribe. A message for an untracked topic is a
// tolerated race with a recent unsubscribe and is discarded.
func (s *subscriber) fanout(ctx context.Context, msg Message) {
	sinks, ok := s.table[msg.Topic]
	if !ok {
		return
	}
	s.metrics.recordFanout(msg.Topic, len(sinks))

	var closed []*Subscription
	for sink := range sinks {
		if !sink.deliver(ctx, msg) {
			closed = append(closed, sink)
		}
		if ctx.Err() != nil {
			return
		}
	}
	for _, sink := range closed {
		delete(sinks, sink)
	}
	if len(sinks) == 0 {
		delete(s.table, msg.Topic)
		s.metrics.addActiveTopics(-1)
		s.command(ctx, "unsubscribe", msg.Topic, s.conn.Unsubscribe)
	}
}

// command issues a broker call on a detached goroutine. Failures are counted
// and logged; they neither retry nor roll back the table mutation that
// triggered them, so local state can diverge from the broker after a failure.
func (s *subscriber) command(ctx context.Context, name, topic string, fn func(context.Context, string) error) {
	s.commands.Go(func() {
		if err := fn(ctx, topic); err != nil {
			s.metrics.recordCommandFailed(name, topic)
			observability.Log().Error("broker command failed",
				observability.F("command", name),
				observability.F("topic", topic),
				observability.F("error", err))
		}
	})
}
