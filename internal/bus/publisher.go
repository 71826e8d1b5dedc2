package bus

import (
	"context"

	"github.com/torvane/busmux/internal/broker"
	"github.com/torvane/busmux/internal/observability"
)

// publisher drains a bounded request queue and relays each request to the
// broker's publish connection. A full queue drops the new request; a failed
// broker call is logged and the loop keeps going. Publish is not a
// reliable-delivery API.
type publisher struct {
	conn    broker.Client
	queue   chan Message
	metrics *busMetrics
}

func newPublisher(conn broker.Client, capacity int, metrics *busMetrics) *publisher {
	p := new(publisher)
	p.conn = conn
	p.queue = make(chan Message, capacity)
	p.metrics = metrics
	return p
}

// enqueue offers the message to the queue without blocking. It reports false
// when the queue was full and the message was dropped.
func (p *publisher) enqueue(msg Message) bool {
	select {
	case p.queue <- msg:
		return true
	default:
		p.metrics.recordPublishDropped(msg.Topic)
		observability.Log().Debug("publish queue full, request dropped",
			observability.F("topic", msg.Topic))
		return false
	}
}

// run processes the queue until ctx is cancelled. Cancellation wins over
// pending requests; whatever is still queued is abandoned.
func (p *publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if err := p.conn.Publish(ctx, msg.Topic, msg.Payload); err != nil {
				p.metrics.recordPublishFailed(msg.Topic)
				observability.Log().Error("broker publish failed",
					observability.F("topic", msg.Topic),
					observability.F("error", err))
			}
		}
	}
}
