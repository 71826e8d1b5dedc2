package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublisherRelaysQueuedRequests(t *testing.T) {
	fake := new(fakeBroker)
	p := newPublisher(fake, 8, newBusMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(ctx)
	}()

	if !p.enqueue(Message{Topic: "a", Payload: []byte("1")}) {
		t.Fatal("enqueue rejected with spare capacity")
	}
	if !p.enqueue(Message{Topic: "b", Payload: []byte("2")}) {
		t.Fatal("enqueue rejected with spare capacity")
	}

	waitUntil(t, func() bool { return len(fake.publishedMessages()) == 2 },
		"expected both requests relayed to the broker")

	got := fake.publishedMessages()
	if got[0].Topic != "a" || got[1].Topic != "b" {
		t.Fatalf("requests relayed out of order: %v", got)
	}

	cancel()
	<-done
}

func TestPublisherBrokerFailureIsNonFatal(t *testing.T) {
	fake := new(fakeBroker)
	fake.publishErr = errors.New("broker unavailable")
	p := newPublisher(fake, 8, newBusMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	p.enqueue(Message{Topic: "a", Payload: []byte("fails")})
	p.enqueue(Message{Topic: "a", Payload: []byte("succeeds")})

	// One attempt per request: the failing request is lost, the next one
	// still goes through.
	waitUntil(t, func() bool { return len(fake.publishedMessages()) == 1 },
		"expected the loop to continue after a broker failure")
	if got := fake.publishedMessages(); string(got[0].Payload) != "succeeds" {
		t.Fatalf("unexpected relayed payload %q", got[0].Payload)
	}
}

func TestPublisherOverflowDropsNewWithoutBlocking(t *testing.T) {
	fake := new(fakeBroker)
	p := newPublisher(fake, 2, newBusMetrics())

	if !p.enqueue(Message{Topic: "t", Payload: []byte("m1")}) {
		t.Fatal("first enqueue rejected")
	}
	if !p.enqueue(Message{Topic: "t", Payload: []byte("m2")}) {
		t.Fatal("second enqueue rejected")
	}

	start := time.Now()
	if p.enqueue(Message{Topic: "t", Payload: []byte("m3")}) {
		t.Fatal("expected overflow drop")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("overflow enqueue blocked for %v", elapsed)
	}

	first := <-p.queue
	second := <-p.queue
	if string(first.Payload) != "m1" || string(second.Payload) != "m2" {
		t.Fatalf("overflow disturbed queued requests: %q, %q", first.Payload, second.Payload)
	}
}

func TestPublisherCancellationAbandonsQueue(t *testing.T) {
	fake := new(fakeBroker)
	p := newPublisher(fake, 8, newBusMetrics())

	p.enqueue(Message{Topic: "t", Payload: []byte("m1")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on cancelled context")
	}
	if len(fake.publishedMessages()) != 0 {
		t.Fatal("queued request relayed despite cancellation")
	}
}
