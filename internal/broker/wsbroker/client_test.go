package wsbroker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/torvane/busmux/errs"
)

// testBroker is a minimal in-process broker: it acks every command and loops
// published payloads back as msg frames when the topic is subscribed.
type testBroker struct {
	mu      sync.Mutex
	subs    map[string]bool
	hello   string
	failOps map[string]string // op -> error string returned in the ack
}

func newTestBroker() *testBroker {
	return &testBroker{
		subs:    make(map[string]bool),
		failOps: make(map[string]string),
	}
}

func (b *testBroker) failOp(op, message string) {
	b.mu.Lock()
	b.failOps[op] = message
	b.mu.Unlock()
}

func (b *testBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic]
}

func (b *testBroker) helloClient() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hello
}

func (b *testBroker) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		write := func(f frame) {
			data, err := encodeFrame(f)
			if err != nil {
				return
			}
			_ = conn.Write(ctx, websocket.MessageText, data)
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			f, err := decodeFrame(data)
			if err != nil {
				continue
			}

			b.mu.Lock()
			failMsg := b.failOps[f.Op]
			b.mu.Unlock()

			switch f.Op {
			case opHello:
				b.mu.Lock()
				b.hello = f.Client
				b.mu.Unlock()
			case opSub:
				if failMsg == "" {
					b.mu.Lock()
					b.subs[f.Topic] = true
					b.mu.Unlock()
				}
				write(frame{Op: opAck, ID: f.ID, Error: failMsg})
			case opUnsub:
				if failMsg == "" {
					b.mu.Lock()
					delete(b.subs, f.Topic)
					b.mu.Unlock()
				}
				write(frame{Op: opAck, ID: f.ID, Error: failMsg})
			case opPub:
				write(frame{Op: opAck, ID: f.ID, Error: failMsg})
				if failMsg == "" && b.subscribed(f.Topic) {
					write(frame{Op: opMsg, Topic: f.Topic, Payload: f.Payload})
				}
			}
		}
	}
}

func startTestBroker(t *testing.T) (*testBroker, *Client) {
	t.Helper()
	b := newTestBroker()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), Config{URL: url, ControlRate: 1000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return b, client
}

func TestDialSendsHello(t *testing.T) {
	b, _ := startTestBroker(t)
	require.Eventually(t, func() bool { return b.helloClient() != "" },
		2*time.Second, 5*time.Millisecond, "hello frame not received")
}

func TestPublishWaitsForAck(t *testing.T) {
	_, client := startTestBroker(t)
	require.NoError(t, client.Publish(context.Background(), "orders", []byte("m1")))
}

func TestSubscribeTracksAndDeliversMessages(t *testing.T) {
	b, client := startTestBroker(t)

	type delivery struct {
		topic   string
		payload []byte
	}
	deliveries := make(chan delivery, 1)
	client.SetHandler(func(topic string, payload []byte) {
		deliveries <- delivery{topic: topic, payload: payload}
	})

	ctx := context.Background()
	require.NoError(t, client.Subscribe(ctx, "orders"))
	require.True(t, b.subscribed("orders"))

	require.NoError(t, client.Publish(ctx, "orders", []byte("m1")))

	select {
	case d := <-deliveries:
		require.Equal(t, "orders", d.topic)
		require.Equal(t, []byte("m1"), d.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pushed message")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, client := startTestBroker(t)
	ctx := context.Background()

	require.NoError(t, client.Subscribe(ctx, "orders"))
	require.NoError(t, client.Unsubscribe(ctx, "orders"))
	require.False(t, b.subscribed("orders"))
}

func TestRemoteAckErrorSurfaces(t *testing.T) {
	b, client := startTestBroker(t)
	b.failOp(opPub, "topic quota exceeded")

	err := client.Publish(context.Background(), "orders", []byte("m1"))
	require.Error(t, err)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	require.Contains(t, err.Error(), "topic quota exceeded")
}

func TestPublishEmptyTopicRejectedLocally(t *testing.T) {
	_, client := startTestBroker(t)
	err := client.Publish(context.Background(), "", nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestDialInvalidConfig(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestDialTimeoutWhenBrokerUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), Config{
		URL:         "ws://127.0.0.1:1/unreachable",
		DialTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeTimeout, errs.CodeOf(err))
}

func TestCommandsFailAfterClose(t *testing.T) {
	_, client := startTestBroker(t)
	require.NoError(t, client.Close())

	err := client.Publish(context.Background(), "orders", []byte("m1"))
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	_, client := startTestBroker(t)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}
