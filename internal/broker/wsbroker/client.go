// Package wsbroker implements the broker client contract over a single
// websocket connection with automatic reconnection.
package wsbroker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/torvane/busmux/errs"
	"github.com/torvane/busmux/internal/broker"
	"github.com/torvane/busmux/internal/observability"
)

// Config configures one websocket broker connection.
type Config struct {
	// URL is the broker websocket endpoint.
	URL string
	// DialTimeout bounds the wait for the initial connection.
	DialTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// ControlRate limits subscribe/unsubscribe frames per second. Publishes
	// are not paced.
	ControlRate rate.Limit
}

func (c Config) normalize() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ControlRate <= 0 {
		c.ControlRate = 4
	}
	return c
}

// Client is a broker.Client over a websocket connection. It maintains the
// connection in a background goroutine, reconnecting with exponential
// backoff and replaying the active subscription set after each reconnect.
type Client struct {
	cfg      Config
	clientID string

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	msgID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan error

	subsMu sync.Mutex
	subs   map[string]struct{}

	handlerMu sync.RWMutex
	handler   broker.Handler

	limiter *rate.Limiter

	ready     chan struct{}
	readyOnce sync.Once
	runDone   chan struct{}
	closeOnce sync.Once
}

var _ broker.Client = (*Client)(nil)

// Dial opens a connection to the broker and waits for the initial websocket
// handshake. The returned client keeps itself connected until Close.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.normalize()
	if cfg.URL == "" {
		return nil, errs.New("wsbroker/dial", errs.CodeInvalid, errs.WithMessage("url required"))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := new(Client)
	c.cfg = cfg
	c.clientID = uuid.NewString()
	c.ctx = runCtx
	c.cancel = cancel
	c.pending = make(map[uint64]chan error)
	c.subs = make(map[string]struct{})
	c.limiter = rate.NewLimiter(cfg.ControlRate, 1)
	c.ready = make(chan struct{})
	c.runDone = make(chan struct{})

	go c.run()

	select {
	case <-c.ready:
		return c, nil
	case <-time.After(cfg.DialTimeout):
		_ = c.Close()
		return nil, errs.New("wsbroker/dial", errs.CodeTimeout,
			errs.WithMessage("timeout waiting for websocket connection"))
	case <-ctx.Done():
		_ = c.Close()
		return nil, errs.New("wsbroker/dial", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
}

// SetHandler installs the push callback for msg frames.
func (c *Client) SetHandler(h broker.Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Publish sends a pub frame and waits for the broker's ack.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errs.New("wsbroker/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	id, ack := c.register()
	if err := c.send(frame{Op: opPub, ID: id, Topic: topic, Payload: payload}); err != nil {
		c.unregister(id)
		return err
	}
	return c.await(ctx, "wsbroker/publish", topic, id, ack)
}

// Subscribe sends a sub frame and waits for the ack. The topic joins the
// resubscribe set immediately, so a reconnect replays it even if this ack
// never arrives.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errs.New("wsbroker/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	c.subsMu.Lock()
	c.subs[topic] = struct{}{}
	c.subsMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New("wsbroker/subscribe", errs.CodeTimeout, errs.WithTopic(topic), errs.WithCause(err))
	}
	id, ack := c.register()
	if err := c.send(frame{Op: opSub, ID: id, Topic: topic}); err != nil {
		c.unregister(id)
		return err
	}
	return c.await(ctx, "wsbroker/subscribe", topic, id, ack)
}

// Unsubscribe sends an unsub frame and waits for the ack.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errs.New("wsbroker/unsubscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	c.subsMu.Lock()
	delete(c.subs, topic)
	c.subsMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New("wsbroker/unsubscribe", errs.CodeTimeout, errs.WithTopic(topic), errs.WithCause(err))
	}
	id, ack := c.register()
	if err := c.send(frame{Op: opUnsub, ID: id, Topic: topic}); err != nil {
		c.unregister(id)
		return err
	}
	return c.await(ctx, "wsbroker/unsubscribe", topic, id, ack)
}

// Close tears the connection down. It returns after the connection goroutine
// has exited, so no handler invocation can follow.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
			c.conn = nil
		}
		c.connMu.Unlock()
		<-c.runDone
	})
	return nil
}

// run maintains the websocket connection with exponential backoff between
// attempts. Each successful connect replays the active subscription set.
func (c *Client) run() {
	defer close(c.runDone)
	defer c.failPending(errs.New("wsbroker", errs.CodeClosed, errs.WithMessage("connection closed")))

	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.cfg.URL, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			observability.Log().Error("websocket dial failed",
				observability.F("url", c.cfg.URL),
				observability.F("error", err))
			if !c.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		backoffCfg.Reset()

		if err := c.send(frame{Op: opHello, Client: c.clientID}); err != nil {
			observability.Log().Error("websocket hello failed", observability.F("error", err))
		}
		c.readyOnce.Do(func() { close(c.ready) })

		if err := c.resubscribeAll(); err != nil {
			observability.Log().Error("resubscribe after reconnect failed",
				observability.F("error", err))
		}

		err = c.readLoop(conn)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		c.failPending(errs.New("wsbroker", errs.CodeNetwork,
			errs.WithMessage("connection lost"), errs.WithCause(err)))

		if c.ctx.Err() != nil {
			return
		}
		observability.Log().Error("websocket connection lost",
			observability.F("url", c.cfg.URL),
			observability.F("error", err))
		if !c.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// readLoop dispatches incoming frames until the connection fails.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			observability.Log().Error("malformed broker frame", observability.F("error", err))
			continue
		}
		switch f.Op {
		case opMsg:
			c.handlerMu.RLock()
			handler := c.handler
			c.handlerMu.RUnlock()
			if handler != nil {
				handler(f.Topic, f.Payload)
			}
		case opAck:
			c.resolve(f.ID, f.Error)
		default:
			// hello echoes and unknown ops are ignored.
		}
	}
}

// resubscribeAll replays the active subscription set on a fresh connection.
// Acks for these frames carry IDs nobody is waiting on and are discarded.
func (c *Client) resubscribeAll() error {
	c.subsMu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.subsMu.Unlock()

	for _, topic := range topics {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}
		if err := c.send(frame{Op: opSub, ID: c.msgID.Add(1), Topic: topic}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errs.New("wsbroker/send", errs.CodeUnavailable, errs.WithMessage("websocket not connected"))
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New("wsbroker/send", errs.CodeNetwork, errs.WithCause(err))
	}
	return nil
}

// register allocates a request ID and its ack channel.
func (c *Client) register() (uint64, chan error) {
	id := c.msgID.Add(1)
	ack := make(chan error, 1)
	c.pendingMu.Lock()
	c.pending[id] = ack
	c.pendingMu.Unlock()
	return id, ack
}

func (c *Client) unregister(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) resolve(id uint64, remoteErr string) {
	c.pendingMu.Lock()
	ack, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if remoteErr != "" {
		ack <- errors.New(remoteErr)
		return
	}
	ack <- nil
}

// failPending resolves every outstanding request with err. Called when the
// connection drops: acks for in-flight commands can no longer arrive.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan error)
	c.pendingMu.Unlock()
	for _, ack := range pending {
		ack <- err
	}
}

func (c *Client) await(ctx context.Context, op, topic string, id uint64, ack chan error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case err := <-ack:
		if err == nil {
			return nil
		}
		var envelope *errs.E
		if errors.As(err, &envelope) {
			// Connection-level failures arrive pre-wrapped from failPending.
			return err
		}
		return errs.New(op, errs.CodeNetwork, errs.WithTopic(topic), errs.WithCause(err))
	case <-ctx.Done():
		c.unregister(id)
		return errs.New(op, errs.CodeTimeout, errs.WithTopic(topic), errs.WithCause(ctx.Err()))
	case <-c.ctx.Done():
		c.unregister(id)
		return errs.New(op, errs.CodeClosed, errs.WithTopic(topic))
	}
}
