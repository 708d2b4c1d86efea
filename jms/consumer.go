package jms

import (
	"context"
	"sync"
	"time"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

type MessageListener interface {
	OnMessage(ctx context.Context, msg Message) error
}

type MessageListenerFunc func(ctx context.Context, msg Message) error

func (f MessageListenerFunc) OnMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	selector string
	noLocal  bool
	listener MessageListener
}

// WithSelector filters messages with a SQL-92 style selector over headers
// and properties.
func WithSelector(selector string) ConsumerOption {
	return func(o *consumerOptions) {
		o.selector = selector
	}
}

// WithNoLocal skips topic messages published by the consumer's own
// connection.
func WithNoLocal() ConsumerOption {
	return func(o *consumerOptions) {
		o.noLocal = true
	}
}

// WithMessageListener makes the consumer asynchronous: messages are pushed
// to l and Receive is not available.
func WithMessageListener(l MessageListener) ConsumerOption {
	return func(o *consumerOptions) {
		o.listener = l
	}
}

type Consumer struct {
	s        *Session
	dest     Destination
	td       transport.Destination
	kind     transport.SubscriptionKind
	name     string
	selector string
	noLocal  bool
	temp     *TemporaryDestination

	mu       sync.Mutex
	id       transport.ConsumerID
	listener MessageListener
	lastSeen string
	closed   bool
}

func (c *Consumer) ID() transport.ConsumerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Consumer) Destination() Destination { return c.dest }

func (c *Consumer) Selector() string { return c.selector }

func (c *Consumer) NoLocal() bool { return c.noLocal }

func (c *Consumer) Subscription() (transport.SubscriptionKind, string) { return c.kind, c.name }

// LastSeen is the id of the last message handed to the application.
func (c *Consumer) LastSeen() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Consumer) markSeen(id string) {
	c.mu.Lock()
	c.lastSeen = id
	c.mu.Unlock()
}

func (c *Consumer) activeListener() MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.listener
}

func (c *Consumer) MessageListener() MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// SetMessageListener replaces the listener of an asynchronous consumer.
func (c *Consumer) SetMessageListener(l MessageListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Newf(errors.IllegalState, "consumer %d is closed", c.id)
	}
	if c.listener == nil {
		return errors.Newf(errors.IllegalState, "consumer %d is synchronous; pass WithMessageListener at creation", c.id)
	}
	if l == nil {
		return errors.Newf(errors.InvalidArgument, "message listener is nil")
	}
	c.listener = l
	return nil
}

func (c *Consumer) syncID() (transport.ConsumerID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.Newf(errors.IllegalState, "consumer %d is closed", c.id)
	}
	if c.listener != nil {
		return 0, errors.Newf(errors.IllegalState, "consumer %d has a message listener", c.id)
	}
	return c.id, nil
}

func (c *Consumer) receive(ctx context.Context, timeout time.Duration) (Message, error) {
	n, p, err := c.s.fetch(ctx, c, timeout)
	if err != nil || n == nil {
		return nil, err
	}
	c.s.markDelivered(c, p)
	return n, nil
}

// Receive blocks until a message arrives or ctx is done.
func (c *Consumer) Receive(ctx context.Context) (Message, error) {
	for {
		msg, err := c.receive(ctx, c.s.conn.opts.fetchTimeout)
		if err != nil || msg != nil {
			return msg, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ReceiveTimeout waits up to timeout. It returns a nil message, not an
// error, when nothing arrives in time.
func (c *Consumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		return c.Receive(ctx)
	}
	return c.receive(ctx, timeout)
}

func (c *Consumer) ReceiveNoWait(ctx context.Context) (Message, error) {
	return c.receive(ctx, 0)
}

// ReceiveBody receives a message and returns its body as want. A message
// of another body type fails with MessageFormat; in auto and dups-ok
// sessions that message is handed back to the broker unconsumed.
func (c *Consumer) ReceiveBody(ctx context.Context, timeout time.Duration, want transport.BodyType) (any, error) {
	n, p, err := c.s.fetch(ctx, c, timeout)
	if err != nil || n == nil {
		return nil, err
	}
	body, berr := bodyAs(n, want)
	if berr == nil {
		c.s.markDelivered(c, p)
		return body, nil
	}
	if c.s.requeuesMismatch() {
		if err := c.s.requeue(ctx, p); err != nil {
			return nil, errors.Wrap(errors.MessageFormat, err, "%s", berr.Error())
		}
		return nil, berr
	}
	c.s.markDelivered(c, p)
	return nil, berr
}

// ReceiveBodyAs is ReceiveBody with the body type taken from T, which is
// string, []byte or map[string]any.
func ReceiveBodyAs[T any](ctx context.Context, c *Consumer, timeout time.Duration) (T, error) {
	var zero T
	var want transport.BodyType
	switch any(zero).(type) {
	case string:
		want = transport.BodyText
	case []byte:
		want = transport.BodyBytes
	case map[string]any:
		want = transport.BodyMap
	default:
		return zero, errors.Newf(errors.InvalidArgument, "unsupported body type %T", zero)
	}
	body, err := c.ReceiveBody(ctx, timeout, want)
	if err != nil || body == nil {
		return zero, err
	}
	return body.(T), nil
}

func bodyAs(n native, want transport.BodyType) (any, error) {
	have := n.envelope().bodyType
	if have != want {
		return nil, errors.Newf(errors.MessageFormat, "message body is %s, not %s", have, want)
	}
	switch m := n.(type) {
	case *TextMessage:
		return m.text, nil
	case *BytesMessage:
		return append([]byte(nil), m.data...), nil
	case *MapMessage:
		return m.MapBody()
	}
	return nil, errors.Newf(errors.MessageFormat, "message has no %s body", want)
}

// Close stops delivery to the consumer. Messages it fetched but did not
// hand to the application go back to the broker.
func (c *Consumer) Close(ctx context.Context) error {
	err := c.close(ctx)
	c.s.removeConsumer(c)
	return err
}

func (c *Consumer) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	id, lastSeen := c.id, c.lastSeen
	c.mu.Unlock()

	if c.kind.Durable() {
		c.s.conn.unregisterDurable(c.name)
	}
	if c.temp != nil {
		c.temp.removeConsumer()
	}
	if err := c.s.svc.DeleteConsumer(ctx, c.s.conn.id, c.s.id, id, lastSeen); err != nil {
		d := c.s.details()
		d["consumer_id"] = id
		return errors.FromTransport(err, "delete consumer", d, nil)
	}
	return nil
}
