package grpcwire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-mqclient/transport"
)

func TestSendFetchKeepsTypedProperties(t *testing.T) {
	w := newWire(t)
	s := openSession(t, w.dial(t), transport.AutoAcknowledge)
	ctx := context.Background()

	consumer, err := s.c.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{Destination: orders})
	require.NoError(t, err)

	id := s.send(t, orders, "hello", map[string]any{
		"count": int32(7),
		"ratio": float32(0.5),
		"raw":   []byte{1, 2},
		"flag":  true,
	})
	assert.Contains(t, id, "ID:")

	p, err := s.c.FetchMessage(ctx, s.conn, transport.FetchRequest{
		Session:  s.sess,
		Consumer: consumer,
		Timeout:  time.Second,
		AutoAck:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.Equal(t, "hello", string(p.Body))
	assert.Equal(t, int32(7), p.Properties["count"])
	assert.Equal(t, float32(0.5), p.Properties["ratio"])
	assert.Equal(t, []byte{1, 2}, p.Properties["raw"])
	assert.Equal(t, true, p.Properties["flag"])
	assert.Equal(t, 4, p.Priority)

	none, err := s.c.FetchMessage(ctx, s.conn, transport.FetchRequest{Session: s.sess, Consumer: consumer, Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Zero(t, w.broker.Depth(orders))
}

func TestRemoteStatusesSurvive(t *testing.T) {
	w := newWire(t)
	c := w.dial(t)
	s := openSession(t, c, transport.AutoAcknowledge)
	ctx := context.Background()

	require.NoError(t, c.SetClientID(ctx, s.conn, "alpha"))
	err := c.SetClientID(ctx, s.conn, "beta")
	assert.Equal(t, transport.StatusPreconditionFailed, transport.StatusOf(err), "got %v", err)

	other := openSession(t, c, transport.AutoAcknowledge)
	err = c.SetClientID(ctx, other.conn, "alpha")
	assert.Equal(t, transport.StatusConflict, transport.StatusOf(err), "got %v", err)

	_, err = c.CreateSession(ctx, transport.ConnectionID(9999), transport.AutoAcknowledge)
	assert.Equal(t, transport.StatusGone, transport.StatusOf(err))

	_, err = c.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{Destination: orders, Selector: "price >"})
	assert.Equal(t, transport.StatusBadRequest, transport.StatusOf(err))

	var se *transport.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "add consumer", se.Op)
}

func TestBrowseOverWire(t *testing.T) {
	w := newWire(t)
	s := openSession(t, w.dial(t), transport.AutoAcknowledge)
	ctx := context.Background()
	s.send(t, orders, "a", map[string]any{"n": int64(1)})
	s.send(t, orders, "b", map[string]any{"n": int64(2)})

	b, err := s.c.AddBrowser(ctx, s.conn, s.sess, orders, "n > 1")
	require.NoError(t, err)
	ps, err := s.c.BrowseMessages(ctx, s.conn, s.sess, b)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "b", string(ps[0].Body))
	assert.Equal(t, int64(2), ps[0].Properties["n"])
	require.NoError(t, s.c.DeleteBrowser(ctx, s.conn, s.sess, b))
	assert.Equal(t, 2, w.broker.Depth(orders))
}

func TestTransactionOverWire(t *testing.T) {
	w := newWire(t)
	s := openSession(t, w.dial(t), transport.SessionTransacted)
	ctx := context.Background()

	txn, err := s.c.StartTransaction(ctx, s.conn, s.sess, "")
	require.NoError(t, err)
	p := &transport.Packet{Destination: orders, BodyType: transport.BodyText, Body: []byte("t"), TransactionID: txn}
	s.c.AssignMessageID(s.conn, p)
	require.NoError(t, s.c.SendMessage(ctx, s.conn, p))
	assert.Zero(t, w.broker.Depth(orders))

	require.NoError(t, s.c.CommitTransaction(ctx, s.conn, txn, ""))
	assert.Equal(t, 1, w.broker.Depth(orders))

	err = s.c.CommitTransaction(ctx, s.conn, txn, "")
	assert.Error(t, err)
}

func TestPushDelivery(t *testing.T) {
	w := newWire(t)
	s := openSession(t, w.dial(t), transport.AutoAcknowledge)
	ctx := context.Background()

	got := make(chan *transport.Packet, 4)
	consumer, err := s.c.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{
		Destination: prices,
		Deliverer: transport.DelivererFunc(func(_ context.Context, p *transport.Packet) error {
			got <- p
			return nil
		}),
	})
	require.NoError(t, err)
	assert.NotZero(t, consumer)

	s.send(t, prices, "1.5", map[string]any{"sym": "ACME"})
	select {
	case p := <-got:
		assert.Equal(t, "1.5", string(p.Body))
		assert.Equal(t, "ACME", p.Properties["sym"])
		assert.Equal(t, consumer, p.Consumer)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	require.NoError(t, s.c.DeleteConsumer(ctx, s.conn, s.sess, consumer, ""))
	assert.Eventually(t, func() bool { return w.broker.Stats().Consumers == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPushNoDeliveryKeepsMessage(t *testing.T) {
	w := newWire(t)
	s := openSession(t, w.dial(t), transport.AutoAcknowledge)
	ctx := context.Background()

	refused := make(chan string, 8)
	_, err := s.c.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{
		Destination: orders,
		Deliverer: transport.DelivererFunc(func(_ context.Context, p *transport.Packet) error {
			select {
			case refused <- p.MessageID:
			default:
			}
			return transport.ErrConsumerClosedNoDelivery
		}),
	})
	require.NoError(t, err)

	id := s.send(t, orders, "keep", nil)
	select {
	case got := <-refused:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery attempt")
	}
	// the broker stops pushing to a consumer that refused and requeues
	assert.Eventually(t, func() bool { return w.broker.Depth(orders) == 1 }, 2*time.Second, 5*time.Millisecond)

	sync, err := s.c.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{Destination: orders})
	require.NoError(t, err)
	p, err := s.c.FetchMessage(ctx, s.conn, transport.FetchRequest{Session: s.sess, Consumer: sync, Timeout: time.Second, AutoAck: true})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.False(t, p.Redelivered)
}

func TestDestroySessionEndsStreams(t *testing.T) {
	w := newWire(t)
	c := w.dial(t)
	s := openSession(t, c, transport.AutoAcknowledge)
	ctx := context.Background()

	_, err := c.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{
		Destination: prices,
		Deliverer:   transport.DelivererFunc(func(context.Context, *transport.Packet) error { return nil }),
	})
	require.NoError(t, err)
	require.NoError(t, c.DestroySession(ctx, s.conn, s.sess))

	c.mu.Lock()
	open := len(c.streams)
	c.mu.Unlock()
	assert.Zero(t, open)
	assert.Eventually(t, func() bool { return w.broker.Stats().Consumers == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClosedClient(t *testing.T) {
	w := newWire(t)
	c := w.dial(t)
	s := openSession(t, c, transport.AutoAcknowledge)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.AddConsumer(context.Background(), s.conn, s.sess, transport.ConsumerSpec{
		Destination: prices,
		Deliverer:   transport.DelivererFunc(func(context.Context, *transport.Packet) error { return nil }),
	})
	assert.Error(t, err)
}
