package gpubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-mqclient/transport"
)

func TestQueueSendFetch(t *testing.T) {
	tr := newTransport(t, Config{})
	s := openSession(t, tr, transport.AutoAcknowledge, "")
	c := s.consumer(t, transport.ConsumerSpec{Destination: orders})

	id := s.send(t, orders, "hello", map[string]any{"count": int32(3), "tag": "blue"})

	p := s.fetch(t, c, waitFor, true)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.Equal(t, "hello", string(p.Body))
	assert.Equal(t, orders, p.Destination)
	assert.Equal(t, c, p.Consumer)
	assert.Equal(t, 1, p.DeliveryCount)
	assert.False(t, p.Redelivered)
	assert.Equal(t, int32(3), p.Properties["count"])
	assert.Equal(t, "blue", p.Properties["tag"])

	assert.Nil(t, s.fetch(t, c, 100*time.Millisecond, true))
	assert.Zero(t, tr.Stats().Unacknowledged)
}

func TestClientAckRedelivery(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	s := openSession(t, tr, transport.ClientAcknowledge, "")
	c := s.consumer(t, transport.ConsumerSpec{Destination: orders})
	id := s.send(t, orders, "again", nil)

	p := s.fetch(t, c, waitFor, false)
	require.NotNil(t, p)
	assert.Equal(t, 1, tr.Stats().Unacknowledged)

	require.NoError(t, tr.RedeliverMessages(ctx, s.conn, transport.RedeliverRequest{
		Session:        s.sess,
		MessageIDs:     []string{id},
		ConsumerIDs:    []transport.ConsumerID{c},
		SetRedelivered: true,
	}))
	assert.Zero(t, tr.Stats().Unacknowledged)

	p = s.fetch(t, c, waitFor, false)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.True(t, p.Redelivered)
	assert.Equal(t, 2, p.DeliveryCount)

	require.NoError(t, tr.AcknowledgeMessage(ctx, s.conn, transport.Ack{
		Session: s.sess, Consumer: c, MessageID: id, Type: transport.AckConsumed,
	}))
	assert.Zero(t, tr.Stats().Unacknowledged)
	assert.Nil(t, s.fetch(t, c, 200*time.Millisecond, false))
}

func TestRequeueWithoutRedeliveredFlag(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	s := openSession(t, tr, transport.AutoAcknowledge, "")
	c := s.consumer(t, transport.ConsumerSpec{Destination: orders})
	id := s.send(t, orders, "mismatch", nil)

	require.NotNil(t, s.fetch(t, c, waitFor, true))
	require.NoError(t, tr.RedeliverMessages(ctx, s.conn, transport.RedeliverRequest{
		Session:    s.sess,
		MessageIDs: []string{id},
	}))

	p := s.fetch(t, c, waitFor, true)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.False(t, p.Redelivered)
	assert.Equal(t, 1, p.DeliveryCount)
}

func TestTopicFanOut(t *testing.T) {
	tr := newTransport(t, Config{})
	s := openSession(t, tr, transport.AutoAcknowledge, "")
	a := s.consumer(t, transport.ConsumerSpec{Destination: prices})
	b := s.consumer(t, transport.ConsumerSpec{Destination: prices})
	id := s.send(t, prices, "tick", nil)

	for _, c := range []transport.ConsumerID{a, b} {
		p := s.fetch(t, c, waitFor, true)
		require.NotNil(t, p)
		assert.Equal(t, id, p.MessageID)
	}
}

func TestNoLocal(t *testing.T) {
	tr := newTransport(t, Config{})
	local := openSession(t, tr, transport.AutoAcknowledge, "")
	remote := openSession(t, tr, transport.AutoAcknowledge, "")
	c := local.consumer(t, transport.ConsumerSpec{Destination: prices, NoLocal: true})

	local.send(t, prices, "mine", nil)
	id := remote.send(t, prices, "theirs", nil)

	p := local.fetch(t, c, waitFor, true)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.Nil(t, local.fetch(t, c, 200*time.Millisecond, true))
}

func TestDurableSubscription(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	s := openSession(t, tr, transport.AutoAcknowledge, "auditor")
	spec := transport.ConsumerSpec{Destination: prices, Subscription: transport.Durable, Name: "audit", ClientID: "auditor"}

	_, err := tr.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{Destination: prices, Subscription: transport.Durable, Name: "audit"})
	assert.Equal(t, transport.StatusPreconditionFailed, transport.StatusOf(err))

	c := s.consumer(t, spec)
	_, err = tr.AddConsumer(ctx, s.conn, s.sess, spec)
	assert.Equal(t, transport.StatusConflict, transport.StatusOf(err))

	require.NoError(t, tr.DeleteConsumer(ctx, s.conn, s.sess, c, ""))
	id := s.send(t, prices, "kept", nil)

	c = s.consumer(t, spec)
	err = tr.Unsubscribe(ctx, s.conn, "audit", "auditor")
	assert.Equal(t, transport.StatusPreconditionFailed, transport.StatusOf(err))

	p := s.fetch(t, c, waitFor, true)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)

	require.NoError(t, tr.DeleteConsumer(ctx, s.conn, s.sess, c, p.MessageID))
	require.NoError(t, tr.Unsubscribe(ctx, s.conn, "audit", "auditor"))
	err = tr.Unsubscribe(ctx, s.conn, "audit", "auditor")
	assert.Equal(t, transport.StatusNotFound, transport.StatusOf(err))
}

func TestPushDelivery(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	s := openSession(t, tr, transport.AutoAcknowledge, "")

	got := make(chan *transport.Packet, 1)
	c := s.consumer(t, transport.ConsumerSpec{
		Destination: orders,
		Deliverer: transport.DelivererFunc(func(_ context.Context, p *transport.Packet) error {
			got <- p
			return nil
		}),
	})
	id := s.send(t, orders, "pushed", nil)

	select {
	case p := <-got:
		assert.Equal(t, id, p.MessageID)
		assert.Equal(t, c, p.Consumer)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for push")
	}
	assert.Equal(t, 1, tr.Stats().Unacknowledged)
	require.NoError(t, tr.AcknowledgeMessage(ctx, s.conn, transport.Ack{
		Session: s.sess, Consumer: c, MessageID: id, Type: transport.AckConsumed,
	}))
	assert.Zero(t, tr.Stats().Unacknowledged)

	_, err := tr.FetchMessage(ctx, s.conn, transport.FetchRequest{Session: s.sess, Consumer: c})
	assert.Equal(t, transport.StatusNotAllowed, transport.StatusOf(err))
}

func TestPushNoDeliveryKeepsMessage(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	s := openSession(t, tr, transport.AutoAcknowledge, "")

	refused := make(chan struct{}, 1)
	c := s.consumer(t, transport.ConsumerSpec{
		Destination: orders,
		Deliverer: transport.DelivererFunc(func(context.Context, *transport.Packet) error {
			select {
			case refused <- struct{}{}:
			default:
			}
			return transport.ErrConsumerClosedNoDelivery
		}),
	})
	id := s.send(t, orders, "bounce", nil)
	select {
	case <-refused:
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for push")
	}
	require.NoError(t, tr.DeleteConsumer(ctx, s.conn, s.sess, c, ""))

	sync := s.consumer(t, transport.ConsumerSpec{Destination: orders})
	p := s.fetch(t, sync, waitFor, true)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.False(t, p.Redelivered)
}

func TestTransactedSend(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	s := openSession(t, tr, transport.SessionTransacted, "")
	c := s.consumer(t, transport.ConsumerSpec{Destination: orders})

	send := func(txn transport.TransactionID, body string) string {
		p := &transport.Packet{Destination: orders, BodyType: transport.BodyText, Body: []byte(body), TransactionID: txn}
		tr.AssignMessageID(s.conn, p)
		require.NoError(t, tr.SendMessage(ctx, s.conn, p))
		return p.MessageID
	}

	txn, err := tr.StartTransaction(ctx, s.conn, s.sess, "")
	require.NoError(t, err)
	send(txn, "dropped")
	require.NoError(t, tr.RollbackTransaction(ctx, s.conn, txn, "", true))

	txn, err = tr.StartTransaction(ctx, s.conn, s.sess, "")
	require.NoError(t, err)
	id := send(txn, "kept")
	assert.Nil(t, s.fetch(t, c, 200*time.Millisecond, false))
	require.NoError(t, tr.CommitTransaction(ctx, s.conn, txn, ""))

	err = tr.CommitTransaction(ctx, s.conn, txn, "")
	assert.Equal(t, transport.StatusNotFound, transport.StatusOf(err))

	txn, err = tr.StartTransaction(ctx, s.conn, s.sess, "")
	require.NoError(t, err)
	p, err := tr.FetchMessage(ctx, s.conn, transport.FetchRequest{Session: s.sess, Consumer: c, Timeout: waitFor, TransactionID: txn})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)
	assert.Equal(t, 1, tr.Stats().Unacknowledged)
	require.NoError(t, tr.CommitTransaction(ctx, s.conn, txn, ""))
	assert.Zero(t, tr.Stats().Unacknowledged)
}

func TestUnsupportedFeatures(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	s := openSession(t, tr, transport.AutoAcknowledge, "")

	_, err := tr.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{Destination: orders, Selector: "color = 'red'"})
	assert.Equal(t, transport.StatusNotAllowed, transport.StatusOf(err))

	_, err = tr.AddBrowser(ctx, s.conn, s.sess, orders, "")
	assert.Equal(t, transport.StatusNotAllowed, transport.StatusOf(err))

	_, err = tr.AddConsumer(ctx, s.conn, s.sess, transport.ConsumerSpec{Destination: orders, Subscription: transport.Durable, Name: "x"})
	assert.Equal(t, transport.StatusNotAllowed, transport.StatusOf(err))
}

func TestTemporaryQueue(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	owner := openSession(t, tr, transport.AutoAcknowledge, "")
	other := openSession(t, tr, transport.AutoAcknowledge, "")
	tmp := transport.Destination{Name: "tmpq.reply-1", Type: transport.TemporaryQueue}

	err := owner.tr.SendMessage(ctx, owner.conn, &transport.Packet{Destination: tmp, MessageID: "ID:x"})
	assert.Equal(t, transport.StatusNotFound, transport.StatusOf(err))

	require.NoError(t, tr.CreateDestination(ctx, owner.conn, tmp))
	err = tr.CreateDestination(ctx, owner.conn, tmp)
	assert.Equal(t, transport.StatusConflict, transport.StatusOf(err))

	_, err = tr.AddConsumer(ctx, other.conn, other.sess, transport.ConsumerSpec{Destination: tmp})
	assert.Equal(t, transport.StatusPreconditionFailed, transport.StatusOf(err))

	c := owner.consumer(t, transport.ConsumerSpec{Destination: tmp})
	id := other.send(t, tmp, "reply", nil)
	p := owner.fetch(t, c, waitFor, true)
	require.NotNil(t, p)
	assert.Equal(t, id, p.MessageID)

	err = tr.DestroyDestination(ctx, owner.conn, tmp)
	assert.Equal(t, transport.StatusConflict, transport.StatusOf(err))
	require.NoError(t, tr.DeleteConsumer(ctx, owner.conn, owner.sess, c, p.MessageID))
	require.NoError(t, tr.DestroyDestination(ctx, owner.conn, tmp))
}

func TestUnknownHandles(t *testing.T) {
	tr := newTransport(t, Config{})
	ctx := context.Background()
	_, err := tr.CreateSession(ctx, 99, transport.AutoAcknowledge)
	assert.Equal(t, transport.StatusGone, transport.StatusOf(err))

	s := openSession(t, tr, transport.AutoAcknowledge, "")
	_, err = tr.FetchMessage(ctx, s.conn, transport.FetchRequest{Session: s.sess, Consumer: 42})
	assert.Equal(t, transport.StatusGone, transport.StatusOf(err))

	_, err = tr.CreateConnection(ctx, transport.ConnectionRequest{ClientID: "solo"})
	require.NoError(t, err)
	_, err = tr.CreateConnection(ctx, transport.ConnectionRequest{ClientID: "solo"})
	assert.Equal(t, transport.StatusConflict, transport.StatusOf(err))
}
