package jms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

func TestProducerBinding(t *testing.T) {
	fx := newFixture(t)
	ctx := fx.ctx
	_, s := fx.session(AutoAcknowledge)
	q := Queue{QueueName: "bound"}

	bound, err := s.CreateProducer(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, q, bound.Destination())
	require.NoError(t, bound.Send(ctx, NewTextMessage("ok")))
	err = bound.SendTo(ctx, Queue{QueueName: "other"}, NewTextMessage("no"))
	assert.True(t, errors.IsKind(err, errors.Unsupported))

	unbound, err := s.CreateProducer(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, unbound.Destination())
	assert.True(t, errors.IsKind(unbound.Send(ctx, NewTextMessage("no")), errors.Unsupported))
	assert.True(t, errors.IsKind(unbound.SendTo(ctx, nil, NewTextMessage("no")), errors.InvalidDestination))
	assert.True(t, errors.IsKind(bound.Send(ctx, nil), errors.MessageFormat))

	require.NoError(t, bound.Close(ctx))
	assert.True(t, errors.IsKind(bound.Send(ctx, NewTextMessage("late")), errors.IllegalState))
	assert.True(t, errors.IsKind(bound.SetPriority(1), errors.IllegalState))
}

func TestUnboundProducerRegistersLazily(t *testing.T) {
	fx := newFixture(t)
	ctx := fx.ctx
	_, s := fx.session(AutoAcknowledge)
	p, err := s.CreateProducer(ctx, nil)
	require.NoError(t, err)
	fx.rec.snapshot(func(r *recorder) { assert.Empty(t, r.addProducers) })

	a, b := Queue{QueueName: "a"}, Topic{TopicName: "b"}
	require.NoError(t, p.SendTo(ctx, a, NewTextMessage("1")))
	require.NoError(t, p.SendTo(ctx, a, NewTextMessage("2")))
	require.NoError(t, p.SendTo(ctx, b, NewTextMessage("3")))

	var ids []transport.ProducerID
	fx.rec.snapshot(func(r *recorder) {
		require.Len(t, r.addProducers, 2)
		assert.Equal(t, a.transportDestination(), r.addProducers[0])
		assert.Equal(t, b.transportDestination(), r.addProducers[1])
		require.Len(t, r.sends, 3)
		assert.Equal(t, r.sends[0].Producer, r.sends[1].Producer)
		assert.NotEqual(t, r.sends[0].Producer, r.sends[2].Producer)
		ids = []transport.ProducerID{r.sends[0].Producer, r.sends[2].Producer}
	})
	assert.Equal(t, 2, fx.broker.Depth(a.transportDestination()))

	failed := ids[0]
	fx.rec.snapshot(func(r *recorder) {
		r.deleteProducerFn = func(id transport.ProducerID) error {
			if id == failed {
				return transport.Errorf("delete producer", transport.StatusError, "boom")
			}
			return nil
		}
	})
	assert.NoError(t, p.Close(ctx))
	fx.rec.snapshot(func(r *recorder) {
		r.deleteProducerFn = nil
		assert.ElementsMatch(t, ids, r.deleteProducers)
	})
	assert.Zero(t, s.Stats().Producers)
}

func TestProducerDefaults(t *testing.T) {
	fx := newFixture(t)
	ctx := fx.ctx
	_, s := fx.session(AutoAcknowledge)
	p, err := s.CreateProducer(ctx, Queue{QueueName: "defaults"})
	require.NoError(t, err)

	assert.Equal(t, DefaultDeliveryMode, p.DeliveryMode())
	assert.Equal(t, DefaultPriority, p.Priority())
	assert.Equal(t, DefaultTimeToLive, p.TimeToLive())
	assert.Equal(t, DefaultDeliveryDelay, p.DeliveryDelay())

	tests := []struct {
		name string
		set  func() error
	}{
		{"priority above range", func() error { return p.SetPriority(10) }},
		{"priority below range", func() error { return p.SetPriority(-1) }},
		{"delivery mode", func() error { return p.SetDeliveryMode(transport.DeliveryMode(9)) }},
		{"negative ttl", func() error { return p.SetTimeToLive(-time.Second) }},
		{"negative delay", func() error { return p.SetDeliveryDelay(-time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.IsKind(tt.set(), errors.InvalidArgument))
		})
	}
	assert.Equal(t, DefaultPriority, p.Priority())
	assert.Equal(t, DefaultDeliveryMode, p.DeliveryMode())

	err = p.Send(ctx, NewTextMessage("x"), WithPriority(12))
	assert.True(t, errors.IsKind(err, errors.InvalidArgument))

	require.NoError(t, p.SetPriority(9))
	require.NoError(t, p.SetDeliveryMode(transport.NonPersistent))
	msg := NewTextMessage("x")
	require.NoError(t, p.Send(ctx, msg))
	assert.Equal(t, 9, msg.Priority())
	assert.Equal(t, transport.NonPersistent, msg.DeliveryMode())

	require.NoError(t, p.Send(ctx, msg, WithPriority(2), WithDeliveryMode(transport.Persistent)))
	assert.Equal(t, 2, msg.Priority())
	assert.Equal(t, 9, p.Priority())
}

func TestProducerAbsoluteTimes(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	fx := newFixture(t, withClock(func() time.Time { return now }))
	ctx := fx.ctx
	_, s := fx.session(AutoAcknowledge)
	p, err := s.CreateProducer(ctx, Queue{QueueName: "timed"})
	require.NoError(t, err)
	require.NoError(t, p.SetTimeToLive(time.Minute))

	msg := NewTextMessage("expiring")
	require.NoError(t, p.Send(ctx, msg, WithDeliveryDelay(time.Second)))

	want := now.Add(time.Minute).UnixMilli()
	assert.Equal(t, want, msg.Expiration())
	assert.Equal(t, now.Add(time.Second).UnixMilli(), msg.DeliveryTime())
	assert.True(t, now.Add(time.Minute).Equal(msg.ExpiresAt()))
	assert.NotEmpty(t, msg.MessageID())
	assert.NotZero(t, msg.Timestamp())

	fx.rec.snapshot(func(r *recorder) {
		require.Len(t, r.assignedExpiry, 1)
		assert.Equal(t, time.Minute.Milliseconds(), r.assignedExpiry[0])
		require.Len(t, r.sends, 1)
		assert.Equal(t, want, r.sends[0].Expiration)
		assert.Equal(t, msg.MessageID(), r.sends[0].MessageID)
	})

	require.NoError(t, p.SetTimeToLive(0))
	plain := NewTextMessage("forever")
	require.NoError(t, p.Send(ctx, plain))
	assert.Zero(t, plain.Expiration())
	assert.True(t, plain.ExpiresAt().IsZero())
}

func TestSendAssignsFreshIDs(t *testing.T) {
	fx := newFixture(t)
	ctx := fx.ctx
	_, s := fx.session(AutoAcknowledge)
	p, err := s.CreateProducer(ctx, Queue{QueueName: "ids"})
	require.NoError(t, err)

	msg := NewTextMessage("again")
	msg.SetMessageID("ID:caller-chosen")
	require.NoError(t, p.Send(ctx, msg))
	first := msg.MessageID()
	assert.NotEqual(t, "ID:caller-chosen", first)
	require.NoError(t, p.Send(ctx, msg))
	assert.NotEqual(t, first, msg.MessageID())
}

func TestSendForeignMessage(t *testing.T) {
	fx := newFixture(t)
	ctx := fx.ctx
	_, s := fx.session(AutoAcknowledge)
	q := Queue{QueueName: "foreign"}
	c, err := s.CreateConsumer(ctx, q)
	require.NoError(t, err)
	p, err := s.CreateProducer(ctx, q)
	require.NoError(t, err)

	fm := &foreignMessage{
		text:          "hi",
		correlationID: "c-1",
		typ:           "greeting",
		props:         map[string]any{"k": "v", "n": int32(3)},
	}
	require.NoError(t, p.Send(ctx, fm, WithPriority(7)))
	assert.Contains(t, fm.MessageID(), "ID:")
	assert.Equal(t, 7, fm.Priority())
	assert.Equal(t, q, fm.Destination())
	assert.Equal(t, transport.Persistent, fm.DeliveryMode())
	assert.NotZero(t, fm.Timestamp())
	assert.Zero(t, fm.DeliveryTime())

	msg, err := c.ReceiveTimeout(ctx, waitFor)
	require.NoError(t, err)
	assert.Equal(t, "hi", textOf(t, msg))
	assert.Equal(t, fm.MessageID(), msg.MessageID())
	assert.Equal(t, "c-1", msg.CorrelationID())
	assert.Equal(t, "greeting", msg.Type())
	assert.Equal(t, 7, msg.Priority())
	tm := msg.(*TextMessage)
	k, err := tm.StringProperty("k")
	require.NoError(t, err)
	assert.Equal(t, "v", k)
	n, err := tm.Int32Property("n")
	require.NoError(t, err)
	assert.Equal(t, int32(3), n)

	assert.True(t, errors.IsKind(tm.SetProperty("k", "w"), errors.MessageNotWriteable))
	assert.True(t, errors.IsKind(tm.SetText("w"), errors.MessageNotWriteable))

	bad := &foreignMessage{props: map[string]any{"bad": []int{1}}}
	assert.True(t, errors.IsKind(p.Send(ctx, bad), errors.MessageFormat))
}

func TestReplyToTemporaryQueue(t *testing.T) {
	fx := newFixture(t)
	ctx := fx.ctx
	_, s := fx.session(AutoAcknowledge)
	q := Queue{QueueName: "requests"}
	c, err := s.CreateConsumer(ctx, q)
	require.NoError(t, err)
	replies, err := s.CreateTemporaryQueue(ctx)
	require.NoError(t, err)

	p, err := s.CreateProducer(ctx, q)
	require.NoError(t, err)
	req := NewMapMessage()
	require.NoError(t, req.Set("op", "ping"))
	req.SetReplyTo(replies)
	require.NoError(t, p.Send(ctx, req))

	msg, err := c.ReceiveTimeout(ctx, waitFor)
	require.NoError(t, err)
	assert.Same(t, replies, msg.ReplyTo())
	mm, ok := msg.(*MapMessage)
	require.True(t, ok)
	op, err := mm.StringValue("op")
	require.NoError(t, err)
	assert.Equal(t, "ping", op)

	require.NoError(t, replies.Delete(ctx))
	again := NewTextMessage("x")
	again.SetReplyTo(replies)
	assert.True(t, errors.IsKind(p.Send(ctx, again), errors.InvalidDestination))
}
