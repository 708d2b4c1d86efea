package grpcwire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-mqclient/jms"
	"github.com/infigaming-com/go-mqclient/transport"
)

// TestClientRuntimeOverWire runs the jms client runtime against a remote
// direct broker.
func TestClientRuntimeOverWire(t *testing.T) {
	w := newWire(t)
	f, err := jms.NewConnectionFactory(w.dial(t))
	require.NoError(t, err)
	ctx := context.Background()

	conn, err := f.CreateConnection(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	require.NoError(t, conn.SetClientID(ctx, "wire-client"))
	require.NoError(t, conn.Start(ctx))

	t.Run("client acknowledge", func(t *testing.T) {
		s, err := conn.CreateSession(ctx, jms.ClientAcknowledge)
		require.NoError(t, err)
		defer s.Close(ctx)
		q := jms.Queue{QueueName: "wire.jobs"}
		c, err := s.CreateConsumer(ctx, q)
		require.NoError(t, err)
		p, err := s.CreateProducer(ctx, q)
		require.NoError(t, err)

		msg := jms.NewTextMessage("job-1")
		require.NoError(t, msg.SetProperty("attempt", int32(1)))
		require.NoError(t, p.Send(ctx, msg))

		got, err := c.ReceiveTimeout(ctx, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		tm := got.(*jms.TextMessage)
		text, err := tm.Text()
		require.NoError(t, err)
		assert.Equal(t, "job-1", text)
		attempt, err := tm.Int32Property("attempt")
		require.NoError(t, err)
		assert.Equal(t, int32(1), attempt)

		require.NoError(t, s.Recover(ctx))
		again, err := c.ReceiveTimeout(ctx, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.True(t, again.Redelivered())
		assert.Equal(t, 1, w.broker.Stats().Unacknowledged)
		require.NoError(t, again.Acknowledge(ctx))
		assert.Zero(t, w.broker.Stats().Unacknowledged)
		assert.Zero(t, w.broker.Depth(transport.Destination{Name: "wire.jobs", Type: transport.Queue}))
	})

	t.Run("listener", func(t *testing.T) {
		s, err := conn.CreateSession(ctx, jms.AutoAcknowledge)
		require.NoError(t, err)
		defer s.Close(ctx)
		topic := jms.Topic{TopicName: "wire.events"}
		got := make(chan string, 1)
		_, err = s.CreateDurableConsumer(ctx, topic, "audit", jms.WithMessageListener(jms.MessageListenerFunc(
			func(_ context.Context, msg jms.Message) error {
				text, err := msg.(*jms.TextMessage).Text()
				got <- text
				return err
			})))
		require.NoError(t, err)

		sender, err := conn.CreateSession(ctx, jms.AutoAcknowledge)
		require.NoError(t, err)
		defer sender.Close(ctx)
		p, err := sender.CreateProducer(ctx, topic)
		require.NoError(t, err)
		require.NoError(t, p.Send(ctx, jms.NewTextMessage("created")))

		select {
		case text := <-got:
			assert.Equal(t, "created", text)
		case <-time.After(2 * time.Second):
			t.Fatal("listener not called")
		}
	})
}
