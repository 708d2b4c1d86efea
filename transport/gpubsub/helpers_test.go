package gpubsub

import (
	"context"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/infigaming-com/go-mqclient/transport"
)

const waitFor = 5 * time.Second

var (
	orders = transport.Destination{Name: "orders", Type: transport.Queue}
	prices = transport.Destination{Name: "prices", Type: transport.Topic}
)

// newTransport runs a transport against an in-process Pub/Sub emulator.
func newTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	ctx := context.Background()
	server := pstest.NewServer()
	t.Cleanup(func() { _ = server.Close() })

	conn, err := grpc.DialContext(ctx, server.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := gcppubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg.Client = client
	if cfg.Receive.NumGoroutines == 0 {
		cfg.Receive.NumGoroutines = 1
	}
	tr, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = tr.Close(closeCtx)
	})
	return tr
}

type testSession struct {
	tr   *Transport
	conn transport.ConnectionID
	sess transport.SessionID
}

func openSession(t *testing.T, tr *Transport, mode transport.AckMode, clientID string) testSession {
	t.Helper()
	ctx := context.Background()
	conn, err := tr.CreateConnection(ctx, transport.ConnectionRequest{ClientID: clientID})
	require.NoError(t, err)
	sess, err := tr.CreateSession(ctx, conn, mode)
	require.NoError(t, err)
	require.NoError(t, tr.StartConnection(ctx, conn))
	return testSession{tr: tr, conn: conn, sess: sess}
}

func (s testSession) send(t *testing.T, dest transport.Destination, body string, props map[string]any) string {
	t.Helper()
	p := &transport.Packet{
		Destination:  dest,
		DeliveryMode: transport.Persistent,
		Priority:     4,
		BodyType:     transport.BodyText,
		Body:         []byte(body),
		Properties:   props,
	}
	s.tr.AssignMessageID(s.conn, p)
	require.NoError(t, s.tr.SendMessage(context.Background(), s.conn, p))
	return p.MessageID
}

func (s testSession) consumer(t *testing.T, spec transport.ConsumerSpec) transport.ConsumerID {
	t.Helper()
	id, err := s.tr.AddConsumer(context.Background(), s.conn, s.sess, spec)
	require.NoError(t, err)
	return id
}

func (s testSession) fetch(t *testing.T, consumer transport.ConsumerID, timeout time.Duration, autoAck bool) *transport.Packet {
	t.Helper()
	p, err := s.tr.FetchMessage(context.Background(), s.conn, transport.FetchRequest{
		Session:  s.sess,
		Consumer: consumer,
		Timeout:  timeout,
		AutoAck:  autoAck,
	})
	require.NoError(t, err)
	return p
}
