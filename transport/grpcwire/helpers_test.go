package grpcwire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/direct"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	orders = transport.Destination{Name: "orders", Type: transport.Queue}
	prices = transport.Destination{Name: "prices", Type: transport.Topic}
)

type wire struct {
	broker *direct.Broker
	server *Server
	lis    *bufconn.Listener
}

// newWire serves a direct broker on an in-memory listener.
func newWire(t *testing.T, opts ...ServerOption) *wire {
	t.Helper()
	w := &wire{
		broker: direct.New(direct.WithPollInterval(5 * time.Millisecond)),
		lis:    bufconn.Listen(1 << 20),
	}
	w.server = NewServer(w.broker, opts...)
	gs := w.server.GRPCServer()
	go func() { _ = gs.Serve(w.lis) }()
	t.Cleanup(func() {
		w.server.Close()
		gs.Stop()
		_ = w.broker.Close(context.Background())
	})
	return w
}

func (w *wire) dial(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return w.lis.DialContext(ctx)
	})
	c, err := Dial("passthrough:///bufnet", append([]ClientOption{WithDialOptions(dialer)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type session struct {
	c    *Client
	conn transport.ConnectionID
	sess transport.SessionID
}

func openSession(t *testing.T, c *Client, mode transport.AckMode) session {
	t.Helper()
	ctx := context.Background()
	conn, err := c.CreateConnection(ctx, transport.ConnectionRequest{})
	require.NoError(t, err)
	sess, err := c.CreateSession(ctx, conn, mode)
	require.NoError(t, err)
	require.NoError(t, c.StartConnection(ctx, conn))
	return session{c: c, conn: conn, sess: sess}
}

func (s session) send(t *testing.T, dest transport.Destination, body string, props map[string]any) string {
	t.Helper()
	p := &transport.Packet{
		Destination:  dest,
		DeliveryMode: transport.Persistent,
		Priority:     4,
		BodyType:     transport.BodyText,
		Body:         []byte(body),
		Properties:   props,
	}
	s.c.AssignMessageID(s.conn, p)
	require.NoError(t, s.c.SendMessage(context.Background(), s.conn, p))
	return p.MessageID
}
