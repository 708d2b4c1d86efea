package grpcwire

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/internal/backoff"
)

type clientOptions struct {
	lg          *zap.Logger
	token       string
	creds       credentials.TransportCredentials
	dialOptions []grpc.DialOption
	openRetry   backoff.Config
	now         func() time.Time
}

type ClientOption func(*clientOptions)

func WithLogger(lg *zap.Logger) ClientOption {
	return func(o *clientOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

// WithBearerToken sends token as the authorization of every call.
func WithBearerToken(token string) ClientOption {
	return func(o *clientOptions) {
		o.token = token
	}
}

// WithTransportCredentials replaces the default plaintext connection.
func WithTransportCredentials(creds credentials.TransportCredentials) ClientOption {
	return func(o *clientOptions) {
		o.creds = creds
	}
}

func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithOpenRetry sets how delivery streams are reopened while the server is
// unavailable.
func WithOpenRetry(cfg backoff.Config) ClientOption {
	return func(o *clientOptions) {
		o.openRetry = cfg
	}
}

// Client implements transport.Service against a remote Server.
type Client struct {
	cc   *grpc.ClientConn
	lg   *zap.Logger
	opts clientOptions

	mu      sync.Mutex
	closed  bool
	streams map[transport.ConsumerID]*pushStream
	wg      sync.WaitGroup
}

type pushStream struct {
	conn     transport.ConnectionID
	session  transport.SessionID
	consumer transport.ConsumerID
	cancel   context.CancelFunc
}

var _ transport.Service = (*Client)(nil)

// Dial creates a client for the server at target. The connection is
// established lazily on the first call.
func Dial(target string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{
		lg:        zap.NewNop(),
		creds:     insecure.NewCredentials(),
		openRetry: backoff.Config{Initial: 50 * time.Millisecond, Max: time.Second, Jitter: 0.2, Attempts: 5},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(o.creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if o.token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerCredentials{
			token:  o.token,
			secure: o.creds.Info().SecurityProtocol != "insecure",
		}))
	}
	dialOpts = append(dialOpts, o.dialOptions...)
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		cc:      cc,
		lg:      o.lg,
		opts:    o,
		streams: make(map[transport.ConsumerID]*pushStream),
	}, nil
}

// Close ends every delivery stream and closes the gRPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = make(map[transport.ConsumerID]*pushStream)
	c.mu.Unlock()
	for _, ps := range streams {
		ps.cancel()
	}
	c.wg.Wait()
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, op, method string, req, resp any) error {
	if resp == nil {
		resp = &empty{}
	}
	if err := c.cc.Invoke(ctx, methodPath(method), req, resp); err != nil {
		err = fromRPCError(op, err)
		c.lg.Debug("transport call failed", zap.String("op", op), zap.Error(err))
		return err
	}
	return nil
}

func (c *Client) CreateConnection(ctx context.Context, req transport.ConnectionRequest) (transport.ConnectionID, error) {
	var resp idResponse
	err := c.invoke(ctx, "create connection", "CreateConnection", &req, &resp)
	return transport.ConnectionID(resp.ID), err
}

func (c *Client) DestroyConnection(ctx context.Context, conn transport.ConnectionID) error {
	err := c.invoke(ctx, "destroy connection", "DestroyConnection", &connRequest{Conn: conn}, nil)
	c.stopStreams(func(ps *pushStream) bool { return ps.conn == conn })
	return err
}

func (c *Client) StartConnection(ctx context.Context, conn transport.ConnectionID) error {
	return c.invoke(ctx, "start connection", "StartConnection", &connRequest{Conn: conn}, nil)
}

func (c *Client) StopConnection(ctx context.Context, conn transport.ConnectionID) error {
	return c.invoke(ctx, "stop connection", "StopConnection", &connRequest{Conn: conn}, nil)
}

func (c *Client) SetClientID(ctx context.Context, conn transport.ConnectionID, clientID string) error {
	return c.invoke(ctx, "set client id", "SetClientID", &clientIDRequest{Conn: conn, ClientID: clientID}, nil)
}

func (c *Client) UnsetClientID(ctx context.Context, conn transport.ConnectionID) error {
	return c.invoke(ctx, "unset client id", "UnsetClientID", &connRequest{Conn: conn}, nil)
}

func (c *Client) CreateSession(ctx context.Context, conn transport.ConnectionID, mode transport.AckMode) (transport.SessionID, error) {
	var resp idResponse
	err := c.invoke(ctx, "create session", "CreateSession", &createSessionRequest{Conn: conn, Mode: mode}, &resp)
	return transport.SessionID(resp.ID), err
}

func (c *Client) DestroySession(ctx context.Context, conn transport.ConnectionID, session transport.SessionID) error {
	err := c.invoke(ctx, "destroy session", "DestroySession", &sessionRequest{Conn: conn, Session: session}, nil)
	c.stopStreams(func(ps *pushStream) bool { return ps.conn == conn && ps.session == session })
	return err
}

func (c *Client) StartSession(ctx context.Context, conn transport.ConnectionID, session transport.SessionID) error {
	return c.invoke(ctx, "start session", "StartSession", &sessionRequest{Conn: conn, Session: session}, nil)
}

func (c *Client) StopSession(ctx context.Context, conn transport.ConnectionID, session transport.SessionID) error {
	return c.invoke(ctx, "stop session", "StopSession", &sessionRequest{Conn: conn, Session: session}, nil)
}

func (c *Client) CreateDestination(ctx context.Context, conn transport.ConnectionID, dest transport.Destination) error {
	return c.invoke(ctx, "create destination", "CreateDestination", &destinationRequest{Conn: conn, Destination: dest}, nil)
}

func (c *Client) DestroyDestination(ctx context.Context, conn transport.ConnectionID, dest transport.Destination) error {
	return c.invoke(ctx, "destroy destination", "DestroyDestination", &destinationRequest{Conn: conn, Destination: dest}, nil)
}

func (c *Client) AddProducer(ctx context.Context, conn transport.ConnectionID, session transport.SessionID, dest transport.Destination) (transport.ProducerID, error) {
	var resp idResponse
	err := c.invoke(ctx, "add producer", "AddProducer", &addProducerRequest{Conn: conn, Session: session, Destination: dest}, &resp)
	return transport.ProducerID(resp.ID), err
}

func (c *Client) DeleteProducer(ctx context.Context, conn transport.ConnectionID, producer transport.ProducerID) error {
	return c.invoke(ctx, "delete producer", "DeleteProducer", &producerRequest{Conn: conn, Producer: producer}, nil)
}

// AddConsumer registers a consumer. Consumers with a Deliverer get their
// own Deliver stream that stays open until the consumer is deleted.
func (c *Client) AddConsumer(ctx context.Context, conn transport.ConnectionID, session transport.SessionID, spec transport.ConsumerSpec) (transport.ConsumerID, error) {
	const op = "add consumer"
	req := &addConsumerRequest{Conn: conn, Session: session, Spec: spec}
	if spec.Deliverer == nil {
		var resp idResponse
		err := c.invoke(ctx, op, "AddConsumer", req, &resp)
		return transport.ConsumerID(resp.ID), err
	}
	return c.openPush(ctx, op, req, spec.Deliverer)
}

func (c *Client) DeleteConsumer(ctx context.Context, conn transport.ConnectionID, session transport.SessionID, consumer transport.ConsumerID, lastSeen string) error {
	err := c.invoke(ctx, "delete consumer", "DeleteConsumer", &deleteConsumerRequest{
		Conn:     conn,
		Session:  session,
		Consumer: consumer,
		LastSeen: lastSeen,
	}, nil)
	c.stopStreams(func(ps *pushStream) bool { return ps.consumer == consumer })
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, conn transport.ConnectionID, name, clientID string) error {
	return c.invoke(ctx, "unsubscribe", "Unsubscribe", &unsubscribeRequest{Conn: conn, Name: name, ClientID: clientID}, nil)
}

func (c *Client) AddBrowser(ctx context.Context, conn transport.ConnectionID, session transport.SessionID, dest transport.Destination, selector string) (transport.ConsumerID, error) {
	var resp idResponse
	err := c.invoke(ctx, "add browser", "AddBrowser", &addBrowserRequest{
		Conn:        conn,
		Session:     session,
		Destination: dest,
		Selector:    selector,
	}, &resp)
	return transport.ConsumerID(resp.ID), err
}

func (c *Client) BrowseMessages(ctx context.Context, conn transport.ConnectionID, session transport.SessionID, browser transport.ConsumerID) ([]*transport.Packet, error) {
	const op = "browse messages"
	var resp packetsResponse
	if err := c.invoke(ctx, op, "BrowseMessages", &browserRequest{Conn: conn, Session: session, Browser: browser}, &resp); err != nil {
		return nil, err
	}
	out := make([]*transport.Packet, 0, len(resp.Packets))
	for _, w := range resp.Packets {
		p, err := w.packet()
		if err != nil {
			return nil, &transport.ServiceError{Op: op, Status: transport.StatusError, Err: err}
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) DeleteBrowser(ctx context.Context, conn transport.ConnectionID, session transport.SessionID, browser transport.ConsumerID) error {
	return c.invoke(ctx, "delete browser", "DeleteBrowser", &browserRequest{Conn: conn, Session: session, Browser: browser}, nil)
}

// AssignMessageID stamps ids locally; uuid v7 ids stay unique across
// clients without a round trip.
func (c *Client) AssignMessageID(_ transport.ConnectionID, p *transport.Packet) {
	p.MessageID = "ID:" + uuid.Must(uuid.NewV7()).String()
	p.Timestamp = c.opts.now().UnixMilli()
}

func (c *Client) SendMessage(ctx context.Context, conn transport.ConnectionID, p *transport.Packet) error {
	const op = "send message"
	w, err := toWire(p)
	if err != nil {
		return transport.Errorf(op, transport.StatusBadRequest, "%v", err)
	}
	return c.invoke(ctx, op, "SendMessage", &sendRequest{Conn: conn, Packet: w}, nil)
}

func (c *Client) FetchMessage(ctx context.Context, conn transport.ConnectionID, req transport.FetchRequest) (*transport.Packet, error) {
	const op = "fetch message"
	var resp packetResponse
	if err := c.invoke(ctx, op, "FetchMessage", &fetchRequest{Conn: conn, Request: req}, &resp); err != nil {
		return nil, err
	}
	p, err := resp.Packet.packet()
	if err != nil {
		return nil, &transport.ServiceError{Op: op, Status: transport.StatusError, Err: err}
	}
	return p, nil
}

func (c *Client) AcknowledgeMessage(ctx context.Context, conn transport.ConnectionID, ack transport.Ack) error {
	return c.invoke(ctx, "acknowledge message", "AcknowledgeMessage", &ackRequest{Conn: conn, Ack: ack}, nil)
}

func (c *Client) RedeliverMessages(ctx context.Context, conn transport.ConnectionID, req transport.RedeliverRequest) error {
	return c.invoke(ctx, "redeliver messages", "RedeliverMessages", &redeliverRequest{Conn: conn, Request: req}, nil)
}

func (c *Client) StartTransaction(ctx context.Context, conn transport.ConnectionID, session transport.SessionID, xid string) (transport.TransactionID, error) {
	var resp idResponse
	err := c.invoke(ctx, "start transaction", "StartTransaction", &startTxnRequest{Conn: conn, Session: session, XID: xid}, &resp)
	return transport.TransactionID(resp.ID), err
}

func (c *Client) CommitTransaction(ctx context.Context, conn transport.ConnectionID, txn transport.TransactionID, xid string) error {
	return c.invoke(ctx, "commit transaction", "CommitTransaction", &txnRequest{Conn: conn, Txn: txn, XID: xid}, nil)
}

func (c *Client) RollbackTransaction(ctx context.Context, conn transport.ConnectionID, txn transport.TransactionID, xid string, setRedelivered bool) error {
	return c.invoke(ctx, "rollback transaction", "RollbackTransaction", &txnRequest{
		Conn:           conn,
		Txn:            txn,
		XID:            xid,
		SetRedelivered: setRedelivered,
	}, nil)
}

func isUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// openPush opens a Deliver stream, registers the consumer through it and
// starts pumping pushed packets into d.
func (c *Client) openPush(ctx context.Context, op string, req *addConsumerRequest, d transport.Deliverer) (transport.ConsumerID, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	var stream grpc.ClientStream
	err := backoff.RetryNotify(ctx, c.opts.openRetry, isUnavailable, func() error {
		var err error
		stream, err = c.cc.NewStream(streamCtx, &serviceDesc.Streams[0], methodPath(deliverMethod))
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.lg.Debug("deliver stream unavailable", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		cancel()
		return 0, fromRPCError(op, err)
	}

	stop := context.AfterFunc(ctx, cancel)
	// SendMsg reports io.EOF when the stream failed; RecvMsg has the status
	if err := stream.SendMsg(&clientFrame{Open: req}); err != nil && !errors.Is(err, io.EOF) {
		stop()
		cancel()
		return 0, fromRPCError(op, err)
	}
	first := new(serverFrame)
	if err := stream.RecvMsg(first); err != nil {
		stop()
		cancel()
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fromRPCError(op, err)
	}
	if !stop() {
		cancel()
		return 0, ctx.Err()
	}

	ps := &pushStream{conn: req.Conn, session: req.Session, consumer: first.Consumer, cancel: cancel}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return 0, transport.Errorf(op, transport.StatusUnavailable, "client closed")
	}
	c.streams[ps.consumer] = ps
	c.wg.Add(1)
	c.mu.Unlock()

	go c.pump(streamCtx, ps, stream, d)
	return ps.consumer, nil
}

func (c *Client) pump(ctx context.Context, ps *pushStream, stream grpc.ClientStream, d transport.Deliverer) {
	defer c.wg.Done()
	defer ps.cancel()
	lg := c.lg.With(zap.Int64("session_id", int64(ps.session)), zap.Int64("consumer_id", int64(ps.consumer)))
	for {
		f := new(serverFrame)
		if err := stream.RecvMsg(f); err != nil {
			if ctx.Err() == nil {
				lg.Warn("delivery stream ended", zap.Error(err))
			}
			c.forget(ps)
			return
		}
		if f.Packet == nil {
			continue
		}
		p, err := f.Packet.packet()
		if err == nil {
			err = d.Deliver(ctx, p)
		}
		if err := stream.SendMsg(&clientFrame{Result: resultOf(f.Packet.MessageID, err)}); err != nil {
			c.forget(ps)
			return
		}
	}
}

func (c *Client) forget(ps *pushStream) {
	c.mu.Lock()
	if c.streams[ps.consumer] == ps {
		delete(c.streams, ps.consumer)
	}
	c.mu.Unlock()
}

// stopStreams cancels matching streams without waiting for their pumps,
// since it may run inside a Deliver call of one of them.
func (c *Client) stopStreams(match func(*pushStream) bool) {
	c.mu.Lock()
	var stopped []*pushStream
	for id, ps := range c.streams {
		if match(ps) {
			stopped = append(stopped, ps)
			delete(c.streams, id)
		}
	}
	c.mu.Unlock()
	for _, ps := range stopped {
		ps.cancel()
	}
}
