package grpcwire

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-mqclient/transport"
)

type serverOptions struct {
	lg          *zap.Logger
	secret      []byte
	grpcOptions []grpc.ServerOption
}

type ServerOption func(*serverOptions)

func WithServerLogger(lg *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

// WithTokenSecret makes the server require an HS256 bearer token signed
// with secret on every call.
func WithTokenSecret(secret []byte) ServerOption {
	return func(o *serverOptions) {
		o.secret = secret
	}
}

func WithGRPCServerOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) {
		o.grpcOptions = append(o.grpcOptions, opts...)
	}
}

// Server exposes a transport.Service over gRPC.
type Server struct {
	svc  transport.Service
	lg   *zap.Logger
	opts serverOptions

	mu      sync.Mutex
	closed  bool
	streams map[*pushSink]context.CancelFunc
}

func NewServer(svc transport.Service, opts ...ServerOption) *Server {
	o := serverOptions{lg: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		svc:     svc,
		lg:      o.lg,
		opts:    o,
		streams: make(map[*pushSink]context.CancelFunc),
	}
}

// Register adds the transport service to gs. Authentication is the
// caller's concern when registering on a foreign server.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// GRPCServer builds a grpc.Server with the configured interceptors and the
// transport service registered.
func (s *Server) GRPCServer() *grpc.Server {
	unary := []grpc.UnaryServerInterceptor{s.logUnary()}
	var stream []grpc.StreamServerInterceptor
	if len(s.opts.secret) > 0 {
		v := verifier{secret: s.opts.secret}
		unary = append([]grpc.UnaryServerInterceptor{v.unary()}, unary...)
		stream = append(stream, v.stream())
	}
	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}, s.opts.grpcOptions...)
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// Close ends every open delivery stream so that a graceful stop of the
// grpc.Server does not wait on them.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.streams))
	for _, cancel := range s.streams {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Server) logUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			s.lg.Debug("transport call failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

func (s *Server) deliver(stream grpc.ServerStream) error {
	first := new(clientFrame)
	if err := stream.RecvMsg(first); err != nil {
		return err
	}
	req := first.Open
	if req == nil {
		return status.Error(codes.InvalidArgument, "first frame must open a consumer")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	sink := newPushSink(stream)
	defer sink.shutdown()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "server closing")
	}
	s.streams[sink] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, sink)
		s.mu.Unlock()
	}()

	spec := req.Spec
	spec.Deliverer = sink
	consumerID, err := s.svc.AddConsumer(ctx, req.Conn, req.Session, spec)
	if err != nil {
		return toRPCError(err)
	}
	lg := s.lg.With(
		zap.Int64("connection_id", int64(req.Conn)),
		zap.Int64("session_id", int64(req.Session)),
		zap.Int64("consumer_id", int64(consumerID)),
	)
	defer func() {
		sink.shutdown()
		s.dropConsumer(lg, req, consumerID)
	}()

	if err := sink.confirm(consumerID); err != nil {
		return err
	}
	lg.Debug("delivery stream open")

	recvErr := make(chan error, 1)
	go func() { recvErr <- sink.receive() }()
	select {
	case <-recvErr:
	case <-ctx.Done():
	}
	lg.Debug("delivery stream closed")
	return nil
}

// dropConsumer removes a consumer whose stream ended. It is usually gone
// already because the client deletes it before closing the stream.
func (s *Server) dropConsumer(lg *zap.Logger, req *addConsumerRequest, consumerID transport.ConsumerID) {
	err := s.svc.DeleteConsumer(context.Background(), req.Conn, req.Session, consumerID, "")
	if err != nil && transport.StatusOf(err) != transport.StatusNotFound {
		lg.Debug("failed to drop consumer of closed stream", zap.Error(err))
	}
}

// pushSink is the Deliverer the served transport pushes into. Each Deliver
// sends one packet down the stream and waits for the client's result.
type pushSink struct {
	stream  grpc.ServerStream
	sendMu  sync.Mutex
	ready   chan struct{}
	results chan deliverResult
	done    chan struct{}
	once    sync.Once
}

func newPushSink(stream grpc.ServerStream) *pushSink {
	return &pushSink{
		stream:  stream,
		ready:   make(chan struct{}),
		results: make(chan deliverResult, 1),
		done:    make(chan struct{}),
	}
}

func (p *pushSink) confirm(consumerID transport.ConsumerID) error {
	p.sendMu.Lock()
	err := p.stream.SendMsg(&serverFrame{Consumer: consumerID})
	p.sendMu.Unlock()
	if err == nil {
		close(p.ready)
	}
	return err
}

func (p *pushSink) receive() error {
	for {
		f := new(clientFrame)
		if err := p.stream.RecvMsg(f); err != nil {
			p.close()
			return err
		}
		if f.Result == nil {
			continue
		}
		select {
		case p.results <- *f.Result:
		default:
		}
	}
}

func (p *pushSink) close() {
	p.once.Do(func() { close(p.done) })
}

// shutdown closes the sink and waits out a delivery that is still sending,
// so nothing touches the stream once the handler returns.
func (p *pushSink) shutdown() {
	p.close()
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
}

func (p *pushSink) Deliver(ctx context.Context, pkt *transport.Packet) error {
	select {
	case <-p.ready:
	case <-p.done:
		return transport.ErrConsumerClosedNoDelivery
	case <-ctx.Done():
		return ctx.Err()
	}
	w, err := toWire(pkt)
	if err != nil {
		return err
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	select {
	case <-p.done:
		return transport.ErrConsumerClosedNoDelivery
	default:
	}
	// a result left over from a delivery that gave up waiting is stale
	select {
	case <-p.results:
	default:
	}
	if err := p.stream.SendMsg(&serverFrame{Packet: w}); err != nil {
		return transport.ErrConsumerClosedNoDelivery
	}
	for {
		select {
		case res := <-p.results:
			if res.MessageID != pkt.MessageID {
				continue
			}
			return res.err()
		case <-p.done:
			return transport.ErrConsumerClosedNoDelivery
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
