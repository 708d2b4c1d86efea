package grpcwire

import (
	"context"

	"google.golang.org/grpc"

	"github.com/infigaming-com/go-mqclient/transport"
)

const (
	serviceName   = "mq.transport.v1.Transport"
	deliverMethod = "Deliver"
)

func methodPath(method string) string { return "/" + serviceName + "/" + method }

// transportServer is the handler type of serviceDesc.
type transportServer interface {
	deliver(stream grpc.ServerStream) error
}

func unary[Req any](name string, call func(s *Server, ctx context.Context, req *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPath(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(s, ctx, r.(*Req))
			})
		},
	}
}

func reply(err error) (any, error) {
	if err != nil {
		return nil, toRPCError(err)
	}
	return &empty{}, nil
}

func replyID[T ~int64](v T, err error) (any, error) {
	if err != nil {
		return nil, toRPCError(err)
	}
	return &idResponse{ID: int64(v)}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateConnection", func(s *Server, ctx context.Context, req *transport.ConnectionRequest) (any, error) {
			if req.Username == "" {
				if sub, ok := SubjectFromContext(ctx); ok {
					req.Username = sub
				}
			}
			return replyID(s.svc.CreateConnection(ctx, *req))
		}),
		unary("DestroyConnection", func(s *Server, ctx context.Context, req *connRequest) (any, error) {
			return reply(s.svc.DestroyConnection(ctx, req.Conn))
		}),
		unary("StartConnection", func(s *Server, ctx context.Context, req *connRequest) (any, error) {
			return reply(s.svc.StartConnection(ctx, req.Conn))
		}),
		unary("StopConnection", func(s *Server, ctx context.Context, req *connRequest) (any, error) {
			return reply(s.svc.StopConnection(ctx, req.Conn))
		}),
		unary("SetClientID", func(s *Server, ctx context.Context, req *clientIDRequest) (any, error) {
			return reply(s.svc.SetClientID(ctx, req.Conn, req.ClientID))
		}),
		unary("UnsetClientID", func(s *Server, ctx context.Context, req *connRequest) (any, error) {
			return reply(s.svc.UnsetClientID(ctx, req.Conn))
		}),
		unary("CreateSession", func(s *Server, ctx context.Context, req *createSessionRequest) (any, error) {
			return replyID(s.svc.CreateSession(ctx, req.Conn, req.Mode))
		}),
		unary("DestroySession", func(s *Server, ctx context.Context, req *sessionRequest) (any, error) {
			return reply(s.svc.DestroySession(ctx, req.Conn, req.Session))
		}),
		unary("StartSession", func(s *Server, ctx context.Context, req *sessionRequest) (any, error) {
			return reply(s.svc.StartSession(ctx, req.Conn, req.Session))
		}),
		unary("StopSession", func(s *Server, ctx context.Context, req *sessionRequest) (any, error) {
			return reply(s.svc.StopSession(ctx, req.Conn, req.Session))
		}),
		unary("CreateDestination", func(s *Server, ctx context.Context, req *destinationRequest) (any, error) {
			return reply(s.svc.CreateDestination(ctx, req.Conn, req.Destination))
		}),
		unary("DestroyDestination", func(s *Server, ctx context.Context, req *destinationRequest) (any, error) {
			return reply(s.svc.DestroyDestination(ctx, req.Conn, req.Destination))
		}),
		unary("AddProducer", func(s *Server, ctx context.Context, req *addProducerRequest) (any, error) {
			return replyID(s.svc.AddProducer(ctx, req.Conn, req.Session, req.Destination))
		}),
		unary("DeleteProducer", func(s *Server, ctx context.Context, req *producerRequest) (any, error) {
			return reply(s.svc.DeleteProducer(ctx, req.Conn, req.Producer))
		}),
		unary("AddConsumer", func(s *Server, ctx context.Context, req *addConsumerRequest) (any, error) {
			return replyID(s.svc.AddConsumer(ctx, req.Conn, req.Session, req.Spec))
		}),
		unary("DeleteConsumer", func(s *Server, ctx context.Context, req *deleteConsumerRequest) (any, error) {
			return reply(s.svc.DeleteConsumer(ctx, req.Conn, req.Session, req.Consumer, req.LastSeen))
		}),
		unary("Unsubscribe", func(s *Server, ctx context.Context, req *unsubscribeRequest) (any, error) {
			return reply(s.svc.Unsubscribe(ctx, req.Conn, req.Name, req.ClientID))
		}),
		unary("AddBrowser", func(s *Server, ctx context.Context, req *addBrowserRequest) (any, error) {
			return replyID(s.svc.AddBrowser(ctx, req.Conn, req.Session, req.Destination, req.Selector))
		}),
		unary("BrowseMessages", func(s *Server, ctx context.Context, req *browserRequest) (any, error) {
			ps, err := s.svc.BrowseMessages(ctx, req.Conn, req.Session, req.Browser)
			if err != nil {
				return nil, toRPCError(err)
			}
			out, err := toWireAll(ps)
			if err != nil {
				return nil, toRPCError(err)
			}
			return &packetsResponse{Packets: out}, nil
		}),
		unary("DeleteBrowser", func(s *Server, ctx context.Context, req *browserRequest) (any, error) {
			return reply(s.svc.DeleteBrowser(ctx, req.Conn, req.Session, req.Browser))
		}),
		unary("SendMessage", func(s *Server, ctx context.Context, req *sendRequest) (any, error) {
			p, err := req.Packet.packet()
			if err != nil {
				return nil, toRPCError(transport.Errorf("send message", transport.StatusBadRequest, "%v", err))
			}
			if p == nil {
				return nil, toRPCError(transport.Errorf("send message", transport.StatusBadRequest, "packet required"))
			}
			return reply(s.svc.SendMessage(ctx, req.Conn, p))
		}),
		unary("FetchMessage", func(s *Server, ctx context.Context, req *fetchRequest) (any, error) {
			p, err := s.svc.FetchMessage(ctx, req.Conn, req.Request)
			if err != nil {
				return nil, toRPCError(err)
			}
			w, err := toWire(p)
			if err != nil {
				return nil, toRPCError(err)
			}
			return &packetResponse{Packet: w}, nil
		}),
		unary("AcknowledgeMessage", func(s *Server, ctx context.Context, req *ackRequest) (any, error) {
			return reply(s.svc.AcknowledgeMessage(ctx, req.Conn, req.Ack))
		}),
		unary("RedeliverMessages", func(s *Server, ctx context.Context, req *redeliverRequest) (any, error) {
			return reply(s.svc.RedeliverMessages(ctx, req.Conn, req.Request))
		}),
		unary("StartTransaction", func(s *Server, ctx context.Context, req *startTxnRequest) (any, error) {
			return replyID(s.svc.StartTransaction(ctx, req.Conn, req.Session, req.XID))
		}),
		unary("CommitTransaction", func(s *Server, ctx context.Context, req *txnRequest) (any, error) {
			return reply(s.svc.CommitTransaction(ctx, req.Conn, req.Txn, req.XID))
		}),
		unary("RollbackTransaction", func(s *Server, ctx context.Context, req *txnRequest) (any, error) {
			return reply(s.svc.RollbackTransaction(ctx, req.Conn, req.Txn, req.XID, req.SetRedelivered))
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: deliverMethod,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(transportServer).deliver(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "mq/transport/v1/transport.proto",
}
