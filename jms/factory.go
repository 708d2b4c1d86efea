package jms

import (
	"context"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/observability/metrics"
	"github.com/infigaming-com/go-mqclient/transport"
)

// ConnectionFactory creates connections over one transport with a shared
// set of defaults.
type ConnectionFactory struct {
	svc  transport.Service
	opts options
	inst *metrics.Instruments
}

func NewConnectionFactory(svc transport.Service, opts ...Option) (*ConnectionFactory, error) {
	if svc == nil {
		return nil, errors.Newf(errors.InvalidArgument, "transport service is nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	inst, err := metrics.NewInstruments(o.meterProvider)
	if err != nil {
		return nil, errors.Wrap(errors.Provider, err, "register client metrics")
	}
	return &ConnectionFactory{svc: svc, opts: o, inst: inst}, nil
}

// CreateConnection opens a stopped connection with the factory credentials.
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (*Connection, error) {
	return f.CreateConnectionWithCredentials(ctx, f.opts.username, f.opts.password)
}

func (f *ConnectionFactory) CreateConnectionWithCredentials(ctx context.Context, username, password string) (*Connection, error) {
	const op = "create connection"
	id, err := f.svc.CreateConnection(ctx, transport.ConnectionRequest{
		Username: username,
		Password: password,
		ClientID: f.opts.clientID,
	})
	if err != nil {
		return nil, errors.FromTransport(err, op, errors.Details{"client_id": f.opts.clientID}, errors.Overrides{
			transport.StatusConflict:   errors.InvalidClientID,
			transport.StatusBadRequest: errors.InvalidClientID,
		})
	}
	c := newConnection(f.svc, id, f.opts, f.inst)
	c.lg.Debug("connection created", zap.String("username", username))
	return c, nil
}
