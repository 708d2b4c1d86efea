package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/clientid"
	"github.com/infigaming-com/go-mqclient/jms"
	"github.com/infigaming-com/go-mqclient/observability/metrics"
	"github.com/infigaming-com/go-mqclient/transport"
	"github.com/infigaming-com/go-mqclient/transport/direct"
	"github.com/infigaming-com/go-mqclient/transport/gpubsub"
	"github.com/infigaming-com/go-mqclient/transport/grpcwire"
)

func containerMode(s string) (jms.ContainerMode, error) {
	switch strings.ToLower(s) {
	case "", "client":
		return jms.ContainerClient, nil
	case "server":
		return jms.ContainerServer, nil
	default:
		return 0, fmt.Errorf("unknown container mode %q", s)
	}
}

func overrideMode(s string) (jms.OverrideMode, error) {
	switch strings.ToLower(s) {
	case "", "container-rules":
		return jms.OverrideContainerRules, nil
	case "legacy":
		return jms.OverrideLegacy, nil
	default:
		return 0, fmt.Errorf("unknown override mode %q", s)
	}
}

// Client bundles a transport with a connection factory over it.
type Client struct {
	Service transport.Service
	Factory *jms.ConnectionFactory
	// Broker is set in direct mode.
	Broker *direct.Broker

	closers []func(context.Context) error
}

// Close releases the transport and everything Build opened for it, in reverse order.
func (c *Client) Close(ctx context.Context) error {
	var errs error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, c.closers[i](ctx))
	}
	c.closers = nil
	return errs
}

// NewRegistry returns the Redis client id registry when one is configured,
// and the in-process registry otherwise.
func NewRegistry(ctx context.Context, cfg RedisConfig, lg *zap.Logger) (clientid.Registry, func() error, error) {
	if cfg.Address == "" {
		return clientid.NewLocal(), func() error { return nil }, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Address, err)
	}
	return clientid.NewRedis(lg, rdb), rdb.Close, nil
}

// NewBroker builds an in-process broker from the transport settings.
func NewBroker(cfg TransportConfig, lg *zap.Logger, reg clientid.Registry) *direct.Broker {
	return direct.New(
		direct.WithLogger(lg),
		direct.WithRegistry(reg),
		direct.WithPollInterval(cfg.PollInterval),
		direct.WithMaxRedeliveries(cfg.MaxRedeliveries),
		direct.WithDeadLetterQueue(cfg.DeadLetterQueue),
	)
}

// FactoryOptions translates the client section into factory options.
func FactoryOptions(cfg ClientConfig, lg *zap.Logger, mp metric.MeterProvider) ([]jms.Option, error) {
	container, err := containerMode(cfg.Container)
	if err != nil {
		return nil, err
	}
	override, err := overrideMode(cfg.Override)
	if err != nil {
		return nil, err
	}
	opts := []jms.Option{
		jms.WithLogger(lg),
		jms.WithContainerMode(container),
		jms.WithOverrideMode(override),
		jms.WithManaged(cfg.Managed, cfg.Pooled),
		jms.WithCompressAll(cfg.CompressAll),
		jms.WithThreadAffinityCheck(cfg.ThreadAffinityCheck),
		jms.WithRequeueOnBodyMismatch(cfg.RequeueOnBodyMismatch),
		jms.WithDefaultFetchTimeout(cfg.FetchTimeout),
	}
	if mp != nil {
		opts = append(opts, jms.WithMeterProvider(mp))
	}
	if cfg.ClientID != "" {
		opts = append(opts, jms.WithClientID(cfg.ClientID))
	}
	if cfg.Username != "" {
		opts = append(opts, jms.WithCredentials(cfg.Username, cfg.Password))
	}
	return opts, nil
}

// Build opens the configured transport and a connection factory over it.
// mp may be nil.
func Build(ctx context.Context, cfg *Config, lg *zap.Logger, mp metric.MeterProvider) (*Client, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	c := &Client{}
	fail := func(err error) (*Client, error) {
		return nil, multierr.Append(err, c.Close(ctx))
	}

	reg, closeRegistry, err := NewRegistry(ctx, cfg.Redis, lg)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func(context.Context) error { return closeRegistry() })

	switch cfg.Transport.Mode {
	case ModeDirect:
		b := NewBroker(cfg.Transport, lg, reg)
		c.Service, c.Broker = b, b
		c.closers = append(c.closers, b.Close)
	case ModeGRPC:
		var opts []grpcwire.ClientOption
		opts = append(opts, grpcwire.WithLogger(lg))
		if cfg.Transport.Token != "" {
			opts = append(opts, grpcwire.WithBearerToken(cfg.Transport.Token))
		}
		cl, err := grpcwire.Dial(cfg.Transport.Address, opts...)
		if err != nil {
			return fail(fmt.Errorf("dial %s: %w", cfg.Transport.Address, err))
		}
		c.Service = cl
		c.closers = append(c.closers, func(context.Context) error { return cl.Close() })
	case ModePubSub:
		pcfg := gpubsub.Config{
			ProjectID:       cfg.Transport.Project,
			Endpoint:        cfg.Transport.Endpoint,
			Logger:          lg,
			Registry:        reg,
			DeadLetterQueue: cfg.Transport.DeadLetterQueue,
			MaxRedeliveries: cfg.Transport.MaxRedeliveries,
		}
		if cfg.Transport.CredentialsFile != "" {
			b, err := os.ReadFile(cfg.Transport.CredentialsFile)
			if err != nil {
				return fail(fmt.Errorf("read pubsub credentials: %w", err))
			}
			pcfg.CredentialsJSON = b
		}
		tr, err := gpubsub.New(ctx, pcfg)
		if err != nil {
			return fail(err)
		}
		c.Service = tr
		c.closers = append(c.closers, tr.Close)
	default:
		return fail(fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode))
	}

	opts, err := FactoryOptions(cfg.Client, lg, mp)
	if err != nil {
		return fail(err)
	}
	f, err := jms.NewConnectionFactory(c.Service, opts...)
	if err != nil {
		return fail(err)
	}
	c.Factory = f
	return c, nil
}

// NewExporter starts the OTLP exporter described by cfg, or returns nil
// when metrics are disabled.
func NewExporter(ctx context.Context, cfg MetricsConfig, version string) (*metrics.Exporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := []metrics.Option{
		metrics.WithServiceName(cfg.ServiceName),
		metrics.WithInterval(cfg.Interval),
	}
	if version != "" {
		opts = append(opts, metrics.WithServiceVersion(version))
	}
	if cfg.Environment != "" {
		opts = append(opts, metrics.WithEnvironment(cfg.Environment))
	}
	if strings.EqualFold(cfg.Protocol, "grpc") {
		opts = append(opts, metrics.WithOTLPGRPCEndpoint(cfg.Endpoint))
	} else {
		opts = append(opts, metrics.WithOTLPEndpoint(cfg.Endpoint))
	}
	return metrics.NewExporter(ctx, opts...)
}
