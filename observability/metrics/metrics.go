package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Exporter owns the SDK meter provider that client and broker instruments
// record on, and pushes its readings to an OTLP collector.
type Exporter struct {
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	resource         *resource.Resource
	readers          []sdkmetric.Reader
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
	global           bool
}

type Option func(*Exporter)

func WithServiceName(name string) Option {
	return func(e *Exporter) {
		e.serviceName = name
	}
}

func WithServiceNamespace(namespace string) Option {
	return func(e *Exporter) {
		e.serviceNamespace = namespace
	}
}

func WithServiceVersion(version string) Option {
	return func(e *Exporter) {
		e.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint. An empty endpoint disables
// the HTTP exporter.
func WithOTLPEndpoint(endpoint string) Option {
	return func(e *Exporter) {
		e.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint, which wins over HTTP.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(e *Exporter) {
		e.otlpGRPCEndpoint = endpoint
	}
}

func WithEnvironment(env string) Option {
	return func(e *Exporter) {
		e.environment = env
	}
}

// WithInterval sets how often readings are pushed to the collector.
func WithInterval(d time.Duration) Option {
	return func(e *Exporter) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithReader attaches an extra reader, e.g. a ManualReader in tests.
func WithReader(r sdkmetric.Reader) Option {
	return func(e *Exporter) {
		if r != nil {
			e.readers = append(e.readers, r)
		}
	}
}

// WithGlobal installs the provider as the otel global meter provider.
func WithGlobal() Option {
	return func(e *Exporter) {
		e.global = true
	}
}

func defaultConfig() *Exporter {
	return &Exporter{
		serviceName:      "mqserver",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
	}
}

func NewExporter(ctx context.Context, opts ...Option) (*Exporter, error) {
	e := defaultConfig()
	for _, opt := range opts {
		opt(e)
	}
	if e.otlpGRPCEndpoint == "" && e.otlpEndpoint == "" && len(e.readers) == 0 {
		return nil, errors.New("metrics: an OTLP endpoint or a reader is required")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(e.serviceName),
			semconv.ServiceNamespace(e.serviceNamespace),
			semconv.ServiceVersion(e.serviceVersion),
			semconv.DeploymentEnvironment(e.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch {
	case e.otlpGRPCEndpoint != "":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(e.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("metrics: create OTLP gRPC exporter: %w", err)
		}
	case e.otlpEndpoint != "":
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(e.otlpEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("metrics: create OTLP HTTP exporter: %w", err)
		}
	}

	popts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if exporter != nil {
		popts = append(popts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(e.interval),
		)))
	}
	for _, r := range e.readers {
		popts = append(popts, sdkmetric.WithReader(r))
	}
	e.meterProvider = sdkmetric.NewMeterProvider(popts...)
	if e.global {
		otel.SetMeterProvider(e.meterProvider)
	}
	e.meter = e.meterProvider.Meter(instrumentationName)
	e.resource = res
	return e, nil
}

// MeterProvider is what jms.WithMeterProvider takes.
func (e *Exporter) MeterProvider() metric.MeterProvider {
	return e.meterProvider
}

// Shutdown flushes pending readings and stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.meterProvider.Shutdown(ctx)
}

// BrokerStats is the occupancy snapshot reported by a broker.
type BrokerStats struct {
	Connections    int
	Sessions       int
	Consumers      int
	Destinations   int
	Pending        int
	Unacknowledged int
}

// ObserveBroker registers gauges that read fn on every collection. The
// returned function unregisters them.
func (e *Exporter) ObserveBroker(fn func() BrokerStats) (func() error, error) {
	gauges := []struct {
		name, desc, unit string
		read             func(BrokerStats) int
	}{
		{"mq.broker.connections", "Open connections", "{connection}", func(s BrokerStats) int { return s.Connections }},
		{"mq.broker.sessions", "Open sessions", "{session}", func(s BrokerStats) int { return s.Sessions }},
		{"mq.broker.consumers", "Registered consumers", "{consumer}", func(s BrokerStats) int { return s.Consumers }},
		{"mq.broker.destinations", "Known destinations", "{destination}", func(s BrokerStats) int { return s.Destinations }},
		{"mq.broker.messages.pending", "Messages waiting for a consumer", "{message}", func(s BrokerStats) int { return s.Pending }},
		{"mq.broker.messages.unacknowledged", "Delivered, unsettled messages", "{message}", func(s BrokerStats) int { return s.Unacknowledged }},
	}
	observables := make([]metric.Observable, 0, len(gauges))
	instruments := make([]metric.Int64ObservableGauge, 0, len(gauges))
	for _, g := range gauges {
		gauge, err := e.meter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc), metric.WithUnit(g.unit))
		if err != nil {
			return nil, fmt.Errorf("metrics: create gauge %s: %w", g.name, err)
		}
		instruments = append(instruments, gauge)
		observables = append(observables, gauge)
	}
	reg, err := e.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := fn()
		for i, g := range gauges {
			o.ObserveInt64(instruments[i], int64(g.read(st)))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("metrics: register broker gauges: %w", err)
	}
	return reg.Unregister, nil
}
