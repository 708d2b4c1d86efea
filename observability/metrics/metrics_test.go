package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{
			name: "http endpoint",
			opts: []Option{WithServiceName("mqserver"), WithOTLPEndpoint("localhost:4318"), WithEnvironment("test")},
		},
		{
			name: "grpc endpoint",
			opts: []Option{WithOTLPEndpoint(""), WithOTLPGRPCEndpoint("localhost:4317")},
		},
		{
			name: "reader only",
			opts: []Option{WithOTLPEndpoint(""), WithReader(sdkmetric.NewManualReader())},
		},
		{
			name:    "nothing to export to",
			opts:    []Option{WithOTLPEndpoint("")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewExporter(context.Background(), tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, e.MeterProvider())
			// nothing listens on the endpoints, so the final flush may fail
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_ = e.Shutdown(ctx)
		})
	}
}

func gaugeOf(t *testing.T, agg metricdata.Aggregation) int64 {
	g, ok := agg.(metricdata.Gauge[int64])
	require.True(t, ok, "aggregation is %T", agg)
	require.Len(t, g.DataPoints, 1)
	return g.DataPoints[0].Value
}

func TestObserveBroker(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	e, err := NewExporter(context.Background(), WithOTLPEndpoint(""), WithReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	st := BrokerStats{Connections: 2, Sessions: 3, Pending: 7}
	unregister, err := e.ObserveBroker(func() BrokerStats { return st })
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, int64(2), gaugeOf(t, got["mq.broker.connections"]))
	assert.Equal(t, int64(3), gaugeOf(t, got["mq.broker.sessions"]))
	assert.Equal(t, int64(7), gaugeOf(t, got["mq.broker.messages.pending"]))
	assert.Equal(t, int64(0), gaugeOf(t, got["mq.broker.consumers"]))

	st.Pending = 1
	got = collect(t, reader)
	assert.Equal(t, int64(1), gaugeOf(t, got["mq.broker.messages.pending"]))

	require.NoError(t, unregister())
	got = collect(t, reader)
	assert.NotContains(t, got, "mq.broker.connections")
}

func TestClientInstrumentsOnExporter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	e, err := NewExporter(context.Background(), WithOTLPEndpoint(""), WithReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	in, err := NewInstruments(e.MeterProvider())
	require.NoError(t, err)
	in.Sent(context.Background(), "queue://orders")
	assert.Equal(t, int64(1), sumOf(t, collect(t, reader)["mq.client.messages.sent"]))
}
