package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/infigaming-com/go-mqclient"

// Instruments is the set of client metrics recorded by sessions, producers
// and consumers. A nil *Instruments records nothing.
type Instruments struct {
	sent         metric.Int64Counter
	received     metric.Int64Counter
	acknowledged metric.Int64Counter
	redelivered  metric.Int64Counter
	requeued     metric.Int64Counter
	commits      metric.Int64Counter
	rollbacks    metric.Int64Counter
	listenerErrs metric.Int64Counter
	sessions     metric.Int64UpDownCounter
	fetchLatency metric.Float64Histogram
}

// NewInstruments registers the client instruments on mp. A nil provider
// falls back to a no-op provider.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	var (
		in  Instruments
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&in.sent, "mq.client.messages.sent", "Messages handed to the transport"},
		{&in.received, "mq.client.messages.received", "Messages delivered to the application"},
		{&in.acknowledged, "mq.client.messages.acknowledged", "Acknowledgments sent to the transport"},
		{&in.redelivered, "mq.client.messages.redelivered", "Messages returned by recover"},
		{&in.requeued, "mq.client.messages.requeued", "Messages returned after a body type mismatch"},
		{&in.commits, "mq.client.transactions.committed", "Committed transactions"},
		{&in.rollbacks, "mq.client.transactions.rolled_back", "Rolled back transactions"},
		{&in.listenerErrs, "mq.client.listener.errors", "Message listener failures"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{message}"))
		if err != nil {
			return nil, err
		}
	}
	in.sessions, err = meter.Int64UpDownCounter("mq.client.sessions.open",
		metric.WithDescription("Open sessions"), metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}
	in.fetchLatency, err = meter.Float64Histogram("mq.client.fetch.duration",
		metric.WithDescription("Synchronous fetch latency"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func destAttr(dest string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("destination", dest))
}

func (in *Instruments) Sent(ctx context.Context, dest string) {
	if in == nil {
		return
	}
	in.sent.Add(ctx, 1, destAttr(dest))
}

func (in *Instruments) Received(ctx context.Context, dest string, async bool) {
	if in == nil {
		return
	}
	in.received.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", dest), attribute.Bool("async", async)))
}

func (in *Instruments) Acknowledged(ctx context.Context, n int) {
	if in == nil || n == 0 {
		return
	}
	in.acknowledged.Add(ctx, int64(n))
}

func (in *Instruments) Redelivered(ctx context.Context, n int) {
	if in == nil || n == 0 {
		return
	}
	in.redelivered.Add(ctx, int64(n))
}

func (in *Instruments) Requeued(ctx context.Context, dest string) {
	if in == nil {
		return
	}
	in.requeued.Add(ctx, 1, destAttr(dest))
}

func (in *Instruments) Committed(ctx context.Context) {
	if in == nil {
		return
	}
	in.commits.Add(ctx, 1)
}

func (in *Instruments) RolledBack(ctx context.Context) {
	if in == nil {
		return
	}
	in.rollbacks.Add(ctx, 1)
}

func (in *Instruments) ListenerFailed(ctx context.Context, dest string) {
	if in == nil {
		return
	}
	in.listenerErrs.Add(ctx, 1, destAttr(dest))
}

func (in *Instruments) SessionOpened(ctx context.Context) {
	if in == nil {
		return
	}
	in.sessions.Add(ctx, 1)
}

func (in *Instruments) SessionClosed(ctx context.Context) {
	if in == nil {
		return
	}
	in.sessions.Add(ctx, -1)
}

func (in *Instruments) Fetched(ctx context.Context, d time.Duration, found bool) {
	if in == nil {
		return
	}
	in.fetchLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("found", found)))
}
