package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/jms"
	"github.com/infigaming-com/go-mqclient/transport/direct"
	"github.com/infigaming-com/go-mqclient/transport/gpubsub"
	"github.com/infigaming-com/go-mqclient/transport/grpcwire"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
transport:
  mode: grpc
  address: broker:7676
  poll_interval: 20ms
client:
  client_id: billing
  container: server
  override: legacy
  compress_all: true
  fetch_timeout: 5s
logger:
  level: debug
server:
  grpc_port: 9000
`)
	t.Setenv("MQ_TOKEN", "secret-token")
	t.Setenv("SERVER_HEALTH_PORT", "9100")
	t.Setenv("MQ_CLIENT_ID", "billing-2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeGRPC, cfg.Transport.Mode)
	assert.Equal(t, "broker:7676", cfg.Transport.Address)
	assert.Equal(t, "secret-token", cfg.Transport.Token)
	assert.Equal(t, 20*time.Millisecond, cfg.Transport.PollInterval)
	assert.Equal(t, 10, cfg.Transport.MaxRedeliveries)
	assert.Equal(t, "billing-2", cfg.Client.ClientID)
	assert.Equal(t, "server", cfg.Client.Container)
	assert.Equal(t, "legacy", cfg.Client.Override)
	assert.True(t, cfg.Client.CompressAll)
	assert.True(t, cfg.Client.RequeueOnBodyMismatch)
	assert.Equal(t, 5*time.Second, cfg.Client.FetchTimeout)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 9000, cfg.Server.GRPCPort)
	assert.Equal(t, 9100, cfg.Server.HealthPort)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: "transport:\n  flavour: fast\n"},
		{name: "bad yaml", body: "transport: [\n"},
		{name: "grpc without address", body: "transport:\n  mode: grpc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown mode", mutate: func(c *Config) { c.Transport.Mode = "carrier-pigeon" }},
		{name: "pubsub without project", mutate: func(c *Config) { c.Transport.Mode = ModePubSub }},
		{name: "negative redeliveries", mutate: func(c *Config) { c.Transport.MaxRedeliveries = -1 }},
		{name: "zero poll interval", mutate: func(c *Config) { c.Transport.PollInterval = 0 }},
		{name: "container", mutate: func(c *Config) { c.Client.Container = "applet" }},
		{name: "override", mutate: func(c *Config) { c.Client.Override = "sometimes" }},
		{name: "fetch timeout", mutate: func(c *Config) { c.Client.FetchTimeout = -time.Second }},
		{name: "log level", mutate: func(c *Config) { c.Logger.Level = "chatty" }},
		{name: "metrics protocol", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Protocol = "udp"
		}},
		{name: "metrics endpoint", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Endpoint = ""
		}},
		{name: "grpc port", mutate: func(c *Config) { c.Server.GRPCPort = 0 }},
		{name: "health port", mutate: func(c *Config) { c.Server.HealthPort = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func roundTrip(t *testing.T, f *jms.ConnectionFactory, queue string) {
	t.Helper()
	ctx := context.Background()
	conn, err := f.CreateConnection(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)
	require.NoError(t, conn.Start(ctx))
	s, err := conn.CreateSession(ctx, jms.AutoAcknowledge)
	require.NoError(t, err)

	q := jms.Queue{QueueName: queue}
	c, err := s.CreateConsumer(ctx, q)
	require.NoError(t, err)
	p, err := s.CreateProducer(ctx, q)
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, jms.NewTextMessage("hello")))

	msg, err := c.ReceiveTimeout(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	text, err := msg.(*jms.TextMessage).Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestBuildDirect(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Transport.PollInterval = 5 * time.Millisecond

	c, err := Build(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NotNil(t, c.Broker)
	assert.IsType(t, &direct.Broker{}, c.Service)
	roundTrip(t, c.Factory, "config.direct")
	require.NoError(t, c.Close(ctx))
}

func TestBuildDirectWithRedisRegistry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := Default()
	cfg.Redis.Address = mr.Addr()
	cfg.Client.ClientID = "shared"

	first, err := Build(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer first.Close(ctx)
	second, err := Build(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer second.Close(ctx)

	conn, err := first.Factory.CreateConnection(ctx)
	require.NoError(t, err)
	defer conn.Close(ctx)

	_, err = second.Factory.CreateConnection(ctx)
	assert.Error(t, err, "client id is claimed by the other broker")
}

func TestBuildRedisUnreachable(t *testing.T) {
	cfg := Default()
	cfg.Redis.Address = "127.0.0.1:1"
	_, err := Build(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestBuildGRPC(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Transport.Mode = ModeGRPC
	cfg.Transport.Address = "passthrough:///localhost:1"
	cfg.Transport.Token = "t"

	c, err := Build(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.IsType(t, &grpcwire.Client{}, c.Service)
	assert.Nil(t, c.Broker)
	assert.NoError(t, c.Close(ctx))
}

func TestBuildPubSub(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()
	t.Setenv("PUBSUB_EMULATOR_HOST", srv.Addr)

	cfg := Default()
	cfg.Transport.Mode = ModePubSub
	cfg.Transport.Project = "config-test"

	c, err := Build(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.IsType(t, &gpubsub.Transport{}, c.Service)
	roundTrip(t, c.Factory, "config.pubsub")
	require.NoError(t, c.Close(ctx))
}

func TestFactoryOptions(t *testing.T) {
	cfg := Default().Client
	cfg.ClientID = "id"
	cfg.Username = "u"
	opts, err := FactoryOptions(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Len(t, opts, 10)

	b := direct.New()
	defer b.Close(context.Background())
	_, err = jms.NewConnectionFactory(b, opts...)
	assert.NoError(t, err)

	cfg.Container = "bogus"
	_, err = FactoryOptions(cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestNewExporterDisabled(t *testing.T) {
	e, err := NewExporter(context.Background(), Default().Metrics, "v1")
	require.NoError(t, err)
	assert.Nil(t, e)
}
