package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/config"
	"github.com/infigaming-com/go-mqclient/jms"
	"github.com/infigaming-com/go-mqclient/transport/direct"
	"github.com/infigaming-com/go-mqclient/transport/grpcwire"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestBrokerStats(t *testing.T) {
	got := brokerStats(direct.Stats{Connections: 1, Sessions: 2, Consumers: 3, Destinations: 4, Pending: 5, Unacknowledged: 6})
	assert.Equal(t, 1, got.Connections)
	assert.Equal(t, 2, got.Sessions)
	assert.Equal(t, 3, got.Consumers)
	assert.Equal(t, 4, got.Destinations)
	assert.Equal(t, 5, got.Pending)
	assert.Equal(t, 6, got.Unacknowledged)
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Server.GRPCPort = freePort(t)
	cfg.Server.HealthPort = freePort(t)
	cfg.Server.JWTSecret = "s3cret"
	cfg.Transport.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.NewNop()) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthcheck", cfg.Server.HealthPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	token, err := newToken(cfg.Server.JWTSecret)
	require.NoError(t, err)
	client := config.Default()
	client.Transport.Mode = config.ModeGRPC
	client.Transport.Address = fmt.Sprintf("127.0.0.1:%d", cfg.Server.GRPCPort)
	client.Transport.Token = token
	c, err := config.Build(ctx, client, zap.NewNop(), nil)
	require.NoError(t, err)

	conn, err := c.Factory.CreateConnection(ctx)
	require.NoError(t, err)
	s, err := conn.CreateSession(ctx, jms.AutoAcknowledge)
	require.NoError(t, err)
	p, err := s.CreateProducer(ctx, jms.Queue{QueueName: "mqserver.test"})
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, jms.NewTextMessage("queued")))

	resp, err := http.Get(healthURL)
	require.NoError(t, err)
	var body struct {
		Status string       `json:"status"`
		Broker direct.Stats `json:"broker"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Broker.Connections)
	assert.Equal(t, 1, body.Broker.Pending)

	require.NoError(t, conn.Close(ctx))
	require.NoError(t, c.Close(ctx))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}
}

func newToken(secret string) (string, error) {
	return grpcwire.NewToken([]byte(secret), "mqserver-test", time.Minute)
}
