package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthcheck(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		stats      StatsFunc
		wantStatus int
		wantBroker bool
	}{
		{name: "root", path: "/", wantStatus: http.StatusOK},
		{name: "healthcheck without stats", path: "/healthcheck", wantStatus: http.StatusOK},
		{
			name:       "prefixed healthcheck with stats",
			path:       "/mq/healthcheck",
			stats:      func() any { return map[string]int{"connections": 2} },
			wantStatus: http.StatusOK,
			wantBroker: true,
		},
		{name: "unknown", path: "/nope", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(zap.NewNop(), WithMode(gin.TestMode), WithStats(tt.stats))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			if !tt.wantBroker {
				return
			}
			var body struct {
				Status string         `json:"status"`
				Broker map[string]int `json:"broker"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "ok", body.Status)
			assert.Equal(t, 2, body.Broker["connections"])
		})
	}
}

func TestCustomHandlerRunsFirst(t *testing.T) {
	s := NewServer(zap.NewNop(), WithMode(gin.TestMode), WithCustomHandler(func(c *gin.Context) {
		c.Header("X-Test", "yes")
		c.Next()
	}))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, "yes", rec.Header().Get("X-Test"))
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(zap.NewNop(), WithMode(gin.TestMode), WithShutdownTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthcheck")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
