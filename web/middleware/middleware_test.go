package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/infigaming-com/go-mqclient/util"
)

func newEngine(lg *zap.Logger, exclude ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(CorrelationIDMiddleware(), LoggingMiddleware(WithLogger(lg), WithExcludePaths(exclude...)))
	e.GET("/echo", func(c *gin.Context) {
		id, err := util.CorrelationIDFromCtx(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id)
	})
	e.GET("/fail", func(c *gin.Context) {
		c.Status(http.StatusBadGateway)
	})
	e.GET("/big", func(c *gin.Context) {
		c.String(http.StatusOK, strings.Repeat("x", 3*maxLoggedBody))
	})
	return e
}

func TestCorrelationID(t *testing.T) {
	e := newEngine(zap.NewNop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	generated := rec.Header().Get(CorrelationIDHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(CorrelationIDHeader, "given")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "given", rec.Header().Get(CorrelationIDHeader))
	assert.Equal(t, "given", rec.Body.String())
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := newEngine(zap.New(core), "/echo")

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/echo", nil))
	assert.Zero(t, logs.Len())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/big", nil))
	assert.Len(t, rec.Body.String(), 3*maxLoggedBody)
	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/big", fields["url"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.Len(t, fields["responseBody"], maxLoggedBody)
	assert.EqualValues(t, 3*maxLoggedBody, fields["bytes"])
	assert.Equal(t, rec.Header().Get(CorrelationIDHeader), fields["correlationID"])
}

func TestLoggingMiddlewareServerErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(LoggingMiddleware(WithLogger(zap.New(core)), WithDebugEnabled(false)))
	e.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	e.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Zero(t, logs.Len())

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}
