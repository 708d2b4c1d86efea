// Package web serves the mqserver operational HTTP surface: liveness and a
// JSON snapshot of broker counters.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatsFunc reports whatever the health endpoint should expose about the process.
type StatsFunc func() any

type Server struct {
	engine          *gin.Engine
	lg              *zap.Logger
	mode            string
	port            int64
	stats           StatsFunc
	handlers        []gin.HandlerFunc
	shutdownTimeout time.Duration
}

type Option func(*Server)

func defaultServer() *Server {
	return &Server{
		mode:            gin.ReleaseMode,
		port:            8080,
		shutdownTimeout: 15 * time.Second,
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithPort(port int64) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithCustomHandler(handler gin.HandlerFunc) Option {
	return func(s *Server) {
		s.handlers = append(s.handlers, handler)
	}
}

func WithStats(fn StatsFunc) Option {
	return func(s *Server) {
		s.stats = fn
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

func NewServer(lg *zap.Logger, opts ...Option) *Server {
	s := defaultServer()
	s.lg = lg
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.handlers...)
	s.engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.NoRoute(s.defaultHandler())
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.port)
}

// Run serves on the configured port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.lg.Info("starting web server ...", zap.String("address", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.lg.Info("shutdown web server ...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown web server: %w", err)
	}
	s.lg.Info("web server exiting")
	return <-errCh
}

func (s *Server) defaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasSuffix(c.Request.URL.Path, "/healthcheck") {
			c.Status(http.StatusNotFound)
			return
		}
		if s.stats == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "broker": s.stats()})
	}
}
