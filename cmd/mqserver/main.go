// Command mqserver runs an in-process broker behind the gRPC transport
// endpoint, with a gin health endpoint beside it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/infigaming-com/go-mqclient/config"
	"github.com/infigaming-com/go-mqclient/observability/metrics"
	"github.com/infigaming-com/go-mqclient/transport/direct"
	"github.com/infigaming-com/go-mqclient/transport/grpcwire"
	"github.com/infigaming-com/go-mqclient/util"
	"github.com/infigaming-com/go-mqclient/web"
	"github.com/infigaming-com/go-mqclient/web/middleware"
)

var (
	configPath = flag.String("config", "", "Path to configuration file (optional)")
	version    = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg, done, err := util.NewLogger(util.WithLevel(cfg.Logger.Level), util.WithDevelopment(cfg.Logger.Development))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer done()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("mqserver stopped", zap.Error(err))
		done()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	lg.Info("starting mqserver",
		zap.String("version", version),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.Int("health_port", cfg.Server.HealthPort),
	)

	reg, closeRegistry, err := config.NewRegistry(ctx, cfg.Redis, lg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	broker := config.NewBroker(cfg.Transport, lg, reg)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := broker.Close(closeCtx); err != nil {
			lg.Warn("broker close", zap.Error(err))
		}
	}()

	exporter, err := config.NewExporter(ctx, cfg.Metrics, version)
	if err != nil {
		return fmt.Errorf("start metrics exporter: %w", err)
	}
	if exporter != nil {
		unregister, err := exporter.ObserveBroker(func() metrics.BrokerStats { return brokerStats(broker.Stats()) })
		if err != nil {
			return fmt.Errorf("observe broker: %w", err)
		}
		defer func() {
			_ = unregister()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exporter.Shutdown(shutdownCtx); err != nil {
				lg.Warn("metrics shutdown", zap.Error(err))
			}
		}()
	}

	srvOpts := []grpcwire.ServerOption{grpcwire.WithServerLogger(lg)}
	if cfg.Server.JWTSecret != "" {
		srvOpts = append(srvOpts, grpcwire.WithTokenSecret([]byte(cfg.Server.JWTSecret)))
	}
	srv := grpcwire.NewServer(broker, srvOpts...)
	gs := srv.GRPCServer()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	health := web.NewServer(lg,
		web.WithPort(int64(cfg.Server.HealthPort)),
		web.WithCustomHandler(middleware.CorrelationIDMiddleware()),
		web.WithCustomHandler(middleware.LoggingMiddleware(
			middleware.WithLogger(lg),
			middleware.WithDebugEnabled(cfg.Logger.Level == "debug"),
			middleware.WithExcludePaths("/"),
		)),
		web.WithStats(func() any { return broker.Stats() }),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("serving transport", zap.String("address", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return health.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down transport endpoint")
		srv.Close()
		gs.GracefulStop()
		return nil
	})

	return g.Wait()
}

func brokerStats(st direct.Stats) metrics.BrokerStats {
	return metrics.BrokerStats{
		Connections:    st.Connections,
		Sessions:       st.Sessions,
		Consumers:      st.Consumers,
		Destinations:   st.Destinations,
		Pending:        st.Pending,
		Unacknowledged: st.Unacknowledged,
	}
}
