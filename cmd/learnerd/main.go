// Command learnerd serves the learning engine over gRPC and exposes
// Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/scottgal/lucidrag-sub005/internal/config"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/logging"
	"github.com/scottgal/lucidrag-sub005/internal/metrics"
	"github.com/scottgal/lucidrag-sub005/internal/rpc"
	"github.com/scottgal/lucidrag-sub005/internal/telemetry"
)

var version = "dev"

// #region main

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("LEARNER_CONFIG"), "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "learnerd: %v\n", err)
		return 2
	}
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "learnerd: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("listen", "addr", cfg.Server.GRPCAddr, "error", err)
		return 1
	}
	httpLis, err := net.Listen("tcp", cfg.Server.MetricsAddr)
	if err != nil {
		grpcLis.Close()
		logger.Error("listen", "addr", cfg.Server.MetricsAddr, "error", err)
		return 1
	}

	if err := serve(ctx, cfg, logger, grpcLis, httpLis); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// #endregion main

// #region serve

// serve runs until ctx is done or a listener fails, then drains both servers
// within cfg.Server.ShutdownTimeout.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, grpcLis, httpLis net.Listener) error {
	logger.Info("learnerd starting", "version", version, "grpc", grpcLis.Addr().String(),
		"metrics", httpLis.Addr().String(), "store", cfg.Store.Type)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	backend, err := cfg.OpenBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	m := metrics.New()
	eng := engine.New(backend, registry, cfg.EngineConfig(), logger, engine.WithRecorder(m))

	gs := grpc.NewServer(grpc.UnaryInterceptor(rpc.UnaryInterceptor(logger, telemetry.Meter("lucidlearn/rpc"))))
	rpc.NewServer(eng, logger.With("component", "rpc")).Register(gs)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go rpc.WatchHealth(bgCtx, hs, backend, cfg.Server.HealthInterval, logger.With("component", "health"))
	if cfg.Server.RepairInterval > 0 {
		go repairLoop(bgCtx, eng, logger.With("component", "repair"), cfg.Server.RepairInterval)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := gs.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("learnerd shutting down")
	stopBackground()
	hs.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown error", "error", err)
	}
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("grpc drain timed out, forcing stop")
		gs.Stop()
	}

	logger.Info("learnerd stopped")
	return runErr
}

// repairLoop finishes partially applied verdicts in the background.
func repairLoop(ctx context.Context, eng *engine.Engine, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := eng.Repair(ctx)
			if err != nil {
				logger.Warn("repair pass failed", "error", err)
				continue
			}
			if rep.Repaired > 0 || rep.Pending > 0 {
				logger.Info("repair pass", "repaired", rep.Repaired, "pending", rep.Pending, "signals", rep.Signals)
			}
		}
	}
}

// #endregion serve
