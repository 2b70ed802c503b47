package rpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger reports backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WatchHealth pings p every interval and flips the Learner service between
// SERVING and NOT_SERVING on hs. It returns when ctx is done.
func WatchHealth(ctx context.Context, hs *health.Server, p Pinger, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := p.Ping(pctx); err != nil {
			logger.Warn("backend ping failed", "error", err)
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
		return healthpb.HealthCheckResponse_SERVING
	}

	last := check()
	hs.SetServingStatus(ServiceName, last)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st := check(); st != last {
				logger.Info("learner health changed", "status", st.String())
				hs.SetServingStatus(ServiceName, st)
				last = st
			}
		}
	}
}
