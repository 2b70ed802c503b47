package rpc

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryInterceptor logs every call and records call counts and latency on meter.
func UnaryInterceptor(logger *slog.Logger, meter metric.Meter) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	calls, _ := meter.Int64Counter("lucidlearn.rpc.calls",
		metric.WithDescription("Learner RPCs handled, by method and status code"))
	duration, _ := meter.Float64Histogram("lucidlearn.rpc.duration",
		metric.WithDescription("Learner RPC latency"), metric.WithUnit("ms"))

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)
		code := status.Code(err)

		attrs := metric.WithAttributes(
			attribute.String("rpc.method", info.FullMethod),
			attribute.String("rpc.grpc.status_code", code.String()),
		)
		if calls != nil {
			calls.Add(ctx, 1, attrs)
		}
		if duration != nil {
			duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
		}

		switch code {
		case codes.OK:
			logger.Debug("rpc", "method", info.FullMethod, "duration", elapsed)
		case codes.Internal, codes.Unavailable, codes.Unknown:
			logger.Error("rpc failed", "method", info.FullMethod, "code", code.String(), "error", err)
		default:
			logger.Info("rpc rejected", "method", info.FullMethod, "code", code.String(), "error", err)
		}
		return resp, err
	}
}
