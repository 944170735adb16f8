package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/cuemby/fleetsync/pkg/metrics"
)

// LoggingInterceptor creates a gRPC unary interceptor that logs every call
// and counts it in the API request metric under its full method name.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")

		return resp, err
	}
}
