package api

import (
	"context"
	"time"

	"github.com/cuemby/pgwarden/pkg/log"
	"github.com/cuemby/pgwarden/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingUnaryInterceptor logs and counts every unary gRPC call
func LoggingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(info.FullMethod, start, err)
		return resp, err
	}
}

// LoggingStreamInterceptor logs and counts every streaming gRPC call, such
// as health Watch, when the stream ends
func LoggingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		observe(info.FullMethod, start, err)
		return err
	}
}

func observe(method string, start time.Time, err error) {
	code := status.Code(err)
	metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()
	metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	logger := log.WithComponent("grpc")
	logger.Debug().
		Str("method", method).
		Str("code", code.String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC call served")
}
