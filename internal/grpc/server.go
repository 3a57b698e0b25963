// Package server exposes the daemon's gRPC health endpoint. The
// reporting pipeline itself has no inbound RPC API; this surface exists
// for liveness probing.
package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	middleware "github.com/tdm-edge/energyreport/internal/grpc/middlewares"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	RateLimit      float64 // Requests per second
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// SetupServer builds the gRPC server with the full interceptor chain
// and registers the health service. The returned HealthChecker is what
// the rest of the daemon flips component statuses on.
func SetupServer(logger *logrus.Logger, config ServerConfig, registry prometheus.Registerer) (*grpc.Server, *HealthChecker, error) {
	if err := registry.Register(middleware.Requests); err != nil {
		return nil, nil, err
	}
	if err := registry.Register(middleware.Latency); err != nil {
		return nil, nil, err
	}

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(
			chainUnaryInterceptors(
				middleware.ContextMiddleware, // Add request ID first
				middleware.NewRateLimitingInterceptor(rate.Limit(config.RateLimit), config.RateLimitBurst),
				middleware.NewLoggingInterceptor(logger),
				middleware.NewMetricsInterceptor(middleware.Requests, middleware.Latency),
			),
		),
	)

	checker := NewHealthChecker()
	grpc_health_v1.RegisterHealthServer(srv, checker)

	return srv, checker, nil
}

// chainUnaryInterceptors creates a single interceptor from multiple interceptors
func chainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			chainedInterceptor := chain
			chain = func(currentCtx context.Context, currentReq interface{}) (interface{}, error) {
				return interceptor(currentCtx, currentReq, info, chainedInterceptor)
			}
		}
		return chain(ctx, req)
	}
}
