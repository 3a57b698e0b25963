package middleware

import (
	"context"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

var (
	// Requests counts handled RPCs by method.
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "energyreport_grpc_requests_total",
		Help: "Handled gRPC requests.",
	}, []string{"method"})

	// Latency observes per-method handling time.
	Latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energyreport_grpc_request_duration_seconds",
		Help:    "gRPC request handling time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)

func NewMetricsInterceptor(
	requests *prometheus.CounterVec,
	latency *prometheus.HistogramVec,
) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		// Record metrics
		duration := time.Since(start).Seconds()
		method := path.Base(info.FullMethod)

		requests.WithLabelValues(method).Inc()
		latency.WithLabelValues(method).Observe(duration)

		return resp, err
	}
}
