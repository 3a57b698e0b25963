package server

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Component names whose serving status the daemon reports.
const (
	ComponentDatabase  = "database"
	ComponentScheduler = "scheduler"
)

// HealthChecker implements the gRPC health checking protocol
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer
	mu     sync.RWMutex
	status map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		status: make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
}

func (h *HealthChecker) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// The empty service name asks about the process as a whole: serving
	// only when every registered component is.
	if req.Service == "" {
		overall := grpc_health_v1.HealthCheckResponse_SERVING
		for _, s := range h.status {
			if s != grpc_health_v1.HealthCheckResponse_SERVING {
				overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
				break
			}
		}
		return &grpc_health_v1.HealthCheckResponse{Status: overall}, nil
	}

	if status, ok := h.status[req.Service]; ok {
		return &grpc_health_v1.HealthCheckResponse{
			Status: status,
		}, nil
	}

	return nil, status.Error(codes.NotFound, "unknown service")
}

func (h *HealthChecker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watching is not supported")
}

// SetServing marks a component healthy or unhealthy.
func (h *HealthChecker) SetServing(component string, serving bool) {
	s := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		s = grpc_health_v1.HealthCheckResponse_SERVING
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[component] = s
}
