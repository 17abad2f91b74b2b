package grpc

import (
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer wraps the gRPC health check server. The master service is
// reported SERVING only while this node holds a master epoch, so slaves and
// load balancers can find the leader by probing.
type HealthServer struct {
	server *health.Server
}

// NewHealthServer creates a new health check server
func NewHealthServer() *HealthServer {
	h := &HealthServer{server: health.NewServer()}
	h.server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(MasterServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetMaster reports whether the master service is being served.
func (h *HealthServer) SetMaster(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(MasterServiceName, st)
}

// Shutdown marks every service NOT_SERVING
func (h *HealthServer) Shutdown() {
	h.server.Shutdown()
}

// GetServer returns the underlying health server for registration
func (h *HealthServer) GetServer() *health.Server {
	return h.server
}
