package monitoring

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported by the health endpoint.
const (
	ServiceIngest = "siloscan.ingest"
	ServiceWorker = "siloscan.worker"
)

// HealthServer exposes the standard grpc.health.v1 service so orchestrators
// can check ingestion and the worker independently.
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewHealthServer registers the health service. All named services start
// NOT_SERVING until SetServing is called.
func NewHealthServer(services ...string) *HealthServer {
	h := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	for _, s := range services {
		h.health.SetServingStatus(s, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// SetServing flips one service's status. The empty name is the overall
// server status.
func (h *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(service, status)
}

// Start serves on addr in the background.
func (h *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return h.Serve(lis)
}

// Serve serves on an existing listener in the background.
func (h *HealthServer) Serve(lis net.Listener) error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health server already running")
	}
	h.listener = lis

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		Logf("[Health] gRPC health listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			Logf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop marks everything NOT_SERVING and drains the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	if !h.running.Swap(false) {
		return
	}
	h.server.GracefulStop()
	h.wg.Wait()
	Logf("[Health] gRPC health stopped")
}
