package app

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the engine.
const ServiceName = "netspectra.rx.Engine"

// HealthServer reports engine run state over the standard gRPC health
// protocol.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

// NewHealthServer listens on addr.
func NewHealthServer(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	h := &HealthServer{server: grpc.NewServer(), health: health.NewServer(), lis: lis}
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.server, h.health)
	return h, nil
}

// Addr returns the listen address.
func (h *HealthServer) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve serves in the background.
func (h *HealthServer) Serve() {
	go func() {
		log.Infof("gRPC health server listening on %s", h.lis.Addr())
		if err := h.server.Serve(h.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Error("gRPC health server failed")
		}
	}()
}

// Watch mirrors running into the serving status until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, running func() bool, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		h.set(running())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) set(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}

// Stop marks every service as not serving and stops the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
