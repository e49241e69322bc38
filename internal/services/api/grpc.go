package api

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the orchestrator.
const ServiceName = "inspection.Orchestrator"

// HealthServer publishes the standard gRPC health protocol. It reports
// NOT_SERVING while a landing fault is latched.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func NewHealthServer(log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	h := &HealthServer{srv: grpc.NewServer(), health: health.NewServer(), log: log}
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.SetFatal(false)
	return h
}

// SetFatal matches the fault listener signature of the orchestrator.
func (h *HealthServer) SetFatal(fatal bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if fatal {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(ServiceName, st)
}

// Serve listens on addr until ctx ends.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.ServeListener(ctx, lis)
}

func (h *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.srv.GracefulStop()
	}()
	h.log.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

// Check answers in-process.
func (h *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
