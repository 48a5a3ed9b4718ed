package server

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/linluma/marketfeed/shared/logger"
)

// ServiceName is the health service clients watch for stream status
const ServiceName = "marketfeed"

// StatusSource publishes the connected flag of the market data stream
type StatusSource interface {
	Watch() (<-chan bool, func())
}

// HealthServer mirrors the stream connection into the standard gRPC health
// service. ServiceName is SERVING while the stream is open and NOT_SERVING
// otherwise, mock mode included.
type HealthServer struct {
	source StatusSource
	health *health.Server
	grpc   *grpc.Server
	log    *logger.Entry
}

// NewHealthServer creates the server. Nothing is served until Serve.
func NewHealthServer(source StatusSource, log *logger.Entry) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h)

	return &HealthServer{
		source: source,
		health: h,
		grpc:   s,
		log:    logger.OrDiscard(log).WithComponent("grpc"),
	}
}

// Serve answers health requests on lis until ctx is done
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go s.mirror(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logger.Fields{"addr": lis.Addr().String()}).Info("gRPC health server listening")
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc server stopped: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on the TCP port and serves until ctx is done
func (s *HealthServer) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(ctx, lis)
}

func (s *HealthServer) mirror(ctx context.Context) {
	status, cancel := s.source.Watch()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case connected, ok := <-status:
			if !ok {
				s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
				return
			}
			next := healthpb.HealthCheckResponse_NOT_SERVING
			if connected {
				next = healthpb.HealthCheckResponse_SERVING
			}
			s.health.SetServingStatus(ServiceName, next)
			s.log.WithFields(logger.Fields{"status": next.String()}).Debug("Health status updated")
		}
	}
}
