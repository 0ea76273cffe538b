package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nixpig/queuefleet/internal/fleet"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	// healthService is the service name reported alongside the overall ""
	// status.
	healthService = "queuefleet"

	unixScheme = "unix://"

	// shutdownTimeout bounds GracefulStop, which otherwise waits for every
	// open Watch stream to end.
	shutdownTimeout = 2 * time.Second
)

// healthServer serves grpc.health.v1.Health, reporting SERVING only while the
// fleet is running.
type healthServer struct {
	logger     *zap.Logger
	health     *health.Server
	grpcServer *grpc.Server
}

// newHealthServer creates the server. creds may be nil for a plaintext
// endpoint.
func newHealthServer(
	logger *zap.Logger,
	creds credentials.TransportCredentials,
) *healthServer {
	s := &healthServer{
		logger: logger,
		health: health.NewServer(),
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			contextCheckUnaryInterceptor,
			s.loggingUnaryInterceptor,
		),
	}

	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}

	s.grpcServer = grpc.NewServer(opts...)

	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	return s
}

func (s *healthServer) start(listener net.Listener) error {
	return s.grpcServer.Serve(listener)
}

func (s *healthServer) setState(state fleet.State) {
	servingStatus := healthpb.HealthCheckResponse_NOT_SERVING
	if state == fleet.StateRunning {
		servingStatus = healthpb.HealthCheckResponse_SERVING
	}

	s.health.SetServingStatus("", servingStatus)
	s.health.SetServingStatus(healthService, servingStatus)
}

func (s *healthServer) shutdown() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.grpcServer.Stop()
		<-done
	}
}

func (s *healthServer) loggingUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	resp, err := handler(ctx, req)

	s.logger.Debug(
		"health check",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", status.Code(err)),
	)

	return resp, err
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}

// listen opens a listener for address, which is either host:port or
// unix:///path/to/socket. A stale socket file is removed first.
func listen(address string) (net.Listener, error) {
	path, ok := strings.CutPrefix(address, unixScheme)
	if !ok {
		return net.Listen("tcp", address)
	}

	if path == "" {
		return nil, errors.New("unix socket path is empty")
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	return net.Listen("unix", path)
}
