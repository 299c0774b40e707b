// Package health serves the standard gRPC health checking protocol for the
// database and the query agent.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported besides the overall ("") status.
const (
	ServiceDatabase = "askdb.Database"
	ServiceAgent    = "askdb.Agent"
)

const (
	defaultInterval = 30 * time.Second
	pingTimeout     = 5 * time.Second
)

var errConnectionShutdown = errors.New("connection shutdown")

// Pinger is satisfied by the database handle.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server reports database reachability and agent availability over gRPC.
type Server struct {
	grpc           *grpc.Server
	health         *health.Server
	db             Pinger
	agentAvailable bool
	logger         *slog.Logger
}

// NewServer creates a health server. The agent status never changes at
// runtime; the database status is refreshed by Refresh.
func NewServer(db Pinger, agentAvailable bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:           grpc.NewServer(),
		health:         health.NewServer(),
		db:             db,
		agentAvailable: agentAvailable,
		logger:         logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	agentStatus := healthpb.HealthCheckResponse_SERVING
	if !agentAvailable {
		agentStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceAgent, agentStatus)
	return s
}

// Refresh pings the database and updates the reported statuses. The overall
// status follows the database; a disabled agent does not make the server
// unhealthy because the page still reports the configuration error.
func (s *Server) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.db == nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else {
		ctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("Health check: database unreachable", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus(ServiceDatabase, status)
	s.health.SetServingStatus("", status)
}

// Serve refreshes statuses every interval and serves on lis until ctx is
// done or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}
	s.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Refresh(ctx)
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			}
		}
	}()

	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC health: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, interval time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis, interval)
}

// Probe dials target and returns the serving status of service.
func Probe(ctx context.Context, target, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("create client for %s: %w", target, err)
	}
	defer func() { _ = conn.Close() }()

	if err := waitForReady(ctx, conn); err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health server at %s not ready: %w", target, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp.GetStatus(), nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}
