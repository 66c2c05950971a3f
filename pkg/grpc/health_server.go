package grpc

import (
	"fmt"
	"net"
	"sync"

	"github.com/duchieu205/bookworld/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServer exposes grpc.health.v1 for the scheduler process. The
// scheduler service reports SERVING only while this process holds
// leadership.
type HealthServer struct {
	config *config.ServerConfig
	health *health.Server
	logger *zap.Logger

	mu  sync.Mutex
	srv *grpc.Server
}

func NewHealthServer(cfg *config.ServerConfig, logger *zap.Logger) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus(cfg.Name, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{
		config: cfg,
		health: h,
		logger: logger.Named("health"),
	}
}

// SetLeader flips the service status as leadership is gained or lost.
func (s *HealthServer) SetLeader(leader bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if leader {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(s.config.Name, status)
	s.logger.Info("Health status changed", zap.String("service", s.config.Name), zap.String("status", status.String()))
}

// Start listens and serves until Stop. It returns the listener error, if any.
func (s *HealthServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("Health server started", zap.String("address", addr))

	return srv.Serve(lis)
}

func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
}
