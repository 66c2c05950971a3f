package grpc

import (
	"context"
	"testing"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthFollowsLeadership(t *testing.T) {
	s := NewHealthServer(&config.ServerConfig{Name: "bookworld-scheduler", Host: "127.0.0.1", Port: 0}, zap.NewNop())
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "bookworld-scheduler"})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	s.SetLeader(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	s.SetLeader(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}
