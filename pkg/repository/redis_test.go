package repository

import (
	"context"
	"testing"
	"time"

	"github.com/duchieu205/bookworld/pkg/config"
	"github.com/duchieu205/bookworld/pkg/events"
	"github.com/duchieu205/bookworld/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func setupRedis(t *testing.T) *RedisRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	addr, err := container.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err)

	repo := NewRedisRepository(&config.RedisConfig{
		Addr:          addr,
		PoolSize:      4,
		OrderCacheTTL: time.Minute,
	})
	t.Cleanup(func() { _ = repo.Close() })
	require.NoError(t, repo.Ping(ctx))
	return repo
}

func TestRedisLock(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()

	release, err := repo.Acquire(ctx, "settlement:abc", 5*time.Second)
	require.NoError(t, err)

	_, err = repo.Acquire(ctx, "settlement:abc", 5*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := repo.Acquire(ctx, "settlement:def", 5*time.Second)
	require.NoError(t, err)
	other()

	release()
	again, err := repo.Acquire(ctx, "settlement:abc", 5*time.Second)
	require.NoError(t, err)
	again()
}

func TestRedisLockExpires(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()

	stale, err := repo.Acquire(ctx, "settlement:ttl", 200*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		release, err := repo.Acquire(ctx, "settlement:ttl", 5*time.Second)
		if err != nil {
			return false
		}
		// The expired holder must not release the new holder's lock.
		stale()
		_, err = repo.Acquire(ctx, "settlement:ttl", 5*time.Second)
		release()
		return assert.ErrorIs(t, err, ErrLockHeld)
	}, 5*time.Second, 100*time.Millisecond)
}

func TestRedisOrderCache(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()

	order := &models.Order{
		ID:     primitive.NewObjectID(),
		UserID: primitive.NewObjectID(),
		Status: models.StatusConfirmed,
		Total:  130000,
	}
	require.NoError(t, repo.CacheOrder(ctx, order))

	cached, err := repo.GetCachedOrder(ctx, order.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, order.Status, cached.Status)
	assert.Equal(t, order.Total, cached.Total)

	// A status event evicts the cached copy.
	require.NoError(t, repo.Publish(ctx, events.OrderEvent{OrderID: order.ID.Hex()}))
	_, err = repo.GetCachedOrder(ctx, order.ID.Hex())
	assert.Error(t, err)
}
