//go:build integration

package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mudtools/MudFeishu-sub002/natsclient"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func exerciseStore(t *testing.T, store DistributedStore) {
	ctx := context.Background()

	set, err := store.TrySet(ctx, "evt:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = store.TrySet(ctx, "evt:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, store.Delete(ctx, "evt:1"))
	set, err = store.TrySet(ctx, "evt:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, store.Delete(ctx, "never-set"))
}

func TestRedisStore_Integration(t *testing.T) {
	client := startRedis(t)
	store := NewRedisStore(client, "dedup:")
	exerciseStore(t, store)

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Complete(ctx, "evt:1", time.Minute))
	val, err := client.Get(ctx, "dedup:evt:1").Result()
	require.NoError(t, err)
	assert.Equal(t, redisCompleted, val)
}

func TestNATSStore_Integration(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	store, err := OpenNATSStore(context.Background(), tc.Client, "DEDUP_TEST", time.Minute)
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestLayered_TwoInstancesShareRedis(t *testing.T) {
	client := startRedis(t)
	a := newTestLayered(t, NewRedisStore(client, "dedup:"))
	b := newTestLayered(t, NewRedisStore(client, "dedup:"))
	ctx := context.Background()

	require.False(t, a.TryMarkProcessing(ctx, "evt-shared"))
	assert.True(t, b.TryMarkProcessing(ctx, "evt-shared"))

	a.RollbackProcessing(ctx, "evt-shared")
	assert.False(t, b.TryMarkProcessing(ctx, "evt-shared"))
}
