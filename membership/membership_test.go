package membership_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/admit/membership"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available on localhost:6379: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	client := redisClient(t)
	prefix := "test-" + uuid.NewString()
	reg := membership.NewRegistry(client, membership.WithPrefix(prefix),
		membership.WithTTL(time.Second), membership.WithHeartbeatInterval(100*time.Millisecond))
	defer reg.Close()

	_, err := reg.Register(ctx, &membership.Instance{ID: "a"})
	assert.ErrorIs(t, err, membership.ErrInvalidInstance)

	deregB, err := reg.Register(ctx, &membership.Instance{ID: "b", Address: "10.0.0.2:9091", StartedAt: time.Now()})
	require.NoError(t, err)
	_, err = reg.Register(ctx, &membership.Instance{ID: "a", Address: "10.0.0.1:9091", Metadata: map[string]string{"partitions": "8"}})
	require.NoError(t, err)

	instances, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "a", instances[0].ID)
	assert.Equal(t, "8", instances[0].Metadata["partitions"])
	assert.Equal(t, "10.0.0.2:9091", instances[1].Address)

	// heartbeats outlive the ttl
	time.Sleep(1500 * time.Millisecond)
	instances, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	require.NoError(t, deregB(ctx))
	instances, err = reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "a", instances[0].ID)
}
