package deadletter_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/admit/deadletter"
)

func testQueue(t *testing.T, q deadletter.Queue) {
	ctx := context.Background()

	assert.Error(t, q.Push(ctx, deadletter.Message{}))

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(ctx, deadletter.Message{
			Original:  []byte(fmt.Sprintf(`{"key":"k%d"}`, i)),
			Error:     "boom",
			Seq:       uint64(i),
			Timestamp: time.Unix(int64(i), 0).UTC(),
		}))
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "trimmed to the newest three")

	msgs, err := q.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(3), msgs[0].Seq)
	assert.Equal(t, uint64(2), msgs[1].Seq)
	assert.Equal(t, []byte(`{"key":"k3"}`), msgs[0].Original)
	assert.Equal(t, "boom", msgs[0].Error)
}

func TestMemoryQueue(t *testing.T) {
	testQueue(t, deadletter.NewMemoryQueue(3))
}

func TestRedisQueue(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	defer client.Close()

	key := "admit-test-" + uuid.NewString() + ":dlq"
	defer client.Del(context.Background(), key)
	testQueue(t, deadletter.NewRedisQueue(client, key, 3))
}
