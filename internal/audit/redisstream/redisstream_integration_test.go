//go:build integration

package redisstream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/auditcore/auditcore/internal/audit"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedis_AppendIsReadable(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	w := New(client, "audit:events", 100)

	e := event()
	require.NoError(t, w.Append(ctx, e))

	msgs, err := client.XRange(ctx, "audit:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, e.ID, msgs[0].Values["event_id"])
	var got audit.Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, audit.ActionConfigChange, got.Action)
}

func TestRedis_StreamIsTrimmed(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	w := New(client, "audit:trimmed", 10)

	for range 500 {
		require.NoError(t, w.Append(ctx, event()))
	}
	n, err := client.XLen(ctx, "audit:trimmed").Result()
	require.NoError(t, err)
	// Approximate trimming keeps whole macro nodes, so only an upper bound holds.
	assert.Less(t, n, int64(500))
}
