package dual

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/caches/memory"
	"github.com/modelmux/modelmux/caches/redis"
)

func newTiers(t *testing.T) (*memory.Cache, *redis.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	remote := redis.NewFromClient(client, "", time.Hour)
	t.Cleanup(func() { _ = remote.Close() })
	return memory.New(memory.DefaultConfig()), remote, mr
}

func TestWriteThroughBothTiers(t *testing.T) {
	local, remote, mr := newTiers(t)
	c := New(local, remote, DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := local.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.True(t, mr.Exists("k"))
}

func TestGetBackfillsLocal(t *testing.T) {
	local, remote, _ := newTiers(t)
	c := New(local, remote, DefaultConfig(), nil)
	ctx := context.Background()

	// Value present only in the shared tier, as if written by another node.
	require.NoError(t, remote.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	val, err = local.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestRemoteDownDegradesToMiss(t *testing.T) {
	local, remote, mr := newTiers(t)
	c := New(local, remote, DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, remote.Set(ctx, "k", []byte("v"), time.Minute))
	mr.Close()

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRemoteDownIncrUsesLocalCounter(t *testing.T) {
	local, remote, mr := newTiers(t)
	c := New(local, remote, DefaultConfig(), nil)
	ctx := context.Background()
	mr.Close()

	n, err := c.Incr(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIncrPrefersSharedValue(t *testing.T) {
	local, remote, _ := newTiers(t)
	c := New(local, remote, DefaultConfig(), nil)
	ctx := context.Background()

	// Simulate another node having already incremented the shared counter.
	_, err := remote.Incr(ctx, "counter", 5, time.Minute)
	require.NoError(t, err)

	n, err := c.Incr(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestNilRemoteLocalOnly(t *testing.T) {
	local := memory.New(memory.DefaultConfig())
	c := New(local, nil, DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	require.NoError(t, c.Ping(ctx))
}

func TestFlushLocalKeepsShared(t *testing.T) {
	local, remote, mr := newTiers(t)
	c := New(local, remote, DefaultConfig(), nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	c.FlushLocal()

	assert.True(t, mr.Exists("k"))
	val, err := remote.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}
