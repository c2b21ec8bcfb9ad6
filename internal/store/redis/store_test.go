package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/internal/store/redis"
	"github.com/kode4food/cascade/internal/store/storetest"
	"github.com/kode4food/cascade/pkg/api"
)

func newStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(server.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return redis.New(client, "test"), server
}

func TestRedisStore(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Ping(context.Background()))
	storetest.Run(t, s)
}

func TestRedisKeys(t *testing.T) {
	s, server := newStore(t)
	ctx := context.Background()

	inst := storetest.NewInstance("wf-9", api.InstanceRunning)
	require.NoError(t, s.Create(ctx, inst))

	assert.True(t, server.Exists("test:instance:wf-9"))
	ok, err := server.SIsMember("test:status:running", "wf-9")
	require.NoError(t, err)
	assert.True(t, ok)

	inst.Status = api.InstanceCompleted
	require.NoError(t, s.Save(ctx, inst))
	assert.False(t, server.Exists("test:status:running"))
	ok, err = server.SIsMember("test:status:completed", "wf-9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCorruptSnapshot(t *testing.T) {
	s, server := newStore(t)
	require.NoError(t, server.Set("test:instance:bad", "{not json"))

	_, err := s.Load(context.Background(), "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
}

func TestRedisUnavailable(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(server.Addr(), "", 0)
	defer func() { _ = client.Close() }()
	s := redis.New(client, "test")
	server.Close()

	ctx := context.Background()
	inst := storetest.NewInstance("wf-1", api.InstanceRunning)
	assert.Error(t, s.Create(ctx, inst))
	assert.Error(t, s.Save(ctx, inst))
	_, err = s.Load(ctx, "wf-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
}
