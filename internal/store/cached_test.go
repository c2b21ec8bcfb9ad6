package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/internal/store/memory"
	"github.com/kode4food/cascade/internal/store/storetest"
	"github.com/kode4food/cascade/pkg/api"
)

func TestCachedStore(t *testing.T) {
	c, err := store.NewCached(memory.New(), 16)
	require.NoError(t, err)
	defer c.Close()

	storetest.Run(t, c)
}

func TestCachedServesTerminalFromCache(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	c, err := store.NewCached(backing, 16)
	require.NoError(t, err)
	defer c.Close()

	inst := storetest.NewInstance("done", api.InstanceCompleted)
	require.NoError(t, c.Save(ctx, inst))
	c.Wait()

	require.NoError(t, backing.Delete(ctx, "done"))

	got, err := c.Load(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, api.InstanceCompleted, got.Status)

	got.Status = api.InstanceFailed
	again, err := c.Load(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, api.InstanceCompleted, again.Status)
}

func TestCachedSkipsActiveInstances(t *testing.T) {
	ctx := context.Background()
	backing := memory.New()
	c, err := store.NewCached(backing, 16)
	require.NoError(t, err)
	defer c.Close()

	inst := storetest.NewInstance("live", api.InstanceRunning)
	require.NoError(t, c.Save(ctx, inst))
	c.Wait()

	inst.Status = api.InstancePaused
	require.NoError(t, backing.Save(ctx, inst))

	got, err := c.Load(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, api.InstancePaused, got.Status)
}

func TestCachedDeleteEvicts(t *testing.T) {
	ctx := context.Background()
	c, err := store.NewCached(memory.New(), 16)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Save(ctx,
		storetest.NewInstance("gone", api.InstanceCancelled),
	))
	c.Wait()
	require.NoError(t, c.Delete(ctx, "gone"))

	_, err = c.Load(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
