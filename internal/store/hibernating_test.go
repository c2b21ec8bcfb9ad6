package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/internal/store/blob"
	"github.com/kode4food/cascade/internal/store/memory"
	"github.com/kode4food/cascade/internal/store/storetest"
	"github.com/kode4food/cascade/pkg/api"

	_ "gocloud.dev/blob/memblob"
)

type failingStore struct {
	store.Store
	err error
}

func (f *failingStore) Save(context.Context, *api.Instance) error {
	return f.err
}

func newArchive(t *testing.T) *blob.Store {
	t.Helper()
	archive, err := blob.Open(context.Background(), "mem://", "archive/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	return archive
}

func TestHibernatingStore(t *testing.T) {
	storetest.Run(t, store.NewHibernating(memory.New(), newArchive(t)))
}

func TestHibernatingMovesTerminal(t *testing.T) {
	ctx := context.Background()
	primary := memory.New()
	archive := newArchive(t)
	h := store.NewHibernating(primary, archive)

	inst := storetest.NewInstance("wf-1", api.InstanceRunning)
	require.NoError(t, h.Create(ctx, inst))
	assert.Equal(t, 1, primary.Len())

	inst.Status = api.InstanceFailed
	require.NoError(t, h.Save(ctx, inst))
	assert.Equal(t, 1, primary.Len())

	inst.Status = api.InstanceCompensated
	require.NoError(t, h.Save(ctx, inst))
	assert.Equal(t, 0, primary.Len())

	got, err := archive.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.InstanceCompensated, got.Status)

	got, err = h.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.InstanceCompensated, got.Status)

	err = h.Create(ctx, storetest.NewInstance("wf-1", api.InstancePending))
	assert.ErrorIs(t, err, store.ErrExists)
}

func TestHibernatingArchiveFailure(t *testing.T) {
	ctx := context.Background()
	primary := memory.New()
	boom := errors.New("bucket unavailable")
	h := store.NewHibernating(primary,
		&failingStore{Store: memory.New(), err: boom},
	)

	inst := storetest.NewInstance("wf-1", api.InstanceRunning)
	require.NoError(t, h.Create(ctx, inst))

	inst.Status = api.InstanceCompleted
	assert.ErrorIs(t, h.Save(ctx, inst), boom)

	got, err := h.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, api.InstanceRunning, got.Status)
}
