package blob_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gcblob "gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/internal/store/blob"
	"github.com/kode4food/cascade/internal/store/storetest"
	"github.com/kode4food/cascade/pkg/api"

	_ "gocloud.dev/blob/fileblob"
)

func TestBlobStore(t *testing.T) {
	s, err := blob.Open(context.Background(), "mem://", "archive/")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	storetest.Run(t, s)
}

func TestBlobFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := blob.Open(context.Background(), "file://"+dir, "")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	storetest.Run(t, s)
}

func TestBlobKeyFormat(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	s := blob.New(bucket, "archived/")
	defer func() { _ = s.Close() }()

	inst := storetest.NewInstance("wf-7", api.InstanceCompleted)
	require.NoError(t, s.Save(ctx, inst))

	ok, err := bucket.Exists(ctx, "archived/wf-7.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBlobIgnoresForeignKeys(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	s := blob.New(bucket, "archived/")
	defer func() { _ = s.Close() }()

	require.NoError(t, bucket.WriteAll(ctx, "archived/readme.txt", []byte("x"),
		&gcblob.WriterOptions{ContentType: "text/plain"},
	))
	require.NoError(t, bucket.WriteAll(ctx, "other/wf-1.json", []byte("{}"),
		nil,
	))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Load(ctx, "wf-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
