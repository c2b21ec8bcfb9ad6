// Package blob archives instance snapshots in a gocloud blob bucket (S3, GCS,
// Azure Blob Storage, local files or memory)
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/pkg/api"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// Store keeps one JSON object per instance under a key prefix
type Store struct {
	bucket *blob.Bucket
	prefix string
}

const keySuffix = ".json"

var _ store.Store = (*Store)(nil)

// Open opens the bucket at bucketURL
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return New(bucket, prefix), nil
}

// New wraps an open bucket
func New(bucket *blob.Bucket, prefix string) *Store {
	return &Store{
		bucket: bucket,
		prefix: prefix,
	}
}

// Create writes inst unless an object for its id already exists. Archives
// are written by a single owner, so the check is not atomic
func (s *Store) Create(ctx context.Context, inst *api.Instance) error {
	ok, err := s.bucket.Exists(ctx, s.keyFor(inst.ID))
	if err != nil {
		return fmt.Errorf("blob store: create %s: %w", inst.ID, err)
	}
	if ok {
		return store.ErrExists
	}
	return s.Save(ctx, inst)
}

func (s *Store) Save(ctx context.Context, inst *api.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("blob store: save %s: %w", inst.ID, err)
	}
	return s.bucket.WriteAll(ctx, s.keyFor(inst.ID), data, nil)
}

func (s *Store) Load(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var res api.Instance
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("blob store: decode %s: %w", id, err)
	}
	return &res, nil
}

func (s *Store) Delete(ctx context.Context, id api.InstanceID) error {
	err := s.bucket.Delete(ctx, s.keyFor(id))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// List walks the prefix. Filtering by status requires reading each object
func (s *Store) List(
	ctx context.Context, statuses ...api.InstanceStatus,
) ([]api.InstanceID, error) {
	res := []api.InstanceID{}
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blob store: list: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, keySuffix) {
			continue
		}
		id := api.InstanceID(strings.TrimSuffix(
			strings.TrimPrefix(obj.Key, s.prefix), keySuffix,
		))
		if len(statuses) > 0 {
			inst, err := s.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			if !store.Matches(inst.Status, statuses) {
				continue
			}
		}
		res = append(res, id)
	}
	return store.SortIDs(res), nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}

func (s *Store) keyFor(id api.InstanceID) string {
	return s.prefix + string(id) + keySuffix
}
