// Package redis persists instance snapshots as JSON in Redis, with a set per
// status for listing
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/pkg/api"
)

// Store is a Redis-backed instance store
type Store struct {
	client redis.UniversalClient
	prefix string
}

const (
	instanceKeyPart = ":instance:"
	statusKeyPart   = ":status:"
	allKeyPart      = ":instances"
)

var _ store.Store = (*Store)(nil)

// New wraps a Redis client. Keys are namespaced by prefix
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// NewClient connects a single-node Redis client
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Create(ctx context.Context, inst *api.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("redis store: create %s: %w", inst.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.instanceKey(inst.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis store: create %s: %w", inst.ID, err)
	}
	if !ok {
		return store.ErrExists
	}
	return s.index(ctx, inst, nil)
}

func (s *Store) Save(ctx context.Context, inst *api.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("redis store: save %s: %w", inst.ID, err)
	}
	return s.index(ctx, inst, data)
}

func (s *Store) Load(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	data, err := s.client.Get(ctx, s.instanceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis store: load %s: %w", id, err)
	}
	var res api.Instance
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("redis store: decode %s: %w", id, err)
	}
	return &res, nil
}

func (s *Store) Delete(ctx context.Context, id api.InstanceID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.instanceKey(id))
	pipe.SRem(ctx, s.allKey(), string(id))
	for _, st := range api.InstanceStatuses {
		pipe.SRem(ctx, s.statusKey(st), string(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(
	ctx context.Context, statuses ...api.InstanceStatus,
) ([]api.InstanceID, error) {
	var ids []string
	var err error
	if len(statuses) == 0 {
		ids, err = s.client.SMembers(ctx, s.allKey()).Result()
	} else {
		keys := make([]string, len(statuses))
		for i, st := range statuses {
			keys[i] = s.statusKey(st)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: list: %w", err)
	}

	res := make([]api.InstanceID, len(ids))
	for i, id := range ids {
		res[i] = api.InstanceID(id)
	}
	return store.SortIDs(res), nil
}

// index writes data (when given) and moves the instance to its status set in
// a single transaction
func (s *Store) index(
	ctx context.Context, inst *api.Instance, data []byte,
) error {
	id := string(inst.ID)
	pipe := s.client.TxPipeline()
	if data != nil {
		pipe.Set(ctx, s.instanceKey(inst.ID), data, 0)
	}
	pipe.SAdd(ctx, s.allKey(), id)
	for _, st := range api.InstanceStatuses {
		if st != inst.Status {
			pipe.SRem(ctx, s.statusKey(st), id)
		}
	}
	pipe.SAdd(ctx, s.statusKey(inst.Status), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: index %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) instanceKey(id api.InstanceID) string {
	return s.prefix + instanceKeyPart + string(id)
}

func (s *Store) statusKey(st api.InstanceStatus) string {
	return s.prefix + statusKeyPart + string(st)
}

func (s *Store) allKey() string {
	return s.prefix + allKeyPart
}
