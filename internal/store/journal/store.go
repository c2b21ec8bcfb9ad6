// Package journal persists instances as event streams in a timebox store.
// Every create, save, and delete appends an event carrying the instance, and
// the stored instance is the projection of its stream
package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/kode4food/timebox"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/pkg/api"
)

type (
	// Store is an event-sourced instance store
	Store struct {
		exec *timebox.Executor[*api.Instance]
		tb   *timebox.Timebox
	}

	// Aggregator raises instance events
	Aggregator = timebox.Aggregator[*api.Instance]

	// SnapshotEvent carries the whole instance as of a create or save
	SnapshotEvent struct {
		Instance *api.Instance `json:"instance"`
	}

	// DeletedEvent ends an instance's stream. A later create starts a new
	// projection on the same stream
	DeletedEvent struct {
		ID api.InstanceID `json:"id"`
	}
)

const (
	EventInstanceCreated timebox.EventType = "instance_created"
	EventInstanceSaved   timebox.EventType = "instance_saved"
	EventInstanceDeleted timebox.EventType = "instance_deleted"

	instancePrefix = "instance"
)

// Appliers project instance events onto an *api.Instance
var Appliers = timebox.Appliers[*api.Instance]{
	EventInstanceCreated: timebox.MakeApplier(instanceStored),
	EventInstanceSaved:   timebox.MakeApplier(instanceStored),
	EventInstanceDeleted: timebox.MakeApplier(instanceDeleted),
}

var _ store.Store = (*Store)(nil)

// New creates a store on an existing timebox store
func New(s *timebox.Store) *Store {
	return &Store{
		exec: timebox.NewExecutor(s, newInstance, Appliers),
	}
}

// Open creates a timebox and a Redis-backed store on it. Close releases
// both
func Open(cfg timebox.StoreConfig, cacheSize int) (*Store, error) {
	tb, err := timebox.NewTimebox(timebox.Config{
		MaxRetries: timebox.DefaultMaxRetries,
		CacheSize:  cacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("journal store: %w", err)
	}
	s, err := tb.NewStore(cfg)
	if err != nil {
		_ = tb.Close()
		return nil, fmt.Errorf("journal store: %w", err)
	}
	res := New(s)
	res.tb = tb
	return res, nil
}

// InstanceKey returns the aggregate id of an instance's stream
func InstanceKey(id api.InstanceID) timebox.AggregateID {
	return timebox.NewAggregateID(instancePrefix, timebox.ID(id))
}

func (s *Store) Create(ctx context.Context, inst *api.Instance) error {
	_, err := s.exec.Exec(ctx, InstanceKey(inst.ID),
		func(st *api.Instance, ag *Aggregator) error {
			if st.ID != "" {
				return store.ErrExists
			}
			return timebox.Raise(ag, EventInstanceCreated,
				&SnapshotEvent{Instance: inst},
			)
		},
	)
	if err != nil {
		return fmt.Errorf("journal store: create %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, inst *api.Instance) error {
	_, err := s.exec.Exec(ctx, InstanceKey(inst.ID),
		func(_ *api.Instance, ag *Aggregator) error {
			return timebox.Raise(ag, EventInstanceSaved,
				&SnapshotEvent{Instance: inst},
			)
		},
	)
	if err != nil {
		return fmt.Errorf("journal store: save %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) Load(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	inst, err := s.project(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id api.InstanceID) error {
	_, err := s.exec.Exec(ctx, InstanceKey(id),
		func(st *api.Instance, ag *Aggregator) error {
			if st.ID == "" {
				return nil
			}
			return timebox.Raise(ag, EventInstanceDeleted, &DeletedEvent{ID: id})
		},
	)
	if err != nil {
		return fmt.Errorf("journal store: delete %s: %w", id, err)
	}
	return nil
}

// List projects every instance stream, so its cost grows with the number of
// streams ever written
func (s *Store) List(
	ctx context.Context, statuses ...api.InstanceStatus,
) ([]api.InstanceID, error) {
	ids, err := s.exec.GetStore().ListAggregates(ctx, InstanceKey("*"))
	if err != nil {
		return nil, fmt.Errorf("journal store: list: %w", err)
	}

	res := []api.InstanceID{}
	for _, aid := range ids {
		if len(aid) < 2 || aid[0] != instancePrefix {
			continue
		}
		inst, err := s.project(ctx, api.InstanceID(aid[1]))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if store.Matches(inst.Status, statuses) {
			res = append(res, inst.ID)
		}
	}
	return store.SortIDs(res), nil
}

// Close releases the timebox if the store opened it
func (s *Store) Close() error {
	if s.tb == nil {
		return nil
	}
	return s.tb.Close()
}

func (s *Store) project(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	inst, err := s.exec.Exec(ctx, InstanceKey(id),
		func(*api.Instance, *Aggregator) error {
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("journal store: load %s: %w", id, err)
	}
	if inst.ID == "" {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

func newInstance() *api.Instance {
	return &api.Instance{}
}

func instanceStored(
	_ *api.Instance, _ *timebox.Event, data SnapshotEvent,
) *api.Instance {
	if data.Instance == nil {
		return newInstance()
	}
	return data.Instance
}

func instanceDeleted(
	_ *api.Instance, _ *timebox.Event, _ DeletedEvent,
) *api.Instance {
	return newInstance()
}
