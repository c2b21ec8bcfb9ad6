// Package memory provides an in-process instance store
package memory

import (
	"context"
	"sync"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/pkg/api"
)

// Store keeps deep copies of instances in memory
type Store struct {
	mu        sync.RWMutex
	instances map[api.InstanceID]*api.Instance
}

var _ store.Store = (*Store)(nil)

// New returns an empty memory store
func New() *Store {
	return &Store{
		instances: map[api.InstanceID]*api.Instance{},
	}
}

func (s *Store) Create(_ context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return store.ErrExists
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) Save(_ context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) Load(
	_ context.Context, id api.InstanceID,
) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instances[id]; ok {
		return inst.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) Delete(_ context.Context, id api.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

func (s *Store) List(
	_ context.Context, statuses ...api.InstanceStatus,
) ([]api.InstanceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []api.InstanceID{}
	for id, inst := range s.instances {
		if store.Matches(inst.Status, statuses) {
			res = append(res, id)
		}
	}
	return store.SortIDs(res), nil
}

// Len returns the number of stored instances
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
