// Package store defines how workflow instances are persisted between
// transitions and across restarts
package store

import (
	"context"
	"errors"
	"slices"

	"github.com/kode4food/cascade/pkg/api"
)

// Store persists instance snapshots. The engine saves after every transition
// and loads when resuming. Implementations must be safe for concurrent use
type Store interface {
	// Create persists a new instance, failing with ErrExists if an instance
	// with the same id is already stored
	Create(ctx context.Context, inst *api.Instance) error

	// Save persists the current state of an instance
	Save(ctx context.Context, inst *api.Instance) error

	// Load returns the stored instance or ErrNotFound
	Load(ctx context.Context, id api.InstanceID) (*api.Instance, error)

	// Delete removes an instance. Deleting a missing instance is not an
	// error
	Delete(ctx context.Context, id api.InstanceID) error

	// List returns the ids of stored instances in one of the given statuses,
	// or of all instances when none are given, in sorted order
	List(
		ctx context.Context, statuses ...api.InstanceStatus,
	) ([]api.InstanceID, error)
}

var (
	ErrExists   = errors.New("instance already stored")
	ErrNotFound = errors.New("instance not stored")
)

// Matches reports whether status passes a List filter
func Matches(status api.InstanceStatus, statuses []api.InstanceStatus) bool {
	return len(statuses) == 0 || slices.Contains(statuses, status)
}

// SortIDs sorts ids in place and returns them
func SortIDs(ids []api.InstanceID) []api.InstanceID {
	slices.Sort(ids)
	return ids
}
