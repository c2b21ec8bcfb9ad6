package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kode4food/cascade/pkg/api"
	"github.com/kode4food/cascade/pkg/log"
)

// Hibernating moves instances that reach a terminal status out of a primary
// store into an archive, and falls back to the archive when loading
type Hibernating struct {
	primary Store
	archive Store
}

var _ Store = (*Hibernating)(nil)

// NewHibernating combines a primary store with an archive
func NewHibernating(primary, archive Store) *Hibernating {
	return &Hibernating{
		primary: primary,
		archive: archive,
	}
}

func (h *Hibernating) Create(ctx context.Context, inst *api.Instance) error {
	if _, err := h.archive.Load(ctx, inst.ID); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return h.primary.Create(ctx, inst)
}

func (h *Hibernating) Save(ctx context.Context, inst *api.Instance) error {
	if !inst.Status.IsTerminal() {
		return h.primary.Save(ctx, inst)
	}
	if err := h.archive.Save(ctx, inst); err != nil {
		return err
	}
	if err := h.primary.Delete(ctx, inst.ID); err != nil {
		slog.Warn("Archived instance left in primary store",
			log.InstanceID(inst.ID),
			log.Error(err))
	}
	return nil
}

func (h *Hibernating) Load(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	inst, err := h.primary.Load(ctx, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return inst, err
	}
	return h.archive.Load(ctx, id)
}

func (h *Hibernating) Delete(ctx context.Context, id api.InstanceID) error {
	return errors.Join(
		h.primary.Delete(ctx, id),
		h.archive.Delete(ctx, id),
	)
}

func (h *Hibernating) List(
	ctx context.Context, statuses ...api.InstanceStatus,
) ([]api.InstanceID, error) {
	active, err := h.primary.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	archived, err := h.archive.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	seen := make(map[api.InstanceID]bool, len(active))
	res := make([]api.InstanceID, 0, len(active)+len(archived))
	for _, id := range append(active, archived...) {
		if !seen[id] {
			seen[id] = true
			res = append(res, id)
		}
	}
	return SortIDs(res), nil
}
