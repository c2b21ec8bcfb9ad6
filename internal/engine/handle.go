package engine

import (
	"context"
	"sync"

	"github.com/kode4food/cascade/pkg/api"
)

// Handle tracks an instance run. It resolves when the instance completes,
// is cancelled or compensated, pauses, or fails without compensation
type Handle struct {
	done chan struct{}
	inst *api.Instance
	err  error
	id   api.InstanceID
	once sync.Once
}

func newHandle(id api.InstanceID) *Handle {
	return &Handle{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID returns the id of the tracked instance
func (h *Handle) ID() api.InstanceID {
	return h.id
}

// Done is closed when the handle resolves
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle resolves or ctx ends. The error is non-nil
// only when the engine itself failed the instance or ctx ended first
func (h *Handle) Wait(ctx context.Context) (*api.Instance, error) {
	select {
	case <-h.done:
		return h.inst.Clone(), h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(inst *api.Instance, err error) {
	h.once.Do(func() {
		h.inst = inst
		h.err = err
		close(h.done)
	})
}
