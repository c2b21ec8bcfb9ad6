package store

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/kode4food/cascade/pkg/api"
)

// Cached is a read-through store that keeps settled instances in memory.
// Only instances that can no longer change are cached, so the cache never
// serves a stale snapshot of a running instance
type Cached struct {
	Store
	cache *ristretto.Cache
}

const (
	cacheCounterFactor = 10
	cacheBufferItems   = 64
)

// NewCached wraps s with a cache holding up to size instances
func NewCached(s Store, size int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(size, 1) * cacheCounterFactor,
		MaxCost:     max(size, 1),
		BufferItems: cacheBufferItems,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cached store: %w", err)
	}
	return &Cached{
		Store: s,
		cache: cache,
	}, nil
}

func (c *Cached) Save(ctx context.Context, inst *api.Instance) error {
	c.cache.Del(string(inst.ID))
	if err := c.Store.Save(ctx, inst); err != nil {
		return err
	}
	c.remember(inst)
	return nil
}

func (c *Cached) Load(
	ctx context.Context, id api.InstanceID,
) (*api.Instance, error) {
	if v, ok := c.cache.Get(string(id)); ok {
		return v.(*api.Instance).Clone(), nil
	}
	inst, err := c.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.remember(inst)
	return inst, nil
}

func (c *Cached) Delete(ctx context.Context, id api.InstanceID) error {
	c.cache.Del(string(id))
	return c.Store.Delete(ctx, id)
}

// Wait blocks until pending cache writes are visible
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache
func (c *Cached) Close() {
	c.cache.Close()
}

func (c *Cached) remember(inst *api.Instance) {
	if inst.Status.IsTerminal() {
		c.cache.Set(string(inst.ID), inst.Clone(), 1)
	}
}
