// Package storetest checks a store implementation against the behavior the
// engine relies on
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/internal/store"
	"github.com/kode4food/cascade/pkg/api"
)

// NewInstance returns a populated instance suitable for round trips
func NewInstance(id api.InstanceID, status api.InstanceStatus) *api.Instance {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	wc := api.NewContext()
	wc.Put("channel", "main")
	wc.Put("fetch", map[string]any{"views": float64(42)})
	return &api.Instance{
		ID:        id,
		Workflow:  "scrape",
		Status:    status,
		Context:   wc,
		CreatedAt: now,
		StartedAt: now,
		UpdatedAt: now.Add(time.Second),
		Steps: []*api.StepRecord{
			{
				StepID:        "fetch",
				Status:        api.StepCompleted,
				Output:        map[string]any{"views": float64(42)},
				AttemptCount:  1,
				CompletionSeq: 1,
				UpdatedAt:     now.Add(time.Second),
				CompletedAt:   now.Add(time.Second),
				Attempts: []*api.Attempt{{
					Number:    1,
					Status:    api.StepCompleted,
					StartedAt: now,
					EndedAt:   now.Add(time.Second),
				}},
			},
			{
				StepID: "analyze",
				Status: api.StepPending,
			},
		},
	}
}

// Run exercises s. The store must start out empty
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		_, err := s.Load(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("create and load", func(t *testing.T) {
		inst := NewInstance("wf-1", api.InstanceRunning)
		require.NoError(t, s.Create(ctx, inst))

		got, err := s.Load(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, got.ID)
		assert.Equal(t, inst.Workflow, got.Workflow)
		assert.Equal(t, inst.Status, got.Status)
		assert.True(t, inst.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, []string{"channel", "fetch"}, got.Context.Keys())
		require.Len(t, got.Steps, 2)
		assert.Equal(t, api.StepCompleted, got.Steps[0].Status)
		assert.Equal(t, int64(1), got.Steps[0].CompletionSeq)
		assert.Equal(t,
			map[string]any{"views": float64(42)}, got.Steps[0].Output,
		)
		require.Len(t, got.Steps[0].Attempts, 1)
		assert.Equal(t, api.StepPending, got.Steps[1].Status)
	})

	t.Run("create duplicate", func(t *testing.T) {
		inst := NewInstance("wf-1", api.InstancePending)
		assert.ErrorIs(t, s.Create(ctx, inst), store.ErrExists)

		got, err := s.Load(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, api.InstanceRunning, got.Status)
	})

	t.Run("save overwrites", func(t *testing.T) {
		inst := NewInstance("wf-1", api.InstancePaused)
		inst.Steps[1].Status = api.StepRunning
		require.NoError(t, s.Save(ctx, inst))

		got, err := s.Load(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, api.InstancePaused, got.Status)
		assert.Equal(t, api.StepRunning, got.Steps[1].Status)
	})

	t.Run("loaded copies are independent", func(t *testing.T) {
		got, err := s.Load(ctx, "wf-1")
		require.NoError(t, err)
		got.Status = api.InstanceCancelled
		got.Steps[0].Status = api.StepFailed

		again, err := s.Load(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, api.InstancePaused, again.Status)
		assert.Equal(t, api.StepCompleted, again.Steps[0].Status)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, s.Save(ctx,
			NewInstance("wf-2", api.InstanceRunning),
		))
		require.NoError(t, s.Save(ctx,
			NewInstance("wf-0", api.InstanceCompleted),
		))

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []api.InstanceID{"wf-0", "wf-1", "wf-2"}, all)

		some, err := s.List(ctx, api.InstanceRunning, api.InstancePaused)
		require.NoError(t, err)
		assert.Equal(t, []api.InstanceID{"wf-1", "wf-2"}, some)

		none, err := s.List(ctx, api.InstanceCompensating)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("status index follows saves", func(t *testing.T) {
		require.NoError(t, s.Save(ctx,
			NewInstance("wf-2", api.InstanceFailed),
		))
		running, err := s.List(ctx, api.InstanceRunning)
		require.NoError(t, err)
		assert.Empty(t, running)

		failed, err := s.List(ctx, api.InstanceFailed)
		require.NoError(t, err)
		assert.Equal(t, []api.InstanceID{"wf-2"}, failed)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "wf-1"))
		require.NoError(t, s.Delete(ctx, "wf-1"))

		_, err := s.Load(ctx, "wf-1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []api.InstanceID{"wf-0", "wf-2"}, all)

		require.NoError(t, s.Create(ctx,
			NewInstance("wf-1", api.InstancePending),
		))
	})
}
