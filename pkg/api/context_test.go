package api_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/pkg/api"
)

func TestContextPutGet(t *testing.T) {
	c := api.NewContext()
	c.Put("b", 1)
	c.Put("a", "two")
	c.Put("b", 3)

	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"b", "a"}, c.Keys())
	assert.Equal(t, 2, c.Len())
}

func TestContextMergeOtherWins(t *testing.T) {
	input := api.NewContext()
	input.Put("channel", "yt")
	input.Put("limit", 10)

	persisted := api.NewContext()
	persisted.Put("limit", 50)
	persisted.Put("fetch", "done")

	merged := input.Merge(persisted)
	assert.Equal(t, []string{"channel", "limit", "fetch"}, merged.Keys())

	v, _ := merged.Get("limit")
	assert.Equal(t, 50, v)

	orig, _ := input.Get("limit")
	assert.Equal(t, 10, orig)
	assert.Equal(t, 2, input.Len())
}

func TestContextMergeNil(t *testing.T) {
	c := api.ContextOf(map[string]any{"x": 1})
	merged := c.Merge(nil)
	assert.Equal(t, c.ToMap(), merged.ToMap())
}

func TestContextNilReceiver(t *testing.T) {
	var c *api.WorkflowContext
	_, ok := c.Get("x")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Keys())
	assert.Empty(t, c.ToMap())
	assert.Equal(t, 0, c.Clone().Len())
}

func TestContextZeroValuePut(t *testing.T) {
	var c api.WorkflowContext
	c.Put("k", "v")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestContextJSONKeepsOrder(t *testing.T) {
	c := api.NewContext()
	c.Put("zeta", 1)
	c.Put("alpha", map[string]any{"nested": true})
	c.Put("mid", []any{"a", "b"})

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"zeta":1,"alpha":{"nested":true},"mid":["a","b"]}`, string(data),
	)

	var decoded api.WorkflowContext
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, decoded.Keys())

	v, _ := decoded.Get("zeta")
	assert.Equal(t, float64(1), v)
}

func TestContextUnmarshalRejectsNonObject(t *testing.T) {
	var c api.WorkflowContext
	err := json.Unmarshal([]byte(`[1,2]`), &c)
	assert.ErrorIs(t, err, api.ErrContextJSON)
}

func TestContextLookup(t *testing.T) {
	c := api.NewContext()
	c.Put("fetch", map[string]any{
		"stats": map[string]any{"views": 42},
		"tags":  []string{"go", "saga"},
	})
	c.Put("plain.key", "direct")

	v, ok := c.Lookup("fetch.stats.views")
	assert.True(t, ok)
	assert.Equal(t, float64(42), v)

	v, ok = c.Lookup("fetch.tags.1")
	assert.True(t, ok)
	assert.Equal(t, "saga", v)

	v, ok = c.Lookup("plain.key")
	assert.True(t, ok)
	assert.Equal(t, "direct", v)

	_, ok = c.Lookup("fetch.stats.likes")
	assert.False(t, ok)
}

func TestContextValue(t *testing.T) {
	type video struct {
		Title string `json:"title"`
	}

	c := api.NewContext()
	c.Put("count", float64(3))
	c.Put("name", "clip")
	c.Put("video", map[string]any{"title": "intro"})

	n, err := api.ContextValue[int](c, "count")
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	s, err := api.ContextValue[string](c, "name")
	assert.NoError(t, err)
	assert.Equal(t, "clip", s)

	vid, err := api.ContextValue[video](c, "video")
	assert.NoError(t, err)
	assert.Equal(t, "intro", vid.Title)

	_, err = api.ContextValue[int](c, "name")
	assert.ErrorIs(t, err, api.ErrContextType)
	assert.True(t, api.IsPermanent(err))
	assert.Equal(t, api.KindContextType, api.KindOf(err))

	_, err = api.ContextValue[int](c, "missing")
	assert.True(t, errors.Is(err, api.ErrContextMissing))
	assert.True(t, api.IsPermanent(err))
}
