package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/tidwall/gjson"
)

// WorkflowContext is the ordered key/value bag threaded through the steps of
// a workflow instance. Keys keep their first insertion order; values are
// overwritten in place and never implicitly removed. A WorkflowContext is not
// safe for concurrent mutation: the engine owns the instance's context and
// hands steps a clone
type WorkflowContext struct {
	values map[string]any
	keys   []string
}

var ErrContextJSON = errors.New("workflow context must be a JSON object")

// NewContext returns an empty workflow context
func NewContext() *WorkflowContext {
	return &WorkflowContext{
		values: map[string]any{},
	}
}

// ContextOf builds a context from a map. Keys are inserted in sorted order so
// that the result is deterministic
func ContextOf(values map[string]any) *WorkflowContext {
	res := NewContext()
	for _, k := range slices.Sorted(maps.Keys(values)) {
		res.Put(k, values[k])
	}
	return res
}

// Get returns the value stored under key
func (c *WorkflowContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Put stores value under key, overwriting any previous value
func (c *WorkflowContext) Put(key string, value any) {
	if c.values == nil {
		c.values = map[string]any{}
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Merge returns a new context combining c and other. Values from other win
// when both contain the same key
func (c *WorkflowContext) Merge(other *WorkflowContext) *WorkflowContext {
	res := c.Clone()
	if other == nil {
		return res
	}
	for _, k := range other.keys {
		res.Put(k, other.values[k])
	}
	return res
}

// Clone returns a shallow copy of the context
func (c *WorkflowContext) Clone() *WorkflowContext {
	if c == nil {
		return NewContext()
	}
	return &WorkflowContext{
		values: maps.Clone(c.values),
		keys:   slices.Clone(c.keys),
	}
}

// Keys returns the context keys in insertion order
func (c *WorkflowContext) Keys() []string {
	if c == nil {
		return nil
	}
	return slices.Clone(c.keys)
}

// Len returns the number of keys in the context
func (c *WorkflowContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// ToMap returns the context contents as a plain map
func (c *WorkflowContext) ToMap() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return maps.Clone(c.values)
}

// Lookup resolves a gjson path (e.g. "fetch.stats.views") against the
// context, reaching into nested maps, slices, and structs
func (c *WorkflowContext) Lookup(path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	if v, ok := c.values[path]; ok {
		return v, true
	}
	data, err := c.MarshalJSON()
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// MarshalJSON encodes the context as a JSON object preserving key order
func (c *WorkflowContext) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(c.values[k])
		if err != nil {
			return nil, fmt.Errorf("context key %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping its key order
func (c *WorkflowContext) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrContextJSON
	}

	res := NewContext()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return ErrContextJSON
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		res.Put(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*c = *res
	return nil
}

// ContextValue reads key from the context as a T. Values that went through
// persistence (numbers as float64, structs as maps) are converted through
// JSON. A missing key or a value that can't become a T is a permanent,
// non-retryable failure
func ContextValue[T any](c *WorkflowContext, key string) (T, error) {
	var zero T
	raw, ok := c.Get(key)
	if !ok {
		return zero, Permanent(WithKind(KindContextType,
			fmt.Errorf("%w: %s", ErrContextMissing, key),
		))
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}

	data, err := json.Marshal(raw)
	if err == nil {
		var res T
		if err = json.Unmarshal(data, &res); err == nil {
			return res, nil
		}
	}
	return zero, Permanent(WithKind(KindContextType,
		fmt.Errorf("%w: %s is %T, want %T", ErrContextType, key, raw, zero),
	))
}
