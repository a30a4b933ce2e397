// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package kvtree implements the hash-tree value that backs every
// persistent artifact in scr-go: the FileMap, the flush file, the
// transfer file, the PFS summary and index files, and the XOR
// redundancy artifact header. All of them are, at the core, nested
// string-keyed trees of scalars and sub-trees, so we give that shape
// one implementation instead of five bespoke structs.
package kvtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Tree is a nested, string-keyed map of values. A value is either a
// scalar (string, int64, float64, bool), a []byte, or another *Tree.
// Tree is not safe for concurrent use; callers serialize access the
// same way the rest of scr-go serializes FileMap mutation, via the
// owning component's own lock or single-threaded collective step.
type Tree struct {
	vals map[string]interface{}
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{vals: make(map[string]interface{})}
}

// Keys returns the tree's top-level keys in sorted order, so that
// repeated iteration (and hence repeated serialization) is
// deterministic.
func (t *Tree) Keys() []string {
	keys := make([]string, 0, len(t.vals))
	for k := range t.vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tree) Has(key string) bool {
	_, ok := t.vals[key]
	return ok
}

func (t *Tree) Len() int { return len(t.vals) }

// Set stores a scalar or []byte value under key.
func (t *Tree) Set(key string, val interface{}) {
	t.vals[key] = val
}

// SetTree stores (or replaces) a sub-tree under key and returns it.
func (t *Tree) SetTree(key string) *Tree {
	sub := New()
	t.vals[key] = sub
	return sub
}

// Dict returns the sub-tree under key, creating it if absent. This is
// the common case used while building up a hash incrementally, e.g.
// the per-file CURRENT/PARTNER sections of an XOR header.
func (t *Tree) Dict(key string) *Tree {
	if existing, ok := t.vals[key]; ok {
		if sub, ok := existing.(*Tree); ok {
			return sub
		}
	}
	return t.SetTree(key)
}

// Get returns the raw value stored under key, or nil.
func (t *Tree) Get(key string) interface{} {
	return t.vals[key]
}

func (t *Tree) GetTree(key string) (*Tree, bool) {
	v, ok := t.vals[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Tree)
	return sub, ok
}

func (t *Tree) GetString(key string) (string, bool) {
	v, ok := t.vals[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (t *Tree) GetInt64(key string) (int64, bool) {
	v, ok := t.vals[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func (t *Tree) GetBool(key string) (bool, bool) {
	v, ok := t.vals[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Del removes key, returning whether it was present.
func (t *Tree) Del(key string) bool {
	_, ok := t.vals[key]
	delete(t.vals, key)
	return ok
}

// Merge copies every key of other into t, overwriting collisions. Used
// by the node-master FileMap scatter and by per-node flush/transfer
// file merges.
func (t *Tree) Merge(other *Tree) {
	if other == nil {
		return
	}
	for k, v := range other.vals {
		t.vals[k] = v
	}
}

// Clone deep-copies the tree.
func (t *Tree) Clone() *Tree {
	out := New()
	for k, v := range t.vals {
		if sub, ok := v.(*Tree); ok {
			out.vals[k] = sub.Clone()
		} else {
			out.vals[k] = v
		}
	}
	return out
}

// MarshalJSON renders the tree as a plain JSON object, recursing into
// sub-trees. This is the on-disk representation for every persistent
// artifact except the XOR header (see binary.go) and legacy summary
// files (see the summary package's text decoder).
func (t *Tree) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(t.vals))
	for k, v := range t.vals {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON parses a plain JSON object into the tree, turning
// nested objects into nested *Tree values.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	t.vals = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		t.vals[k] = fromJSONValue(v)
	}
	return nil
}

func fromJSONValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		sub := New()
		for k, vv := range x {
			sub.vals[k] = fromJSONValue(vv)
		}
		return sub
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, vv := range x {
			out[i] = fromJSONValue(vv)
		}
		return out
	default:
		return v
	}
}

// String implements fmt.Stringer for debug logging.
func (t *Tree) String() string {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Sprintf("<kvtree: %v>", err)
	}
	return string(b)
}

