// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collections

import (
	"cmp"
	"context"

	"github.com/tidwall/btree"

	"github.com/AleutianAI/snapstate/services/snapshot"
)

type mapRecord[K cmp.Ordered, V any] struct {
	snapshot.RecordHeader
	m *btree.Map[K, V]
}

func (r *mapRecord[K, V]) Create() snapshot.Record { return &mapRecord[K, V]{} }

// Assign takes a copy-on-write copy, so in-place writes to r never touch
// nodes shared with from.
func (r *mapRecord[K, V]) Assign(from snapshot.Record) {
	r.m = from.(*mapRecord[K, V]).m.Copy()
}

// Map is a versioned ordered map.
//
// Concurrent changes merge key by key. The apply fails only when both sides
// changed the same key to different values.
type Map[K cmp.Ordered, V any] struct {
	snapshot.ObjectBase
	equal func(a, b V) bool
}

// NewMap creates an empty map in the current snapshot of ctx. Values are
// compared with reflect.DeepEqual during merges.
func NewMap[K cmp.Ordered, V any](ctx context.Context) *Map[K, V] {
	return NewMapFunc[K, V](ctx, nil)
}

// NewMapFunc is NewMap with an explicit value equality.
func NewMapFunc[K cmp.Ordered, V any](ctx context.Context, equal func(a, b V) bool) *Map[K, V] {
	if equal == nil {
		equal = deepEqual[V]
	}
	m := &Map[K, V]{equal: equal}
	m.Init(snapshot.NewRecord(ctx, &mapRecord[K, V]{m: new(btree.Map[K, V])}))
	return m
}

func (m *Map[K, V]) read(ctx context.Context) (*btree.Map[K, V], error) {
	r, err := snapshot.Read[*mapRecord[K, V]](ctx, m)
	if err != nil {
		return nil, err
	}
	return r.m, nil
}

// Get returns the value for key and whether it is present.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	tree, err := m.read(ctx)
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := tree.Get(key)
	return v, ok, nil
}

// Len returns the number of entries.
func (m *Map[K, V]) Len(ctx context.Context) (int, error) {
	tree, err := m.read(ctx)
	if err != nil {
		return 0, err
	}
	return tree.Len(), nil
}

// Keys returns the keys in ascending order.
func (m *Map[K, V]) Keys(ctx context.Context) ([]K, error) {
	tree, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	return tree.Keys(), nil
}

// Scan calls fn for each entry in key order until fn returns false.
func (m *Map[K, V]) Scan(ctx context.Context, fn func(key K, value V) bool) error {
	tree, err := m.read(ctx)
	if err != nil {
		return err
	}
	tree.Scan(fn)
	return nil
}

// Put sets key to value.
func (m *Map[K, V]) Put(ctx context.Context, key K, value V) error {
	return snapshot.Write(ctx, m, func(r *mapRecord[K, V]) {
		r.m.Set(key, value)
	})
}

// Delete removes key. Deleting a missing key is not a write.
func (m *Map[K, V]) Delete(ctx context.Context, key K) error {
	tree, err := m.read(ctx)
	if err != nil {
		return err
	}
	if _, ok := tree.Get(key); !ok {
		return nil
	}
	return snapshot.Write(ctx, m, func(r *mapRecord[K, V]) {
		r.m.Delete(key)
	})
}

// MergeRecords implements snapshot.Merger with a three-way merge per key.
func (m *Map[K, V]) MergeRecords(previous, current, applied snapshot.Record) snapshot.Record {
	p := previous.(*mapRecord[K, V]).m
	c := current.(*mapRecord[K, V]).m
	a := applied.(*mapRecord[K, V]).m

	// c may be read concurrently, so the merge builds a fresh tree rather
	// than taking a copy-on-write copy of it.
	merged := new(btree.Map[K, V])
	c.Scan(func(key K, value V) bool {
		merged.Set(key, value)
		return true
	})
	conflict := false
	resolve := func(key K) bool {
		pv, pok := p.Get(key)
		av, aok := a.Get(key)
		if m.same(pv, pok, av, aok) {
			return true
		}
		cv, cok := c.Get(key)
		switch {
		case m.same(cv, cok, av, aok):
		case m.same(cv, cok, pv, pok):
			if aok {
				merged.Set(key, av)
			} else {
				merged.Delete(key)
			}
		default:
			conflict = true
			return false
		}
		return true
	}
	a.Scan(func(key K, _ V) bool { return resolve(key) })
	if !conflict {
		p.Scan(func(key K, _ V) bool { return resolve(key) })
	}
	if conflict {
		return nil
	}
	return &mapRecord[K, V]{m: merged}
}

func (m *Map[K, V]) same(a V, aok bool, b V, bok bool) bool {
	if aok != bok {
		return false
	}
	return !aok || m.equal(a, b)
}
