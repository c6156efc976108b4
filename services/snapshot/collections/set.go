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

type setRecord[K cmp.Ordered] struct {
	snapshot.RecordHeader
	s *btree.Set[K]
}

func (r *setRecord[K]) Create() snapshot.Record { return &setRecord[K]{} }

func (r *setRecord[K]) Assign(from snapshot.Record) {
	r.s = from.(*setRecord[K]).s.Copy()
}

// Set is a versioned ordered set. Concurrent adds and removes always
// merge.
type Set[K cmp.Ordered] struct {
	snapshot.ObjectBase
}

// NewSet creates a set holding items in the current snapshot of ctx.
func NewSet[K cmp.Ordered](ctx context.Context, items ...K) *Set[K] {
	tree := new(btree.Set[K])
	for _, k := range items {
		tree.Insert(k)
	}
	s := &Set[K]{}
	s.Init(snapshot.NewRecord(ctx, &setRecord[K]{s: tree}))
	return s
}

func (s *Set[K]) read(ctx context.Context) (*btree.Set[K], error) {
	r, err := snapshot.Read[*setRecord[K]](ctx, s)
	if err != nil {
		return nil, err
	}
	return r.s, nil
}

// Contains reports whether key is in the set.
func (s *Set[K]) Contains(ctx context.Context, key K) (bool, error) {
	tree, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	return tree.Contains(key), nil
}

// Len returns the number of members.
func (s *Set[K]) Len(ctx context.Context) (int, error) {
	tree, err := s.read(ctx)
	if err != nil {
		return 0, err
	}
	return tree.Len(), nil
}

// Items returns the members in ascending order.
func (s *Set[K]) Items(ctx context.Context) ([]K, error) {
	tree, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return tree.Keys(), nil
}

// Add inserts key. Adding a present key is not a write.
func (s *Set[K]) Add(ctx context.Context, key K) error {
	if ok, err := s.Contains(ctx, key); err != nil || ok {
		return err
	}
	return snapshot.Write(ctx, s, func(r *setRecord[K]) {
		r.s.Insert(key)
	})
}

// Remove deletes key. Removing a missing key is not a write.
func (s *Set[K]) Remove(ctx context.Context, key K) error {
	if ok, err := s.Contains(ctx, key); err != nil || !ok {
		return err
	}
	return snapshot.Write(ctx, s, func(r *setRecord[K]) {
		r.s.Delete(key)
	})
}

// MergeRecords implements snapshot.Merger. Membership changes made by the
// applying snapshot are replayed onto the current set.
func (s *Set[K]) MergeRecords(previous, current, applied snapshot.Record) snapshot.Record {
	p := previous.(*setRecord[K]).s
	c := current.(*setRecord[K]).s
	a := applied.(*setRecord[K]).s

	merged := new(btree.Set[K])
	c.Scan(func(key K) bool {
		merged.Insert(key)
		return true
	})
	a.Scan(func(key K) bool {
		if !p.Contains(key) {
			merged.Insert(key)
		}
		return true
	})
	p.Scan(func(key K) bool {
		if !a.Contains(key) {
			merged.Delete(key)
		}
		return true
	})
	return &setRecord[K]{s: merged}
}
