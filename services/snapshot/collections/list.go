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
	"context"

	"github.com/benbjohnson/immutable"

	"github.com/AleutianAI/snapstate/services/snapshot"
)

type listRecord[T any] struct {
	snapshot.RecordHeader
	list *immutable.List[T]

	// base is the list this record was copied from. appendOnly reports
	// whether every change since then was an append.
	base       *immutable.List[T]
	appendOnly bool
}

func (r *listRecord[T]) Create() snapshot.Record { return &listRecord[T]{} }

func (r *listRecord[T]) Assign(from snapshot.Record) {
	f := from.(*listRecord[T])
	r.list = f.list
	r.base = f.list
	r.appendOnly = true
}

// List is a versioned ordered list.
//
// A snapshot that only appended merges onto concurrent changes: its
// appended elements are added after the current elements. Any other
// concurrent change conflicts.
type List[T any] struct {
	snapshot.ObjectBase
	equal func(a, b T) bool
}

// NewList creates a list holding items, created in the current snapshot of
// ctx.
func NewList[T any](ctx context.Context, items ...T) *List[T] {
	l := &List[T]{equal: deepEqual[T]}
	rec := &listRecord[T]{list: immutable.NewList(items...)}
	l.Init(snapshot.NewRecord(ctx, rec))
	return l
}

func (l *List[T]) read(ctx context.Context) (*immutable.List[T], error) {
	r, err := snapshot.Read[*listRecord[T]](ctx, l)
	if err != nil {
		return nil, err
	}
	return r.list, nil
}

// Len returns the number of elements.
func (l *List[T]) Len(ctx context.Context) (int, error) {
	list, err := l.read(ctx)
	if err != nil {
		return 0, err
	}
	return list.Len(), nil
}

// Get returns the element at index i.
func (l *List[T]) Get(ctx context.Context, i int) (T, error) {
	var zero T
	list, err := l.read(ctx)
	if err != nil {
		return zero, err
	}
	if i < 0 || i >= list.Len() {
		return zero, indexError(i, list.Len())
	}
	return list.Get(i), nil
}

// Items returns a copy of the elements in order.
func (l *List[T]) Items(ctx context.Context) ([]T, error) {
	list, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, list.Len())
	for it := list.Iterator(); !it.Done(); {
		_, v := it.Next()
		out = append(out, v)
	}
	return out, nil
}

// Append adds items to the end of the list.
func (l *List[T]) Append(ctx context.Context, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	return snapshot.Write(ctx, l, func(r *listRecord[T]) {
		for _, v := range items {
			r.list = r.list.Append(v)
		}
	})
}

// Prepend adds v to the front of the list.
func (l *List[T]) Prepend(ctx context.Context, v T) error {
	return snapshot.Write(ctx, l, func(r *listRecord[T]) {
		r.list = r.list.Prepend(v)
		r.appendOnly = false
	})
}

// SetAt replaces the element at index i.
func (l *List[T]) SetAt(ctx context.Context, i int, v T) error {
	var rangeErr error
	err := snapshot.Write(ctx, l, func(r *listRecord[T]) {
		if i < 0 || i >= r.list.Len() {
			rangeErr = indexError(i, r.list.Len())
			return
		}
		r.list = r.list.Set(i, v)
		r.appendOnly = false
	})
	if err != nil {
		return err
	}
	return rangeErr
}

// RemoveAt removes the element at index i.
func (l *List[T]) RemoveAt(ctx context.Context, i int) error {
	var rangeErr error
	err := snapshot.Write(ctx, l, func(r *listRecord[T]) {
		n := r.list.Len()
		if i < 0 || i >= n {
			rangeErr = indexError(i, n)
			return
		}
		rest := r.list.Slice(0, i)
		for j := i + 1; j < n; j++ {
			rest = rest.Append(r.list.Get(j))
		}
		r.list = rest
		r.appendOnly = false
	})
	if err != nil {
		return err
	}
	return rangeErr
}

// Clear removes every element.
func (l *List[T]) Clear(ctx context.Context) error {
	return snapshot.Write(ctx, l, func(r *listRecord[T]) {
		r.list = immutable.NewList[T]()
		r.appendOnly = false
	})
}

// MergeRecords implements snapshot.Merger.
func (l *List[T]) MergeRecords(previous, current, applied snapshot.Record) snapshot.Record {
	p := previous.(*listRecord[T])
	c := current.(*listRecord[T])
	a := applied.(*listRecord[T])

	if c.list == a.list {
		return current
	}
	if !l.appendedTo(p.list, a) {
		return nil
	}
	merged := c.list
	for i := p.list.Len(); i < a.list.Len(); i++ {
		merged = merged.Append(a.list.Get(i))
	}
	return &listRecord[T]{list: merged}
}

// appendedTo reports whether a holds base followed by zero or more
// appended elements.
func (l *List[T]) appendedTo(base *immutable.List[T], a *listRecord[T]) bool {
	if a.appendOnly && a.base == base {
		return true
	}
	if a.list.Len() < base.Len() {
		return false
	}
	for i := 0; i < base.Len(); i++ {
		if !l.equal(base.Get(i), a.list.Get(i)) {
			return false
		}
	}
	return true
}
