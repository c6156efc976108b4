// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state provides State, a single versioned value.
package state

import (
	"context"

	"github.com/AleutianAI/snapstate/services/snapshot"
)

type stateRecord[T any] struct {
	snapshot.RecordHeader
	value T
}

func (r *stateRecord[T]) Create() snapshot.Record { return &stateRecord[T]{} }

func (r *stateRecord[T]) Assign(from snapshot.Record) {
	r.value = from.(*stateRecord[T]).value
}

// State is a versioned value. Each snapshot sees its own version; writes
// become visible to other snapshots when the writing snapshot applies.
//
// # Thread Safety
//
// Safe for concurrent use from any number of snapshots.
type State[T any] struct {
	snapshot.ObjectBase
	policy Policy[T]
}

// New creates a State holding value, created in the current snapshot of
// ctx. A nil policy uses StructuralEquality.
func New[T any](ctx context.Context, value T, policy Policy[T]) *State[T] {
	if policy == nil {
		policy = StructuralEquality[T]()
	}
	s := &State[T]{policy: policy}
	s.Init(snapshot.NewRecord(ctx, &stateRecord[T]{value: value}))
	return s
}

// NewCounter creates a State whose concurrent changes merge by summing
// deltas.
func NewCounter[T Number](ctx context.Context, value T) *State[T] {
	return New(ctx, value, CounterPolicy[T]())
}

// Policy returns the state's policy.
func (s *State[T]) Policy() Policy[T] {
	return s.policy
}

// Get returns the value visible to the current snapshot of ctx and reports
// the read to its read observer.
func (s *State[T]) Get(ctx context.Context) (T, error) {
	r, err := snapshot.Read[*stateRecord[T]](ctx, s)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.value, nil
}

// Set stores value in the current snapshot of ctx. Storing a value the
// policy finds equivalent to the current one is not a write.
func (s *State[T]) Set(ctx context.Context, value T) error {
	cur, err := snapshot.Peek[*stateRecord[T]](ctx, s)
	if err != nil {
		return err
	}
	if s.policy.Equivalent(cur.value, value) {
		return nil
	}
	return snapshot.Overwrite(ctx, s, func(r *stateRecord[T]) {
		r.value = value
	})
}

// Update replaces the value with fn applied to it. fn runs under the
// runtime lock and must not use snapshot operations.
func (s *State[T]) Update(ctx context.Context, fn func(T) T) error {
	return snapshot.Write(ctx, s, func(r *stateRecord[T]) {
		r.value = fn(r.value)
	})
}

// MergeRecords implements snapshot.Merger using the state's policy.
func (s *State[T]) MergeRecords(previous, current, applied snapshot.Record) snapshot.Record {
	p := previous.(*stateRecord[T])
	c := current.(*stateRecord[T])
	a := applied.(*stateRecord[T])
	if s.policy.Equivalent(c.value, a.value) {
		return current
	}
	merged, ok := s.policy.Merge(p.value, c.value, a.value)
	if !ok {
		return nil
	}
	return &stateRecord[T]{value: merged}
}
