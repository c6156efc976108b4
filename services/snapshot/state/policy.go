// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"reflect"
)

// Policy decides when a new value is a change and how concurrent changes
// merge.
type Policy[T any] interface {
	// Equivalent reports whether a and b are the same value. Writing an
	// equivalent value is not a change.
	Equivalent(a, b T) bool

	// Merge combines a value applied concurrently with the current one.
	// previous is the value both started from. ok is false when the
	// changes conflict.
	Merge(previous, current, applied T) (merged T, ok bool)
}

type structuralPolicy[T any] struct{}

func (structuralPolicy[T]) Equivalent(a, b T) bool { return reflect.DeepEqual(a, b) }

func (structuralPolicy[T]) Merge(_, _, _ T) (T, bool) {
	var zero T
	return zero, false
}

// StructuralEquality treats deeply equal values as equivalent. It is the
// default policy.
func StructuralEquality[T any]() Policy[T] {
	return structuralPolicy[T]{}
}

type referentialPolicy[T comparable] struct{}

func (referentialPolicy[T]) Equivalent(a, b T) bool { return a == b }

func (referentialPolicy[T]) Merge(_, _, _ T) (T, bool) {
	var zero T
	return zero, false
}

// ReferentialEquality treats values as equivalent when they compare equal
// with ==. For pointers that is identity.
func ReferentialEquality[T comparable]() Policy[T] {
	return referentialPolicy[T]{}
}

type neverEqualPolicy[T any] struct{}

func (neverEqualPolicy[T]) Equivalent(_, _ T) bool { return false }

func (neverEqualPolicy[T]) Merge(_, _, _ T) (T, bool) {
	var zero T
	return zero, false
}

// NeverEqual treats every write as a change, so two snapshots writing the
// same object always conflict.
func NeverEqual[T any]() Policy[T] {
	return neverEqualPolicy[T]{}
}

// PolicyFuncs builds a Policy from functions. A nil merge never merges.
type PolicyFuncs[T any] struct {
	EquivalentFunc func(a, b T) bool
	MergeFunc      func(previous, current, applied T) (T, bool)
}

func (p PolicyFuncs[T]) Equivalent(a, b T) bool {
	return p.EquivalentFunc(a, b)
}

func (p PolicyFuncs[T]) Merge(previous, current, applied T) (T, bool) {
	if p.MergeFunc == nil {
		var zero T
		return zero, false
	}
	return p.MergeFunc(previous, current, applied)
}

// Number is the set of types a counter can hold.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

type counterPolicy[T Number] struct{}

func (counterPolicy[T]) Equivalent(a, b T) bool { return a == b }

// Merge adds the applied delta on top of the current value.
func (counterPolicy[T]) Merge(previous, current, applied T) (T, bool) {
	return current + (applied - previous), true
}

// CounterPolicy merges concurrent changes to a number by summing their
// deltas.
func CounterPolicy[T Number]() Policy[T] {
	return counterPolicy[T]{}
}
