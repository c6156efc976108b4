// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package idset provides Set, an immutable set of snapshot ids.
//
// Snapshot ids are allocated monotonically and the ids a snapshot must
// ignore cluster near the newest ids, so the set keeps a dense 128-bit
// window above a moving lower bound and a sorted sparse slice for the rare
// ids that fall below it.
//
// # Structural Sharing
//
// Every mutating method returns a new Set. The sparse slice is never
// modified in place, so sets derived from each other share it. When two sets
// share both the lower bound and the sparse slice, Or and AndNot reduce to
// word operations on the window.
//
// # Thread Safety
//
// Set values are immutable and safe to share between goroutines.
package idset

import (
	"iter"
	"math/bits"
	"slices"
	"strconv"
	"strings"
)

const wordBits = 64

// Set is an immutable set of int64 ids. The zero value is the empty set.
type Set struct {
	// upper holds ids lowerBound+64 .. lowerBound+127.
	upper uint64

	// lower holds ids lowerBound .. lowerBound+63.
	lower uint64

	// lowerBound is always a multiple of 64.
	lowerBound int64

	// belowBound holds ids < lowerBound in ascending order. Never mutated.
	belowBound []int64
}

// Empty is the empty set.
var Empty = Set{}

// Of returns a set containing ids.
func Of(ids ...int64) Set {
	s := Empty
	for _, id := range ids {
		s = s.Set(id)
	}
	return s
}

// Get reports whether id is in the set.
func (s Set) Get(id int64) bool {
	offset := id - s.lowerBound
	switch {
	case offset >= 0 && offset < wordBits:
		return s.lower&(1<<uint(offset)) != 0
	case offset >= wordBits && offset < 2*wordBits:
		return s.upper&(1<<uint(offset-wordBits)) != 0
	case offset > 0:
		return false
	}
	_, found := slices.BinarySearch(s.belowBound, id)
	return found
}

// Set returns a set that also contains id.
func (s Set) Set(id int64) Set {
	offset := id - s.lowerBound
	switch {
	case offset >= 0 && offset < wordBits:
		mask := uint64(1) << uint(offset)
		if s.lower&mask == 0 {
			s.lower |= mask
		}
		return s
	case offset >= wordBits && offset < 2*wordBits:
		mask := uint64(1) << uint(offset-wordBits)
		if s.upper&mask == 0 {
			s.upper |= mask
		}
		return s
	case offset >= 2*wordBits:
		return s.shiftTo(((id + 1) / wordBits) * wordBits).Set(id)
	}

	i, found := slices.BinarySearch(s.belowBound, id)
	if found {
		return s
	}
	below := make([]int64, 0, len(s.belowBound)+1)
	below = append(below, s.belowBound[:i]...)
	below = append(below, id)
	below = append(below, s.belowBound[i:]...)
	s.belowBound = below
	return s
}

// shiftTo moves the window up until lowerBound reaches target, spilling
// ids that leave the window into belowBound.
func (s Set) shiftTo(target int64) Set {
	var spilled []int64
	for s.lowerBound < target {
		for w := s.lower; w != 0; w &= w - 1 {
			spilled = append(spilled, s.lowerBound+int64(bits.TrailingZeros64(w)))
		}
		if s.upper == 0 {
			s.lower = 0
			s.lowerBound = target
			break
		}
		s.lower = s.upper
		s.upper = 0
		s.lowerBound += wordBits
	}
	if len(spilled) > 0 {
		// Every existing belowBound id is smaller than anything spilled.
		below := make([]int64, 0, len(s.belowBound)+len(spilled))
		below = append(below, s.belowBound...)
		below = append(below, spilled...)
		s.belowBound = below
	}
	return s
}

// Clear returns a set that does not contain id.
func (s Set) Clear(id int64) Set {
	offset := id - s.lowerBound
	switch {
	case offset >= 0 && offset < wordBits:
		s.lower &^= uint64(1) << uint(offset)
		return s
	case offset >= wordBits && offset < 2*wordBits:
		s.upper &^= uint64(1) << uint(offset-wordBits)
		return s
	case offset > 0:
		return s
	}

	i, found := slices.BinarySearch(s.belowBound, id)
	if !found {
		return s
	}
	if len(s.belowBound) == 1 {
		s.belowBound = nil
		return s
	}
	below := make([]int64, 0, len(s.belowBound)-1)
	below = append(below, s.belowBound[:i]...)
	below = append(below, s.belowBound[i+1:]...)
	s.belowBound = below
	return s
}

// AddRange returns a set that also contains every id in [from, until).
func (s Set) AddRange(from, until int64) Set {
	for id := from; id < until; id++ {
		// Fill whole window words at once when the range covers them.
		offset := id - s.lowerBound
		if offset == 0 && until-id >= wordBits {
			s.lower = ^uint64(0)
			id += wordBits - 1
			continue
		}
		if offset == wordBits && until-id >= wordBits {
			s.upper = ^uint64(0)
			id += wordBits - 1
			continue
		}
		s = s.Set(id)
	}
	return s
}

// AndNot returns the ids in s that are not in other.
func (s Set) AndNot(other Set) Set {
	if other.IsEmpty() || s.IsEmpty() {
		return s
	}
	if s.lowerBound == other.lowerBound && sameSlice(s.belowBound, other.belowBound) {
		s.upper &^= other.upper
		s.lower &^= other.lower
		return s
	}
	result := s
	for id := range other.All() {
		result = result.Clear(id)
	}
	return result
}

// Or returns the union of s and other.
func (s Set) Or(other Set) Set {
	if other.IsEmpty() {
		return s
	}
	if s.IsEmpty() {
		return other
	}
	if s.lowerBound == other.lowerBound && sameSlice(s.belowBound, other.belowBound) {
		s.upper |= other.upper
		s.lower |= other.lower
		return s
	}
	// Fold the set with the sparse tail into the other so fewer ids
	// go through the slow path.
	base, fold := s, other
	if len(s.belowBound) > 0 {
		base, fold = other, s
	}
	for id := range fold.All() {
		base = base.Set(id)
	}
	return base
}

// Lowest returns the smallest id in the set, or def when the set is empty.
func (s Set) Lowest(def int64) int64 {
	if len(s.belowBound) > 0 {
		return s.belowBound[0]
	}
	if s.lower != 0 {
		return s.lowerBound + int64(bits.TrailingZeros64(s.lower))
	}
	if s.upper != 0 {
		return s.lowerBound + wordBits + int64(bits.TrailingZeros64(s.upper))
	}
	return def
}

// IsEmpty reports whether the set has no ids.
func (s Set) IsEmpty() bool {
	return s.upper == 0 && s.lower == 0 && len(s.belowBound) == 0
}

// Len returns the number of ids in the set.
func (s Set) Len() int {
	return len(s.belowBound) + bits.OnesCount64(s.lower) + bits.OnesCount64(s.upper)
}

// All yields the ids in ascending order.
func (s Set) All() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		for _, id := range s.belowBound {
			if !yield(id) {
				return
			}
		}
		for w := s.lower; w != 0; w &= w - 1 {
			if !yield(s.lowerBound + int64(bits.TrailingZeros64(w))) {
				return
			}
		}
		for w := s.upper; w != 0; w &= w - 1 {
			if !yield(s.lowerBound + wordBits + int64(bits.TrailingZeros64(w))) {
				return
			}
		}
	}
}

// Slice returns the ids in ascending order.
func (s Set) Slice() []int64 {
	out := make([]int64, 0, s.Len())
	for id := range s.All() {
		out = append(out, id)
	}
	return out
}

// String formats the set as "[1, 2, 3]".
func (s Set) String() string {
	var b strings.Builder
	b.WriteByte('[')
	first := true
	for id := range s.All() {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte(']')
	return b.String()
}

// sameSlice reports whether a and b are the same backing slice.
func sameSlice(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
