// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pinning provides Heap, the double-indexed min-heap that tracks
// the lowest snapshot id any live snapshot may still read.
//
// Every snapshot adds its pinned id when it is created and removes it by
// handle when it is closed. The heap minimum is the floor below which record
// versions can be recycled.
//
// Heap is not safe for concurrent use; the snapshot runtime guards it with
// its lock.
package pinning

import (
	"fmt"
)

// Handle identifies one pinned value. Handles are reused after Remove.
type Handle int

// NoHandle is the handle of a snapshot that holds no pin.
const NoHandle Handle = -1

// Heap is a binary min-heap of int64 values addressable by Handle.
type Heap struct {
	// values is the heap array.
	values []int64

	// index[i] is the handle of values[i].
	index []Handle

	// handles[h] is the heap position of h, or the next free handle when h
	// is free.
	handles []int

	firstFree int
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{}
}

// Len returns the number of pinned values.
func (h *Heap) Len() int {
	return len(h.values)
}

// LowestOrDefault returns the minimum value, or def when the heap is empty.
func (h *Heap) LowestOrDefault(def int64) int64 {
	if len(h.values) == 0 {
		return def
	}
	return h.values[0]
}

// Add pins value and returns the handle used to remove it.
func (h *Heap) Add(value int64) Handle {
	handle := h.allocateHandle()
	i := len(h.values)
	h.values = append(h.values, value)
	h.index = append(h.index, handle)
	h.handles[handle] = i
	h.shiftUp(i)
	return handle
}

// Remove unpins the value added under handle.
func (h *Heap) Remove(handle Handle) {
	i := h.handles[handle]
	last := len(h.values) - 1
	h.swap(i, last)
	h.values = h.values[:last]
	h.index = h.index[:last]
	if i < last {
		h.shiftUp(i)
		h.shiftDown(i)
	}
	h.freeHandle(handle)
}

// Validate checks the heap and handle invariants.
func (h *Heap) Validate() error {
	for i := 1; i < len(h.values); i++ {
		parent := (i+1)/2 - 1
		if h.values[parent] > h.values[i] {
			return fmt.Errorf("heap order violated at %d: parent %d > child %d", i, h.values[parent], h.values[i])
		}
	}
	for i, handle := range h.index {
		if h.handles[handle] != i {
			return fmt.Errorf("handle %d maps to %d, expected %d", handle, h.handles[handle], i)
		}
	}
	return nil
}

func (h *Heap) shiftUp(i int) {
	value := h.values[i]
	for i > 0 {
		parent := (i+1)/2 - 1
		if h.values[parent] <= value {
			return
		}
		h.swap(parent, i)
		i = parent
	}
}

func (h *Heap) shiftDown(i int) {
	size := len(h.values)
	half := size / 2
	for i < half {
		right := (i + 1) * 2
		left := right - 1
		if right < size && h.values[right] < h.values[left] {
			if h.values[right] >= h.values[i] {
				return
			}
			h.swap(right, i)
			i = right
			continue
		}
		if h.values[left] >= h.values[i] {
			return
		}
		h.swap(left, i)
		i = left
	}
}

func (h *Heap) swap(a, b int) {
	h.values[a], h.values[b] = h.values[b], h.values[a]
	h.index[a], h.index[b] = h.index[b], h.index[a]
	h.handles[h.index[a]] = a
	h.handles[h.index[b]] = b
}

func (h *Heap) allocateHandle() Handle {
	if h.firstFree >= len(h.handles) {
		// The free list is exhausted; chain a fresh slot.
		h.handles = append(h.handles, len(h.handles)+1)
	}
	handle := h.firstFree
	h.firstFree = h.handles[handle]
	return Handle(handle)
}

func (h *Heap) freeHandle(handle Handle) {
	h.handles[handle] = h.firstFree
	h.firstFree = int(handle)
}
