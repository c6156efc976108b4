// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collections provides versioned list, map and set types built on
// persistent data structures, so a snapshot's private copy shares structure
// with the version it was copied from.
//
// Concurrent changes merge where the intent is unambiguous: appends to a
// List, changes to different keys of a Map, and every Set change. Anything
// else makes the later apply fail.
package collections

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrIndexOutOfRange is returned for list indexes outside [0, Len).
var ErrIndexOutOfRange = errors.New("index out of range")

func indexError(i, n int) error {
	return fmt.Errorf("%w: index %d, length %d", ErrIndexOutOfRange, i, n)
}

// deepEqual is the default value equality for merges.
func deepEqual[V any](a, b V) bool {
	return reflect.DeepEqual(a, b)
}
