// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is; the returned errors
// wrap them with details.
var (
	// ErrReadVisibility is returned when no record of an object is visible
	// to the reading snapshot: the object was created after the snapshot
	// was taken, or in a snapshot that has not been applied.
	ErrReadVisibility = errors.New("no readable record for snapshot")

	// ErrIllegalUse is returned for operations the snapshot does not
	// support in its current state, such as writing in a read-only snapshot,
	// using a disposed snapshot, or applying the global snapshot.
	ErrIllegalUse = errors.New("illegal snapshot use")

	// ErrApplyConflict is matched by *ApplyConflictError.
	ErrApplyConflict = errors.New("snapshot apply conflict")
)

// ApplyConflictError reports that a snapshot could not be applied because
// another snapshot changed an object it modified and the object could not
// merge the two changes.
type ApplyConflictError struct {
	// Snapshot is the snapshot that failed to apply. It has been disposed.
	Snapshot Snapshot
}

func (e *ApplyConflictError) Error() string {
	if e.Snapshot == nil {
		return ErrApplyConflict.Error()
	}
	return fmt.Sprintf("%s: snapshot %d", ErrApplyConflict, e.Snapshot.ID())
}

// Unwrap lets errors.Is match ErrApplyConflict.
func (e *ApplyConflictError) Unwrap() error {
	return ErrApplyConflict
}

func illegalUse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalUse, fmt.Sprintf(format, args...))
}

func readError(obj Object, s Snapshot) error {
	return fmt.Errorf("%w: object %T in snapshot %d was created after the snapshot was taken "+
		"or in a snapshot that has not been applied", ErrReadVisibility, obj, s.ID())
}
