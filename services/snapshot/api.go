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
	"context"
)

// TakeSnapshot takes a read-only snapshot of the current snapshot of ctx.
//
// # Inputs
//
//   - ctx: Carries the runtime and the bound snapshot, if any.
//   - readObserver: Called with every object read in the snapshot. May be nil.
//
// # Outputs
//
//   - Snapshot: The new snapshot. The caller must Dispose it.
//   - error: ErrIllegalUse when the current snapshot cannot be nested.
func TakeSnapshot(ctx context.Context, readObserver ReadObserver) (Snapshot, error) {
	return Current(ctx).TakeNestedSnapshot(readObserver)
}

// TakeMutableSnapshot takes a mutable snapshot of the current snapshot of
// ctx. Inside another mutable snapshot the result is nested in it.
//
// # Inputs
//
//   - ctx: Carries the runtime and the bound snapshot, if any.
//   - readObserver: Called with every object read. May be nil.
//   - writeObserver: Called the first time each object is written. May be nil.
//
// # Outputs
//
//   - MutableSnapshot: The new snapshot. The caller must Dispose it.
//   - error: ErrIllegalUse when the current snapshot is read-only.
func TakeMutableSnapshot(ctx context.Context, readObserver ReadObserver, writeObserver WriteObserver) (MutableSnapshot, error) {
	m, ok := Current(ctx).(MutableSnapshot)
	if !ok || m.ReadOnly() {
		return nil, illegalUse("cannot create a mutable snapshot of a read-only snapshot")
	}
	return m.TakeNestedMutableSnapshot(readObserver, writeObserver)
}

// WithMutableSnapshot runs fn in a new mutable snapshot and applies it when
// fn succeeds. The snapshot is always disposed.
//
// # Outputs
//
//   - error: fn's error, an apply error, or an *ApplyConflictError.
func WithMutableSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	s, err := TakeMutableSnapshot(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer s.Dispose()

	if err := s.Enter(ctx, fn); err != nil {
		return err
	}
	result, err := s.Apply(ctx)
	if err != nil {
		return err
	}
	return result.Check()
}

// Observe runs fn with observers attached to the current snapshot, without
// taking a new mutable snapshot. Writes in fn still go to the current
// snapshot. With no observers fn runs directly.
func Observe(ctx context.Context, readObserver ReadObserver, writeObserver WriteObserver, fn func(ctx context.Context) error) error {
	if readObserver == nil && writeObserver == nil {
		return fn(ctx)
	}

	rt := RuntimeFrom(ctx)
	var s Snapshot
	switch cur := bound(ctx).(type) {
	case nil:
		s = newTransparentMutable(rt, nil, readObserver, writeObserver, true, false)
	case MutableSnapshot:
		s = newTransparentMutable(cur.runtime(), cur, readObserver, writeObserver, true, false)
	default:
		if readObserver == nil {
			return fn(ctx)
		}
		nested, err := cur.TakeNestedSnapshot(readObserver)
		if err != nil {
			return err
		}
		s = nested
	}
	defer s.Dispose()
	return s.Enter(ctx, fn)
}

// WithoutReadObservation runs fn so that its reads are not reported to the
// read observers of the current snapshot.
func WithoutReadObservation(ctx context.Context, fn func(ctx context.Context) error) error {
	s := noParentReadObservation(RuntimeFrom(ctx), bound(ctx))
	defer s.Dispose()
	return s.Enter(ctx, fn)
}

// NotifyObjectsInitialized makes objects created so far in the current
// snapshot of ctx visible to snapshots taken afterwards.
func NotifyObjectsInitialized(ctx context.Context) {
	Current(ctx).NotifyObjectsInitialized()
}
