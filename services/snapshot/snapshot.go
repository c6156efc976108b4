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
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/snapstate/services/snapshot/idset"
	"github.com/AleutianAI/snapstate/services/snapshot/pinning"
)

// ReadObserver is called with every object read in a snapshot.
type ReadObserver func(obj Object)

// WriteObserver is called the first time an object is written in a snapshot.
type WriteObserver func(obj Object)

// ApplyObserver is called after a top-level apply with the objects it
// changed and the snapshot that applied them.
type ApplyObserver func(changed ObjectSet, applied Snapshot)

// =============================================================================
// Snapshot interfaces
// =============================================================================

// Snapshot is an isolated view of every versioned object.
//
// Reads through a snapshot see the values as of when it was taken plus its
// own writes. Every snapshot must be disposed; mutable snapshots may be
// applied first.
type Snapshot interface {
	// ID is the snapshot's current id. Mutable snapshots get a new id when
	// they take nested snapshots or merge records.
	ID() int64

	// ReadOnly reports whether writes are rejected.
	ReadOnly() bool

	// Root returns the top of the snapshot's nesting tree.
	Root() Snapshot

	// Disposed reports whether Dispose has been called.
	Disposed() bool

	// HasPendingChanges reports whether the snapshot has unapplied writes.
	HasPendingChanges() bool

	// TakeNestedSnapshot returns a read-only snapshot of this one. The
	// observer is chained in front of this snapshot's read observer.
	TakeNestedSnapshot(readObserver ReadObserver) (Snapshot, error)

	// NotifyObjectsInitialized makes objects created in this snapshot
	// visible to snapshots taken after this call.
	NotifyObjectsInitialized()

	// Dispose releases the snapshot. Unapplied writes are discarded.
	Dispose()

	// Enter runs fn with the snapshot bound as current in fn's context.
	Enter(ctx context.Context, fn func(ctx context.Context) error) error

	// UnsafeEnter binds the snapshot as current in the Local of ctx and
	// returns the previously bound snapshot (nil for none).
	UnsafeEnter(ctx context.Context) (Snapshot, error)

	// UnsafeLeave restores previous in the Local of ctx. The snapshot must
	// be the one currently bound.
	UnsafeLeave(ctx context.Context, previous Snapshot) error

	runtime() *Runtime
	invalidSet() idset.Set
	readObserver() ReadObserver
	writeObserver() WriteObserver

	// recordModified adds obj to the modified set and reports whether it
	// was newly added.
	recordModified(obj Object) (bool, error)
}

// MutableSnapshot is a snapshot whose writes can be applied.
type MutableSnapshot interface {
	Snapshot

	// TakeNestedMutableSnapshot returns a mutable snapshot whose apply
	// publishes into this one.
	TakeNestedMutableSnapshot(readObserver ReadObserver, writeObserver WriteObserver) (MutableSnapshot, error)

	// Apply publishes the snapshot's writes to its parent, or to the global
	// snapshot for top-level snapshots. A conflict is reported through the
	// result; the error is for illegal use only.
	Apply(ctx context.Context) (ApplyResult, error)
}

// nestHost is implemented by snapshots that count their nested snapshots.
type nestHost interface {
	Snapshot
	nestedActivatedLocked()
	nestedDeactivatedLocked()
}

// =============================================================================
// ApplyResult
// =============================================================================

// ApplyResult is the outcome of MutableSnapshot.Apply.
type ApplyResult struct {
	conflict Snapshot
}

// Success is the result of a successful apply.
var Success = ApplyResult{}

// Failure returns the result of an apply that conflicted.
func Failure(s Snapshot) ApplyResult {
	return ApplyResult{conflict: s}
}

// Succeeded reports whether the apply succeeded.
func (r ApplyResult) Succeeded() bool {
	return r.conflict == nil
}

// Conflict returns the snapshot that failed to apply, or nil.
func (r ApplyResult) Conflict() Snapshot {
	return r.conflict
}

// Check disposes a failed snapshot and returns an *ApplyConflictError.
// It returns nil for a successful apply.
func (r ApplyResult) Check() error {
	if r.conflict == nil {
		return nil
	}
	r.conflict.Dispose()
	return &ApplyConflictError{Snapshot: r.conflict}
}

func (r ApplyResult) String() string {
	if r.conflict == nil {
		return "success"
	}
	return fmt.Sprintf("failure(snapshot %d)", r.conflict.ID())
}

// =============================================================================
// snapshotBase
// =============================================================================

// snapshotBase holds the state shared by every snapshot kind.
type snapshotBase struct {
	rt *Runtime

	// self is the concrete snapshot embedding this base.
	self Snapshot

	id       atomic.Int64
	invalid  atomic.Pointer[idset.Set]
	disposed atomic.Bool

	// pin is guarded by rt.mu.
	pin pinning.Handle
}

// initLocked sets identity and pins the lowest id the snapshot can read.
// Snapshots with the invalid id hold no pin.
func (b *snapshotBase) initLocked(rt *Runtime, self Snapshot, id int64, invalid idset.Set) {
	b.rt = rt
	b.self = self
	b.id.Store(id)
	b.setInvalid(invalid)
	b.pin = pinning.NoHandle
	if id != invalidID {
		b.pin = rt.trackPinningLocked(id, invalid)
	}
}

func (b *snapshotBase) ID() int64 {
	return b.id.Load()
}

func (b *snapshotBase) Disposed() bool {
	return b.disposed.Load()
}

func (b *snapshotBase) runtime() *Runtime {
	return b.rt
}

func (b *snapshotBase) invalidSet() idset.Set {
	if p := b.invalid.Load(); p != nil {
		return *p
	}
	return idset.Empty
}

func (b *snapshotBase) setInvalid(s idset.Set) {
	b.invalid.Store(&s)
}

func (b *snapshotBase) isPinnedLocked() bool {
	return b.pin != pinning.NoHandle
}

func (b *snapshotBase) releasePinLocked() {
	if b.pin != pinning.NoHandle {
		b.rt.pinning.Remove(b.pin)
		b.pin = pinning.NoHandle
	}
}

// takeoverPinLocked hands the pin to the caller.
func (b *snapshotBase) takeoverPinLocked() pinning.Handle {
	h := b.pin
	b.pin = pinning.NoHandle
	return h
}

// baseDispose marks the snapshot disposed and releases its pin.
func (b *snapshotBase) baseDispose() {
	b.disposed.Store(true)
	b.rt.mu.Lock()
	b.releasePinLocked()
	b.rt.mu.Unlock()
}

func (b *snapshotBase) closeLocked() {
	b.rt.open = b.rt.open.Clear(b.ID())
}

func (b *snapshotBase) validateNotDisposed() error {
	if b.disposed.Load() {
		return illegalUse("cannot use a disposed snapshot")
	}
	return nil
}

func (b *snapshotBase) Enter(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.validateNotDisposed(); err != nil {
		return err
	}
	inner, local := WithLocal(WithRuntime(ctx, b.rt))
	local.set(b.self)
	return fn(inner)
}

func (b *snapshotBase) UnsafeEnter(ctx context.Context) (Snapshot, error) {
	local := LocalFrom(ctx)
	if local == nil {
		return nil, illegalUse("no snapshot binding in context; wrap it with WithLocal")
	}
	previous := local.get()
	local.set(b.self)
	return previous, nil
}

func (b *snapshotBase) UnsafeLeave(ctx context.Context, previous Snapshot) error {
	local := LocalFrom(ctx)
	if local == nil || local.get() != b.self {
		return illegalUse("cannot leave snapshot %d; it is not the current snapshot", b.self.ID())
	}
	local.set(previous)
	return nil
}

// =============================================================================
// Observer composition
// =============================================================================

// mergedReadObserver calls observer and then parent.
func mergedReadObserver(observer, parent ReadObserver) ReadObserver {
	if observer != nil && parent != nil {
		return func(obj Object) {
			observer(obj)
			parent(obj)
		}
	}
	if observer != nil {
		return observer
	}
	return parent
}

// mergedWriteObserver calls observer and then parent.
func mergedWriteObserver(observer, parent WriteObserver) WriteObserver {
	if observer != nil && parent != nil {
		return func(obj Object) {
			observer(obj)
			parent(obj)
		}
	}
	if observer != nil {
		return observer
	}
	return parent
}
