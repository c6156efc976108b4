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

	"github.com/AleutianAI/snapstate/services/snapshot/idset"
	"github.com/AleutianAI/snapstate/services/snapshot/pinning"
)

// Transparent snapshots add observers to another snapshot without taking a
// new one. Identity, visibility and writes all pass through to the wrapped
// snapshot; a nil wrapped mutable snapshot means the runtime's live global
// snapshot, resolved on every use.

func (b *snapshotBase) initDetached(rt *Runtime, self Snapshot) {
	b.rt = rt
	b.self = self
	b.pin = pinning.NoHandle
}

// transparentMutableSnapshot wraps a mutable snapshot.
type transparentMutableSnapshot struct {
	snapshotBase

	previous       MutableSnapshot
	ownsPrevious   bool
	specifiedRead  ReadObserver
	specifiedWrite WriteObserver
	mergeParent    bool
	readObs        ReadObserver
}

func newTransparentMutable(rt *Runtime, previous MutableSnapshot, ro ReadObserver, wo WriteObserver, mergeParent, owns bool) *transparentMutableSnapshot {
	t := &transparentMutableSnapshot{
		previous:       previous,
		ownsPrevious:   owns,
		specifiedRead:  ro,
		specifiedWrite: wo,
		mergeParent:    mergeParent,
	}
	t.initDetached(rt, t)
	t.readObs = ro
	if mergeParent {
		t.readObs = mergedReadObserver(ro, t.current().readObserver())
	}
	return t
}

func (t *transparentMutableSnapshot) current() MutableSnapshot {
	if t.previous != nil {
		return t.previous
	}
	return t.rt.global.Load()
}

func (t *transparentMutableSnapshot) ID() int64               { return t.current().ID() }
func (t *transparentMutableSnapshot) invalidSet() idset.Set   { return t.current().invalidSet() }
func (t *transparentMutableSnapshot) ReadOnly() bool          { return t.current().ReadOnly() }
func (t *transparentMutableSnapshot) Root() Snapshot          { return t }
func (t *transparentMutableSnapshot) HasPendingChanges() bool { return t.current().HasPendingChanges() }
func (t *transparentMutableSnapshot) NotifyObjectsInitialized() {
	t.current().NotifyObjectsInitialized()
}

func (t *transparentMutableSnapshot) readObserver() ReadObserver { return t.readObs }

func (t *transparentMutableSnapshot) writeObserver() WriteObserver {
	return mergedWriteObserver(t.specifiedWrite, t.current().writeObserver())
}

func (t *transparentMutableSnapshot) recordModified(obj Object) (bool, error) {
	return t.current().recordModified(obj)
}

func (t *transparentMutableSnapshot) Apply(ctx context.Context) (ApplyResult, error) {
	return t.current().Apply(ctx)
}

func (t *transparentMutableSnapshot) TakeNestedSnapshot(ro ReadObserver) (Snapshot, error) {
	if !t.mergeParent {
		inner, err := t.current().TakeNestedSnapshot(nil)
		if err != nil {
			return nil, err
		}
		return newTransparentReadOnly(t.rt, inner, mergedReadObserver(ro, t.readObs), false, true), nil
	}
	return t.current().TakeNestedSnapshot(mergedReadObserver(ro, t.specifiedRead))
}

func (t *transparentMutableSnapshot) TakeNestedMutableSnapshot(ro ReadObserver, wo WriteObserver) (MutableSnapshot, error) {
	if !t.mergeParent {
		mergedWrite := mergedWriteObserver(wo, t.writeObserver())
		inner, err := t.current().TakeNestedMutableSnapshot(nil, mergedWrite)
		if err != nil {
			return nil, err
		}
		return newTransparentMutable(t.rt, inner, mergedReadObserver(ro, t.readObs), mergedWrite, false, true), nil
	}
	return t.current().TakeNestedMutableSnapshot(
		mergedReadObserver(ro, t.specifiedRead),
		mergedWriteObserver(wo, t.specifiedWrite),
	)
}

// Dispose marks the wrapper disposed. A wrapped snapshot is disposed only
// when the wrapper created it.
func (t *transparentMutableSnapshot) Dispose() {
	if t.disposed.Swap(true) {
		return
	}
	if t.ownsPrevious && t.previous != nil {
		t.previous.Dispose()
	}
}

// transparentReadOnlySnapshot wraps a read-only snapshot.
type transparentReadOnlySnapshot struct {
	snapshotBase

	previous      Snapshot
	ownsPrevious  bool
	specifiedRead ReadObserver
	mergeParent   bool
	readObs       ReadObserver
}

func newTransparentReadOnly(rt *Runtime, previous Snapshot, ro ReadObserver, mergeParent, owns bool) *transparentReadOnlySnapshot {
	t := &transparentReadOnlySnapshot{
		previous:      previous,
		ownsPrevious:  owns,
		specifiedRead: ro,
		mergeParent:   mergeParent,
	}
	t.initDetached(rt, t)
	t.readObs = ro
	if mergeParent {
		t.readObs = mergedReadObserver(ro, t.current().readObserver())
	}
	return t
}

func (t *transparentReadOnlySnapshot) current() Snapshot {
	if t.previous != nil {
		return t.previous
	}
	return t.rt.global.Load()
}

func (t *transparentReadOnlySnapshot) ID() int64             { return t.current().ID() }
func (t *transparentReadOnlySnapshot) invalidSet() idset.Set { return t.current().invalidSet() }
func (t *transparentReadOnlySnapshot) ReadOnly() bool        { return t.current().ReadOnly() }
func (t *transparentReadOnlySnapshot) Root() Snapshot        { return t }
func (t *transparentReadOnlySnapshot) HasPendingChanges() bool {
	return t.current().HasPendingChanges()
}
func (t *transparentReadOnlySnapshot) NotifyObjectsInitialized() {
	t.current().NotifyObjectsInitialized()
}
func (t *transparentReadOnlySnapshot) readObserver() ReadObserver   { return t.readObs }
func (t *transparentReadOnlySnapshot) writeObserver() WriteObserver { return nil }

func (t *transparentReadOnlySnapshot) recordModified(obj Object) (bool, error) {
	return t.current().recordModified(obj)
}

func (t *transparentReadOnlySnapshot) TakeNestedSnapshot(ro ReadObserver) (Snapshot, error) {
	if !t.mergeParent {
		inner, err := t.current().TakeNestedSnapshot(nil)
		if err != nil {
			return nil, err
		}
		return newTransparentReadOnly(t.rt, inner, mergedReadObserver(ro, t.readObs), false, true), nil
	}
	return t.current().TakeNestedSnapshot(mergedReadObserver(ro, t.specifiedRead))
}

func (t *transparentReadOnlySnapshot) Dispose() {
	if t.disposed.Swap(true) {
		return
	}
	if t.ownsPrevious && t.previous != nil {
		t.previous.Dispose()
	}
}

// noParentReadObservation wraps s, or the global snapshot when s is nil,
// so reads are not reported to the wrapped snapshot's read observer.
func noParentReadObservation(rt *Runtime, s Snapshot) Snapshot {
	if s == nil {
		return newTransparentMutable(rt, nil, nil, nil, false, false)
	}
	if m, ok := s.(MutableSnapshot); ok {
		return newTransparentMutable(rt, m, nil, nil, false, false)
	}
	return newTransparentReadOnly(rt, s, nil, false, false)
}
