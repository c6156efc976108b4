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
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/snapstate/services/snapshot/idset"
	"github.com/AleutianAI/snapstate/services/snapshot/pinning"
)

type snapshotKind uint8

const (
	// kindGlobal is the runtime's global snapshot. It is never applied; it
	// is replaced by a new global when it advances.
	kindGlobal snapshotKind = iota

	// kindMutable is a top-level mutable snapshot. Apply publishes into
	// the global snapshot.
	kindMutable

	// kindNested is a mutable snapshot of another mutable snapshot. Apply
	// publishes into the parent.
	kindNested
)

func (k snapshotKind) String() string {
	switch k {
	case kindGlobal:
		return "global"
	case kindMutable:
		return "mutable"
	case kindNested:
		return "nested_mutable"
	default:
		return "unknown"
	}
}

// mutableSnapshot implements the global, top-level and nested mutable
// snapshots.
type mutableSnapshot struct {
	snapshotBase

	kind     snapshotKind
	parent   *mutableSnapshot
	readObs  ReadObserver
	writeObs WriteObserver

	applied atomic.Bool

	// Guarded by rt.mu.
	modified       ObjectSet
	previousIDs    idset.Set
	previousPinned []pinning.Handle
	nested         int
	deactivated    bool
}

func (rt *Runtime) newGlobalLocked(id int64, invalid idset.Set) *mutableSnapshot {
	s := &mutableSnapshot{
		kind:     kindGlobal,
		writeObs: rt.globalWriteObserverLocked(),
	}
	s.initLocked(rt, s, id, invalid)
	return s
}

func (rt *Runtime) newMutableLocked(id int64, invalid idset.Set, ro ReadObserver, wo WriteObserver) *mutableSnapshot {
	s := &mutableSnapshot{
		kind:     kindMutable,
		readObs:  ro,
		writeObs: wo,
		nested:   1,
	}
	s.initLocked(rt, s, id, invalid)
	rt.countTaken(kindMutable.String())
	return s
}

func (rt *Runtime) newNestedMutableLocked(id int64, invalid idset.Set, ro ReadObserver, wo WriteObserver, parent *mutableSnapshot) *mutableSnapshot {
	s := &mutableSnapshot{
		kind:     kindNested,
		parent:   parent,
		readObs:  ro,
		writeObs: wo,
		nested:   1,
	}
	s.initLocked(rt, s, id, invalid)
	parent.nestedActivatedLocked()
	rt.countTaken(kindNested.String())
	return s
}

func (s *mutableSnapshot) ReadOnly() bool { return false }

func (s *mutableSnapshot) Root() Snapshot {
	if s.parent != nil {
		return s.parent.Root()
	}
	return s
}

func (s *mutableSnapshot) HasPendingChanges() bool {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	return len(s.modified) > 0
}

func (s *mutableSnapshot) readObserver() ReadObserver   { return s.readObs }
func (s *mutableSnapshot) writeObserver() WriteObserver { return s.writeObs }

func (s *mutableSnapshot) recordModified(obj Object) (bool, error) {
	if s.modified == nil {
		s.modified = make(ObjectSet)
	}
	if _, ok := s.modified[obj]; ok {
		return false, nil
	}
	s.modified[obj] = struct{}{}
	return true, nil
}

// advanceLocked runs fn and then, unless the snapshot is finished, moves it
// to a fresh id. Records written after the advance get the new id, so
// snapshots taken inside fn do not see them.
func (s *mutableSnapshot) advanceLocked(fn func()) {
	s.previousIDs = s.previousIDs.Set(s.ID())
	if fn != nil {
		fn()
	}
	if s.applied.Load() || s.disposed.Load() {
		return
	}
	previousID := s.ID()
	newID := s.rt.allocateIDLocked()
	s.rt.open = s.rt.open.Set(newID)
	s.id.Store(newID)
	s.setInvalid(s.invalidSet().AddRange(previousID+1, newID))
}

// validateCanNestLocked allows nesting from an applied snapshot only while
// its apply observers run, when it still holds its pin.
func (s *mutableSnapshot) validateCanNestLocked() error {
	if s.applied.Load() && !s.isPinnedLocked() {
		return illegalUse("cannot take a nested snapshot of applied snapshot %d", s.ID())
	}
	return nil
}

// =============================================================================
// Nesting
// =============================================================================

func (s *mutableSnapshot) TakeNestedSnapshot(ro ReadObserver) (Snapshot, error) {
	rt := s.rt
	if s.kind == kindGlobal {
		return advanceGlobal(rt, func(invalid idset.Set) Snapshot {
			id := rt.allocateIDLocked()
			child := rt.newReadOnlyLocked(id, invalid, ro)
			rt.open = rt.open.Set(id)
			return child
		}), nil
	}

	if err := s.validateNotDisposed(); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := s.validateCanNestLocked(); err != nil {
		return nil, err
	}

	previousID := s.ID()
	var child *readOnlySnapshot
	s.advanceLocked(func() {
		id := rt.allocateIDLocked()
		rt.open = rt.open.Set(id)
		child = rt.newNestedReadOnlyLocked(id, s.invalidSet().AddRange(previousID+1, id),
			mergedReadObserver(ro, s.readObs), s)
	})
	return child, nil
}

func (s *mutableSnapshot) TakeNestedMutableSnapshot(ro ReadObserver, wo WriteObserver) (MutableSnapshot, error) {
	rt := s.rt
	if s.kind == kindGlobal {
		return advanceGlobal(rt, func(invalid idset.Set) MutableSnapshot {
			id := rt.allocateIDLocked()
			child := rt.newMutableLocked(id, invalid, ro, wo)
			rt.open = rt.open.Set(id)
			return child
		}), nil
	}

	if err := s.validateNotDisposed(); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := s.validateCanNestLocked(); err != nil {
		return nil, err
	}

	var child *mutableSnapshot
	s.advanceLocked(func() {
		id := rt.allocateIDLocked()
		rt.open = rt.open.Set(id)
		current := s.invalidSet()
		// The parent must not see the child's records until it applies.
		s.setInvalid(current.Set(id))
		child = rt.newNestedMutableLocked(id, current.AddRange(s.ID()+1, id),
			mergedReadObserver(ro, s.readObs), mergedWriteObserver(wo, s.writeObs), s)
	})
	return child, nil
}

func (s *mutableSnapshot) nestedActivatedLocked() {
	s.nested++
}

func (s *mutableSnapshot) nestedDeactivatedLocked() {
	if s.nested <= 0 {
		return
	}
	s.nested--
	if s.nested == 0 && !s.applied.Load() {
		s.abandonLocked()
	}
}

// abandonLocked discards the snapshot's writes. Records it created are
// stamped invalidID so they can be recycled at once.
func (s *mutableSnapshot) abandonLocked() {
	for obj := range s.modified {
		for cur := obj.FirstRecord(); cur != nil; cur = next(cur) {
			h := cur.recordHeader()
			if id := h.id.Load(); id == s.ID() || s.previousIDs.Get(id) {
				h.id.Store(invalidID)
			}
		}
	}
	s.closeAndReleasePinningLocked()
	s.rt.countAbandon()
	s.rt.logger.Debug("snapshot abandoned",
		slog.Int64("snapshot_id", s.ID()),
		slog.Int("modified", len(s.modified)),
	)
}

func (s *mutableSnapshot) closeLocked() {
	s.rt.open = s.rt.open.Clear(s.ID()).AndNot(s.previousIDs)
}

// releasePinnedForCloseLocked releases the pins inherited from applied
// nested snapshots and the snapshot's own pin.
func (s *mutableSnapshot) releasePinnedForCloseLocked() {
	for _, h := range s.previousPinned {
		s.rt.pinning.Remove(h)
	}
	s.previousPinned = nil
	s.releasePinLocked()
}

func (s *mutableSnapshot) closeAndReleasePinningLocked() {
	s.closeLocked()
	s.releasePinnedForCloseLocked()
}

// deactivateLocked tells the parent this nested snapshot is finished. It
// runs at most once.
func (s *mutableSnapshot) deactivateLocked() {
	if s.deactivated || s.parent == nil {
		return
	}
	s.deactivated = true
	s.parent.nestedDeactivatedLocked()
}

func (s *mutableSnapshot) Dispose() {
	rt := s.rt
	if s.kind == kindGlobal {
		rt.mu.Lock()
		s.releasePinLocked()
		rt.mu.Unlock()
		return
	}
	if s.disposed.Swap(true) {
		return
	}
	rt.mu.Lock()
	s.releasePinLocked()
	s.nestedDeactivatedLocked()
	if s.kind == kindNested {
		s.deactivateLocked()
	}
	rt.mu.Unlock()
}

func (s *mutableSnapshot) NotifyObjectsInitialized() {
	if s.kind == kindGlobal {
		s.rt.AdvanceGlobal()
		return
	}
	if s.applied.Load() || s.disposed.Load() {
		return
	}
	s.rt.mu.Lock()
	s.advanceLocked(nil)
	s.rt.mu.Unlock()
}

// =============================================================================
// Apply
// =============================================================================

// Apply publishes the snapshot's writes.
//
// # Description
//
// Every modified object is checked against the target: the global snapshot
// for a top-level snapshot, the parent for a nested one. When the target
// changed an object since this snapshot was taken, the object's Merger
// decides the value; an object that cannot merge fails the whole apply and
// nothing is published.
//
// # Outputs
//
//   - ApplyResult: Success, or Failure carrying this snapshot.
//   - error: ErrIllegalUse when the snapshot is closed or is the global
//     snapshot, ErrReadVisibility when a modified record is unreadable.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent applies are serialized by the runtime
// lock; merges may be precomputed outside it.
func (s *mutableSnapshot) Apply(ctx context.Context) (ApplyResult, error) {
	if s.kind == kindGlobal {
		return ApplyResult{}, illegalUse("cannot apply the global snapshot")
	}

	kind := "top"
	if s.kind == kindNested {
		kind = "nested"
	}
	s.rt.mu.Lock()
	attrs := applyAttrs{id: s.ID(), kind: kind, modified: len(s.modified)}
	if s.parent != nil {
		attrs.parentID = s.parent.ID()
	}
	modifiedCount := attrs.modified
	s.rt.mu.Unlock()

	start := time.Now()
	ctx, span := s.rt.tracer.StartApply(ctx, attrs)

	var result ApplyResult
	var err error
	if s.kind == kindNested {
		result, err = s.applyNested(ctx)
	} else {
		result, err = s.applyTop(ctx)
	}

	s.rt.tracer.EndApply(span, result, err)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Succeeded():
		outcome = "conflict"
	}
	s.rt.recordApply(ctx, kind, outcome, time.Since(start))
	LoggerWithTrace(ctx, s.rt.logger).DebugContext(ctx, "snapshot apply",
		slog.Int64("snapshot_id", s.ID()),
		slog.String("kind", kind),
		slog.String("result", outcome),
		slog.Int("modified", modifiedCount),
	)
	return result, err
}

func (s *mutableSnapshot) applyTop(ctx context.Context) (ApplyResult, error) {
	rt := s.rt

	var merges map[Record]Record
	if rt.config.OptimisticMerges {
		rt.mu.Lock()
		objects := s.modifiedListLocked()
		global := rt.global.Load()
		globalID := global.ID()
		id := s.ID()
		startSet := s.invalidSet().Set(id).Or(s.previousIDs)
		invalid := s.invalidSet()
		currentInvalid := rt.open.Clear(globalID)
		rt.mu.Unlock()

		if len(objects) > 0 {
			merges = optimisticMerges(objects, globalID, currentInvalid, id, startSet, invalid)
		}
	}

	rt.mu.Lock()
	if err := rt.validateOpenLocked(s); err != nil {
		rt.mu.Unlock()
		return ApplyResult{}, err
	}

	previousGlobal := rt.global.Load()
	var globalModified, modified ObjectSet
	if len(s.modified) == 0 {
		s.closeLocked()
		globalModified = rt.takeNewGlobalLocked(previousGlobal)
	} else {
		result, err := s.innerApplyLocked(ctx, rt.nextID, merges, rt.open.Clear(previousGlobal.ID()))
		if err != nil || !result.Succeeded() {
			rt.mu.Unlock()
			return result, err
		}
		s.closeLocked()
		globalModified = rt.takeNewGlobalLocked(previousGlobal)
		modified = s.modified
		s.modified = nil
	}
	s.applied.Store(true)

	var observers []ApplyObserver
	if len(globalModified) > 0 || len(modified) > 0 {
		observers = rt.applyObserversLocked()
	}
	rt.mu.Unlock()

	// Observers may take nested snapshots of s, so its pins are held until
	// they return.
	notifyApply(observers, globalModified, s)
	notifyApply(observers, modified, s)

	rt.mu.Lock()
	s.releasePinnedForCloseLocked()
	rt.mu.Unlock()

	return Success, nil
}

func (s *mutableSnapshot) applyNested(ctx context.Context) (ApplyResult, error) {
	rt := s.rt
	parent := s.parent
	if parent.applied.Load() || parent.disposed.Load() {
		return Failure(s), nil
	}

	var merges map[Record]Record
	if rt.config.OptimisticMerges {
		rt.mu.Lock()
		objects := s.modifiedListLocked()
		parentID := parent.ID()
		parentInvalid := parent.invalidSet()
		id := s.ID()
		startSet := s.invalidSet().Set(id).Or(s.previousIDs)
		invalid := s.invalidSet()
		rt.mu.Unlock()

		if len(objects) > 0 {
			merges = optimisticMerges(objects, parentID, parentInvalid, id, startSet, invalid)
		}
	}

	rt.mu.Lock()
	if err := rt.validateOpenLocked(s); err != nil {
		rt.mu.Unlock()
		return ApplyResult{}, err
	}

	if len(s.modified) == 0 {
		s.closeAndReleasePinningLocked()
	} else {
		result, err := s.innerApplyLocked(ctx, parent.ID(), merges, parent.invalidSet())
		if err != nil || !result.Succeeded() {
			rt.mu.Unlock()
			return result, err
		}
		if parent.modified == nil {
			parent.modified = make(ObjectSet, len(s.modified))
		}
		for obj := range s.modified {
			parent.modified[obj] = struct{}{}
		}
	}

	// The parent takes over this snapshot's ids and pins; they stay open
	// until the parent closes.
	if parent.ID() < s.ID() {
		parent.advanceLocked(nil)
	}
	parent.setInvalid(parent.invalidSet().Clear(s.ID()).AndNot(s.previousIDs))
	parent.previousIDs = parent.previousIDs.Set(s.ID()).Or(s.previousIDs)
	if h := s.takeoverPinLocked(); h != pinning.NoHandle {
		parent.previousPinned = append(parent.previousPinned, h)
	}
	parent.previousPinned = append(parent.previousPinned, s.previousPinned...)
	s.previousPinned = nil

	s.applied.Store(true)
	s.deactivateLocked()
	rt.mu.Unlock()

	return Success, nil
}

func (s *mutableSnapshot) modifiedListLocked() []Object {
	out := make([]Object, 0, len(s.modified))
	for obj := range s.modified {
		out = append(out, obj)
	}
	return out
}

// optimisticMerges computes merges for objects without the runtime lock.
// The locked pass reuses a merge only when the current record it finds is
// the one the merge was computed against. It returns nil when any object
// fails to merge, leaving the locked pass to report the conflict.
func optimisticMerges(objects []Object, currentID int64, currentInvalid idset.Set, id int64, start, invalid idset.Set) map[Record]Record {
	var result map[Record]Record
	for _, obj := range objects {
		first := obj.FirstRecord()
		current := readable(first, currentID, currentInvalid)
		if current == nil {
			continue
		}
		previous := readable(first, id, start)
		if previous == nil || current == previous {
			continue
		}
		applied := readable(first, id, invalid)
		if applied == nil {
			return nil
		}
		merged := mergeRecords(obj, previous, current, applied)
		if merged == nil {
			return nil
		}
		if result == nil {
			result = make(map[Record]Record)
		}
		result[current] = merged
	}
	return result
}

type objectRecord struct {
	obj    Object
	record Record
}

// innerApplyLocked checks every modified object against the target view
// (snapshotID, invalidSnapshots) and prepends merged records. Objects whose
// merge resolves to the target's value are dropped from the modified set.
func (s *mutableSnapshot) innerApplyLocked(ctx context.Context, snapshotID int64, merges map[Record]Record, invalidSnapshots idset.Set) (ApplyResult, error) {
	rt := s.rt
	id := s.ID()
	invalid := s.invalidSet()
	start := invalid.Set(id).Or(s.previousIDs)

	var mergedRecords []objectRecord
	var reverted []Object
	for obj := range s.modified {
		first := obj.FirstRecord()
		// An object created in an applied nested snapshot and changed
		// afterwards has no record in one of the views.
		current := readable(first, snapshotID, invalidSnapshots)
		if current == nil {
			continue
		}
		previous := readable(first, id, start)
		if previous == nil || current == previous {
			continue
		}
		applied := readable(first, id, invalid)
		if applied == nil {
			return ApplyResult{}, readError(obj, s)
		}

		merged, ok := merges[current]
		if !ok {
			merged = mergeRecords(obj, previous, current, applied)
		}

		switch merged {
		case nil:
			rt.countMerge(mergeConflict)
			rt.tracer.RecordConflict(ctx, id, obj)
			return Failure(s), nil
		case applied:
			rt.countMerge(mergeKeptApplied)
		case current:
			rt.countMerge(mergeKeptCurrent)
			mergedRecords = append(mergedRecords, objectRecord{obj, clone(current)})
			reverted = append(reverted, obj)
		default:
			rt.countMerge(mergeNewRecord)
			if merged == previous {
				merged = clone(previous)
			}
			mergedRecords = append(mergedRecords, objectRecord{obj, merged})
		}
	}

	if len(mergedRecords) > 0 {
		s.advanceLocked(nil)
		newID := s.ID()
		for _, m := range mergedRecords {
			h := m.record.recordHeader()
			h.id.Store(newID)
			h.setNext(m.obj.FirstRecord())
			m.obj.PrependRecord(m.record)
		}
	}

	for _, obj := range reverted {
		delete(s.modified, obj)
	}
	return Success, nil
}
