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
	"math"
	"sync/atomic"

	"github.com/AleutianAI/snapstate/services/snapshot/idset"
)

// invalidID marks a record no snapshot can read. Records stamped with it
// can be recycled immediately.
const invalidID int64 = 0

// inFlightID marks a record that is being rewritten under the runtime lock.
// It is larger than every snapshot id so no reader selects it.
const inFlightID int64 = math.MaxInt64

// =============================================================================
// Record
// =============================================================================

// Record is one version of a versioned object's value.
//
// Implementations embed RecordHeader and are used through a pointer:
//
//	type intRecord struct {
//	    snapshot.RecordHeader
//	    value int
//	}
//
//	func (r *intRecord) Create() snapshot.Record       { return &intRecord{} }
//	func (r *intRecord) Assign(from snapshot.Record)   { r.value = from.(*intRecord).value }
type Record interface {
	// Create returns a new record of the same concrete type. Its value is
	// always overwritten by Assign or by an overwrite before it is read.
	Create() Record

	// Assign copies the value of from, which has the same concrete type.
	Assign(from Record)

	recordHeader() *RecordHeader
}

// RecordHeader holds the version metadata of a Record.
//
// The zero value is a record owned by no snapshot. Use NewRecord to stamp
// the first record of a new object. A RecordHeader must not be copied.
type RecordHeader struct {
	id   atomic.Int64
	next atomic.Pointer[recordLink]
}

// recordLink boxes a Record so the chain can be swapped atomically.
type recordLink struct {
	record Record
}

func (h *RecordHeader) recordHeader() *RecordHeader { return h }

// SnapshotID returns the id of the snapshot that created this version.
func (h *RecordHeader) SnapshotID() int64 {
	return h.id.Load()
}

// Next returns the next older record in the chain, or nil.
func (h *RecordHeader) Next() Record {
	if l := h.next.Load(); l != nil {
		return l.record
	}
	return nil
}

func (h *RecordHeader) setNext(r Record) {
	if r == nil {
		h.next.Store(nil)
		return
	}
	h.next.Store(&recordLink{record: r})
}

// =============================================================================
// Object
// =============================================================================

// Object is a versioned value: a chain of records, newest first.
type Object interface {
	// FirstRecord returns the head of the record chain.
	FirstRecord() Record

	// PrependRecord makes r the head of the chain. r already links to the
	// previous head.
	PrependRecord(r Record)
}

// Merger is implemented by objects that can reconcile concurrent changes.
//
// MergeRecords is called when a snapshot applies a change to an object that
// another snapshot changed since it was taken. previous is the value both
// started from, current is the value now visible in the parent, and applied
// is the value being applied. It returns one of them or a new record holding
// the merged value, or nil when the changes conflict.
//
// MergeRecords may be called more than once for one apply and must not have
// side effects. It runs while the runtime lock may be held and must not use
// snapshot operations.
type Merger interface {
	MergeRecords(previous, current, applied Record) Record
}

// ObjectBase implements the chain half of Object. Embed it and call Init
// with the first record.
type ObjectBase struct {
	first atomic.Pointer[recordLink]
}

// Init sets the first record of the chain.
func (o *ObjectBase) Init(r Record) {
	o.first.Store(&recordLink{record: r})
}

// FirstRecord returns the head of the record chain.
func (o *ObjectBase) FirstRecord() Record {
	if l := o.first.Load(); l != nil {
		return l.record
	}
	return nil
}

// PrependRecord makes r the head of the chain.
func (o *ObjectBase) PrependRecord(r Record) {
	o.first.Store(&recordLink{record: r})
}

// ObjectSet is a set of objects. Sets handed to observers must not be
// modified.
type ObjectSet map[Object]struct{}

// Contains reports whether obj is in the set.
func (s ObjectSet) Contains(obj Object) bool {
	_, ok := s[obj]
	return ok
}

// Intersects reports whether the sets share an object.
func (s ObjectSet) Intersects(other ObjectSet) bool {
	a, b := s, other
	if len(b) < len(a) {
		a, b = b, a
	}
	for obj := range a {
		if _, ok := b[obj]; ok {
			return true
		}
	}
	return false
}

// =============================================================================
// Chain selection
// =============================================================================

func next(r Record) Record {
	return r.recordHeader().Next()
}

// valid reports whether a record created by candidate is visible to a
// snapshot with the given id and invalid set.
func valid(current, candidate int64, invalid idset.Set) bool {
	return candidate != invalidID && candidate <= current && !invalid.Get(candidate)
}

// readable returns the visible record with the highest id, or nil.
func readable(r Record, id int64, invalid idset.Set) Record {
	var candidate Record
	var candidateID int64
	for cur := r; cur != nil; cur = next(cur) {
		curID := cur.recordHeader().id.Load()
		if valid(id, curID, invalid) && (candidate == nil || candidateID < curID) {
			candidate = cur
			candidateID = curID
		}
	}
	return candidate
}

// usedLocked returns a record of obj that no open snapshot can read, or nil.
//
// Records stamped invalidID are free. Otherwise, when two records are both
// visible below the pinned floor the older one is hidden from every live
// snapshot by the newer one.
func (rt *Runtime) usedLocked(obj Object) Record {
	reuseLimit := rt.pinning.LowestOrDefault(rt.nextID) - 1
	var validRecord Record
	for cur := obj.FirstRecord(); cur != nil; cur = next(cur) {
		curID := cur.recordHeader().id.Load()
		if curID == invalidID {
			return cur
		}
		if valid(reuseLimit, curID, idset.Empty) {
			if validRecord == nil {
				validRecord = cur
				continue
			}
			if curID < validRecord.recordHeader().id.Load() {
				return cur
			}
			return validRecord
		}
	}
	return nil
}

// newOverwritableRecordLocked returns a record of obj that is safe to fill
// with a new value, recycling one when possible. The record is marked
// in-flight until the caller stamps it.
func (rt *Runtime) newOverwritableRecordLocked(obj Object, template Record) Record {
	if r := rt.usedLocked(obj); r != nil {
		r.recordHeader().id.Store(inFlightID)
		rt.countRecord(recordRecycled)
		return r
	}
	r := template.Create()
	h := r.recordHeader()
	h.id.Store(inFlightID)
	h.setNext(obj.FirstRecord())
	obj.PrependRecord(r)
	rt.countRecord(recordAllocated)
	return r
}

// writableRecordLocked returns the record s may mutate in place, copying the
// readable record into a fresh version when s does not own one yet. first
// reports whether this is the first write to obj in s.
func writableRecordLocked(rt *Runtime, obj Object, s Snapshot) (rec Record, first bool, err error) {
	if s.ReadOnly() {
		if _, err := s.recordModified(obj); err != nil {
			return nil, false, err
		}
	}
	id := s.ID()
	read := readable(obj.FirstRecord(), id, s.invalidSet())
	if read == nil {
		return nil, false, readError(obj, s)
	}
	if read.recordHeader().id.Load() == id {
		// Owned records include those of objects created in s, which are
		// not in the modified set until their first write.
		first, err = s.recordModified(obj)
		if err != nil {
			return nil, false, err
		}
		return read, first, nil
	}

	fresh := rt.newOverwritableRecordLocked(obj, read)
	fresh.Assign(read)
	fresh.recordHeader().id.Store(id)

	first, err = s.recordModified(obj)
	if err != nil {
		return nil, false, err
	}
	return fresh, first, nil
}

// overwritableRecordLocked is writableRecordLocked for callers that replace
// the whole value, so the previous value is not copied.
func overwritableRecordLocked(rt *Runtime, obj Object, s Snapshot) (rec Record, first bool, err error) {
	if s.ReadOnly() {
		if _, err := s.recordModified(obj); err != nil {
			return nil, false, err
		}
	}
	id := s.ID()
	head := obj.FirstRecord()
	if head == nil {
		return nil, false, illegalUse("object %T has no records", obj)
	}
	cur := readable(head, id, s.invalidSet())
	if cur == nil {
		return nil, false, readError(obj, s)
	}
	if cur.recordHeader().id.Load() == id {
		first, err = s.recordModified(obj)
		if err != nil {
			return nil, false, err
		}
		return cur, first, nil
	}

	fresh := rt.newOverwritableRecordLocked(obj, head)
	fresh.recordHeader().id.Store(id)

	first, err = s.recordModified(obj)
	if err != nil {
		return nil, false, err
	}
	return fresh, first, nil
}

// clone returns a new record holding a copy of r's value.
func clone(r Record) Record {
	c := r.Create()
	c.Assign(r)
	return c
}

// =============================================================================
// Access helpers
// =============================================================================

// NewRecord stamps r as created by the current snapshot of ctx. Use it for
// the first record of a new object.
func NewRecord[R Record](ctx context.Context, r R) R {
	r.recordHeader().id.Store(Current(ctx).ID())
	return r
}

// Read returns the record of obj visible to the current snapshot of ctx.
//
// The snapshot's read observer is notified before the record is selected,
// even when selection fails.
func Read[R Record](ctx context.Context, obj Object) (R, error) {
	return ReadIn[R](Current(ctx), obj)
}

// ReadIn is Read against an explicit snapshot.
func ReadIn[R Record](s Snapshot, obj Object) (R, error) {
	if observer := s.readObserver(); observer != nil {
		observer(obj)
	}
	return currentIn[R](s, obj)
}

// Peek returns the record of obj visible to the current snapshot of ctx
// without notifying read observers.
func Peek[R Record](ctx context.Context, obj Object) (R, error) {
	return currentIn[R](Current(ctx), obj)
}

func currentIn[R Record](s Snapshot, obj Object) (R, error) {
	var zero R
	r := readable(obj.FirstRecord(), s.ID(), s.invalidSet())
	if r == nil {
		return zero, readError(obj, s)
	}
	typed, ok := r.(R)
	if !ok {
		return zero, illegalUse("record of %T is %T, not %T", obj, r, zero)
	}
	return typed, nil
}

// Write mutates the record of obj owned by the current snapshot of ctx.
//
// mutate runs under the runtime lock and must not call snapshot operations.
// The write observer is notified after the lock is released, once per object
// per snapshot.
func Write[R Record](ctx context.Context, obj Object, mutate func(R)) error {
	return writeWith(Current(ctx), obj, mutate, writableRecordLocked)
}

// WriteIn is Write against an explicit snapshot.
func WriteIn[R Record](s Snapshot, obj Object, mutate func(R)) error {
	return writeWith(s, obj, mutate, writableRecordLocked)
}

// Overwrite is Write for mutations that replace every field of the record.
// The previous value is not copied first, so mutate sees an arbitrary value.
func Overwrite[R Record](ctx context.Context, obj Object, mutate func(R)) error {
	return writeWith(Current(ctx), obj, mutate, overwritableRecordLocked)
}

type recordPicker func(rt *Runtime, obj Object, s Snapshot) (Record, bool, error)

func writeWith[R Record](s Snapshot, obj Object, mutate func(R), pick recordPicker) error {
	rt := s.runtime()

	rt.mu.Lock()
	// A global snapshot may have been replaced since the caller resolved it.
	if g, ok := s.(*mutableSnapshot); ok && g.kind == kindGlobal {
		s = rt.global.Load()
	}
	rec, first, err := pick(rt, obj, s)
	if err == nil {
		typed, ok := rec.(R)
		if !ok {
			var zero R
			err = illegalUse("record of %T is %T, not %T", obj, rec, zero)
		} else {
			mutate(typed)
		}
	}
	rt.mu.Unlock()

	if err != nil {
		return err
	}
	if first {
		if observer := s.writeObserver(); observer != nil {
			observer(obj)
		}
	}
	return nil
}

// ChainLength returns the number of records in obj's chain.
func ChainLength(obj Object) int {
	n := 0
	for cur := obj.FirstRecord(); cur != nil; cur = next(cur) {
		n++
	}
	return n
}

// mergeRecords asks obj to merge concurrent changes.
func mergeRecords(obj Object, previous, current, applied Record) Record {
	if m, ok := obj.(Merger); ok {
		return m.MergeRecords(previous, current, applied)
	}
	return nil
}
