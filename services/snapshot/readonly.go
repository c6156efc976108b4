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
	"github.com/AleutianAI/snapstate/services/snapshot/idset"
)

// readOnlySnapshot is a snapshot that rejects writes. A top-level one, or
// one nested in a mutable snapshot, owns its id. Snapshots nested in it
// share that id, which stays open until the owner and every sharer are
// disposed.
type readOnlySnapshot struct {
	snapshotBase

	// parent is nil for a top-level read-only snapshot.
	parent  nestHost
	readObs ReadObserver

	// nested is guarded by rt.mu. It counts the owner and its live sharers.
	nested int
}

func (rt *Runtime) newReadOnlyLocked(id int64, invalid idset.Set, ro ReadObserver) *readOnlySnapshot {
	s := &readOnlySnapshot{readObs: ro, nested: 1}
	s.initLocked(rt, s, id, invalid)
	rt.countTaken("readonly")
	return s
}

func (rt *Runtime) newNestedReadOnlyLocked(id int64, invalid idset.Set, ro ReadObserver, parent nestHost) *readOnlySnapshot {
	s := &readOnlySnapshot{parent: parent, readObs: ro}
	if id != parent.ID() {
		s.nested = 1
	}
	s.initLocked(rt, s, id, invalid)
	parent.nestedActivatedLocked()
	rt.countTaken("nested_readonly")
	return s
}

// ownsID reports whether s allocated its id rather than sharing its
// parent's.
func (s *readOnlySnapshot) ownsID() bool {
	return s.parent == nil || s.ID() != s.parent.ID()
}

func (s *readOnlySnapshot) ReadOnly() bool { return true }

func (s *readOnlySnapshot) Root() Snapshot {
	if s.parent != nil {
		return s.parent.Root()
	}
	return s
}

func (s *readOnlySnapshot) HasPendingChanges() bool { return false }

func (s *readOnlySnapshot) readObserver() ReadObserver   { return s.readObs }
func (s *readOnlySnapshot) writeObserver() WriteObserver { return nil }

func (s *readOnlySnapshot) recordModified(Object) (bool, error) {
	return false, illegalUse("cannot modify a versioned object in read-only snapshot %d", s.ID())
}

func (s *readOnlySnapshot) NotifyObjectsInitialized() {}

// TakeNestedSnapshot returns a read-only snapshot with the same view. It
// shares the id of the snapshot that owns it.
func (s *readOnlySnapshot) TakeNestedSnapshot(ro ReadObserver) (Snapshot, error) {
	rt := s.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if s.parent == nil {
		if err := rt.validateOpenLocked(s); err != nil {
			return nil, err
		}
	} else if err := s.validateNotDisposed(); err != nil {
		return nil, err
	}

	var host nestHost = s
	if !s.ownsID() {
		host = s.parent
	}
	return rt.newNestedReadOnlyLocked(s.ID(), s.invalidSet(), mergedReadObserver(ro, s.readObs), host), nil
}

func (s *readOnlySnapshot) nestedActivatedLocked() {
	s.nested++
}

func (s *readOnlySnapshot) nestedDeactivatedLocked() {
	if s.nested <= 0 {
		return
	}
	s.nested--
	if s.nested > 0 {
		return
	}
	s.closeLocked()
	s.releasePinLocked()
	if s.parent != nil {
		s.parent.nestedDeactivatedLocked()
	}
}

func (s *readOnlySnapshot) Dispose() {
	if s.disposed.Swap(true) {
		return
	}
	rt := s.rt
	rt.mu.Lock()
	if s.ownsID() {
		s.nestedDeactivatedLocked()
	} else {
		s.parent.nestedDeactivatedLocked()
	}
	s.releasePinLocked()
	rt.mu.Unlock()
}
