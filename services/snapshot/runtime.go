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
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/AleutianAI/snapstate/services/snapshot/idset"
	"github.com/AleutianAI/snapstate/services/snapshot/pinning"
)

// Runtime is one global timeline: the id counter, the open snapshot set,
// the pinning heap, the global snapshot and the observer lists.
//
// # Description
//
// Every snapshot belongs to exactly one Runtime. Most programs use the
// process-wide Default(); tests create isolated runtimes with NewRuntime and
// attach them to a context with WithRuntime.
//
// # Thread Safety
//
// One mutex guards id allocation, record splicing, the open set, pinning
// and the observer lists. Reads of versioned objects never take it.
type Runtime struct {
	mu sync.Mutex

	nextID  int64
	open    idset.Set
	pinning *pinning.Heap

	applyObservers       []*observerEntry[ApplyObserver]
	globalWriteObservers []*observerEntry[WriteObserver]

	global atomic.Pointer[mutableSnapshot]

	config Config
	logger *slog.Logger
	tracer *Tracer
}

var (
	defaultRuntime     *Runtime
	defaultRuntimeOnce sync.Once
)

// Default returns the process-wide Runtime, creating it on first use.
// It lives for the rest of the process.
func Default() *Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime = NewRuntime(nil)
	})
	return defaultRuntime
}

// NewRuntime creates an independent Runtime. A nil config uses
// DefaultConfig().
func NewRuntime(config *Config) *Runtime {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "snapshot"))

	rt := &Runtime{
		nextID:  invalidID + 1,
		pinning: pinning.New(),
		config:  cfg,
		logger:  logger,
		tracer:  NewTracer(logger, cfg.Tracing),
	}

	rt.mu.Lock()
	g := rt.newGlobalLocked(rt.allocateIDLocked(), idset.Empty)
	rt.open = rt.open.Set(g.ID())
	rt.global.Store(g)
	rt.mu.Unlock()

	return rt
}

// Global returns the current global snapshot.
func (rt *Runtime) Global() MutableSnapshot {
	return rt.global.Load()
}

// Config returns the runtime's configuration.
func (rt *Runtime) Config() Config {
	return rt.config
}

// OpenSnapshotCount returns the number of open snapshot ids, including the
// global snapshot.
func (rt *Runtime) OpenSnapshotCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.open.Len()
}

// PinnedCount returns the number of pins currently held.
func (rt *Runtime) PinnedCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pinning.Len()
}

func (rt *Runtime) allocateIDLocked() int64 {
	id := rt.nextID
	rt.nextID++
	return id
}

// trackPinningLocked pins the lowest id a snapshot with id and invalid can
// still read.
func (rt *Runtime) trackPinningLocked(id int64, invalid idset.Set) pinning.Handle {
	return rt.pinning.Add(invalid.Lowest(id))
}

func (rt *Runtime) validateOpenLocked(s Snapshot) error {
	if !rt.open.Get(s.ID()) {
		return illegalUse("snapshot %d is not open", s.ID())
	}
	return nil
}

// =============================================================================
// Global snapshot
// =============================================================================

// takeNewGlobalLocked replaces previous with a fresh global snapshot that
// sees everything closed so far. It returns the objects previous modified.
func (rt *Runtime) takeNewGlobalLocked(previous *mutableSnapshot) ObjectSet {
	globalID := rt.allocateIDLocked()
	rt.open = rt.open.Clear(previous.ID())
	rt.global.Store(rt.newGlobalLocked(globalID, rt.open))
	previous.releasePinLocked()
	rt.open = rt.open.Set(globalID)

	modified := previous.modified
	previous.modified = nil
	rt.countGlobalAdvance()
	return modified
}

// applyObserversLocked returns a copy of the apply observer list.
func (rt *Runtime) applyObserversLocked() []ApplyObserver {
	out := make([]ApplyObserver, len(rt.applyObservers))
	for i, e := range rt.applyObservers {
		out[i] = e.fn
	}
	return out
}

func notifyApply(observers []ApplyObserver, changed ObjectSet, s Snapshot) {
	if len(changed) == 0 {
		return
	}
	for _, observer := range observers {
		observer(changed, s)
	}
}

// advanceGlobal runs fn under the lock with the invalid set a new top-level
// snapshot should use, then replaces the global snapshot so fn's snapshot
// and every later one see the previous global's writes. Apply observers are
// told about those writes after the lock is released.
func advanceGlobal[T any](rt *Runtime, fn func(invalid idset.Set) T) T {
	rt.mu.Lock()
	previous := rt.global.Load()
	var result T
	if fn != nil {
		result = fn(rt.open.Clear(previous.ID()))
	}
	modified := rt.takeNewGlobalLocked(previous)
	var observers []ApplyObserver
	if len(modified) > 0 {
		observers = rt.applyObserversLocked()
	}
	rt.mu.Unlock()

	notifyApply(observers, modified, previous)
	return result
}

// AdvanceGlobal publishes writes made directly in the global snapshot.
func (rt *Runtime) AdvanceGlobal() {
	advanceGlobal[struct{}](rt, nil)
}

// SendApplyNotifications advances the global snapshot when it has writes,
// notifying apply observers about them.
func (rt *Runtime) SendApplyNotifications() {
	rt.mu.Lock()
	changes := len(rt.global.Load().modified) > 0
	rt.mu.Unlock()
	if changes {
		rt.AdvanceGlobal()
	}
}

// =============================================================================
// Observers
// =============================================================================

type observerEntry[F any] struct {
	id uuid.UUID
	fn F
}

// ObserverHandle unregisters an observer.
type ObserverHandle struct {
	id      uuid.UUID
	once    sync.Once
	dispose func()
}

// ID identifies the registration, for logs.
func (h *ObserverHandle) ID() uuid.UUID {
	return h.id
}

// Dispose unregisters the observer. Safe to call more than once.
func (h *ObserverHandle) Dispose() {
	h.once.Do(h.dispose)
}

func removeEntry[F any](entries []*observerEntry[F], id uuid.UUID) []*observerEntry[F] {
	return slices.DeleteFunc(entries, func(e *observerEntry[F]) bool { return e.id == id })
}

// RegisterApplyObserver registers fn to be called after every top-level
// apply and global advance that changed objects. Changes made before the
// call are not reported.
func (rt *Runtime) RegisterApplyObserver(fn ApplyObserver) *ObserverHandle {
	rt.AdvanceGlobal()

	entry := &observerEntry[ApplyObserver]{id: uuid.New(), fn: fn}
	rt.mu.Lock()
	rt.applyObservers = append(rt.applyObservers, entry)
	rt.mu.Unlock()

	rt.logger.Debug("apply observer registered", slog.String("observer_id", entry.id.String()))

	return &ObserverHandle{
		id: entry.id,
		dispose: func() {
			rt.mu.Lock()
			rt.applyObservers = removeEntry(rt.applyObservers, entry.id)
			rt.mu.Unlock()
		},
	}
}

// RegisterGlobalWriteObserver registers fn to be called for writes made
// directly in the global snapshot.
func (rt *Runtime) RegisterGlobalWriteObserver(fn WriteObserver) *ObserverHandle {
	entry := &observerEntry[WriteObserver]{id: uuid.New(), fn: fn}
	rt.mu.Lock()
	rt.globalWriteObservers = append(rt.globalWriteObservers, entry)
	rt.mu.Unlock()

	// The global snapshot captures the observer list when it is created.
	rt.AdvanceGlobal()

	rt.logger.Debug("global write observer registered", slog.String("observer_id", entry.id.String()))

	return &ObserverHandle{
		id: entry.id,
		dispose: func() {
			rt.mu.Lock()
			rt.globalWriteObservers = removeEntry(rt.globalWriteObservers, entry.id)
			rt.mu.Unlock()
			rt.AdvanceGlobal()
		},
	}
}

// globalWriteObserverLocked combines the registered global write observers.
func (rt *Runtime) globalWriteObserverLocked() WriteObserver {
	switch len(rt.globalWriteObservers) {
	case 0:
		return nil
	case 1:
		return rt.globalWriteObservers[0].fn
	}
	observers := make([]WriteObserver, len(rt.globalWriteObservers))
	for i, e := range rt.globalWriteObservers {
		observers[i] = e.fn
	}
	return func(obj Object) {
		for _, observer := range observers {
			observer(obj)
		}
	}
}

// =============================================================================
// Context shortcuts
// =============================================================================

// RegisterApplyObserver registers fn on the runtime of ctx.
func RegisterApplyObserver(ctx context.Context, fn ApplyObserver) *ObserverHandle {
	return RuntimeFrom(ctx).RegisterApplyObserver(fn)
}

// RegisterGlobalWriteObserver registers fn on the runtime of ctx.
func RegisterGlobalWriteObserver(ctx context.Context, fn WriteObserver) *ObserverHandle {
	return RuntimeFrom(ctx).RegisterGlobalWriteObserver(fn)
}

// SendApplyNotifications publishes global writes on the runtime of ctx.
func SendApplyNotifications(ctx context.Context) {
	RuntimeFrom(ctx).SendApplyNotifications()
}

// OpenSnapshotCount returns the open snapshot count of the runtime of ctx.
func OpenSnapshotCount(ctx context.Context) int {
	return RuntimeFrom(ctx).OpenSnapshotCount()
}
