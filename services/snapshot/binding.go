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
	"sync/atomic"
)

type runtimeKey struct{}
type localKey struct{}

// Local is a task's current-snapshot binding cell.
//
// Enter gives the function it runs a fresh Local. Code that needs unpaired
// enter/leave, such as a scheduler resuming a task on another goroutine,
// creates one with WithLocal and uses UnsafeEnter, UnsafeLeave, Suspend and
// Resume on it.
type Local struct {
	current atomic.Pointer[localBox]
}

type localBox struct {
	s Snapshot
}

func (l *Local) get() Snapshot {
	if b := l.current.Load(); b != nil {
		return b.s
	}
	return nil
}

func (l *Local) set(s Snapshot) {
	if s == nil {
		l.current.Store(nil)
		return
	}
	l.current.Store(&localBox{s: s})
}

// Snapshot returns the bound snapshot, or nil when none is bound.
func (l *Local) Snapshot() Snapshot {
	return l.get()
}

// Suspend unbinds and returns the current snapshot so a task can park.
func (l *Local) Suspend() Snapshot {
	s := l.get()
	l.set(nil)
	return s
}

// Resume rebinds a snapshot returned by Suspend.
func (l *Local) Resume(s Snapshot) {
	l.set(s)
}

// WithLocal returns a context carrying a new, unbound Local.
func WithLocal(ctx context.Context) (context.Context, *Local) {
	l := &Local{}
	return context.WithValue(ctx, localKey{}, l), l
}

// LocalFrom returns the Local carried by ctx, or nil.
func LocalFrom(ctx context.Context) *Local {
	l, _ := ctx.Value(localKey{}).(*Local)
	return l
}

// WithRuntime returns a context whose snapshot operations use rt.
func WithRuntime(ctx context.Context, rt *Runtime) context.Context {
	if existing, _ := ctx.Value(runtimeKey{}).(*Runtime); existing == rt {
		return ctx
	}
	return context.WithValue(ctx, runtimeKey{}, rt)
}

// RuntimeFrom returns the Runtime carried by ctx, or Default().
func RuntimeFrom(ctx context.Context) *Runtime {
	if rt, ok := ctx.Value(runtimeKey{}).(*Runtime); ok && rt != nil {
		return rt
	}
	return Default()
}

// bound returns the snapshot bound in ctx, or nil.
func bound(ctx context.Context) Snapshot {
	if l := LocalFrom(ctx); l != nil {
		return l.get()
	}
	return nil
}

// Current returns the snapshot bound in ctx, or the current global
// snapshot of ctx's runtime.
func Current(ctx context.Context) Snapshot {
	if s := bound(ctx); s != nil {
		return s
	}
	return RuntimeFrom(ctx).global.Load()
}

// Global runs fn with no snapshot bound, so fn reads and writes the global
// snapshot.
func Global(ctx context.Context, fn func(ctx context.Context) error) error {
	inner, _ := WithLocal(ctx)
	return fn(inner)
}
