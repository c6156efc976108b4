// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/snapstate/services/snapshot"
	"github.com/AleutianAI/snapstate/services/snapshot/state"
)

// newTestRuntime returns a context bound to a fresh runtime and fails the
// test if it leaves snapshots open.
func newTestRuntime(t *testing.T) (context.Context, *snapshot.Runtime) {
	t.Helper()
	return newTestRuntimeWith(t, snapshot.DefaultConfig())
}

func newTestRuntimeWith(t *testing.T, cfg snapshot.Config) (context.Context, *snapshot.Runtime) {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := snapshot.NewRuntime(&cfg)
	ctx := snapshot.WithRuntime(context.Background(), rt)

	open := rt.OpenSnapshotCount()
	t.Cleanup(func() {
		assert.Equal(t, open, rt.OpenSnapshotCount(), "a snapshot was not disposed correctly")
	})
	return ctx, rt
}

func get[T any](t *testing.T, ctx context.Context, s *state.State[T]) T {
	t.Helper()
	v, err := s.Get(ctx)
	require.NoError(t, err)
	return v
}

func enter(t *testing.T, ctx context.Context, s snapshot.Snapshot, fn func(ctx context.Context)) {
	t.Helper()
	require.NoError(t, s.Enter(ctx, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}))
}

func mustApply(t *testing.T, ctx context.Context, s snapshot.MutableSnapshot) {
	t.Helper()
	result, err := s.Apply(ctx)
	require.NoError(t, err)
	require.NoError(t, result.Check())
}

func takeMutable(t *testing.T, ctx context.Context) snapshot.MutableSnapshot {
	t.Helper()
	s, err := snapshot.TakeMutableSnapshot(ctx, nil, nil)
	require.NoError(t, err)
	return s
}

func TestSnapshot_Isolation(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s := takeMutable(t, ctx)
	defer s.Dispose()

	enter(t, ctx, s, func(ctx context.Context) {
		require.NoError(t, value.Set(ctx, 1))
		assert.Equal(t, 1, get(t, ctx, value), "read your own write")
	})

	assert.Equal(t, 0, get(t, ctx, value), "global must not see unapplied write")
	assert.True(t, s.HasPendingChanges())

	mustApply(t, ctx, s)
	assert.Equal(t, 1, get(t, ctx, value))
}

func TestSnapshot_ReadOnlyDoesNotSeeLaterApply(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, "a", nil)

	ro, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer ro.Dispose()

	require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
		return value.Set(ctx, "b")
	}))

	assert.Equal(t, "b", get(t, ctx, value))
	enter(t, ctx, ro, func(ctx context.Context) {
		assert.Equal(t, "a", get(t, ctx, value))
	})
}

func TestSnapshot_ConcurrentSnapshotsAreIsolated(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	enter(t, ctx, s1, func(ctx context.Context) {
		require.NoError(t, value.Set(ctx, 1))
	})
	enter(t, ctx, s2, func(ctx context.Context) {
		assert.Equal(t, 0, get(t, ctx, value))
	})
	mustApply(t, ctx, s1)
	enter(t, ctx, s2, func(ctx context.Context) {
		assert.Equal(t, 0, get(t, ctx, value), "taken before the apply")
	})
}

func TestSnapshot_ConflictWithoutMerge(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	enter(t, ctx, s1, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 5)) })
	enter(t, ctx, s2, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 7)) })

	mustApply(t, ctx, s1)

	result, err := s2.Apply(ctx)
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Same(t, s2, result.Conflict())

	checkErr := result.Check()
	require.Error(t, checkErr)
	assert.ErrorIs(t, checkErr, snapshot.ErrApplyConflict)
	var conflict *snapshot.ApplyConflictError
	require.ErrorAs(t, checkErr, &conflict)
	assert.True(t, conflict.Snapshot.Disposed())

	assert.Equal(t, 5, get(t, ctx, value), "failed apply publishes nothing")
}

func TestSnapshot_FailedApplyIsAtomic(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	a := state.New(ctx, 0, nil)
	b := state.New(ctx, 0, nil)

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	enter(t, ctx, s1, func(ctx context.Context) { require.NoError(t, b.Set(ctx, 1)) })
	enter(t, ctx, s2, func(ctx context.Context) {
		require.NoError(t, a.Set(ctx, 2))
		require.NoError(t, b.Set(ctx, 2))
	})

	mustApply(t, ctx, s1)
	result, err := s2.Apply(ctx)
	require.NoError(t, err)
	require.False(t, result.Succeeded())

	assert.Equal(t, 0, get(t, ctx, a), "no part of a failed apply is visible")
	assert.Equal(t, 1, get(t, ctx, b))
}

func TestSnapshot_ChangesToSameValueMerge(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	enter(t, ctx, s1, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	enter(t, ctx, s2, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	assert.Equal(t, 0, get(t, ctx, value))

	mustApply(t, ctx, s1)
	assert.Equal(t, 1, get(t, ctx, value))
	mustApply(t, ctx, s2)
	assert.Equal(t, 1, get(t, ctx, value))
}

func TestSnapshot_MergedChangesNotifyOnce(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	changes := 0
	handle := snapshot.RegisterApplyObserver(ctx, func(changed snapshot.ObjectSet, _ snapshot.Snapshot) {
		if changed.Contains(value) {
			changes++
		}
	})
	defer handle.Dispose()

	enter(t, ctx, s1, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	enter(t, ctx, s2, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	mustApply(t, ctx, s1)
	mustApply(t, ctx, s2)
	snapshot.SendApplyNotifications(ctx)

	assert.Equal(t, 1, changes)
}

func TestSnapshot_NeverEqualCannotMerge(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, state.NeverEqual[int]())

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	enter(t, ctx, s1, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	enter(t, ctx, s2, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	mustApply(t, ctx, s1)

	result, err := s2.Apply(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Check(), snapshot.ErrApplyConflict)
}

func TestSnapshot_CounterMerges(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	counter := state.NewCounter(ctx, 10)

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	add := func(n int) func(context.Context) {
		return func(ctx context.Context) {
			require.NoError(t, counter.Update(ctx, func(v int) int { return v + n }))
		}
	}
	enter(t, ctx, s1, add(1))
	enter(t, ctx, s2, add(2))

	mustApply(t, ctx, s1)
	mustApply(t, ctx, s2)
	assert.Equal(t, 13, get(t, ctx, counter))
}

func TestSnapshot_NestedMutable(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parent := takeMutable(t, ctx)
	defer parent.Dispose()

	nested, err := parent.TakeNestedMutableSnapshot(nil, nil)
	require.NoError(t, err)
	defer nested.Dispose()
	assert.Same(t, parent, nested.Root())

	enter(t, ctx, nested, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	enter(t, ctx, parent, func(ctx context.Context) {
		assert.Equal(t, 0, get(t, ctx, value), "parent must not see unapplied nested write")
	})

	mustApply(t, ctx, nested)
	enter(t, ctx, parent, func(ctx context.Context) {
		assert.Equal(t, 1, get(t, ctx, value))
	})
	assert.Equal(t, 0, get(t, ctx, value), "nested apply reaches only the parent")
	assert.True(t, parent.HasPendingChanges())

	mustApply(t, ctx, parent)
	assert.Equal(t, 1, get(t, ctx, value))
}

func TestSnapshot_NestedTakenThroughContext(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parent := takeMutable(t, ctx)
	defer parent.Dispose()

	enter(t, ctx, parent, func(ctx context.Context) {
		require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
			return value.Set(ctx, 2)
		}))
		assert.Equal(t, 2, get(t, ctx, value))
	})
	assert.Equal(t, 0, get(t, ctx, value))

	mustApply(t, ctx, parent)
	assert.Equal(t, 2, get(t, ctx, value))
}

func TestSnapshot_NestedConflictWithParent(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parent := takeMutable(t, ctx)
	defer parent.Dispose()
	nested, err := parent.TakeNestedMutableSnapshot(nil, nil)
	require.NoError(t, err)
	defer nested.Dispose()

	enter(t, ctx, parent, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	enter(t, ctx, nested, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 2)) })

	result, err := nested.Apply(ctx)
	require.NoError(t, err)
	assert.False(t, result.Succeeded())

	enter(t, ctx, parent, func(ctx context.Context) {
		assert.Equal(t, 1, get(t, ctx, value))
	})
}

func TestSnapshot_NestedApplyAfterParentApplied(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parent := takeMutable(t, ctx)
	defer parent.Dispose()
	nested, err := parent.TakeNestedMutableSnapshot(nil, nil)
	require.NoError(t, err)
	defer nested.Dispose()

	enter(t, ctx, nested, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	mustApply(t, ctx, parent)

	result, err := nested.Apply(ctx)
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 0, get(t, ctx, value))
}

func TestSnapshot_StateCreatedInNestedAndMutatedInParent(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	var states []*state.State[int]

	parent := takeMutable(t, ctx)
	defer parent.Dispose()

	nested, err := parent.TakeNestedMutableSnapshot(nil, nil)
	require.NoError(t, err)
	enter(t, ctx, nested, func(ctx context.Context) {
		states = append(states, state.New(ctx, 0, nil))
	})
	mustApply(t, ctx, nested)
	nested.Dispose()

	enter(t, ctx, parent, func(ctx context.Context) {
		for _, s := range states {
			require.NoError(t, s.Update(ctx, func(v int) int { return v + 1 }))
		}
	})
	mustApply(t, ctx, parent)

	for _, s := range states {
		assert.Equal(t, 1, get(t, ctx, s))
	}
}

func TestSnapshot_AbandonedWritesAreDiscarded(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s := takeMutable(t, ctx)
	enter(t, ctx, s, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	s.Dispose()

	assert.Equal(t, 0, get(t, ctx, value))
	assert.Equal(t, 2, snapshot.ChainLength(value))

	// The abandoned record is recycled by the next write.
	require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
		return value.Set(ctx, 2)
	}))
	assert.Equal(t, 2, snapshot.ChainLength(value))
	assert.Equal(t, 2, get(t, ctx, value))
	assert.Equal(t, 1, rt.PinnedCount(), "only the global snapshot is pinned")
}

func TestSnapshot_AbandonWaitsForNested(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parent := takeMutable(t, ctx)
	enter(t, ctx, parent, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })

	nested, err := parent.TakeNestedSnapshot(nil)
	require.NoError(t, err)
	parent.Dispose()

	enter(t, ctx, nested, func(ctx context.Context) {
		assert.Equal(t, 1, get(t, ctx, value), "nested view outlives its parent's dispose")
	})
	nested.Dispose()
	assert.Equal(t, 0, get(t, ctx, value))
}

func TestSnapshot_BoundedReclamation(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	counter := state.NewCounter(ctx, 0)

	for range 1000 {
		require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
			return counter.Update(ctx, func(v int) int { return v + 1 })
		}))
	}

	assert.Equal(t, 1000, get(t, ctx, counter))
	assert.LessOrEqual(t, snapshot.ChainLength(counter), 3)
}

func TestSnapshot_RecordsAreReusedCorrectly(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)
	inc := func(ctx context.Context) error {
		return value.Update(ctx, func(v int) int { return v + 1 })
	}

	require.NoError(t, snapshot.WithMutableSnapshot(ctx, inc))
	mutable1 := takeMutable(t, ctx)
	defer mutable1.Dispose()
	readable1, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer readable1.Dispose()

	require.NoError(t, mutable1.Enter(ctx, inc))
	mustApply(t, ctx, mutable1)
	require.NoError(t, snapshot.WithMutableSnapshot(ctx, inc))

	enter(t, ctx, readable1, func(ctx context.Context) {
		assert.Equal(t, 1, get(t, ctx, value))
	})
}

func TestSnapshot_WriteInReadOnlySnapshotFails(t *testing.T) {
	ctx, _ := newTestRuntime(t)

	err := snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
		ro, err := snapshot.TakeSnapshot(ctx, nil)
		if err != nil {
			return err
		}
		defer ro.Dispose()
		return ro.Enter(ctx, func(ctx context.Context) error {
			value := state.New(ctx, 0, nil)
			return value.Set(ctx, 1)
		})
	})
	assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
}

func TestSnapshot_TakeMutableInsideReadOnlyFails(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	ro, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer ro.Dispose()

	enter(t, ctx, ro, func(ctx context.Context) {
		_, err := snapshot.TakeMutableSnapshot(ctx, nil, nil)
		assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
	})
}

func TestSnapshot_NestedSnapshotsCannotSeeOtherSnapshots(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s1 := takeMutable(t, ctx)
	defer s1.Dispose()
	s2 := takeMutable(t, ctx)
	defer s2.Dispose()

	enter(t, ctx, s2, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })

	enter(t, ctx, s1, func(ctx context.Context) {
		require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
			assert.Equal(t, 0, get(t, ctx, value))
			return nil
		}))

		nested, err := snapshot.TakeSnapshot(ctx, nil)
		require.NoError(t, err)
		defer nested.Dispose()
		enter(t, ctx, nested, func(ctx context.Context) {
			assert.Equal(t, 0, get(t, ctx, value))
		})
	})
}

func TestSnapshot_ReadOnlyValidAfterParentDisposed(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parent := takeMutable(t, ctx)
	enter(t, ctx, parent, func(ctx context.Context) { require.NoError(t, value.Set(ctx, 1)) })
	child, err := parent.TakeNestedSnapshot(nil)
	require.NoError(t, err)
	mustApply(t, ctx, parent)
	parent.Dispose()

	enter(t, ctx, child, func(ctx context.Context) {
		assert.Equal(t, 1, get(t, ctx, value))
	})

	reads := 0
	nestedChild, err := child.TakeNestedSnapshot(func(snapshot.Object) { reads++ })
	require.NoError(t, err)
	enter(t, ctx, nestedChild, func(ctx context.Context) {
		assert.Equal(t, 1, get(t, ctx, value))
	})
	assert.Equal(t, 1, reads)

	child.Dispose()
	nestedChild.Dispose()
}

func TestSnapshot_NestedReadOnlyOfReadOnly(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	ro, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	nested, err := ro.TakeNestedSnapshot(nil)
	require.NoError(t, err)
	assert.Equal(t, ro.ID(), nested.ID())
	assert.Same(t, ro, nested.Root())

	require.NoError(t, value.Set(ctx, 1))
	snapshot.NotifyObjectsInitialized(ctx)

	ro.Dispose()
	enter(t, ctx, nested, func(ctx context.Context) {
		assert.Equal(t, 0, get(t, ctx, value))
	})
	nested.Dispose()
}

func TestSnapshot_SharedReadOnlyIDStaysOpenUntilLastDispose(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parent := takeMutable(t, ctx)
	defer parent.Dispose()
	owner, err := parent.TakeNestedSnapshot(nil)
	require.NoError(t, err)
	first, err := owner.TakeNestedSnapshot(nil)
	require.NoError(t, err)
	second, err := first.TakeNestedSnapshot(nil)
	require.NoError(t, err)
	require.Equal(t, owner.ID(), first.ID())
	require.Equal(t, owner.ID(), second.ID())

	open := rt.OpenSnapshotCount()
	first.Dispose()
	assert.Equal(t, open, rt.OpenSnapshotCount(), "sibling still uses the id")
	owner.Dispose()
	assert.Equal(t, open, rt.OpenSnapshotCount(), "sibling still uses the id")
	enter(t, ctx, second, func(ctx context.Context) {
		assert.Equal(t, 0, get(t, ctx, value))
	})

	second.Dispose()
	assert.Equal(t, open-1, rt.OpenSnapshotCount())
}

func TestSnapshot_TakeNestedAfterApplyFails(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, "initial", nil)

	s := takeMutable(t, ctx)
	defer s.Dispose()
	enter(t, ctx, s, func(ctx context.Context) { require.NoError(t, value.Set(ctx, "mutated")) })
	mustApply(t, ctx, s)

	_, err := s.TakeNestedSnapshot(nil)
	assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
	_, err = s.TakeNestedMutableSnapshot(nil, nil)
	assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
}

func TestSnapshot_ApplyTwiceFails(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	s := takeMutable(t, ctx)
	defer s.Dispose()

	mustApply(t, ctx, s)
	_, err := s.Apply(ctx)
	assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
}

func TestSnapshot_ApplyGlobalFails(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	_, err := rt.Global().Apply(ctx)
	assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
}

func TestSnapshot_EnterDisposedFails(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	s := takeMutable(t, ctx)
	s.Dispose()
	s.Dispose()

	err := s.Enter(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
	assert.True(t, s.Disposed())
}

func TestSnapshot_ReadVisibilityError(t *testing.T) {
	ctx, _ := newTestRuntime(t)

	s := takeMutable(t, ctx)
	defer s.Dispose()
	var created *state.State[int]
	enter(t, ctx, s, func(ctx context.Context) { created = state.New(ctx, 1, nil) })

	_, err := created.Get(ctx)
	assert.ErrorIs(t, err, snapshot.ErrReadVisibility)
}

func TestSnapshot_EnterPropagatesError(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	s := takeMutable(t, ctx)
	defer s.Dispose()

	err := s.Enter(ctx, func(context.Context) error { return io.ErrUnexpectedEOF })
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSnapshot_UnsafeEnterAndLeave(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	ctx, _ = snapshot.WithLocal(ctx)

	s, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer s.Dispose()

	previous, err := s.UnsafeEnter(ctx)
	require.NoError(t, err)
	assert.Nil(t, previous)
	assert.Same(t, s, snapshot.Current(ctx), "expected taken snapshot to be current")

	require.NoError(t, s.UnsafeLeave(ctx, previous))
	assert.NotSame(t, s, snapshot.Current(ctx), "expected taken snapshot not to be current")
}

func TestSnapshot_UnsafeLeaveNotCurrentFails(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	ctx, _ = snapshot.WithLocal(ctx)

	s, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer s.Dispose()

	assert.ErrorIs(t, s.UnsafeLeave(ctx, nil), snapshot.ErrIllegalUse)
}

func TestSnapshot_UnsafeEnterWithoutLocalFails(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	s, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer s.Dispose()

	_, err = s.UnsafeEnter(ctx)
	assert.ErrorIs(t, err, snapshot.ErrIllegalUse)
}

func TestSnapshot_LocalSuspendResume(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	ctx, local := snapshot.WithLocal(ctx)

	s, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer s.Dispose()

	_, err = s.UnsafeEnter(ctx)
	require.NoError(t, err)

	parked := local.Suspend()
	assert.Nil(t, local.Snapshot())
	local.Resume(parked)
	assert.Same(t, s, local.Snapshot())
	require.NoError(t, s.UnsafeLeave(ctx, nil))
}

func TestSnapshot_GlobalUnbindsCurrent(t *testing.T) {
	ctx, rt := newTestRuntime(t)
	s := takeMutable(t, ctx)
	defer s.Dispose()

	enter(t, ctx, s, func(ctx context.Context) {
		require.NoError(t, snapshot.Global(ctx, func(ctx context.Context) error {
			assert.Same(t, rt.Global(), snapshot.Current(ctx))
			return nil
		}))
		assert.Same(t, s, snapshot.Current(ctx))
	})
}

// =============================================================================
// Observers
// =============================================================================

func TestSnapshot_ReadObserver(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	reads := 0
	s, err := snapshot.TakeSnapshot(ctx, func(snapshot.Object) { reads++ })
	require.NoError(t, err)
	defer s.Dispose()

	enter(t, ctx, s, func(ctx context.Context) {
		get(t, ctx, value)
		get(t, ctx, value)
	})
	assert.Equal(t, 2, reads)
}

func TestSnapshot_WriteObserverFiresOncePerObject(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	var written []snapshot.Object
	s, err := snapshot.TakeMutableSnapshot(ctx, nil, func(obj snapshot.Object) {
		written = append(written, obj)
	})
	require.NoError(t, err)
	defer s.Dispose()

	enter(t, ctx, s, func(ctx context.Context) {
		require.NoError(t, value.Set(ctx, 1))
		require.NoError(t, value.Set(ctx, 2))
	})
	require.Len(t, written, 1)
	assert.Same(t, value, written[0])
}

func TestSnapshot_NestedObserversChain(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parentWritten := snapshot.ObjectSet{}
	nestedWritten := snapshot.ObjectSet{}
	var order []string

	parent, err := snapshot.TakeMutableSnapshot(ctx,
		func(snapshot.Object) { order = append(order, "parent") },
		func(obj snapshot.Object) { parentWritten[obj] = struct{}{} },
	)
	require.NoError(t, err)
	defer parent.Dispose()

	nested, err := parent.TakeNestedMutableSnapshot(
		func(snapshot.Object) { order = append(order, "nested") },
		func(obj snapshot.Object) { nestedWritten[obj] = struct{}{} },
	)
	require.NoError(t, err)
	defer nested.Dispose()

	enter(t, ctx, nested, func(ctx context.Context) {
		get(t, ctx, value)
		require.NoError(t, value.Set(ctx, 1))
	})

	assert.Equal(t, []string{"nested", "parent"}, order)
	assert.True(t, parentWritten.Contains(value))
	assert.True(t, nestedWritten.Contains(value))
}

func TestSnapshot_ApplyObserver(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	var notified []snapshot.ObjectSet
	handle := snapshot.RegisterApplyObserver(ctx, func(changed snapshot.ObjectSet, _ snapshot.Snapshot) {
		notified = append(notified, changed)
	})

	require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
		return value.Set(ctx, 1)
	}))
	require.Len(t, notified, 1)
	assert.True(t, notified[0].Contains(value))

	handle.Dispose()
	handle.Dispose()
	require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
		return value.Set(ctx, 2)
	}))
	assert.Len(t, notified, 1, "disposed observer is not called")
}

func TestSnapshot_GlobalWritesNotifiedOnSend(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	var notified []snapshot.ObjectSet
	handle := snapshot.RegisterApplyObserver(ctx, func(changed snapshot.ObjectSet, _ snapshot.Snapshot) {
		notified = append(notified, changed)
	})
	defer handle.Dispose()

	require.NoError(t, value.Set(ctx, 3))
	assert.Empty(t, notified)
	snapshot.SendApplyNotifications(ctx)
	require.Len(t, notified, 1)
	assert.True(t, notified[0].Contains(value))

	snapshot.SendApplyNotifications(ctx)
	assert.Len(t, notified, 1, "nothing new to send")
}

func TestSnapshot_GlobalWriteObserver(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	writes := 0
	handle := snapshot.RegisterGlobalWriteObserver(ctx, func(snapshot.Object) { writes++ })

	require.NoError(t, value.Set(ctx, 1))
	require.NoError(t, value.Set(ctx, 2))
	assert.Equal(t, 1, writes, "first write per global snapshot")

	handle.Dispose()
	require.NoError(t, value.Set(ctx, 3))
	assert.Equal(t, 1, writes)
	assert.Equal(t, 3, get(t, ctx, value))
}

func TestSnapshot_WritesToObjectCreatedInGlobal(t *testing.T) {
	ctx, _ := newTestRuntime(t)

	writes := 0
	writeHandle := snapshot.RegisterGlobalWriteObserver(ctx, func(snapshot.Object) { writes++ })
	defer writeHandle.Dispose()
	var notified []snapshot.ObjectSet
	applyHandle := snapshot.RegisterApplyObserver(ctx, func(changed snapshot.ObjectSet, _ snapshot.Snapshot) {
		notified = append(notified, changed)
	})
	defer applyHandle.Dispose()

	// Created after registration, in the same global snapshot it is
	// written in.
	value := state.New(ctx, 0, nil)
	require.NoError(t, value.Set(ctx, 5))
	require.NoError(t, value.Set(ctx, 6))
	assert.Equal(t, 1, writes)
	assert.True(t, snapshot.Current(ctx).HasPendingChanges())

	snapshot.SendApplyNotifications(ctx)
	require.Len(t, notified, 1)
	assert.True(t, notified[0].Contains(value))
	assert.Equal(t, 6, get(t, ctx, value))
}

func TestSnapshot_WriteObserverOnObjectCreatedInSnapshot(t *testing.T) {
	ctx, _ := newTestRuntime(t)

	writes := 0
	s, err := snapshot.TakeMutableSnapshot(ctx, nil, func(snapshot.Object) { writes++ })
	require.NoError(t, err)
	defer s.Dispose()

	var value *state.State[int]
	enter(t, ctx, s, func(ctx context.Context) {
		value = state.New(ctx, 0, nil)
		require.NoError(t, value.Set(ctx, 1))
		require.NoError(t, value.Set(ctx, 2))
	})
	assert.Equal(t, 1, writes)
	assert.True(t, s.HasPendingChanges())

	mustApply(t, ctx, s)
	assert.Equal(t, 2, get(t, ctx, value))
}

func TestSnapshot_NestedSnapshotFromApplyObserver(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, "initial", nil)

	var taken snapshot.Snapshot
	var takeErr error
	calls := 0
	handle := snapshot.RegisterApplyObserver(ctx, func(_ snapshot.ObjectSet, applied snapshot.Snapshot) {
		calls++
		if taken == nil {
			taken, takeErr = applied.TakeNestedSnapshot(nil)
		}
	})
	defer handle.Dispose()

	require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
		return value.Set(ctx, "before observer snapshot")
	}))
	require.NoError(t, takeErr)
	require.NotNil(t, taken)
	defer taken.Dispose()
	assert.Equal(t, 1, calls)

	require.NoError(t, value.Set(ctx, "after observer snapshot"))
	enter(t, ctx, taken, func(ctx context.Context) {
		assert.Equal(t, "before observer snapshot", get(t, ctx, value))
	})
}

func TestSnapshot_NestedMutableFromApplyObserver(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, "initial", nil)

	var taken snapshot.MutableSnapshot
	var takeErr error
	handle := snapshot.RegisterApplyObserver(ctx, func(_ snapshot.ObjectSet, applied snapshot.Snapshot) {
		if taken != nil {
			return
		}
		m, ok := applied.(snapshot.MutableSnapshot)
		if !ok {
			return
		}
		taken, takeErr = m.TakeNestedMutableSnapshot(nil, nil)
	})
	defer handle.Dispose()

	require.NoError(t, snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
		return value.Set(ctx, "before observer snapshot")
	}))
	require.NoError(t, takeErr)
	require.NotNil(t, taken)
	defer taken.Dispose()

	require.NoError(t, value.Set(ctx, "after observer snapshot"))
	enter(t, ctx, taken, func(ctx context.Context) {
		assert.Equal(t, "before observer snapshot", get(t, ctx, value))
		require.NoError(t, value.Set(ctx, "change made by observer snapshot"))
	})

	result, err := taken.Apply(ctx)
	require.NoError(t, err)
	assert.False(t, result.Succeeded(), "parent was already applied")
}

// =============================================================================
// Transparent observation
// =============================================================================

func TestObserve_AddsObserversWithoutIsolation(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	reads, writes := 0, 0
	err := snapshot.Observe(ctx,
		func(snapshot.Object) { reads++ },
		func(snapshot.Object) { writes++ },
		func(ctx context.Context) error {
			get(t, ctx, value)
			return value.Set(ctx, 4)
		})
	require.NoError(t, err)

	assert.Equal(t, 1, reads)
	assert.Equal(t, 1, writes)
	assert.Equal(t, 4, get(t, ctx, value), "writes go straight to the global snapshot")
}

func TestObserve_InsideMutableSnapshot(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	parentReads, reads := 0, 0
	s, err := snapshot.TakeMutableSnapshot(ctx, func(snapshot.Object) { parentReads++ }, nil)
	require.NoError(t, err)
	defer s.Dispose()

	enter(t, ctx, s, func(ctx context.Context) {
		require.NoError(t, snapshot.Observe(ctx, func(snapshot.Object) { reads++ }, nil, func(ctx context.Context) error {
			get(t, ctx, value)
			return value.Set(ctx, 9)
		}))
		assert.Equal(t, 9, get(t, ctx, value))
	})

	assert.Equal(t, 1, reads)
	assert.Equal(t, 2, parentReads)
	assert.Equal(t, 0, get(t, ctx, value))
	mustApply(t, ctx, s)
	assert.Equal(t, 9, get(t, ctx, value))
}

func TestObserve_InsideReadOnlySnapshot(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	s, err := snapshot.TakeSnapshot(ctx, nil)
	require.NoError(t, err)
	defer s.Dispose()

	reads := 0
	enter(t, ctx, s, func(ctx context.Context) {
		require.NoError(t, snapshot.Observe(ctx, func(snapshot.Object) { reads++ }, nil, func(ctx context.Context) error {
			get(t, ctx, value)
			return nil
		}))
	})
	assert.Equal(t, 1, reads)
}

func TestObserve_TransparentSnapshotAdvancesCorrectly(t *testing.T) {
	ctx, _ := newTestRuntime(t)

	var value *state.State[int]
	err := snapshot.Observe(ctx, func(snapshot.Object) {}, nil, func(ctx context.Context) error {
		snapshot.NotifyObjectsInitialized(ctx)

		if err := snapshot.WithMutableSnapshot(ctx, func(ctx context.Context) error {
			value = state.New(ctx, 0, nil)
			return nil
		}); err != nil {
			return err
		}

		assert.Equal(t, 0, get(t, ctx, value))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, get(t, ctx, value))
}

func TestWithoutReadObservation(t *testing.T) {
	ctx, _ := newTestRuntime(t)
	value := state.New(ctx, 0, nil)

	reads := 0
	s, err := snapshot.TakeMutableSnapshot(ctx, func(snapshot.Object) { reads++ }, nil)
	require.NoError(t, err)
	defer s.Dispose()

	enter(t, ctx, s, func(ctx context.Context) {
		get(t, ctx, value)
		require.NoError(t, snapshot.WithoutReadObservation(ctx, func(ctx context.Context) error {
			get(t, ctx, value)
			return value.Set(ctx, 1)
		}))
		assert.Equal(t, 1, get(t, ctx, value), "writes still land in the bound snapshot")
	})
	assert.Equal(t, 2, reads)
}
