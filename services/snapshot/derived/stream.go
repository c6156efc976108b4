// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package derived recomputes a value whenever the versioned objects it read
// change.
package derived

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/AleutianAI/snapstate/services/snapshot"
)

// ErrNilExpression is returned by Run for a Stream without an expression.
var ErrNilExpression = errors.New("derived: nil expression")

// Options configures a Stream.
type Options[T any] struct {
	// Equal decides whether a recomputed value is new. Default:
	// reflect.DeepEqual.
	Equal func(a, b T) bool

	// Logger receives debug logs. Default: slog.Default().
	Logger *slog.Logger
}

// Option modifies Options.
type Option[T any] func(*Options[T])

// WithEqual sets the equality used to suppress repeated values.
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(o *Options[T]) {
		o.Equal = equal
	}
}

// WithLogger sets the logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(o *Options[T]) {
		o.Logger = logger
	}
}

// Stream emits the value of an expression over versioned objects each time
// it changes.
//
// # Description
//
// Each run of the expression happens in a fresh read-only snapshot that
// records every object read. After a top-level apply that changed any of
// those objects, the expression runs again and its value is emitted when it
// differs from the last one emitted. Dependencies are rediscovered on every
// run, so branches that read different objects are tracked correctly.
//
// Writes made directly in the global snapshot are seen after
// snapshot.SendApplyNotifications.
//
// # Thread Safety
//
// A Stream may be run by several goroutines; each Run is independent.
type Stream[T any] struct {
	expr    func(ctx context.Context) (T, error)
	options Options[T]
}

// NewStream creates a Stream for expr.
func NewStream[T any](expr func(ctx context.Context) (T, error), opts ...Option[T]) *Stream[T] {
	options := Options[T]{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Equal == nil {
		options.Equal = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	options.Logger = options.Logger.With(slog.String("component", "derived"))
	return &Stream[T]{expr: expr, options: options}
}

// changeQueue buffers change sets from apply observers, which must not
// block.
type changeQueue struct {
	mu      sync.Mutex
	pending []snapshot.ObjectSet
	signal  chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{signal: make(chan struct{}, 1)}
}

func (q *changeQueue) push(changed snapshot.ObjectSet) {
	q.mu.Lock()
	q.pending = append(q.pending, changed)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *changeQueue) drain() []snapshot.ObjectSet {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// readSet collects the objects read during one run.
type readSet struct {
	mu      sync.Mutex
	objects snapshot.ObjectSet
}

func (r *readSet) observe(obj snapshot.Object) {
	r.mu.Lock()
	r.objects[obj] = struct{}{}
	r.mu.Unlock()
}

func (r *readSet) intersects(changed snapshot.ObjectSet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects.Intersects(changed)
}

func (r *readSet) reset() {
	r.mu.Lock()
	r.objects = make(snapshot.ObjectSet)
	r.mu.Unlock()
}

// Run evaluates the expression, emits the value, and keeps re-evaluating
// and emitting changed values until ctx is done or emit or the expression
// returns an error.
//
// # Inputs
//
//   - ctx: Carries the runtime and, optionally, a bound snapshot the runs
//     are nested in. Cancelling it stops the stream.
//   - emit: Receives each distinct value, on the calling goroutine.
//
// # Outputs
//
//   - error: ctx.Err() after cancellation, or the first error from the
//     expression, a snapshot operation or emit.
func (s *Stream[T]) Run(ctx context.Context, emit func(T) error) error {
	if s.expr == nil {
		return ErrNilExpression
	}

	reads := &readSet{objects: make(snapshot.ObjectSet)}
	queue := newChangeQueue()

	handle := snapshot.RegisterApplyObserver(ctx, func(changed snapshot.ObjectSet, _ snapshot.Snapshot) {
		queue.push(changed)
	})
	defer handle.Dispose()

	last, err := s.evaluate(ctx, reads)
	if err != nil {
		return err
	}
	if err := emit(last); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-queue.signal:
		}

		found := false
		for _, changed := range queue.drain() {
			if reads.intersects(changed) {
				found = true
				break
			}
		}
		if !found {
			continue
		}

		reads.reset()
		value, err := s.evaluate(ctx, reads)
		if err != nil {
			return err
		}
		if s.options.Equal(last, value) {
			continue
		}
		last = value
		if err := emit(value); err != nil {
			return err
		}
	}
}

func (s *Stream[T]) evaluate(ctx context.Context, reads *readSet) (T, error) {
	var value T
	snap, err := snapshot.TakeSnapshot(ctx, reads.observe)
	if err != nil {
		return value, fmt.Errorf("derived: take snapshot: %w", err)
	}
	defer snap.Dispose()

	err = snap.Enter(ctx, func(ctx context.Context) error {
		var exprErr error
		value, exprErr = s.expr(ctx)
		return exprErr
	})
	if err != nil {
		return value, err
	}
	s.options.Logger.Debug("derived value evaluated",
		slog.Int64("snapshot_id", snap.ID()),
	)
	return value, nil
}
