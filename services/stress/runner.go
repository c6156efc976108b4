// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/snapstate/services/snapshot"
	"github.com/AleutianAI/snapstate/services/snapshot/collections"
	"github.com/AleutianAI/snapstate/services/snapshot/derived"
	"github.com/AleutianAI/snapstate/services/snapshot/state"
)

// ErrVerification is returned when the final state does not account for
// every applied transaction.
var ErrVerification = errors.New("stress: verification failed")

// Summary describes a finished run.
type Summary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Workers    int           `json:"workers"`
	Iterations int           `json:"iterations"`

	Applied   int64 `json:"applied"`
	Conflicts int64 `json:"conflicts"`
	GaveUp    int64 `json:"gave_up"`

	Counter   int64 `json:"counter"`
	LogLength int   `json:"log_length"`
	Members   int   `json:"members"`
	Progress  int   `json:"progress_entries"`

	// ChainLengths maps each shared object to its record chain length at
	// the end of the run.
	ChainLengths map[string]int `json:"chain_lengths"`

	OpenSnapshots   int `json:"open_snapshots"`
	PinnedSnapshots int `json:"pinned_snapshots"`

	Verified bool   `json:"verified"`
	Failure  string `json:"failure,omitempty"`
}

// Status is a point-in-time view of a run in progress.
type Status struct {
	RunID           string `json:"run_id"`
	Running         bool   `json:"running"`
	Applied         int64  `json:"applied"`
	Conflicts       int64  `json:"conflicts"`
	GaveUp          int64  `json:"gave_up"`
	ObservedCounter int64  `json:"observed_counter"`
	OpenSnapshots   int    `json:"open_snapshots"`
}

// workload is the set of shared objects every transaction touches.
type workload struct {
	counter  *state.State[int64]
	log      *collections.List[int]
	members  *collections.Set[int]
	progress *collections.Map[int, int]
	slot     *state.State[int]
}

func newWorkload(ctx context.Context) *workload {
	return &workload{
		counter:  state.NewCounter[int64](ctx, 0),
		log:      collections.NewList[int](ctx),
		members:  collections.NewSet[int](ctx),
		progress: collections.NewMap[int, int](ctx),
		slot:     state.New(ctx, -1, state.StructuralEquality[int]()),
	}
}

// Runner executes one stress run against its own runtime.
//
// # Thread Safety
//
// Run must be called once. Status is safe to call concurrently with Run.
type Runner struct {
	cfg     Config
	rt      *snapshot.Runtime
	metrics *Metrics
	logger  *slog.Logger
	limiter *rate.Limiter
	runID   string

	running   atomic.Bool
	applied   atomic.Int64
	conflicts atomic.Int64
	gaveUp    atomic.Int64
	observed  atomic.Int64
}

// NewRunner validates cfg and creates a runner with a fresh runtime.
//
// # Inputs
//
//   - cfg: Run configuration.
//   - metrics: Metrics to record into. Must not be nil.
//   - logger: Logger for run events. Nil uses slog.Default().
//
// # Outputs
//
//   - *Runner: The runner.
//   - error: Validation failure.
func NewRunner(cfg Config, metrics *Metrics, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		return nil, errors.New("stress: metrics must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runID := uuid.NewString()
	logger = logger.With(slog.String("component", "stress"), slog.String("run_id", runID))

	r := &Runner{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		runID:   runID,
		rt: snapshot.NewRuntime(&snapshot.Config{
			Logger:           logger,
			Tracing:          true,
			Metrics:          true,
			OptimisticMerges: cfg.OptimisticMerges,
		}),
	}
	if cfg.RatePerSecond > 0 {
		burst := max(cfg.Burst, 1)
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return r, nil
}

// RunID returns the run's identifier.
func (r *Runner) RunID() string { return r.runID }

// Status returns the run's progress so far.
func (r *Runner) Status() Status {
	return Status{
		RunID:           r.runID,
		Running:         r.running.Load(),
		Applied:         r.applied.Load(),
		Conflicts:       r.conflicts.Load(),
		GaveUp:          r.gaveUp.Load(),
		ObservedCounter: r.observed.Load(),
		OpenSnapshots:   r.rt.OpenSnapshotCount(),
	}
}

// Run starts the workers, waits for them and verifies the result.
//
// # Outputs
//
//   - Summary: Filled in as far as the run got.
//   - error: A worker error, ctx's error, or ErrVerification.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	summary := Summary{
		RunID:      r.runID,
		StartedAt:  time.Now().UTC(),
		Workers:    r.cfg.Workers,
		Iterations: r.cfg.Iterations,
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	ctx = snapshot.WithRuntime(ctx, r.rt)

	r.running.Store(true)
	defer r.running.Store(false)

	w := newWorkload(ctx)

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan error, 1)
	go func() { watchDone <- r.watch(watchCtx, w) }()

	r.logger.Info("stress run started",
		slog.Int("workers", r.cfg.Workers),
		slog.Int("iterations", r.cfg.Iterations),
		slog.Bool("contention", r.cfg.Contention),
	)

	lastApplied := make([]int, r.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for worker := range r.cfg.Workers {
		g.Go(func() error {
			r.metrics.ActiveWorkers.Inc()
			defer r.metrics.ActiveWorkers.Dec()
			for iter := range r.cfg.Iterations {
				if err := gctx.Err(); err != nil {
					return err
				}
				if r.limiter != nil {
					if err := r.limiter.Wait(gctx); err != nil {
						return err
					}
				}
				ok, err := r.transact(gctx, w, worker, iter)
				if err != nil {
					return fmt.Errorf("worker %d iteration %d: %w", worker, iter, err)
				}
				if ok {
					lastApplied[worker] = iter + 1
				}
			}
			return nil
		})
	}
	workErr := g.Wait()

	stopWatch()
	if err := <-watchDone; err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("progress stream stopped", slog.String("error", err.Error()))
	}

	summary.Duration = time.Since(summary.StartedAt)
	summary.Applied = r.applied.Load()
	summary.Conflicts = r.conflicts.Load()
	summary.GaveUp = r.gaveUp.Load()

	if workErr != nil {
		summary.Failure = workErr.Error()
		return summary, workErr
	}

	if err := r.verify(ctx, w, lastApplied, &summary); err != nil {
		summary.Failure = err.Error()
		return summary, err
	}

	r.logger.Info("stress run finished",
		slog.Int64("applied", summary.Applied),
		slog.Int64("conflicts", summary.Conflicts),
		slog.Int64("gave_up", summary.GaveUp),
		slog.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// transact performs one transaction, retrying on conflict. ok reports
// whether it applied.
func (r *Runner) transact(ctx context.Context, w *workload, worker, iter int) (bool, error) {
	for attempt := 0; ; attempt++ {
		applied, err := r.attempt(ctx, w, worker, iter)
		if err != nil {
			r.metrics.TransactionsTotal.WithLabelValues(OutcomeError).Inc()
			return false, err
		}
		if applied {
			r.applied.Add(1)
			r.metrics.TransactionsTotal.WithLabelValues(OutcomeApplied).Inc()
			r.metrics.RetriesPerTransaction.Observe(float64(attempt))
			return true, nil
		}

		r.conflicts.Add(1)
		r.metrics.TransactionsTotal.WithLabelValues(OutcomeConflict).Inc()
		if attempt >= r.cfg.MaxRetries {
			r.gaveUp.Add(1)
			r.metrics.TransactionsTotal.WithLabelValues(OutcomeGaveUp).Inc()
			r.metrics.RetriesPerTransaction.Observe(float64(attempt))
			r.logger.Debug("transaction gave up",
				slog.Int("worker", worker),
				slog.Int("iteration", iter),
			)
			return false, nil
		}
	}
}

func (r *Runner) attempt(ctx context.Context, w *workload, worker, iter int) (bool, error) {
	s, err := snapshot.TakeMutableSnapshot(ctx, nil, nil)
	if err != nil {
		return false, err
	}
	defer s.Dispose()

	err = s.Enter(ctx, func(ctx context.Context) error {
		if err := w.counter.Update(ctx, func(v int64) int64 { return v + 1 }); err != nil {
			return err
		}
		if err := w.log.Append(ctx, worker*r.cfg.Iterations+iter); err != nil {
			return err
		}
		if err := w.members.Add(ctx, worker); err != nil {
			return err
		}
		if err := w.progress.Put(ctx, worker, iter+1); err != nil {
			return err
		}
		if r.cfg.Contention {
			return w.slot.Set(ctx, worker)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	start := time.Now()
	result, err := s.Apply(ctx)
	if err != nil {
		return false, err
	}
	outcome := OutcomeApplied
	if !result.Succeeded() {
		outcome = OutcomeConflict
	}
	r.metrics.ApplyDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return result.Succeeded(), nil
}

// watch follows the shared counter through a derived stream.
func (r *Runner) watch(ctx context.Context, w *workload) error {
	stream := derived.NewStream(func(ctx context.Context) (int64, error) {
		return w.counter.Get(ctx)
	}, derived.WithLogger[int64](r.logger))

	return stream.Run(ctx, func(v int64) error {
		r.observed.Store(v)
		r.metrics.ObservedCounter.Set(float64(v))
		return nil
	})
}

// verify reads the final state in a read-only snapshot and checks it
// against what the workers applied.
func (r *Runner) verify(ctx context.Context, w *workload, lastApplied []int, summary *Summary) error {
	progress, err := r.readFinal(ctx, w, summary)
	if err != nil {
		return err
	}
	summary.Progress = len(progress)

	summary.ChainLengths = map[string]int{
		"counter":  snapshot.ChainLength(w.counter),
		"log":      snapshot.ChainLength(w.log),
		"members":  snapshot.ChainLength(w.members),
		"progress": snapshot.ChainLength(w.progress),
		"slot":     snapshot.ChainLength(w.slot),
	}
	summary.OpenSnapshots = r.rt.OpenSnapshotCount()
	summary.PinnedSnapshots = r.rt.PinnedCount()

	if summary.Counter != summary.Applied {
		return fmt.Errorf("%w: counter %d, applied %d", ErrVerification, summary.Counter, summary.Applied)
	}
	if int64(summary.LogLength) != summary.Applied {
		return fmt.Errorf("%w: log length %d, applied %d", ErrVerification, summary.LogLength, summary.Applied)
	}
	active := 0
	for worker, last := range lastApplied {
		if last == 0 {
			continue
		}
		active++
		if progress[worker] != last {
			return fmt.Errorf("%w: worker %d progress %d, last applied %d", ErrVerification, worker, progress[worker], last)
		}
	}
	if summary.Members != active || summary.Progress != active {
		return fmt.Errorf("%w: %d members and %d progress entries for %d active workers",
			ErrVerification, summary.Members, summary.Progress, active)
	}

	summary.Verified = true
	return nil
}

// readFinal reads the shared objects in a read-only snapshot.
func (r *Runner) readFinal(ctx context.Context, w *workload, summary *Summary) (map[int]int, error) {
	snap, err := snapshot.TakeSnapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer snap.Dispose()

	var progress map[int]int
	err = snap.Enter(ctx, func(ctx context.Context) error {
		var err error
		if summary.Counter, err = w.counter.Get(ctx); err != nil {
			return err
		}
		if summary.LogLength, err = w.log.Len(ctx); err != nil {
			return err
		}
		if summary.Members, err = w.members.Len(ctx); err != nil {
			return err
		}
		progress = make(map[int]int)
		return w.progress.Scan(ctx, func(worker, next int) bool {
			progress[worker] = next
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}
