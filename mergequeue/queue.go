// Package mergequeue serializes background merge attempts per destination
// branch.
//
// A branch has at most one attempt running and one pending. Requests that
// arrive while an attempt runs collapse into the pending one.
package mergequeue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/submit"
)

// Runner performs one merge attempt on a branch.
type Runner interface {
	Run(ctx context.Context, branch change.Branch) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, branch change.Branch) error

func (f RunnerFunc) Run(ctx context.Context, branch change.Branch) error {
	return f(ctx, branch)
}

// SubmitRunner merges the submitted changes of a branch with op. Changes
// that cannot be merged are handed back to their owners by op, so a
// ConflictError does not fail the attempt.
func SubmitRunner(op *submit.MergeOp, logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return RunnerFunc(func(ctx context.Context, branch change.Branch) error {
		res, err := op.MergeBranch(ctx, branch, nil)
		var ce *submit.ConflictError
		if errors.As(err, &ce) {
			logger.InfoContext(ctx, "changes were not merged", "branch", branch.String(), "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		if merged := res.Merged(); len(merged) > 0 {
			logger.InfoContext(ctx, "merged changes", "branch", branch.String(), "count", len(merged), "submission", res.SubmissionID)
		}
		return nil
	})
}

// Options configures a Queue.
type Options struct {
	// Workers is the number of branches merged concurrently.
	Workers int
	// RetryDelay is how long a branch waits after losing a race on its
	// lease or on its ref.
	RetryDelay time.Duration
	// Fuzz is the tolerance within which a later recheck request is
	// absorbed by an earlier one.
	Fuzz time.Duration
	// Lease defaults to a LocalLease.
	Lease  Lease
	Logger *slog.Logger
}

type branchState struct {
	running  bool
	pending  bool
	recheck  *time.Timer
	deadline time.Time
}

// Queue schedules merge attempts per branch.
type Queue struct {
	runner Runner
	pool   *Pool
	lease  Lease
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	stopped  bool
	branches map[change.Branch]*branchState
}

// New returns a Queue running attempts with runner. Call Start before
// scheduling.
func New(runner Runner, opts Options) *Queue {
	if opts.Lease == nil {
		opts.Lease = NewLocalLease()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		runner:   runner,
		pool:     NewPool("merge-queue", opts.Workers, logger),
		lease:    opts.Lease,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		branches: make(map[change.Branch]*branchState),
	}
}

// Start starts the workers.
func (q *Queue) Start(ctx context.Context) {
	q.pool.Start(ctx)
}

// Stop cancels pending rechecks and waits for running attempts.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for _, st := range q.branches {
		if st.recheck != nil {
			st.recheck.Stop()
			st.recheck = nil
		}
	}
	q.mu.Unlock()
	q.pool.Stop()
}

// Idle reports whether no attempt is running, pending or waiting for a
// recheck.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, st := range q.branches {
		if st.running || st.pending || st.recheck != nil {
			return false
		}
	}
	return true
}

// Drain waits until the queue is idle or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for !q.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

const drainPollInterval = 10 * time.Millisecond

func (q *Queue) state(branch change.Branch) *branchState {
	st, ok := q.branches[branch]
	if !ok {
		st = &branchState{}
		q.branches[branch] = st
	}
	return st
}

// Schedule requests a merge attempt on branch.
func (q *Queue) Schedule(branch change.Branch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.schedule(branch)
}

// schedule is Schedule with q.mu held.
func (q *Queue) schedule(branch change.Branch) error {
	if q.stopped {
		return ErrPoolStopped
	}
	st := q.state(branch)
	if st.pending {
		return nil
	}
	st.pending = true
	if st.running {
		// Picked up when the running attempt finishes.
		return nil
	}
	return q.submit(branch, st)
}

// submit hands the pending attempt of branch to the pool. q.mu is held.
func (q *Queue) submit(branch change.Branch, st *branchState) error {
	err := q.pool.Submit(func(ctx context.Context) { q.run(ctx, branch) })
	if err != nil {
		st.pending = false
	}
	return err
}

// RecheckAfter schedules an attempt on branch after delay. The earliest
// outstanding deadline wins.
func (q *Queue) RecheckAfter(branch change.Branch, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	st := q.state(branch)
	deadline := q.now().Add(delay)
	if st.recheck != nil {
		if !deadline.Before(st.deadline.Add(-q.opts.Fuzz)) {
			return
		}
		st.recheck.Stop()
	}
	st.deadline = deadline
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if st.recheck != timer {
			return
		}
		st.recheck = nil
		if err := q.schedule(branch); err != nil && !errors.Is(err, ErrPoolStopped) {
			q.logger.Error("scheduling recheck", "branch", branch.String(), "error", err)
		}
	})
	st.recheck = timer
}

func (q *Queue) run(ctx context.Context, branch change.Branch) {
	q.mu.Lock()
	st := q.state(branch)
	st.pending = false
	st.running = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		st.running = false
		if st.pending && !q.stopped {
			if err := q.submit(branch, st); err != nil {
				q.logger.Error("scheduling follow-up merge", "branch", branch.String(), "error", err)
			}
		}
	}()

	logger := q.logger.With("branch", branch.String())
	release, ok, err := q.lease.Acquire(ctx, branch.String())
	if err != nil {
		logger.ErrorContext(ctx, "acquiring branch lease", "error", err)
		q.RecheckAfter(branch, q.opts.RetryDelay)
		return
	}
	if !ok {
		logger.DebugContext(ctx, "branch is being merged elsewhere")
		q.RecheckAfter(branch, q.opts.RetryDelay)
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "releasing branch lease", "error", err)
		}
	}()

	err = q.runner.Run(ctx, branch)
	switch {
	case errors.Is(err, repository.ErrLockFailure):
		logger.InfoContext(ctx, "branch moved during merge, retrying", "delay", q.opts.RetryDelay)
		q.RecheckAfter(branch, q.opts.RetryDelay)
	case err != nil:
		logger.ErrorContext(ctx, "merge attempt failed", "error", err)
	}
}
