package mergequeue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrPoolStopped is returned when submitting to a pool that is not running.
var ErrPoolStopped = errors.New("pool is not running")

// Task is a unit of work run by a Pool.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers. Tasks are run in submission
// order. A Pool must be started before tasks run and can be started once.
type Pool struct {
	name    string
	workers int
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   []Task
	running bool
	wake    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewPool returns a Pool of the given size. Sizes below one are raised to
// one.
func NewPool(name string, workers int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:    name,
		workers: max(workers, 1),
		logger:  logger.With("pool", name),
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the name the pool was created with.
func (p *Pool) Name() string {
	return p.name
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.running = true
	for range p.workers {
		p.group.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	p.logger.Debug("pool started", "workers", p.workers)
}

// Stop cancels the workers and waits for running tasks to return. Queued
// tasks are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	dropped := len(p.tasks)
	p.tasks = nil
	p.cancel()
	g := p.group
	p.mu.Unlock()

	_ = g.Wait()
	p.logger.Debug("pool stopped", "dropped", dropped)
}

// Submit queues t. It never blocks.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrPoolStopped
	}
	p.tasks = append(p.tasks, t)
	p.signal()
	return nil
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tasks) == 0 {
		return nil, false
	}
	t := p.tasks[0]
	p.tasks = p.tasks[1:]
	if len(p.tasks) > 0 {
		// Another worker may be idle.
		p.signal()
	}
	return t, true
}

func (p *Pool) work(ctx context.Context) {
	for {
		if t, ok := p.next(); ok {
			t(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}
