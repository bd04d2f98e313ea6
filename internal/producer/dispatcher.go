package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Dispatcher owns a bounded queue of collection tasks and a fixed pool of
// workers draining it. Task state is mutated only by the dispatcher;
// Status hands out snapshots.
type Dispatcher struct {
	runner      *Runner
	logger      *log.Logger
	workers     int
	taskTimeout time.Duration

	queue chan string

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// DispatcherOption adjusts dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithTaskTimeout bounds how long a single task may run, retries included.
func WithTaskTimeout(d time.Duration) DispatcherOption {
	return func(dis *Dispatcher) { dis.taskTimeout = d }
}

// WithLogger routes dispatcher logging.
func WithLogger(l *log.Logger) DispatcherOption {
	return func(dis *Dispatcher) { dis.logger = l }
}

// NewDispatcher builds a dispatcher with the given worker count and queue
// capacity. Call Start before enqueuing.
func NewDispatcher(runner *Runner, workers, queueSize int, opts ...DispatcherOption) (*Dispatcher, error) {
	if runner == nil {
		return nil, errors.New("producer: runner is nil")
	}
	if workers <= 0 {
		return nil, fmt.Errorf("producer: workers must be >= 1, got %d", workers)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("producer: queue size must be >= 1, got %d", queueSize)
	}
	d := &Dispatcher{
		runner:      runner,
		logger:      log.Default(),
		workers:     workers,
		taskTimeout: 45 * time.Minute,
		queue:       make(chan string, queueSize),
		tasks:       make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the worker pool. Workers run until Close is called or ctx
// is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	d.group = g
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id, ok := <-d.queue:
					if !ok {
						return nil
					}
					d.execute(gctx, id)
				}
			}
		})
	}
}

// Enqueue registers a task for queryName over repos and returns its id.
// It fails when the queue is full rather than blocking the caller.
func (d *Dispatcher) Enqueue(queryName string, repos []int64) (string, error) {
	if d == nil {
		return "", errors.New("producer: dispatcher is nil")
	}

	t := &Task{
		ID:         uuid.NewString(),
		Query:      queryName,
		Repos:      append([]int64(nil), repos...),
		Status:     StatusQueued,
		EnqueuedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", errors.New("producer: dispatcher is closed")
	}
	d.tasks[t.ID] = t
	d.mu.Unlock()

	select {
	case d.queue <- t.ID:
	default:
		d.mu.Lock()
		delete(d.tasks, t.ID)
		d.mu.Unlock()
		return "", errors.New("producer: queue is full")
	}

	d.logger.Debug("task enqueued", "task", t.ID, "query", queryName, "repos", len(t.Repos))
	return t.ID, nil
}

// Status returns a snapshot of the task, or false when the id is unknown.
func (d *Dispatcher) Status(id string) (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return Task{}, false
	}
	snap := *t
	snap.Repos = append([]int64(nil), t.Repos...)
	return snap, true
}

// Close stops accepting work, drains the queue, and waits for workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	var err error
	if d.group != nil {
		err = d.group.Wait()
	}
	if d.cancel != nil {
		d.cancel()
	}
	return err
}

func (d *Dispatcher) execute(ctx context.Context, id string) {
	d.mu.Lock()
	t, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	t.Status = StatusRunning
	t.StartedAt = time.Now().UTC()
	query, repos := t.Query, t.Repos
	d.mu.Unlock()

	d.logger.Info("collection started", "task", id, "query", query, "repos", len(repos))

	taskCtx := ctx
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}

	onRetry := func(attempt int, err error) {
		d.mu.Lock()
		t.Status = StatusRetrying
		t.Attempts = attempt
		t.LastErr = err.Error()
		d.mu.Unlock()
		d.logger.Warn("collection attempt failed, retrying", "task", id, "query", query, "attempt", attempt, "err", err)
	}

	attempts, err := d.runner.Do(taskCtx, query, repos, onRetry)

	d.mu.Lock()
	t.Attempts = attempts
	t.FinishedAt = time.Now().UTC()
	if err != nil {
		t.Status = StatusFailed
		t.LastErr = err.Error()
	} else {
		t.Status = StatusSucceeded
		t.LastErr = ""
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("collection failed", "task", id, "query", query, "attempts", attempts, "err", err)
		return
	}
	d.logger.Info("collection finished", "task", id, "query", query, "attempts", attempts, "elapsed", time.Since(t.StartedAt).Round(time.Millisecond))
}
