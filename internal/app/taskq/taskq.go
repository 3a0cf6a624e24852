// Package taskq runs four-phase tasks on a bounded set of workers.
//
// Exec runs on a worker goroutine. Done and Free run afterwards on a
// single dispatcher goroutine, so completion callbacks never run
// concurrently with each other. Tasks submitted with the same ordering
// key run strictly one after another: the next task's Exec starts only
// after the previous task's Free has returned.
package taskq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hickar/sendrecv/internal/pkg/logger"
)

// Task is a unit of work.
type Task interface {
	// Describe returns human readable label of the task. It may be
	// called concurrently with Exec and must not mutate the task.
	Describe() string
	// Exec performs the work. It should return promptly once ctx is done.
	Exec(ctx context.Context) error
	// Done receives the error returned by Exec.
	Done(err error)
	// Free releases resources owned by the task. It is always called
	// exactly once, after Done.
	Free()
}

var (
	ErrClosed = errors.New("task runner is closed")
	ErrPanic  = errors.New("task panicked")
)

// Runner executes submitted tasks.
type Runner struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	active  map[string]*Handle
	ordered map[string][]*Handle // pending tasks per key, head is running
	wg      sync.WaitGroup

	completions chan *Handle
	stopped     chan struct{}
}

// New creates Runner executing at most workers Exec phases at once.
func New(workers int, log *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}

	r := &Runner{
		sem:         semaphore.NewWeighted(int64(workers)),
		logger:      log,
		active:      make(map[string]*Handle),
		ordered:     make(map[string][]*Handle),
		completions: make(chan *Handle),
		stopped:     make(chan struct{}),
	}
	go r.dispatch()

	return r
}

// Unordered submits task which may run in parallel with anything else.
// Task is cancelled when parent is.
func (r *Runner) Unordered(parent context.Context, task Task) *Handle {
	h := r.newHandle(parent, task, "")
	if !r.register(h) {
		return h
	}

	r.start(h)
	return h
}

// Ordered submits task serialized with other tasks sharing key.
func (r *Runner) Ordered(parent context.Context, key string, task Task) *Handle {
	h := r.newHandle(parent, task, key)
	if !r.register(h) {
		return h
	}

	r.mu.Lock()
	queue := append(r.ordered[key], h)
	r.ordered[key] = queue
	r.mu.Unlock()

	if len(queue) == 1 {
		r.start(h)
	}
	return h
}

// Active returns descriptions of tasks submitted, but not freed yet.
func (r *Runner) Active() []string {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	descs := make([]string, 0, len(handles))
	for _, h := range handles {
		descs = append(descs, h.task.Describe())
	}
	return descs
}

// Close stops accepting new tasks and waits for submitted ones to be
// freed or for ctx to be done.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(r.stopped)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) newHandle(parent context.Context, task Task, key string) *Handle {
	if parent == nil {
		parent = context.Background()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(logger.WithAttrs(parent, slog.String("task_id", id)))

	return &Handle{
		id:     id,
		key:    key,
		task:   task,
		ctx:    ctx,
		cancel: cancel,
		freed:  make(chan struct{}),
	}
}

// register adds h to active set. Tasks submitted to closed runner are
// completed inline with ErrClosed.
func (r *Runner) register(h *Handle) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.err = ErrClosed
		h.task.Done(ErrClosed)
		r.free(h)
		return false
	}
	r.active[h.id] = h
	r.wg.Add(1)
	r.mu.Unlock()

	return true
}

func (r *Runner) start(h *Handle) {
	go func() {
		h.err = r.exec(h)
		r.completions <- h
	}()
}

func (r *Runner) exec(h *Handle) (err error) {
	if err = r.sem.Acquire(h.ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	// Acquire may succeed on already cancelled context.
	if err = h.ctx.Err(); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
			r.logger.ErrorContext(h.ctx, "task exec panicked",
				slog.String("task", h.task.Describe()),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	r.logger.DebugContext(h.ctx, "task started", slog.String("task", h.task.Describe()))
	return h.task.Exec(h.ctx)
}

func (r *Runner) dispatch() {
	for {
		select {
		case h := <-r.completions:
			r.complete(h)
		case <-r.stopped:
			return
		}
	}
}

func (r *Runner) complete(h *Handle) {
	h.task.Done(h.err)
	r.free(h)

	r.mu.Lock()
	delete(r.active, h.id)
	var next *Handle
	if h.key != "" {
		queue := r.ordered[h.key][1:]
		if len(queue) == 0 {
			delete(r.ordered, h.key)
		} else {
			r.ordered[h.key] = queue
			next = queue[0]
		}
	}
	r.mu.Unlock()

	if next != nil {
		r.start(next)
	}
	r.wg.Done()
}

func (r *Runner) free(h *Handle) {
	defer close(h.freed)
	defer h.cancel()

	h.task.Free()
}

// Handle refers to submitted task.
type Handle struct {
	id     string
	key    string
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
	err    error
	freed  chan struct{}
}

// ID returns unique task identifier.
func (h *Handle) ID() string { return h.id }

// Describe returns task label.
func (h *Handle) Describe() string { return h.task.Describe() }

// Cancel requests task cancellation. It is safe to call Cancel
// multiple times and after task completion.
func (h *Handle) Cancel() { h.cancel() }

// Context returns context passed to Exec. Sub-tasks submitted with it
// as a parent are cancelled together with this task. The context is
// cancelled once the task is freed.
func (h *Handle) Context() context.Context { return h.ctx }

// Freed returns channel closed after task Free phase is over.
func (h *Handle) Freed() <-chan struct{} { return h.freed }

// Wait blocks until task is freed and returns its Exec error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.freed:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns Exec error. It is only meaningful after task is freed.
func (h *Handle) Err() error {
	select {
	case <-h.freed:
		return h.err
	default:
		return nil
	}
}
