package taskq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/sendrecv/internal/pkg/logger"
)

type timeline struct {
	mu     sync.Mutex
	events []string
}

func (tl *timeline) add(ev string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.events = append(tl.events, ev)
}

func (tl *timeline) index(ev string) int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i, e := range tl.events {
		if e == ev {
			return i
		}
	}
	return -1
}

func recordingTask(tl *timeline, name string, d time.Duration) *Func {
	return &Func{
		Label: name,
		Run: func(ctx context.Context) error {
			tl.add(name + ":exec")
			time.Sleep(d)
			tl.add(name + ":exec-end")
			return nil
		},
		OnDone: func(error) { tl.add(name + ":done") },
		OnFree: func() { tl.add(name + ":free") },
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOrderedTasksDoNotOverlap(t *testing.T) {
	r := New(4, logger.Discard())
	tl := &timeline{}

	a := r.Ordered(context.Background(), "folder:INBOX", recordingTask(tl, "a", 30*time.Millisecond))
	b := r.Ordered(context.Background(), "folder:INBOX", recordingTask(tl, "b", 0))

	require.NoError(t, a.Wait(waitCtx(t)))
	require.NoError(t, b.Wait(waitCtx(t)))

	assert.Less(t, tl.index("a:done"), tl.index("a:free"))
	assert.Less(t, tl.index("a:free"), tl.index("b:exec"), "b started before a was freed: %v", tl.events)
	require.NoError(t, r.Close(waitCtx(t)))
}

func TestOrderedKeysAreIndependent(t *testing.T) {
	r := New(2, logger.Discard())
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	block := func(label string) *Func {
		return &Func{Label: label, Run: func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}}
	}

	a := r.Ordered(context.Background(), "a", block("a"))
	b := r.Ordered(context.Background(), "b", block("b"))

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks with different keys did not run in parallel")
		}
	}
	close(release)

	assert.NoError(t, a.Wait(waitCtx(t)))
	assert.NoError(t, b.Wait(waitCtx(t)))
}

func TestUnorderedTasksOverlap(t *testing.T) {
	r := New(2, logger.Discard())
	var inflight, peak atomic.Int32
	barrier := make(chan struct{})
	var once sync.Once

	task := func() *Func {
		return &Func{Label: "fetch", Run: func(ctx context.Context) error {
			n := inflight.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			if n == 2 {
				once.Do(func() { close(barrier) })
			}
			select {
			case <-barrier:
			case <-time.After(2 * time.Second):
				return errors.New("no overlap")
			}
			inflight.Add(-1)
			return nil
		}}
	}

	h1 := r.Unordered(context.Background(), task())
	h2 := r.Unordered(context.Background(), task())

	assert.NoError(t, h1.Wait(waitCtx(t)))
	assert.NoError(t, h2.Wait(waitCtx(t)))
	assert.Equal(t, int32(2), peak.Load())
}

func TestCancelRunningTask(t *testing.T) {
	r := New(1, logger.Discard())
	var frees atomic.Int32
	running := make(chan struct{})
	var doneErr error

	h := r.Unordered(context.Background(), &Func{
		Label: "loop",
		Run: func(ctx context.Context) error {
			close(running)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
		},
		OnDone: func(err error) { doneErr = err },
		OnFree: func() { frees.Add(1) },
	})

	<-running
	start := time.Now()
	h.Cancel()
	h.Cancel()

	err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, doneErr, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), frees.Load())
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestCancelParentCancelsChild(t *testing.T) {
	r := New(2, logger.Discard())
	parentCtx, cancelParent := context.WithCancel(context.Background())

	child := r.Unordered(parentCtx, &Func{Label: "child", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	cancelParent()
	assert.ErrorIs(t, child.Wait(waitCtx(t)), context.Canceled)
}

func TestCancelChildKeepsParent(t *testing.T) {
	r := New(2, logger.Discard())
	parentCtx, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	child := r.Unordered(parentCtx, &Func{Label: "child", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	child.Cancel()

	assert.ErrorIs(t, child.Wait(waitCtx(t)), context.Canceled)
	assert.NoError(t, parentCtx.Err())
}

func TestCancelBeforeStartSkipsExec(t *testing.T) {
	r := New(1, logger.Discard())
	release := make(chan struct{})
	var executed atomic.Bool
	var freed atomic.Int32

	running := make(chan struct{})
	blocker := r.Unordered(context.Background(), &Func{Label: "blocker", Run: func(context.Context) error {
		close(running)
		<-release
		return nil
	}})
	<-running
	queued := r.Unordered(context.Background(), &Func{
		Label:  "queued",
		Run:    func(context.Context) error { executed.Store(true); return nil },
		OnFree: func() { freed.Add(1) },
	})

	queued.Cancel()
	assert.ErrorIs(t, queued.Wait(waitCtx(t)), context.Canceled)
	close(release)
	assert.NoError(t, blocker.Wait(waitCtx(t)))

	assert.False(t, executed.Load())
	assert.Equal(t, int32(1), freed.Load())
}

func TestExecErrorAndPanicDoNotStopRunner(t *testing.T) {
	r := New(1, logger.Discard())
	boom := errors.New("boom")

	failing := r.Unordered(context.Background(), &Func{Label: "fail", Run: func(context.Context) error { return boom }})
	panicking := r.Unordered(context.Background(), &Func{Label: "panic", Run: func(context.Context) error { panic("oops") }})
	ok := r.Unordered(context.Background(), &Func{Label: "ok"})

	assert.ErrorIs(t, failing.Wait(waitCtx(t)), boom)
	assert.ErrorIs(t, panicking.Wait(waitCtx(t)), ErrPanic)
	assert.NoError(t, ok.Wait(waitCtx(t)))
}

func TestDoneCallbacksAreSerialized(t *testing.T) {
	r := New(8, logger.Discard())
	var inflight atomic.Int32
	var overlaps atomic.Int32

	handles := make([]*Handle, 0, 20)
	for range 20 {
		handles = append(handles, r.Unordered(context.Background(), &Func{
			Label: "t",
			OnDone: func(error) {
				if inflight.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(time.Millisecond)
				inflight.Add(-1)
			},
		}))
	}

	for _, h := range handles {
		require.NoError(t, h.Wait(waitCtx(t)))
	}
	assert.Zero(t, overlaps.Load())
}

func TestActiveAndClose(t *testing.T) {
	r := New(1, logger.Discard())
	release := make(chan struct{})

	h := r.Unordered(context.Background(), &Func{Label: "Fetching mail from work", Run: func(context.Context) error {
		<-release
		return nil
	}})
	assert.Equal(t, []string{"Fetching mail from work"}, r.Active())

	closeErr := make(chan error, 1)
	closeCtx := waitCtx(t)
	go func() { closeErr <- r.Close(closeCtx) }()

	// Wait for Close to flip closed flag, then submit.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.closed
	}, time.Second, time.Millisecond)

	var doneErr error
	late := r.Unordered(context.Background(), &Func{Label: "late", OnDone: func(err error) { doneErr = err }})
	assert.ErrorIs(t, late.Wait(waitCtx(t)), ErrClosed)
	assert.ErrorIs(t, doneErr, ErrClosed)

	close(release)
	assert.NoError(t, h.Wait(waitCtx(t)))
	assert.NoError(t, <-closeErr)
	assert.Empty(t, r.Active())
}
