package runqueue

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
	"github.com/sarchlab/strata/hooking"
)

type bucket struct {
	lock   sync.Mutex
	tasks  []task
	signal chan struct{}
}

func (b *bucket) push(t task) {
	b.lock.Lock()
	b.tasks = append(b.tasks, t)
	b.lock.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *bucket) pop() (task, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.tasks) == 0 {
		return task{}, false
	}

	t := b.tasks[0]
	b.tasks[0] = task{}
	b.tasks = b.tasks[1:]

	return t, true
}

func (b *bucket) len() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.tasks)
}

// A ParallelQueue keeps one FIFO per CPU bucket and runs each bucket on its
// own worker goroutine. Tasks dispatched to the same CPU run in dispatch
// order; tasks of different buckets run concurrently.
type ParallelQueue struct {
	hooking.HookableBase

	buckets []*bucket
	seq     atomic.Uint64

	pauseLock    sync.RWMutex
	isPaused     bool
	isPausedLock sync.Mutex

	idleLock    sync.Mutex
	idle        *sync.Cond
	outstanding int

	runLock sync.Mutex
	cancel  context.CancelFunc
	workers *taskgroup.Group
}

// NewParallelQueue creates a ParallelQueue with n buckets. A non-positive n
// uses GOMAXPROCS.
func NewParallelQueue(n int) *ParallelQueue {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}

	q := &ParallelQueue{
		buckets: make([]*bucket, n),
	}
	q.idle = sync.NewCond(&q.idleLock)

	for i := range q.buckets {
		q.buckets[i] = &bucket{signal: make(chan struct{}, 1)}
	}

	return q
}

// Buckets returns the number of buckets.
func (q *ParallelQueue) Buckets() int {
	return len(q.buckets)
}

// Dispatch appends fn to the bucket of cpu.
func (q *ParallelQueue) Dispatch(cpu int, fn func()) {
	q.idleLock.Lock()
	q.outstanding++
	q.idleLock.Unlock()

	t := task{info: TaskInfo{CPU: cpu, Seq: q.seq.Add(1)}, fn: fn}
	q.buckets[bucketOf(cpu, len(q.buckets))].push(t)
}

// Len returns the number of tasks waiting to run.
func (q *ParallelQueue) Len() int {
	n := 0
	for _, b := range q.buckets {
		n += b.len()
	}

	return n
}

// Start spawns the workers. They run until ctx ends or Stop is called.
// Starting a running queue does nothing.
func (q *ParallelQueue) Start(ctx context.Context) {
	q.runLock.Lock()
	defer q.runLock.Unlock()

	if q.workers != nil {
		return
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.workers = taskgroup.New(nil)

	for _, b := range q.buckets {
		q.workers.Go(func() error {
			q.work(ctx, b)
			return nil
		})
	}
}

// Stop ends the workers and waits for them to exit. Tasks that have not
// started stay queued and run on the next Start. A paused queue must be
// continued before it is stopped.
func (q *ParallelQueue) Stop() {
	q.runLock.Lock()
	defer q.runLock.Unlock()

	if q.workers == nil {
		return
	}

	q.cancel()
	_ = q.workers.Wait()
	q.workers = nil
	q.cancel = nil
}

// Drain blocks until every dispatched task has run, including the tasks they
// dispatch. It only returns on a started queue.
func (q *ParallelQueue) Drain() {
	q.idleLock.Lock()
	for q.outstanding > 0 {
		q.idle.Wait()
	}
	q.idleLock.Unlock()
}

func (q *ParallelQueue) work(ctx context.Context, b *bucket) {
	for {
		t, ok := b.pop()
		if !ok {
			select {
			case <-b.signal:
				continue
			case <-ctx.Done():
				return
			}
		}

		q.pauseLock.RLock()
		run(&q.HookableBase, q, t)
		q.pauseLock.RUnlock()

		q.idleLock.Lock()
		q.outstanding--
		if q.outstanding == 0 {
			q.idle.Broadcast()
		}
		q.idleLock.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// Pause prevents the ParallelQueue from starting more tasks and waits for
// the running ones to finish.
func (q *ParallelQueue) Pause() {
	q.isPausedLock.Lock()
	defer q.isPausedLock.Unlock()

	if q.isPaused {
		return
	}

	q.pauseLock.Lock()
	q.isPaused = true
}

// Continue allows the ParallelQueue to run more tasks.
func (q *ParallelQueue) Continue() {
	q.isPausedLock.Lock()
	defer q.isPausedLock.Unlock()

	if !q.isPaused {
		return
	}

	q.pauseLock.Unlock()
	q.isPaused = false
}

var (
	_ Queue = (*SerialQueue)(nil)
	_ Queue = (*ParallelQueue)(nil)
)
