package runqueue

import (
	"sync"

	"github.com/sarchlab/strata/hooking"
)

// A SerialQueue runs tasks one after another on the goroutine that calls
// Run. A task dispatched from inside a running task is appended to the queue
// rather than run in place, so completions never nest.
type SerialQueue struct {
	hooking.HookableBase

	lock  sync.Mutex
	tasks []task
	seq   uint64

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex

	singleRunLock sync.Mutex
}

// NewSerialQueue creates a SerialQueue.
func NewSerialQueue() *SerialQueue {
	return new(SerialQueue)
}

// Dispatch appends fn to the queue. The CPU is only recorded.
func (q *SerialQueue) Dispatch(cpu int, fn func()) {
	q.lock.Lock()
	q.seq++
	q.tasks = append(q.tasks, task{info: TaskInfo{CPU: cpu, Seq: q.seq}, fn: fn})
	q.lock.Unlock()
}

// Len returns the number of tasks waiting to run.
func (q *SerialQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.tasks)
}

// Run processes tasks until the queue is empty.
func (q *SerialQueue) Run() {
	q.singleRunLock.Lock()
	defer q.singleRunLock.Unlock()

	for {
		q.pauseLock.Lock()

		t, ok := q.pop()
		if !ok {
			q.pauseLock.Unlock()
			return
		}

		run(&q.HookableBase, q, t)

		q.pauseLock.Unlock()
	}
}

func (q *SerialQueue) pop() (task, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}

	t := q.tasks[0]
	q.tasks[0] = task{}
	q.tasks = q.tasks[1:]

	return t, true
}

// Pause prevents the SerialQueue from running more tasks.
func (q *SerialQueue) Pause() {
	q.isPausedLock.Lock()
	defer q.isPausedLock.Unlock()

	if q.isPaused {
		return
	}

	q.pauseLock.Lock()
	q.isPaused = true
}

// Continue allows the SerialQueue to run more tasks.
func (q *SerialQueue) Continue() {
	q.isPausedLock.Lock()
	defer q.isPausedLock.Unlock()

	if !q.isPaused {
		return
	}

	q.pauseLock.Unlock()
	q.isPaused = false
}
