// Package runqueue runs deferred packet work. It stands in for the
// scheduler a storage stack would hand completions to, and implements
// packet.Dispatcher.
package runqueue

import (
	"github.com/sarchlab/strata/hooking"
	"github.com/sarchlab/strata/packet"
)

// HookPosBeforeTask is a hook position that triggers before running a task.
var HookPosBeforeTask = &hooking.HookPos{Name: "BeforeTask"}

// HookPosAfterTask is a hook position that triggers after running a task.
var HookPosAfterTask = &hooking.HookPos{Name: "AfterTask"}

// TaskInfo is the hook item of the task hooks.
type TaskInfo struct {
	CPU int
	Seq uint64
}

// A Queue runs dispatched functions.
type Queue interface {
	hooking.Hookable
	packet.Dispatcher

	// Pause stops the queue from starting more tasks. It returns once no
	// task is running. It must not be called from inside a task.
	Pause()

	// Continue lets a paused queue run again.
	Continue()

	// Len returns the number of tasks waiting to run.
	Len() int
}

type task struct {
	info TaskInfo
	fn   func()
}

func run(h *hooking.HookableBase, domain hooking.Hookable, t task) {
	if h.NumHooks() == 0 {
		t.fn()
		return
	}

	ctx := hooking.HookCtx{
		Domain: domain,
		Pos:    HookPosBeforeTask,
		Item:   t.info,
	}
	h.InvokeHook(ctx)

	t.fn()

	ctx.Pos = HookPosAfterTask
	h.InvokeHook(ctx)
}

func bucketOf(cpu, n int) int {
	b := cpu % n
	if b < 0 {
		b = -b
	}

	return b
}
