package packet

import (
	"container/list"
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/strata/hooking"
)

// State is the queueing state of a packet.
type State int32

// The packet states. Transitions happen only through atomic compare-and-swap
// on the packet's state word.
//
//	in_progress --(enqueue)--> queued   --(dequeue)--> in_progress
//	in_progress --(cancel)---> canceled
//	queued      --(cancel)---> canceled  (cancel hook runs, status cancel_pending)
//	canceled    --(enqueue)--> canceled  (dequeue restores canceled)
const (
	InProgress State = iota
	Queued
	Canceled

	// queuedCanceled is a packet that was canceled before it was enqueued.
	// It reports Canceled and is restored to Canceled on dequeue.
	queuedCanceled
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "in_progress"
	case Queued:
		return "queued"
	case Canceled, queuedCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// State returns the packet state.
func (p *Packet) State() State {
	s := State(p.state.Load())
	if s == queuedCanceled {
		return Canceled
	}

	return s
}

func (p *Packet) casState(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// IsCanceled reports whether a cancellation reached the packet. Packets
// flagged DoNotCancel never report it.
func (p *Packet) IsCanceled() bool {
	if p.flags&DoNotCancel != 0 {
		return false
	}

	return p.State() == Canceled
}

// Queued reports whether the packet sits on a Queue.
func (p *Packet) Queued() bool {
	return p.queue.Load() != nil
}

// CancelFunc is invoked when a queued packet is canceled. It lets the holder
// of the queue take the packet off proactively.
type CancelFunc func(p *Packet, ctx any)

// CancelHook is a cancel function with its context.
type CancelHook struct {
	Fn  CancelFunc
	Ctx any
}

// SetCancelHook installs the function invoked when the packet is canceled
// while queued.
func (p *Packet) SetCancelHook(fn CancelFunc, ctx any) {
	p.cancelLock.Lock()
	p.cancelHook = &CancelHook{Fn: fn, Ctx: ctx}
	p.cancelLock.Unlock()
}

// ClearCancelHook removes the cancel hook.
func (p *Packet) ClearCancelHook() {
	p.cancelLock.Lock()
	p.cancelHook = nil
	p.cancelLock.Unlock()
}

// Cancel cancels the packet and every subpacket it owns.
//
// The cancel and a concurrent dequeue race on the state word. If the cancel
// observes the packet queued, it runs the cancel hook exactly once and the
// dequeuer leaves the state canceled. If the dequeue got there first, the
// cancel only marks the packet and the current holder observes it.
func (p *Packet) Cancel() {
	for {
		switch s := State(p.state.Load()); s {
		case InProgress:
			if !p.casState(InProgress, Canceled) {
				continue
			}
		case Queued:
			if !p.casState(Queued, Canceled) {
				continue
			}

			p.canceledWhileQueued()
		default:
			return
		}

		p.cancelSubpackets()

		return
	}
}

func (p *Packet) canceledWhileQueued() {
	if p.flags&DoNotCancel != 0 {
		return
	}

	p.SetStatus(Status{Code: CodeCancelPending})

	p.cancelLock.Lock()
	hook := p.cancelHook
	p.cancelLock.Unlock()

	if hook != nil {
		hook.Fn(p, hook.Ctx)
	}
}

// HookPosQueueEnqueue marks a packet being put on a queue.
var HookPosQueueEnqueue = &hooking.HookPos{Name: "Queue Enqueue"}

// HookPosQueueDequeue marks a packet being taken off the head of a queue.
var HookPosQueueDequeue = &hooking.HookPos{Name: "Queue Dequeue"}

// HookPosQueueRemove marks a packet being removed from the middle of a queue.
var HookPosQueueRemove = &hooking.HookPos{Name: "Queue Remove"}

// Queue is a FIFO of packets owned by the object that holds them, such as a
// timer, an arbitration queue or a wait list. A packet is on at most one
// queue at a time.
type Queue struct {
	hooking.HookableBase

	name string
	lock sync.Mutex
	l    list.List
}

// NewQueue creates an empty queue.
func NewQueue(name string) *Queue {
	return &Queue{name: name}
}

// Name returns the name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.l.Len()
}

// Enqueue appends p to the queue.
func (q *Queue) Enqueue(p *Packet) error {
	p.mustBeAlive("enqueue")

	q.lock.Lock()

	if !p.queue.CompareAndSwap(nil, q) {
		q.lock.Unlock()
		return fmt.Errorf("packet %s: enqueue on %s: %w", p.id, q.name, ErrAlreadyQueued)
	}

	if !p.markQueued() {
		p.queue.Store(nil)
		q.lock.Unlock()
		log.Panicf("packet %s: enqueue on %s in state %s: %v",
			p.id, q.name, p.State(), ErrInvalidPacket)
	}

	p.queueElem = q.l.PushBack(p)
	q.lock.Unlock()

	q.invoke(HookPosQueueEnqueue, p)

	return nil
}

// Dequeue takes the packet at the head of the queue, or returns nil.
func (q *Queue) Dequeue() *Packet {
	q.lock.Lock()

	e := q.l.Front()
	if e == nil {
		q.lock.Unlock()
		return nil
	}

	p := e.Value.(*Packet)
	q.unlink(p)
	q.lock.Unlock()

	q.invoke(HookPosQueueDequeue, p)

	return p
}

// Remove takes p off the queue wherever it is.
func (q *Queue) Remove(p *Packet) error {
	q.lock.Lock()

	if p.queue.Load() != q {
		q.lock.Unlock()
		return fmt.Errorf("packet %s: remove from %s: %w", p.id, q.name, ErrNotOnQueue)
	}

	q.unlink(p)
	q.lock.Unlock()

	q.invoke(HookPosQueueRemove, p)

	return nil
}

func (p *Packet) markQueued() bool {
	for {
		switch State(p.state.Load()) {
		case InProgress:
			if p.casState(InProgress, Queued) {
				return true
			}
		case Canceled:
			if p.casState(Canceled, queuedCanceled) {
				return true
			}
		default:
			return false
		}
	}
}

// unlink requires q.lock.
func (q *Queue) unlink(p *Packet) {
	q.l.Remove(p.queueElem)
	p.queueElem = nil
	p.queue.Store(nil)

	for {
		switch State(p.state.Load()) {
		case Queued:
			if p.casState(Queued, InProgress) {
				return
			}
		case queuedCanceled:
			if p.casState(queuedCanceled, Canceled) {
				return
			}
		default:
			// Canceled while queued; the canceler ran the cancel hook.
			return
		}
	}
}

func (q *Queue) invoke(pos *hooking.HookPos, p *Packet) {
	if q.NumHooks() == 0 {
		return
	}

	q.InvokeHook(hooking.HookCtx{Domain: q, Pos: pos, Item: p})
}
