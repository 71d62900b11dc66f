package packet

import (
	"fmt"
	"log"
	"reflect"
	"runtime"
)

// A Continuation is invoked when the layer that pushed it is unwound.
type Continuation func(p *Packet, ctx any) CompletionStatus

// Frame is one entry of the completion stack.
type Frame struct {
	Fn  Continuation
	Ctx any
}

// SetCompletion pushes a completion frame.
func (p *Packet) SetCompletion(fn Continuation, ctx any) error {
	p.mustBeAlive("set completion")

	next := p.level + 1
	if next >= MaxStackDepth {
		return fmt.Errorf("packet %s: push at level %d: %w",
			p.id, next, ErrStackExhausted)
	}

	p.level = next
	p.stack[next] = Frame{Fn: fn, Ctx: ctx}
	p.pushes.record(fn, next)

	return nil
}

// UnsetCompletion pops the top frame without invoking it. It undoes a push
// whose layer never got to run.
func (p *Packet) UnsetCompletion() error {
	p.mustBeAlive("unset completion")

	if p.level < 0 {
		return fmt.Errorf("packet %s: unset completion: %w", p.id, ErrStackEmpty)
	}

	p.stack[p.level] = Frame{}
	p.level--

	return nil
}

// Level returns the index of the top frame, -1 when the stack is empty.
func (p *Packet) Level() int {
	return p.level
}

// Complete unwinds the completion stack from the top.
//
// Frames run strictly last-pushed-first. A frame is cleared before its
// continuation runs, so no continuation is ever invoked twice. A continuation
// that returns Continue has pushed new frames and the walk resumes from the
// packet's current level. A continuation that returns MoreProcessingRequired
// now owns the packet; the walk stops without touching the packet again.
func (p *Packet) Complete() {
	p.mustBeAlive("complete")

	l := p.level
	for l >= 0 {
		if p.level != l {
			log.Panicf("packet %s: stale completion, stack level %d, walk at %d",
				p.id, p.level, l)
		}

		frame := p.stack[l]
		p.stack[l] = Frame{}
		p.level--

		if frame.Fn == nil {
			l--
			continue
		}

		switch frame.Fn(p, frame.Ctx) {
		case MoreProcessingRequired:
			return
		case Continue:
			l = p.level
		default:
			l--
		}
	}

	p.unwound()
}

// unwound returns a fully unwound packet to a synchronous waiter, if any.
func (p *Packet) unwound() {
	if p.syncSignal.CompareAndSwap(true, false) {
		p.sem <- struct{}{}
	}
}

// A Dispatcher runs functions later on a fresh call stack, preferably on the
// given CPU bucket.
type Dispatcher interface {
	Dispatch(cpu int, fn func())
}

// CompleteDeferred hands the completion walk to d instead of running it on the
// current call stack. Layers that would otherwise re-enter Complete from
// inside a continuation use it to bound stack growth.
func (p *Packet) CompleteDeferred(d Dispatcher) {
	p.mustBeAlive("complete deferred")
	d.Dispatch(p.cpuAffinity, p.Complete)
}

// Push records a single push onto the completion stack.
type Push struct {
	Level    int
	Function string
}

const pushRingSize = 8

type pushRing struct {
	pcs    [pushRingSize]uintptr
	levels [pushRingSize]int
	next   int
	count  int
}

func (r *pushRing) record(fn Continuation, level int) {
	var pc uintptr
	if fn != nil {
		pc = reflect.ValueOf(fn).Pointer()
	}

	r.pcs[r.next] = pc
	r.levels[r.next] = level
	r.next = (r.next + 1) % pushRingSize

	if r.count < pushRingSize {
		r.count++
	}
}

// RecentPushes returns the most recent completion pushes, oldest first. It is
// meant for stall diagnostics only.
func (p *Packet) RecentPushes() []Push {
	r := &p.pushes
	pushes := make([]Push, 0, r.count)

	start := (r.next - r.count + pushRingSize) % pushRingSize
	for i := 0; i < r.count; i++ {
		idx := (start + i) % pushRingSize
		pushes = append(pushes, Push{
			Level:    r.levels[idx],
			Function: funcName(r.pcs[idx]),
		})
	}

	return pushes
}

func funcName(pc uintptr) string {
	if pc == 0 {
		return "<nil>"
	}

	f := runtime.FuncForPC(pc)
	if f == nil {
		return "<unknown>"
	}

	return f.Name()
}
