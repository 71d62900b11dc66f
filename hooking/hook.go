// Package hooking lets packets, edges, servers and run queues expose
// instrumentation points without depending on the code that observes them.
package hooking

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	// Domain is the hookable object that is raising this hook.
	Domain Hookable

	// Pos identifies the location the hook is firing from.
	Pos *HookPos

	// Item carries the primary subject associated with the hook (packet,
	// edge, task).
	Item any

	// Detail holds optional auxiliary data; hook sites may leave it nil.
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook. Hooks cannot be removed; disable the work
	// inside the hook if it should stop reacting.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook

	// InvokeHook triggers the registered Hooks.
	InvokeHook(ctx HookCtx)
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx HookCtx)

// Func calls f(ctx).
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
//
// Unlike a plain slice, the hook list is published copy-on-write so that a
// hook can be attached while packets are already flowing through the domain.
// Readers never take a lock.
type HookableBase struct {
	writeLock sync.Mutex
	hookList  atomic.Pointer[[]Hook]
}

// NewHookableBase creates a HookableBase object.
func NewHookableBase() *HookableBase {
	return new(HookableBase)
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.load())
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	return h.load()
}

// AcceptHook register a hook. Registering the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.writeLock.Lock()
	defer h.writeLock.Unlock()

	old := h.load()
	mustNotHaveDuplicatedHook(old, hook)

	next := make([]Hook, len(old), len(old)+1)
	copy(next, old)
	next = append(next, hook)
	h.hookList.Store(&next)
}

func mustNotHaveDuplicatedHook(list []Hook, hook Hook) {
	if !reflect.TypeOf(hook).Comparable() {
		return
	}

	for _, existing := range list {
		if reflect.TypeOf(existing).Comparable() && existing == hook {
			panic("duplicated hook")
		}
	}
}

// InvokeHook triggers the register Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.load() {
		hook.Func(ctx)
	}
}

func (h *HookableBase) load() []Hook {
	p := h.hookList.Load()
	if p == nil {
		return nil
	}

	return *p
}

var _ Hookable = (*HookableBase)(nil)
