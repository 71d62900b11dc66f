package transport

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/sarchlab/strata/packet"
)

// An Edge connects one client to one server. The client owns the edge; the
// server only links it into its client list while it is attached.
type Edge struct {
	clientID    packet.ObjectID
	clientIndex int
	serverIndex int
	transportID TransportID
	observer    Observer

	serverID  atomic.Uint32
	pathState atomic.Int32
	pathAttr  atomic.Uint32
	hook      atomic.Pointer[EdgeHook]
	server    atomic.Pointer[Server]

	// next is guarded by the lock of the server the edge is attached to.
	next *Edge
}

// EdgeBuilder can build edges.
type EdgeBuilder struct {
	clientID    packet.ObjectID
	clientIndex int
	serverIndex int
	transportID TransportID
	observer    Observer
	hook        EdgeHook
}

// MakeEdgeBuilder returns an EdgeBuilder with default parameters.
func MakeEdgeBuilder() EdgeBuilder {
	return EdgeBuilder{}
}

// WithClientID sets the identity of the client that owns the edge.
func (b EdgeBuilder) WithClientID(id packet.ObjectID) EdgeBuilder {
	b.clientID = id
	return b
}

// WithClientIndex sets the index of the edge among the client's edges.
func (b EdgeBuilder) WithClientIndex(i int) EdgeBuilder {
	b.clientIndex = i
	return b
}

// WithServerIndex sets the slot the edge occupies at the server.
func (b EdgeBuilder) WithServerIndex(i int) EdgeBuilder {
	b.serverIndex = i
	return b
}

// WithTransportID sets the transport kind.
func (b EdgeBuilder) WithTransportID(id TransportID) EdgeBuilder {
	b.transportID = id
	return b
}

// WithObserver sets who is told about path state changes.
func (b EdgeBuilder) WithObserver(o Observer) EdgeBuilder {
	b.observer = o
	return b
}

// WithHook sets the edge hook.
func (b EdgeBuilder) WithHook(h EdgeHook) EdgeBuilder {
	b.hook = h
	return b
}

// Build creates a detached edge in the invalid path state.
func (b EdgeBuilder) Build() *Edge {
	e := &Edge{
		clientID:    b.clientID,
		clientIndex: b.clientIndex,
		serverIndex: b.serverIndex,
		transportID: b.transportID,
		observer:    b.observer,
	}

	if b.hook != nil {
		e.SetHook(b.hook)
	}

	return e
}

// Reinit resets the edge so that it can be attached again. The identity given
// at build time is kept.
func (e *Edge) Reinit() {
	if e.Attached() {
		log.Panicf("edge %s: reinit while attached", e)
	}

	e.serverID.Store(0)
	e.pathState.Store(int32(PathStateInvalid))
	e.pathAttr.Store(0)
	e.hook.Store(nil)
	e.next = nil
}

// ClientID returns the identity of the client.
func (e *Edge) ClientID() packet.ObjectID {
	return e.clientID
}

// ClientIndex returns the index of the edge at the client.
func (e *Edge) ClientIndex() int {
	return e.clientIndex
}

// ServerID returns the identity of the server the edge is or was last
// attached to.
func (e *Edge) ServerID() packet.ObjectID {
	return packet.ObjectID(e.serverID.Load())
}

// ServerIndex returns the slot of the edge at the server.
func (e *Edge) ServerIndex() int {
	return e.serverIndex
}

// TransportID returns the transport kind.
func (e *Edge) TransportID() TransportID {
	return e.transportID
}

// PathState returns the path state.
func (e *Edge) PathState() PathState {
	return PathState(e.pathState.Load())
}

// PathAttr returns the path attributes.
func (e *Edge) PathAttr() PathAttr {
	return PathAttr(e.pathAttr.Load())
}

// Attached reports whether the edge is on a server's client list.
func (e *Edge) Attached() bool {
	return e.server.Load() != nil
}

// Server returns the server the edge is attached to, or nil.
func (e *Edge) Server() *Server {
	return e.server.Load()
}

// SetPathState changes the path state. On an attached edge the change is
// made under the server lock and observers are told about it.
func (e *Edge) SetPathState(state PathState) {
	if s := e.server.Load(); s != nil && s.setEdgeState(e, state) {
		return
	}

	old := PathState(e.pathState.Swap(int32(state)))
	if old != state && e.observer != nil {
		e.observer.PathStateChanged(e, old, state)
	}
}

// SetPathAttr sets bits of the path attributes.
func (e *Edge) SetPathAttr(attr PathAttr) {
	e.pathAttr.Or(uint32(attr))
}

// ClearPathAttr clears bits of the path attributes.
func (e *Edge) ClearPathAttr(attr PathAttr) {
	e.pathAttr.And(^uint32(attr))
}

// SetHook installs the edge hook, replacing any previous one.
func (e *Edge) SetHook(h EdgeHook) {
	if h == nil {
		e.hook.Store(nil)
		return
	}

	e.hook.Store(&h)
}

// RemoveHook removes the edge hook.
func (e *Edge) RemoveHook() {
	e.hook.Store(nil)
}

// Send hands the packet to the server. The caller gives up ownership; the
// packet comes back through its completion stack, completed with NoDevice or
// EdgeNotEnabled if the edge cannot carry it.
func (e *Edge) Send(p *packet.Packet) {
	p.SetRoute(e)

	if h := e.hook.Load(); h != nil && (*h)(p) == HookConsumed {
		return
	}

	s := e.server.Load()
	if s == nil {
		reject(p, packet.CodeNoDevice)
		return
	}

	switch e.PathState() {
	case PathStateEnabled:
	case PathStateGone, PathStateBroken:
		reject(p, packet.CodeNoDevice)
		return
	default:
		if p.Flags()&packet.Monitor == 0 {
			reject(p, packet.CodeEdgeNotEnabled)
			return
		}
	}

	s.serve(e, p)
}

func reject(p *packet.Packet, code packet.Code) {
	p.SetStatus(packet.Status{Code: code})
	p.Complete()
}

func (e *Edge) String() string {
	return fmt.Sprintf("%d[%d]->%d[%d]",
		e.clientID, e.clientIndex, e.ServerID(), e.serverIndex)
}
