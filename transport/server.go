package transport

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/strata/hooking"
	"github.com/sarchlab/strata/lifecycle"
	"github.com/sarchlab/strata/packet"
	"github.com/sarchlab/strata/tracing"
)

// The hook positions of a server.
var (
	HookPosServerAttach          = &hooking.HookPos{Name: "Server Attach"}
	HookPosServerDetach          = &hooking.HookPos{Name: "Server Detach"}
	HookPosServerPathStateChange = &hooking.HookPos{Name: "Server Path State Change"}
	HookPosServerServe           = &hooking.HookPos{Name: "Server Serve"}
)

// PathStateChange is the hook detail of HookPosServerPathStateChange.
type PathStateChange struct {
	Old, New PathState
}

func (c PathStateChange) String() string {
	return fmt.Sprintf("%s->%s", c.Old, c.New)
}

type edgeChange struct {
	edge     *Edge
	old, new PathState
}

type edgeEvent struct {
	pos  *hooking.HookPos
	edge *Edge
}

// A Server is the server side of a transport. It keeps the list of attached
// client edges and serves the packets that arrive over them.
type Server struct {
	hooking.HookableBase

	name    string
	id      packet.ObjectID
	ioEntry IOEntry

	lock       sync.Mutex
	held       atomic.Bool
	clientList *Edge
	numClients int
	destroyed  bool
	events     []edgeEvent

	outstanding atomic.Int64
}

// NewServer creates a server that hands arriving packets to ioEntry.
func NewServer(name string, id packet.ObjectID, ioEntry IOEntry) *Server {
	s := &Server{
		name:    name,
		id:      id,
		ioEntry: ioEntry,
	}
	s.Init()

	return s
}

// Init makes the server ready to accept edges. It panics if edges are still
// attached.
func (s *Server) Init() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.clientList != nil {
		log.Panicf("server %s: init with %d attached edges",
			s.name, s.numClients)
	}

	s.destroyed = false
	s.numClients = 0
}

// Name returns the name of the server.
func (s *Server) Name() string {
	return s.name
}

// ID returns the object identity of the server.
func (s *Server) ID() packet.ObjectID {
	return s.id
}

// Lock takes the server lock. AttachEdge and DetachEdge must be called with
// the lock held. Their hooks run in Unlock, after the lock is released, so a
// hook may call back into the server.
func (s *Server) Lock() {
	s.lock.Lock()
	s.held.Store(true)
}

// Unlock releases the server lock and then fires the attach and detach hooks
// collected while it was held.
func (s *Server) Unlock() {
	events := s.events
	s.events = nil
	s.held.Store(false)
	s.lock.Unlock()

	for _, ev := range events {
		s.invoke(ev.pos, ev.edge, nil)
	}
}

func (s *Server) mustHoldLock(op string) {
	if !s.held.Load() {
		log.Panicf("server %s: %s without holding the server lock", s.name, op)
	}
}

// AttachEdge links e into the client list. The caller holds the server lock;
// the attach hook fires when it is released.
func (s *Server) AttachEdge(e *Edge) error {
	s.mustHoldLock("attach edge")

	if s.destroyed {
		return fmt.Errorf("server %s: attach %s: %w", s.name, e, ErrServerDestroyed)
	}

	if e.Attached() {
		log.Panicf("server %s: attach edge %s that is already attached", s.name, e)
	}

	for c := s.clientList; c != nil; c = c.next {
		if c.serverIndex == e.serverIndex {
			return fmt.Errorf("server %s: attach %s: %w",
				s.name, e, ErrServerIndexInUse)
		}
	}

	e.serverID.Store(uint32(s.id))
	e.next = s.clientList
	s.clientList = e
	s.numClients++
	e.server.Store(s)

	s.events = append(s.events, edgeEvent{HookPosServerAttach, e})

	return nil
}

// DetachEdge unlinks e from the client list. The caller holds the server
// lock and the detach hook fires when it is released. The edge keeps its path
// state.
func (s *Server) DetachEdge(e *Edge) error {
	s.mustHoldLock("detach edge")

	link := &s.clientList
	for *link != nil && *link != e {
		link = &(*link).next
	}

	if *link == nil {
		return fmt.Errorf("server %s: detach %s: %w", s.name, e, ErrEdgeNotAttached)
	}

	*link = e.next
	e.next = nil
	s.numClients--
	e.server.Store(nil)

	s.events = append(s.events, edgeEvent{HookPosServerDetach, e})

	return nil
}

// Attach takes the server lock and attaches e.
func (s *Server) Attach(e *Edge) error {
	s.Lock()
	defer s.Unlock()

	return s.AttachEdge(e)
}

// Detach takes the server lock and detaches e.
func (s *Server) Detach(e *Edge) error {
	s.Lock()
	defer s.Unlock()

	return s.DetachEdge(e)
}

// Destroy moves every edge to the gone state, detaches them, and refuses
// further attachments.
func (s *Server) Destroy() {
	s.Lock()

	var changes []edgeChange
	for e := s.clientList; e != nil; {
		next := e.next
		if c, ok := s.setStateLocked(e, PathStateGone); ok {
			changes = append(changes, c)
		}

		e.next = nil
		e.server.Store(nil)
		s.events = append(s.events, edgeEvent{HookPosServerDetach, e})
		e = next
	}

	s.clientList = nil
	s.numClients = 0
	s.destroyed = true

	s.Unlock()

	s.notify(changes)
}

// NumberOfClients returns how many edges are attached.
func (s *Server) NumberOfClients() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.numClients
}

// Outstanding returns how many packets are being served.
func (s *Server) Outstanding() int {
	return int(s.outstanding.Load())
}

// Edges returns a snapshot of the attached edges, most recently attached
// first.
func (s *Server) Edges() []*Edge {
	s.lock.Lock()
	defer s.lock.Unlock()

	edges := make([]*Edge, 0, s.numClients)
	for e := s.clientList; e != nil; e = e.next {
		edges = append(edges, e)
	}

	return edges
}

// ClientEdgeByClientID finds the attached edge owned by the client.
func (s *Server) ClientEdgeByClientID(id packet.ObjectID) (*Edge, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for e := s.clientList; e != nil; e = e.next {
		if e.clientID == id {
			return e, true
		}
	}

	return nil, false
}

// ClientEdgeByServerIndex finds the attached edge at the server slot.
func (s *Server) ClientEdgeByServerIndex(index int) (*Edge, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.edgeByServerIndexLocked(index)
}

func (s *Server) edgeByServerIndexLocked(index int) (*Edge, bool) {
	for e := s.clientList; e != nil; e = e.next {
		if e.serverIndex == index {
			return e, true
		}
	}

	return nil, false
}

// SetPathAttr sets attribute bits on the edge at the server slot.
func (s *Server) SetPathAttr(serverIndex int, attr PathAttr) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.edgeByServerIndexLocked(serverIndex)
	if !ok {
		return fmt.Errorf("server %s: set path attr at %d: %w",
			s.name, serverIndex, ErrEdgeNotFound)
	}

	e.SetPathAttr(attr)

	return nil
}

// ClearPathAttr clears attribute bits on the edge at the server slot.
func (s *Server) ClearPathAttr(serverIndex int, attr PathAttr) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.edgeByServerIndexLocked(serverIndex)
	if !ok {
		return fmt.Errorf("server %s: clear path attr at %d: %w",
			s.name, serverIndex, ErrEdgeNotFound)
	}

	e.ClearPathAttr(attr)

	return nil
}

// SetEdgePathState sets the path state of the edge at the server slot.
func (s *Server) SetEdgePathState(serverIndex int, state PathState) error {
	s.lock.Lock()

	e, ok := s.edgeByServerIndexLocked(serverIndex)
	if !ok {
		s.lock.Unlock()
		return fmt.Errorf("server %s: set path state at %d: %w",
			s.name, serverIndex, ErrEdgeNotFound)
	}

	c, changed := s.setStateLocked(e, state)
	s.lock.Unlock()

	if changed {
		s.notify([]edgeChange{c})
	}

	return nil
}

// SetPathState sets the path state of every attached edge.
func (s *Server) SetPathState(state PathState) {
	s.lock.Lock()

	var changes []edgeChange
	for e := s.clientList; e != nil; e = e.next {
		if c, ok := s.setStateLocked(e, state); ok {
			changes = append(changes, c)
		}
	}

	s.lock.Unlock()

	s.notify(changes)
}

// UpdatePathState moves every edge to the path state that the lifecycle
// state of src maps to.
func (s *Server) UpdatePathState(src lifecycle.Source) {
	s.SetPathState(LifecycleToPathState(src.LifecycleState()))
}

// Pending reports whether the edges have converged on the path state that
// the lifecycle state of src maps to.
func (s *Server) Pending(src lifecycle.Source) lifecycle.Status {
	target := LifecycleToPathState(src.LifecycleState())

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.destroyed {
		return lifecycle.Error
	}

	for e := s.clientList; e != nil; e = e.next {
		if e.PathState() != target {
			return lifecycle.Pending
		}
	}

	return lifecycle.Done
}

// setEdgeState changes the state of e if it is still attached to s. It
// reports false if the edge was detached in the meantime.
func (s *Server) setEdgeState(e *Edge, state PathState) bool {
	s.lock.Lock()

	if e.server.Load() != s {
		s.lock.Unlock()
		return false
	}

	c, changed := s.setStateLocked(e, state)
	s.lock.Unlock()

	if changed {
		s.notify([]edgeChange{c})
	}

	return true
}

func (s *Server) setStateLocked(e *Edge, state PathState) (edgeChange, bool) {
	old := PathState(e.pathState.Swap(int32(state)))
	if old == state {
		return edgeChange{}, false
	}

	return edgeChange{edge: e, old: old, new: state}, true
}

func (s *Server) notify(changes []edgeChange) {
	for _, c := range changes {
		s.invoke(HookPosServerPathStateChange, c.edge,
			PathStateChange{Old: c.old, New: c.new})

		if c.edge.observer != nil {
			c.edge.observer.PathStateChanged(c.edge, c.old, c.new)
		}
	}
}

func (s *Server) invoke(pos *hooking.HookPos, item, detail any) {
	if s.NumHooks() == 0 {
		return
	}

	s.InvokeHook(hooking.HookCtx{
		Domain: s,
		Pos:    pos,
		Item:   item,
		Detail: detail,
	})
}

type hop struct {
	server   *Server
	taskID   string
	prevTask string
}

// serve pushes the server's own completion frame and hands the packet to the
// IO entry.
func (s *Server) serve(e *Edge, p *packet.Packet) {
	h := &hop{server: s, prevTask: p.TraceTask()}

	if err := p.SetCompletion(serveCompletion, h); err != nil {
		reject(p, packet.CodeFailed)
		return
	}

	s.outstanding.Add(1)

	if s.NumHooks() > 0 {
		s.startTask(h, p)
		s.invoke(HookPosServerServe, p, e)
	}

	s.ioEntry.Serve(p)
}

func (s *Server) startTask(h *hop, p *packet.Packet) {
	parent := h.prevTask
	if parent == "" {
		if m := p.Master(); m != nil {
			parent = m.TraceTask()
		}
	}

	what := p.Opcode()
	if what == "" {
		what = "packet"
	}

	h.taskID = tracing.HopID(p.ID(), s.name)
	p.SetTraceTask(h.taskID)
	tracing.StartTask(h.taskID, parent, s, "serve", what, p)
}

func serveCompletion(p *packet.Packet, ctx any) packet.CompletionStatus {
	h := ctx.(*hop)

	if h.taskID != "" {
		p.SetTraceTask(h.prevTask)
		tracing.EndTask(h.taskID, h.server)
	}

	h.server.outstanding.Add(-1)

	return packet.Proceed
}

var _ tracing.NamedHookable = (*Server)(nil)
