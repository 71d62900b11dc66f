// Package packet implements the unit of work exchanged between storage
// objects and the completion engine that unwinds it.
//
// A packet carries a bounded stack of completion frames. Every layer that
// hands the packet to a deeper layer pushes a frame describing what to do when
// that layer finishes. Complete pops and runs the frames from the top down
// without recursion; a frame may suspend the walk, redirect it by pushing new
// frames, or let it proceed.
//
// Ownership of a packet is exclusive and handed off at well-defined points:
// sending it over an edge, putting it on a Queue, linking it as a subpacket,
// and dispatching it to a run queue. Only the state word, the subpacket count
// and the status are touched by more than one goroutine at a time.
package packet

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/strata/idgen"
)

// MaxStackDepth is the number of completion frames a packet can hold.
const MaxStackDepth = 18

// ReservedFrames is the number of outermost frames that survive Reuse.
const ReservedFrames = 2

// ObjectID identifies a storage object.
type ObjectID uint32

// InvalidObjectID is the zero object identity.
const InvalidObjectID ObjectID = 0

// Address is the routing address of a packet.
type Address struct {
	Package ObjectID
	Service ObjectID
	Class   ObjectID
	Object  ObjectID
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a.Package, a.Service, a.Class, a.Object)
}

// Flags are per-packet behavior bits.
type Flags uint32

// The packet flags.
const (
	// DoNotCancel exempts the packet from status changes on cancellation.
	DoNotCancel Flags = 1 << iota

	// DoNotArbitrate asks servers to bypass their arbitration queues.
	DoNotArbitrate

	// Monitor marks packets issued by a monitor. They are delivered across
	// edges that are not enabled.
	Monitor

	// Traced marks packets that tracers should follow.
	Traced
)

// inheritedFlags are copied from a master to its subpackets.
const inheritedFlags = DoNotArbitrate | Monitor | Traced

// A Route is the edge a packet is currently traveling over.
type Route interface {
	ClientID() ObjectID
	ServerID() ObjectID
}

// Clock tells the time used for packet expiration.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type liveness int32

const (
	alive liveness = iota + 1
	destroyed
)

// Packet is a unit of work.
type Packet struct {
	id       string
	liveness atomic.Int32
	clock    Clock

	address       Address
	addressLocked bool
	opcode        string
	payload       any
	flags         Flags

	statusLock sync.Mutex
	status     Status

	stack  [MaxStackDepth]Frame
	level  int
	pushes pushRing

	state      atomic.Int32
	cancelLock sync.Mutex
	cancelHook *CancelHook

	queue     atomic.Pointer[Queue]
	queueElem *list.Element

	route Route

	master     *Packet
	subLock    sync.Mutex
	subpackets []*Packet
	subCount   atomic.Int32

	expiration  time.Time
	priority    int
	cpuAffinity int
	ioStamp     uint64

	sem        chan struct{}
	syncSignal atomic.Bool
	syncLevel  int

	traceTask atomic.Pointer[string]
}

// Builder can build packets.
type Builder struct {
	idGen      idgen.Generator
	clock      Clock
	address    Address
	opcode     string
	payload    any
	flags      Flags
	priority   int
	cpu        int
	expiration time.Duration
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{}
}

// WithIDGenerator sets the generator the packet ID is drawn from.
func (b Builder) WithIDGenerator(g idgen.Generator) Builder {
	b.idGen = g
	return b
}

// WithClock sets the clock used for expiration.
func (b Builder) WithClock(c Clock) Builder {
	b.clock = c
	return b
}

// WithAddress sets the routing address.
func (b Builder) WithAddress(a Address) Builder {
	b.address = a
	return b
}

// WithOpcode sets a free-form operation name, used by tracers and logs.
func (b Builder) WithOpcode(op string) Builder {
	b.opcode = op
	return b
}

// WithPayload sets the payload.
func (b Builder) WithPayload(payload any) Builder {
	b.payload = payload
	return b
}

// WithFlags sets the packet flags.
func (b Builder) WithFlags(f Flags) Builder {
	b.flags = f
	return b
}

// WithResourcePriority sets the resource priority.
func (b Builder) WithResourcePriority(p int) Builder {
	b.priority = p
	return b
}

// WithCPUAffinity sets the CPU bucket the packet prefers.
func (b Builder) WithCPUAffinity(cpu int) Builder {
	b.cpu = cpu
	return b
}

// WithExpiration sets a deadline relative to the packet clock at build time.
func (b Builder) WithExpiration(d time.Duration) Builder {
	b.expiration = d
	return b
}

// Build creates a new packet.
func (b Builder) Build() *Packet {
	p := new(Packet)
	p.Initialize()

	gen := b.idGen
	if gen == nil {
		gen = idgen.Default()
	}
	p.id = gen.Generate()

	if b.clock != nil {
		p.clock = b.clock
	}

	p.address = b.address
	p.opcode = b.opcode
	p.payload = b.payload
	p.flags = b.flags
	p.priority = b.priority
	p.cpuAffinity = b.cpu

	if b.expiration > 0 {
		p.SetExpiration(b.expiration)
	}

	return p
}

// New creates a packet with default parameters.
func New() *Packet {
	return MakeBuilder().Build()
}

// Initialize zeroes the packet and makes it usable. The packet ID is kept.
func (p *Packet) Initialize() {
	id := p.id

	p.liveness.Store(int32(alive))
	p.clock = systemClock{}
	p.id = id
	p.address = Address{}
	p.addressLocked = false
	p.opcode = ""
	p.payload = nil
	p.flags = 0
	p.SetStatus(Status{})
	p.stack = [MaxStackDepth]Frame{}
	p.level = -1
	p.pushes = pushRing{}
	p.state.Store(int32(InProgress))
	p.cancelHook = nil
	p.queue.Store(nil)
	p.queueElem = nil
	p.route = nil
	p.master = nil
	p.subpackets = nil
	p.subCount.Store(0)
	p.expiration = time.Time{}
	p.priority = 0
	p.cpuAffinity = 0
	p.ioStamp = 0
	p.sem = nil
	p.syncSignal.Store(false)
	p.syncLevel = -1
	p.traceTask.Store(nil)
}

// Reuse re-initializes a packet that has been processed so that it can be
// sent again. The outermost ReservedFrames frames that are still pushed, the
// expiration time and the CPU affinity are kept.
func (p *Packet) Reuse() {
	p.mustBeAlive("reuse")
	p.mustBeUnlinked("reuse")

	keepLevel := p.level
	if keepLevel > ReservedFrames-1 {
		keepLevel = ReservedFrames - 1
	}

	for i := keepLevel + 1; i < MaxStackDepth; i++ {
		p.stack[i] = Frame{}
	}

	p.level = keepLevel
	p.addressLocked = false
	p.route = nil
	p.SetStatus(Status{})
	p.state.Store(int32(InProgress))
	p.cancelHook = nil
	p.syncSignal.Store(false)
	p.traceTask.Store(nil)

	// A kept synchronous frame still signals its waiter.
	if p.syncLevel > keepLevel {
		p.sem = nil
		p.syncLevel = -1
	}
}

// Destroy releases the packet. Destroying a packet that is queued, linked to
// a master, owns subpackets, or was already destroyed is a fatal consistency
// error.
func (p *Packet) Destroy() {
	p.mustBeUnlinked("destroy")

	if !p.liveness.CompareAndSwap(int32(alive), int32(destroyed)) {
		log.Panicf("packet %s: destroy: %v", p.id, ErrInvalidPacket)
	}
}

func (p *Packet) mustBeAlive(op string) {
	if liveness(p.liveness.Load()) != alive {
		log.Panicf("packet %s: %s after destroy: %v", p.id, op, ErrInvalidPacket)
	}
}

func (p *Packet) mustBeUnlinked(op string) {
	if p.Queued() {
		log.Panicf("packet %s: %s while queued: %v", p.id, op, ErrInvalidPacket)
	}

	if p.master != nil {
		log.Panicf("packet %s: %s while linked to master %s: %v",
			p.id, op, p.master.id, ErrInvalidPacket)
	}

	if n := p.subCount.Load(); n != 0 {
		log.Panicf("packet %s: %s with %d outstanding subpackets: %v",
			p.id, op, n, ErrInvalidPacket)
	}
}

// ID returns the packet identity.
func (p *Packet) ID() string {
	return p.id
}

// Alive reports whether the packet has not been destroyed.
func (p *Packet) Alive() bool {
	return liveness(p.liveness.Load()) == alive
}

// Address returns the routing address.
func (p *Packet) Address() Address {
	return p.address
}

// SetAddress sets the routing address. The address cannot change once the
// packet has been submitted over an edge.
func (p *Packet) SetAddress(a Address) {
	if p.addressLocked {
		log.Panicf("packet %s: address changed after submission", p.id)
	}

	p.address = a
}

// Opcode returns the operation name.
func (p *Packet) Opcode() string {
	return p.opcode
}

// Payload returns the payload.
func (p *Packet) Payload() any {
	return p.payload
}

// SetPayload replaces the payload.
func (p *Packet) SetPayload(payload any) {
	p.payload = payload
}

// Flags returns the packet flags.
func (p *Packet) Flags() Flags {
	return p.flags
}

// SetFlags ORs f into the packet flags.
func (p *Packet) SetFlags(f Flags) {
	p.flags |= f
}

// ClearFlags clears f from the packet flags.
func (p *Packet) ClearFlags(f Flags) {
	p.flags &^= f
}

// Status returns the packet status.
func (p *Packet) Status() Status {
	p.statusLock.Lock()
	defer p.statusLock.Unlock()

	return p.status
}

// SetStatus sets the packet status.
func (p *Packet) SetStatus(s Status) {
	p.statusLock.Lock()
	p.status = s
	p.statusLock.Unlock()
}

// Route returns the edge the packet travels over, or nil for packets that
// originate at the top of a stack.
func (p *Packet) Route() Route {
	return p.route
}

// SetRoute records the edge the packet is sent over. From now on the packet
// address is immutable.
func (p *Packet) SetRoute(r Route) {
	p.route = r
	p.addressLocked = true
}

// ResourcePriority returns the allocation priority.
func (p *Packet) ResourcePriority() int {
	return p.priority
}

// SetResourcePriority sets the allocation priority.
func (p *Packet) SetResourcePriority(priority int) {
	p.priority = priority
}

// CPUAffinity returns the CPU bucket the packet prefers.
func (p *Packet) CPUAffinity() int {
	return p.cpuAffinity
}

// SetCPUAffinity sets the CPU bucket the packet prefers.
func (p *Packet) SetCPUAffinity(cpu int) {
	p.cpuAffinity = cpu
}

// IOStamp returns the IO stamp.
func (p *Packet) IOStamp() uint64 {
	return p.ioStamp
}

// SetIOStamp sets the IO stamp.
func (p *Packet) SetIOStamp(stamp uint64) {
	p.ioStamp = stamp
}

// ExpirationTime returns the absolute deadline. The zero time means no
// deadline.
func (p *Packet) ExpirationTime() time.Time {
	return p.expiration
}

// SetExpirationTime sets the absolute deadline.
func (p *Packet) SetExpirationTime(t time.Time) {
	p.expiration = t
}

// SetExpiration sets the deadline d from now.
func (p *Packet) SetExpiration(d time.Duration) {
	p.expiration = p.clock.Now().Add(d)
}

// IsExpired reports whether the packet has a deadline that has passed.
// Expiration is advisory; owners check it, the engine never does.
func (p *Packet) IsExpired() bool {
	if p.expiration.IsZero() {
		return false
	}

	return !p.clock.Now().Before(p.expiration)
}

// TraceTask returns the ID of the trace task the packet is currently part of.
// It may be read by subpackets while the packet is owned elsewhere.
func (p *Packet) TraceTask() string {
	if id := p.traceTask.Load(); id != nil {
		return *id
	}

	return ""
}

// SetTraceTask sets the ID of the current trace task.
func (p *Packet) SetTraceTask(id string) {
	if id == "" {
		p.traceTask.Store(nil)
		return
	}

	p.traceTask.Store(&id)
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet %s %s@%s level %d %s %s",
		p.id, p.opcode, p.address, p.level, p.State(), p.Status())
}
