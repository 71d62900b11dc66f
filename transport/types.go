// Package transport connects client objects to the servers below them.
//
// A client owns an Edge and attaches it to a Server. Packets travel downward
// with Edge.Send; the server's IOEntry serves them and completion flows back
// up through the packet's completion stack. Every edge carries a path state
// that gates which packets may cross it.
package transport

import (
	"github.com/sarchlab/strata/lifecycle"
	"github.com/sarchlab/strata/packet"
)

// PathState is the state of an edge as seen by the client.
type PathState int32

// The path states.
const (
	PathStateInvalid PathState = iota
	PathStateEnabled
	PathStateDisabled
	PathStateSlumber
	PathStateBroken
	PathStateGone
)

var pathStateNames = [...]string{
	PathStateInvalid:  "invalid",
	PathStateEnabled:  "enabled",
	PathStateDisabled: "disabled",
	PathStateSlumber:  "slumber",
	PathStateBroken:   "broken",
	PathStateGone:     "gone",
}

func (s PathState) String() string {
	if s < 0 || int(s) >= len(pathStateNames) {
		return "unknown"
	}

	return pathStateNames[s]
}

// PathAttr is a bitmask of edge attributes. The transport never interprets
// them; clients and servers agree on their meaning.
type PathAttr uint32

// Generic path attributes.
const (
	AttrClosed PathAttr = 1 << iota
	AttrElementListChanged
	AttrPowerSaveOn
	AttrTimeout
	AttrNotPreferred
)

// TransportID names the kind of transport an edge belongs to. It is carried
// for identification only.
type TransportID int

// The transport kinds.
const (
	TransportBase TransportID = iota
	TransportBlock
	TransportDiscovery
	TransportSSP
	TransportSTP
	TransportSMP
	TransportDiplex
)

var transportNames = [...]string{
	TransportBase:      "base",
	TransportBlock:     "block",
	TransportDiscovery: "discovery",
	TransportSSP:       "ssp",
	TransportSTP:       "stp",
	TransportSMP:       "smp",
	TransportDiplex:    "diplex",
}

func (t TransportID) String() string {
	if t < 0 || int(t) >= len(transportNames) {
		return "unknown"
	}

	return transportNames[t]
}

// HookStatus is what an EdgeHook decides about a packet.
type HookStatus int

const (
	// HookPass lets the packet continue to the server.
	HookPass HookStatus = iota

	// HookConsumed means the hook took ownership of the packet.
	HookConsumed
)

// An EdgeHook sees every packet sent over an edge before the server does. It
// may inspect or rewrite the packet, or consume it.
type EdgeHook func(p *packet.Packet) HookStatus

// An Observer is told about path state changes of an edge. It is called
// without any server lock held.
type Observer interface {
	PathStateChanged(e *Edge, old, new PathState)
}

// An IOEntry serves packets that arrive at a server. Serve owns the packet
// and must eventually complete it.
type IOEntry interface {
	Serve(p *packet.Packet)
}

// IOEntryFunc adapts a function to the IOEntry interface.
type IOEntryFunc func(p *packet.Packet)

// Serve calls f(p).
func (f IOEntryFunc) Serve(p *packet.Packet) {
	f(p)
}

// LifecycleToPathState maps the lifecycle state of a server to the path
// state its edges should be in.
func LifecycleToPathState(s lifecycle.State) PathState {
	switch s {
	case lifecycle.Ready:
		return PathStateEnabled
	case lifecycle.Activate, lifecycle.Offline:
		return PathStateDisabled
	case lifecycle.Hibernate:
		return PathStateSlumber
	case lifecycle.Fail:
		return PathStateBroken
	case lifecycle.Destroy:
		return PathStateGone
	default:
		return PathStateInvalid
	}
}
