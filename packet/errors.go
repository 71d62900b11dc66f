package packet

import "errors"

// Structural errors. They indicate a misuse of the packet protocol by the
// layer that hit them and are fatal to the request, not to the process.
var (
	// ErrStackExhausted is returned when a completion frame is pushed past
	// MaxStackDepth.
	ErrStackExhausted = errors.New("packet: completion stack exhausted")

	// ErrStackEmpty is returned when unsetting a completion on a packet that
	// has no frame left.
	ErrStackEmpty = errors.New("packet: completion stack empty")

	// ErrInvalidPacket marks a consistency check failure, such as using a
	// destroyed packet or destroying a packet that is still linked.
	ErrInvalidPacket = errors.New("packet: invalid packet")

	// ErrAlreadyQueued is returned when enqueuing a packet that already sits
	// on a queue, or adding a subpacket that already has a master.
	ErrAlreadyQueued = errors.New("packet: already queued")

	// ErrNotOnQueue is returned when removing a packet from a queue it is not
	// on.
	ErrNotOnQueue = errors.New("packet: not on queue")

	// ErrMasterCanceled is returned by AddSubpacket when the master has
	// already been canceled.
	ErrMasterCanceled = errors.New("packet: master canceled")

	// ErrWaitTimedOut is returned by a synchronous wait that gave up before
	// the packet completed.
	ErrWaitTimedOut = errors.New("packet: wait timed out")

	// ErrNotWaitable is returned when waiting on a packet that never had a
	// synchronous completion pushed.
	ErrNotWaitable = errors.New("packet: no synchronous completion set")
)
