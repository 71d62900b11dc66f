package packet

import (
	"fmt"
	"log"
	"math"
)

// AddSubpacket links sub to master. The subpacket inherits the master's CPU
// affinity, IO stamp, part of its flags and, when it has none, its deadline.
// Its resource priority is raised above the master's so that it never starves
// behind its own master in a priority-ordered allocator.
//
// A canceled master accepts no new subpackets: AddSubpacket then reports
// ErrMasterCanceled and copies the master's status to sub.
func AddSubpacket(master, sub *Packet) error {
	master.mustBeAlive("add subpacket")
	sub.mustBeAlive("add subpacket")

	if sub.master != nil || sub.Queued() {
		return fmt.Errorf("packet %s: add as subpacket of %s: %w",
			sub.id, master.id, ErrAlreadyQueued)
	}

	master.subLock.Lock()
	defer master.subLock.Unlock()

	if master.State() == Canceled && master.flags&DoNotCancel == 0 {
		status := master.Status()
		if status.Code != CodeCancelPending {
			status = Status{Code: CodeCanceled}
		}
		sub.SetStatus(status)

		return fmt.Errorf("packet %s: add as subpacket of %s: %w",
			sub.id, master.id, ErrMasterCanceled)
	}

	sub.cpuAffinity = master.cpuAffinity
	sub.ioStamp = master.ioStamp
	sub.flags |= master.flags & inheritedFlags

	switch {
	case master.priority == math.MaxInt:
		sub.priority = math.MaxInt
	case sub.priority <= master.priority:
		sub.priority = master.priority + 1
	}

	if sub.expiration.IsZero() {
		sub.expiration = master.expiration
	}

	sub.master = master
	master.subpackets = append(master.subpackets, sub)
	master.subCount.Add(1)

	return nil
}

// RemoveSubpacket unlinks sub from its master.
func RemoveSubpacket(sub *Packet) {
	removeSubpacket(sub)
}

// RemoveSubpacketIsQueueEmpty unlinks sub from its master and reports whether
// it was the last outstanding subpacket. Exactly one of the concurrent
// removers of a master's subpackets observes true, and only after every
// subpacket has been unlinked. That remover resumes the master.
func RemoveSubpacketIsQueueEmpty(sub *Packet) bool {
	return removeSubpacket(sub)
}

func removeSubpacket(sub *Packet) bool {
	master := sub.master
	if master == nil {
		log.Panicf("packet %s: remove subpacket without master: %v",
			sub.id, ErrInvalidPacket)
	}

	master.subLock.Lock()
	master.unlinkSubpacketLocked(sub)
	remaining := master.subCount.Add(-1)
	master.subLock.Unlock()

	if remaining < 0 {
		log.Panicf("packet %s: subpacket count underflow: %v",
			master.id, ErrInvalidPacket)
	}

	return remaining == 0
}

// unlinkSubpacketLocked requires subLock.
func (p *Packet) unlinkSubpacketLocked(sub *Packet) {
	for i, s := range p.subpackets {
		if s != sub {
			continue
		}

		last := len(p.subpackets) - 1
		copy(p.subpackets[i:], p.subpackets[i+1:])
		p.subpackets[last] = nil
		p.subpackets = p.subpackets[:last]
		sub.master = nil

		return
	}

	log.Panicf("packet %s: %s is not on its subpacket list: %v",
		p.id, sub.id, ErrInvalidPacket)
}

// DestroySubpackets unlinks and destroys every subpacket linked to master.
func DestroySubpackets(master *Packet) {
	master.subLock.Lock()
	subs := master.subpackets
	master.subpackets = nil
	for _, sub := range subs {
		sub.master = nil
		master.subCount.Add(-1)
	}
	master.subLock.Unlock()

	for _, sub := range subs {
		sub.Destroy()
	}
}

// Master returns the packet this packet is a subpacket of, or nil.
func (p *Packet) Master() *Packet {
	return p.master
}

// Subpackets returns a snapshot of the linked subpackets.
func (p *Packet) Subpackets() []*Packet {
	p.subLock.Lock()
	defer p.subLock.Unlock()

	subs := make([]*Packet, len(p.subpackets))
	copy(subs, p.subpackets)

	return subs
}

// SubpacketCount returns the number of outstanding subpackets.
func (p *Packet) SubpacketCount() int {
	return int(p.subCount.Load())
}

// CancelSubpackets cancels every subpacket currently linked to p.
func (p *Packet) CancelSubpackets() {
	p.cancelSubpackets()
}

func (p *Packet) cancelSubpackets() {
	for _, sub := range p.Subpackets() {
		sub.Cancel()
	}
}
