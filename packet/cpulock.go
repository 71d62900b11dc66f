package packet

import (
	"runtime"
	"sync"
)

// CPULocks is a set of locks keyed by a packet's CPU affinity. Higher layers
// hold one around multi-step state changes that must not interleave with
// other packets of the same bucket. The engine itself never takes them.
type CPULocks struct {
	buckets []sync.Mutex
}

// NewCPULocks creates n bucket locks. A non-positive n uses GOMAXPROCS.
func NewCPULocks(n int) *CPULocks {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}

	return &CPULocks{buckets: make([]sync.Mutex, n)}
}

// Buckets returns the number of buckets.
func (l *CPULocks) Buckets() int {
	return len(l.buckets)
}

// Lock locks the bucket of p.
func (l *CPULocks) Lock(p *Packet) {
	l.bucket(p.cpuAffinity).Lock()
}

// Unlock unlocks the bucket of p.
func (l *CPULocks) Unlock(p *Packet) {
	l.bucket(p.cpuAffinity).Unlock()
}

func (l *CPULocks) bucket(cpu int) *sync.Mutex {
	i := cpu % len(l.buckets)
	if i < 0 {
		i += len(l.buckets)
	}

	return &l.buckets[i]
}
