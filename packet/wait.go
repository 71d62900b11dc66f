package packet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SyncMode selects how a synchronous completion interacts with the walk.
type SyncMode int

const (
	// SyncStop lets the walk run to the bottom of the stack and wakes the
	// waiter once the packet is fully unwound.
	SyncStop SyncMode = iota

	// SyncHold suspends the walk at the synchronous frame and wakes the
	// waiter, which then owns the packet and any frames below.
	SyncHold
)

// SetSyncCompletion pushes a frame that a later Wait blocks on. A failed
// push leaves any earlier synchronous frame untouched.
func (p *Packet) SetSyncCompletion(mode SyncMode) error {
	if err := p.SetCompletion(syncCompletion, mode); err != nil {
		return err
	}

	p.sem = make(chan struct{}, 1)
	p.syncSignal.Store(false)
	p.syncLevel = p.level

	return nil
}

func syncCompletion(p *Packet, ctx any) CompletionStatus {
	if ctx.(SyncMode) == SyncHold {
		sem := p.sem
		sem <- struct{}{}

		return MoreProcessingRequired
	}

	p.syncSignal.Store(true)

	return Proceed
}

// Wait blocks until the synchronous completion fires or ctx is done. A packet
// whose wait gave up is still in flight; the caller typically cancels it and
// waits again.
func (p *Packet) Wait(ctx context.Context) error {
	if p.sem == nil {
		return fmt.Errorf("packet %s: %w", p.id, ErrNotWaitable)
	}

	select {
	case <-p.sem:
		return nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("packet %s: %w", p.id, ErrWaitTimedOut)
		}

		return fmt.Errorf("packet %s: %w", p.id, err)
	}
}

// WaitTimeout blocks until the synchronous completion fires or d elapses.
// A non-positive d waits forever.
func (p *Packet) WaitTimeout(d time.Duration) error {
	if d <= 0 {
		return p.Wait(context.Background())
	}

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	return p.Wait(ctx)
}
