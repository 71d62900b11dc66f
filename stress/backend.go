package stress

import (
	"context"
	"time"

	"github.com/sarchlab/strata/packet"
	"github.com/sarchlab/strata/runqueue"
)

// backend is the IO entry of the stressed server. It parks every subpacket
// on a holding queue and serves it later from the run queue, so that a
// cancellation can find it queued and take it off.
type backend struct {
	holder     *packet.Queue
	dispatcher packet.Dispatcher
	delay      time.Duration
}

func newBackend(d packet.Dispatcher, delay time.Duration) *backend {
	return &backend{
		holder:     packet.NewQueue("backend"),
		dispatcher: d,
		delay:      delay,
	}
}

func (b *backend) Serve(p *packet.Packet) {
	p.SetCancelHook(cancelQueued, b)

	if err := b.holder.Enqueue(p); err != nil {
		p.ClearCancelHook()
		p.SetStatus(packet.Status{Code: packet.CodeFailed})
		p.Complete()

		return
	}

	b.dispatcher.Dispatch(p.CPUAffinity(), b.serveOne)
}

// serveOne takes the head of the holding queue. A packet taken off by its
// cancel hook leaves one serveOne with nothing to do.
func (b *backend) serveOne() {
	p := b.holder.Dequeue()
	if p == nil {
		return
	}

	p.ClearCancelHook()

	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	switch {
	case p.IsCanceled():
		p.SetStatus(packet.Status{Code: packet.CodeCanceled})
	case p.IsExpired():
		p.SetStatus(packet.Status{Code: packet.CodeTimedOut})
	default:
		p.SetStatus(packet.Status{Code: packet.CodeOK})
	}

	p.Complete()
}

func cancelQueued(p *packet.Packet, ctx any) {
	b := ctx.(*backend)

	if err := b.holder.Remove(p); err != nil {
		// serveOne already dequeued it and will see the cancel.
		return
	}

	p.SetStatus(packet.Status{Code: packet.CodeCanceled})
	p.CompleteDeferred(b.dispatcher)
}

// serialPump drives a SerialQueue from a single goroutine.
type serialPump struct {
	q    *runqueue.SerialQueue
	kick chan struct{}
}

func newSerialPump(q *runqueue.SerialQueue) *serialPump {
	return &serialPump{q: q, kick: make(chan struct{}, 1)}
}

func (p *serialPump) Dispatch(cpu int, fn func()) {
	p.q.Dispatch(cpu, fn)

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *serialPump) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.q.Run()
			return nil
		case <-p.kick:
			p.q.Run()
		}
	}
}
