// Package stress drives a fan-out workload through a transport server.
//
// Every master packet is split into subpackets that travel over the
// server's edges. The last subpacket to finish resumes the master, which its
// submitter waits on synchronously. Masters can be canceled mid-flight or
// given a deadline, so the run covers the cancellation and expiration paths
// as well as the plain join.
package stress

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"

	"github.com/sarchlab/strata/config"
	"github.com/sarchlab/strata/hooking"
	"github.com/sarchlab/strata/lifecycle"
	"github.com/sarchlab/strata/monitoring"
	"github.com/sarchlab/strata/packet"
	"github.com/sarchlab/strata/runqueue"
	"github.com/sarchlab/strata/tracing"
	"github.com/sarchlab/strata/transport"
)

// ErrInvalidWorkload is returned for a workload that cannot run.
var ErrInvalidWorkload = errors.New("invalid workload")

// ErrLeakedPackets is returned when the server still holds packets after
// every master has been waited for.
var ErrLeakedPackets = errors.New("packets leaked on server")

const (
	serverID   packet.ObjectID = 1
	clientBase packet.ObjectID = 100
)

// Options attach observers to a run.
type Options struct {
	Logger  zerolog.Logger
	Tracers []tracing.Tracer
	Hooks   []hooking.Hook
	Monitor *monitoring.Monitor
}

// Result counts the outcome of every master packet.
type Result struct {
	Masters    uint64
	Subpackets uint64
	OK         uint64
	Canceled   uint64
	TimedOut   uint64
	Failed     uint64
	Elapsed    time.Duration
}

// Throughput returns the masters completed per second.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}

	return float64(r.Masters) / r.Elapsed.Seconds()
}

type harness struct {
	cfg        config.Stress
	logger     zerolog.Logger
	server     *transport.Server
	edges      []*transport.Edge
	dispatcher packet.Dispatcher
	queue      runqueue.Queue
	bar        *monitoring.ProgressBar

	seq      atomic.Uint64
	subs     atomic.Uint64
	ok       atomic.Uint64
	canceled atomic.Uint64
	timedOut atomic.Uint64
	failed   atomic.Uint64
}

// join collects the worst subpacket status of a master.
type join struct {
	code atomic.Int32
}

func newJoin() *join {
	j := &join{}
	j.code.Store(int32(packet.CodeOK))

	return j
}

func (j *join) note(c packet.Code) {
	if c == packet.CodeOK {
		return
	}

	j.code.CompareAndSwap(int32(packet.CodeOK), int32(c))
}

func (j *join) result() packet.Code {
	return packet.Code(j.code.Load())
}

// Run issues cfg.Submitters * cfg.Packets masters and waits for all of them.
// When ctx ends, the masters in flight are canceled and drained before Run
// returns the partial result with the context error.
func Run(ctx context.Context, cfg config.Stress, opts Options) (Result, error) {
	if cfg.Edges < 1 || cfg.FanOut < 1 || cfg.Submitters < 1 || cfg.Packets < 0 {
		return Result{}, fmt.Errorf(
			"%w: edges %d, fan-out %d, submitters %d, packets %d",
			ErrInvalidWorkload, cfg.Edges, cfg.FanOut, cfg.Submitters, cfg.Packets)
	}

	h := &harness{cfg: cfg, logger: opts.Logger}

	runCtx, stopRunners := context.WithCancel(context.WithoutCancel(ctx))
	runners := taskgroup.New(nil)
	h.startQueue(runCtx, runners)

	if err := h.buildServer(opts); err != nil {
		h.stopQueue(stopRunners, runners)
		return Result{}, err
	}

	if m := opts.Monitor; m != nil {
		m.RegisterServer(h.server)
		m.RegisterQueue(h.queue)
		h.bar = m.CreateProgressBar("stress",
			uint64(cfg.Submitters)*uint64(cfg.Packets))
		defer m.CompleteProgressBar(h.bar)
	}

	h.logger.Info().
		Int("edges", cfg.Edges).
		Int("submitters", cfg.Submitters).
		Int("packets", cfg.Packets).
		Int("fan_out", cfg.FanOut).
		Str("queue", cfg.Queue).
		Msg("stress run started")

	start := time.Now()

	submitters := taskgroup.New(nil)
	for i := range cfg.Submitters {
		submitters.Go(func() error {
			return h.submit(ctx, i)
		})
	}

	err := submitters.Wait()
	elapsed := time.Since(start)

	h.stopQueue(stopRunners, runners)

	if n := h.server.Outstanding(); n != 0 && err == nil {
		err = fmt.Errorf("%w: %d outstanding", ErrLeakedPackets, n)
	}

	h.server.Destroy()

	if err == nil {
		err = ctx.Err()
	}

	r := h.result(elapsed)
	h.logger.Info().
		Uint64("masters", r.Masters).
		Uint64("ok", r.OK).
		Uint64("canceled", r.Canceled).
		Uint64("timed_out", r.TimedOut).
		Uint64("failed", r.Failed).
		Dur("elapsed", r.Elapsed).
		Msg("stress run finished")

	return r, err
}

func (h *harness) startQueue(ctx context.Context, runners *taskgroup.Group) {
	if h.cfg.Queue == "serial" {
		q := runqueue.NewSerialQueue()
		pump := newSerialPump(q)
		runners.Go(func() error {
			return pump.loop(ctx)
		})
		h.queue, h.dispatcher = q, pump

		return
	}

	q := runqueue.NewParallelQueue(h.cfg.Buckets)
	q.Start(ctx)
	h.queue, h.dispatcher = q, q
}

func (h *harness) stopQueue(stopRunners context.CancelFunc, runners *taskgroup.Group) {
	if q, ok := h.queue.(*runqueue.ParallelQueue); ok {
		q.Drain()
		q.Stop()
	}

	stopRunners()
	_ = runners.Wait()
}

func (h *harness) buildServer(opts Options) error {
	h.server = transport.NewServer("strata0", serverID,
		newBackend(h.dispatcher, h.cfg.ServiceDelay))

	for _, hook := range opts.Hooks {
		h.server.AcceptHook(hook)
	}

	for _, t := range opts.Tracers {
		tracing.CollectTrace(h.server, t)
	}

	for i := range h.cfg.Edges {
		e := transport.MakeEdgeBuilder().
			WithClientID(clientBase + packet.ObjectID(i)).
			WithServerIndex(i).
			WithTransportID(transport.TransportBlock).
			Build()

		if err := h.server.Attach(e); err != nil {
			return fmt.Errorf("attach edge %d: %w", i, err)
		}

		h.edges = append(h.edges, e)
	}

	ready := lifecycle.Fixed(lifecycle.Ready)
	h.server.UpdatePathState(ready)

	if st := h.server.Pending(ready); st != lifecycle.Done {
		return fmt.Errorf("server %s: path state %s after update",
			h.server.Name(), st)
	}

	return nil
}

func (h *harness) submit(ctx context.Context, cpu int) error {
	for range h.cfg.Packets {
		if ctx.Err() != nil {
			return nil
		}

		if err := h.issue(ctx, cpu); err != nil {
			return err
		}
	}

	return nil
}

func (h *harness) issue(ctx context.Context, cpu int) error {
	seq := h.seq.Add(1)

	master := packet.MakeBuilder().
		WithOpcode("read").
		WithPayload(newJoin()).
		WithCPUAffinity(cpu).
		WithExpiration(h.cfg.Timeout).
		Build()

	if err := master.SetSyncCompletion(packet.SyncStop); err != nil {
		return err
	}

	subs, err := h.split(master)
	if err != nil {
		return err
	}

	h.progress(1, 0)

	for k, sub := range subs {
		h.edges[(int(seq)+k)%len(h.edges)].Send(sub)
	}

	if every := uint64(h.cfg.CancelEvery); every > 0 && seq%every == 0 {
		master.Cancel()
	}

	if err := master.Wait(ctx); err != nil {
		master.Cancel()

		if err := master.Wait(context.Background()); err != nil {
			return err
		}
	}

	h.record(master.Status().Code)
	master.Destroy()
	h.progress(-1, 1)

	return nil
}

// split links every subpacket before any is sent, so that no early finisher
// can see an empty list and resume the master.
func (h *harness) split(master *packet.Packet) ([]*packet.Packet, error) {
	subs := make([]*packet.Packet, 0, h.cfg.FanOut)

	for k := range h.cfg.FanOut {
		sub := packet.MakeBuilder().
			WithOpcode("read-stripe").
			WithPayload(k).
			Build()

		if err := packet.AddSubpacket(master, sub); err != nil {
			sub.Destroy()
			packet.DestroySubpackets(master)

			return nil, err
		}

		if err := sub.SetCompletion(stripeDone, nil); err != nil {
			packet.DestroySubpackets(master)
			return nil, err
		}

		subs = append(subs, sub)
	}

	h.subs.Add(uint64(len(subs)))

	return subs, nil
}

// stripeDone runs at the bottom of a subpacket's stack. It owns and releases
// the subpacket, and the last one resumes the master.
func stripeDone(sub *packet.Packet, _ any) packet.CompletionStatus {
	master := sub.Master()
	j := master.Payload().(*join)
	j.note(sub.Status().Code)

	last := packet.RemoveSubpacketIsQueueEmpty(sub)
	sub.Destroy()

	if last {
		master.SetStatus(packet.Status{Code: j.result()})
		master.Complete()
	}

	return packet.MoreProcessingRequired
}

func (h *harness) record(c packet.Code) {
	switch c {
	case packet.CodeOK:
		h.ok.Add(1)
	case packet.CodeCanceled, packet.CodeCancelPending:
		h.canceled.Add(1)
	case packet.CodeTimedOut:
		h.timedOut.Add(1)
	default:
		h.failed.Add(1)
	}
}

func (h *harness) progress(inProgress, finished int) {
	if h.bar == nil {
		return
	}

	h.bar.Lock()
	h.bar.InProgress = uint64(int(h.bar.InProgress) + inProgress)
	h.bar.Finished += uint64(finished)
	h.bar.Unlock()
}

func (h *harness) result(elapsed time.Duration) Result {
	r := Result{
		Subpackets: h.subs.Load(),
		OK:         h.ok.Load(),
		Canceled:   h.canceled.Load(),
		TimedOut:   h.timedOut.Load(),
		Failed:     h.failed.Load(),
		Elapsed:    elapsed,
	}
	r.Masters = r.OK + r.Canceled + r.TimedOut + r.Failed

	return r
}
