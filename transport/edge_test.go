package transport

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/strata/packet"
	"github.com/sarchlab/strata/tracing"
)

type clientResult struct {
	calls  int
	status packet.Status
}

func (r *clientResult) completion(p *packet.Packet, _ any) packet.CompletionStatus {
	r.calls++
	r.status = p.Status()

	return packet.Proceed
}

func taskAt(t *tracing.BackTraceTracer, where string) tracing.Task {
	for _, task := range t.InflightTasks() {
		if task.Where == where {
			return task
		}
	}

	Fail("no task in flight at " + where)

	return tracing.Task{}
}

func completeOK(p *packet.Packet) {
	p.SetStatus(packet.Status{Code: packet.CodeOK})
	p.Complete()
}

var _ = Describe("Edge", func() {
	var (
		mockCtrl *gomock.Controller
		ioEntry  *MockIOEntry
		server   *Server
		edge     *Edge
		result   *clientResult
		p        *packet.Packet
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		ioEntry = NewMockIOEntry(mockCtrl)
		server = NewServer("disk0", 7, ioEntry)
		edge = MakeEdgeBuilder().WithClientID(1).Build()
		result = &clientResult{}

		p = packet.MakeBuilder().WithOpcode("read").Build()
		Expect(p.SetCompletion(result.completion, nil)).To(Succeed())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("routing", func() {
		It("should reject packets on a detached edge", func() {
			edge.Send(p)

			Expect(result.calls).To(Equal(1))
			Expect(result.status.Code).To(Equal(packet.CodeNoDevice))
			Expect(p.Route()).To(BeIdenticalTo(edge))
		})

		DescribeTable("rejecting by path state",
			func(state PathState, code packet.Code) {
				Expect(server.Attach(edge)).To(Succeed())
				server.SetPathState(state)

				edge.Send(p)

				Expect(result.calls).To(Equal(1))
				Expect(result.status.Code).To(Equal(code))
			},
			Entry("invalid", PathStateInvalid, packet.CodeEdgeNotEnabled),
			Entry("disabled", PathStateDisabled, packet.CodeEdgeNotEnabled),
			Entry("slumber", PathStateSlumber, packet.CodeEdgeNotEnabled),
			Entry("broken", PathStateBroken, packet.CodeNoDevice),
			Entry("gone", PathStateGone, packet.CodeNoDevice),
		)

		It("should serve packets on an enabled edge", func() {
			Expect(server.Attach(edge)).To(Succeed())
			server.SetPathState(PathStateEnabled)
			ioEntry.EXPECT().Serve(p).Do(func(p *packet.Packet) {
				Expect(server.Outstanding()).To(Equal(1))
				Expect(p.Level()).To(Equal(1))
				completeOK(p)
			})

			edge.Send(p)

			Expect(result.calls).To(Equal(1))
			Expect(result.status.OK()).To(BeTrue())
			Expect(server.Outstanding()).To(BeZero())
		})

		It("should let monitor packets cross a disabled edge", func() {
			Expect(server.Attach(edge)).To(Succeed())
			server.SetPathState(PathStateDisabled)
			p.SetFlags(packet.Monitor)
			ioEntry.EXPECT().Serve(p).Do(completeOK)

			edge.Send(p)

			Expect(result.status.OK()).To(BeTrue())
		})

		It("should not let monitor packets cross a broken edge", func() {
			Expect(server.Attach(edge)).To(Succeed())
			server.SetPathState(PathStateBroken)
			p.SetFlags(packet.Monitor)

			edge.Send(p)

			Expect(result.status.Code).To(Equal(packet.CodeNoDevice))
		})

		It("should freeze the address once sent", func() {
			edge.Send(p)

			Expect(func() { p.SetAddress(packet.Address{Object: 1}) }).To(Panic())
		})

		It("should fail packets whose stack is full", func() {
			Expect(server.Attach(edge)).To(Succeed())
			server.SetPathState(PathStateEnabled)
			for p.Level() < packet.MaxStackDepth-1 {
				Expect(p.SetCompletion(nil, nil)).To(Succeed())
			}

			edge.Send(p)

			Expect(result.status.Code).To(Equal(packet.CodeFailed))
			Expect(server.Outstanding()).To(BeZero())
		})
	})

	Context("hook", func() {
		BeforeEach(func() {
			Expect(server.Attach(edge)).To(Succeed())
			server.SetPathState(PathStateEnabled)
		})

		It("should let the hook consume packets", func() {
			var seen *packet.Packet
			edge.SetHook(func(p *packet.Packet) HookStatus {
				seen = p
				return HookConsumed
			})

			edge.Send(p)

			Expect(seen).To(BeIdenticalTo(p))
			Expect(result.calls).To(BeZero())
		})

		It("should forward packets the hook passes", func() {
			edge.SetHook(func(p *packet.Packet) HookStatus {
				p.SetIOStamp(9)
				return HookPass
			})
			ioEntry.EXPECT().Serve(p).Do(func(p *packet.Packet) {
				Expect(p.IOStamp()).To(BeEquivalentTo(9))
				completeOK(p)
			})

			edge.Send(p)

			Expect(result.status.OK()).To(BeTrue())
		})

		It("should stop calling a removed hook", func() {
			edge.SetHook(func(*packet.Packet) HookStatus { return HookConsumed })
			edge.RemoveHook()
			ioEntry.EXPECT().Serve(p).Do(completeOK)

			edge.Send(p)

			Expect(result.calls).To(Equal(1))
		})
	})

	Context("reinit", func() {
		It("should panic while attached", func() {
			Expect(server.Attach(edge)).To(Succeed())

			Expect(edge.Reinit).To(Panic())
		})

		It("should reset the state but keep the identity", func() {
			Expect(server.Attach(edge)).To(Succeed())
			server.SetPathState(PathStateEnabled)
			Expect(server.SetPathAttr(0, AttrClosed)).To(Succeed())
			Expect(server.Detach(edge)).To(Succeed())

			edge.Reinit()

			Expect(edge.PathState()).To(Equal(PathStateInvalid))
			Expect(edge.PathAttr()).To(BeZero())
			Expect(edge.ServerID()).To(BeZero())
			Expect(edge.ClientID()).To(BeEquivalentTo(1))
		})
	})

	Context("tracing", func() {
		var (
			tracer *tracing.BackTraceTracer
			lower  *Server
			down   *Edge
			lowIO  *MockIOEntry
		)

		BeforeEach(func() {
			tracer = tracing.NewBackTraceTracer(nil,
				tracing.NewWriterTaskPrinter(GinkgoWriter))
			lowIO = NewMockIOEntry(mockCtrl)
			lower = NewServer("disk1", 8, lowIO)
			down = MakeEdgeBuilder().WithClientID(7).Build()

			tracing.CollectTrace(server, tracer)
			tracing.CollectTrace(lower, tracer)

			Expect(server.Attach(edge)).To(Succeed())
			Expect(lower.Attach(down)).To(Succeed())
			server.SetPathState(PathStateEnabled)
			lower.SetPathState(PathStateEnabled)
		})

		It("should trace a served packet until it completes", func() {
			ioEntry.EXPECT().Serve(p).Do(func(p *packet.Packet) {
				inflight := tracer.InflightTasks()
				Expect(inflight).To(HaveLen(1))
				Expect(inflight[0].ID).To(Equal(tracing.HopID(p.ID(), "disk0")))
				Expect(inflight[0].What).To(Equal("read"))
				completeOK(p)
			})

			edge.Send(p)

			Expect(tracer.InflightTasks()).To(BeEmpty())
			Expect(p.TraceTask()).To(BeEmpty())
		})

		It("should chain hops of a forwarded packet", func() {
			upper := tracing.HopID(p.ID(), "disk0")
			ioEntry.EXPECT().Serve(p).Do(func(p *packet.Packet) {
				down.Send(p)
			})
			lowIO.EXPECT().Serve(p).Do(func(p *packet.Packet) {
				chain := tracer.BackTrace(taskAt(tracer, "disk1"))
				Expect(chain).To(HaveLen(2))
				Expect(chain[0].ParentID).To(Equal(upper))
				completeOK(p)
			})

			edge.Send(p)

			Expect(result.status.OK()).To(BeTrue())
			Expect(tracer.InflightTasks()).To(BeEmpty())
		})

		It("should parent subpacket hops to the master", func() {
			ioEntry.EXPECT().Serve(p).Do(func(m *packet.Packet) {
				sub := packet.New()
				Expect(packet.AddSubpacket(m, sub)).To(Succeed())
				Expect(sub.SetCompletion(func(s *packet.Packet, _ any) packet.CompletionStatus {
					packet.RemoveSubpacket(s)
					s.Destroy()
					completeOK(m)
					return packet.MoreProcessingRequired
				}, nil)).To(Succeed())
				down.Send(sub)
			})
			lowIO.EXPECT().Serve(gomock.Any()).Do(func(sub *packet.Packet) {
				Expect(tracer.InflightTasks()).To(HaveLen(2))
				Expect(taskAt(tracer, "disk1").ParentID).
					To(Equal(tracing.HopID(p.ID(), "disk0")))
				completeOK(sub)
			})

			edge.Send(p)

			Expect(result.status.OK()).To(BeTrue())
			Expect(tracer.InflightTasks()).To(BeEmpty())
		})
	})
})
