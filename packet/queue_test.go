package packet

import (
	"errors"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/strata/hooking"
)

var _ = Describe("Queue", func() {
	var (
		mockCtrl *gomock.Controller
		q        *Queue
		p        *Packet
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		q = NewQueue("Arbitration")
		p = New()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should move a packet through queued and back", func() {
		Expect(q.Enqueue(p)).To(Succeed())
		Expect(p.State()).To(Equal(Queued))
		Expect(p.Queued()).To(BeTrue())
		Expect(q.Len()).To(Equal(1))

		Expect(q.Dequeue()).To(BeIdenticalTo(p))
		Expect(p.State()).To(Equal(InProgress))
		Expect(p.Queued()).To(BeFalse())
		Expect(q.Dequeue()).To(BeNil())
	})

	It("should keep FIFO order", func() {
		p2 := New()
		Expect(q.Enqueue(p)).To(Succeed())
		Expect(q.Enqueue(p2)).To(Succeed())

		Expect(q.Dequeue()).To(BeIdenticalTo(p))
		Expect(q.Dequeue()).To(BeIdenticalTo(p2))
	})

	It("should refuse to queue a packet twice", func() {
		other := NewQueue("Timer")
		Expect(q.Enqueue(p)).To(Succeed())

		Expect(errors.Is(q.Enqueue(p), ErrAlreadyQueued)).To(BeTrue())
		Expect(errors.Is(other.Enqueue(p), ErrAlreadyQueued)).To(BeTrue())
	})

	It("should park a linked subpacket on one queue at a time", func() {
		master := New()
		Expect(AddSubpacket(master, p)).To(Succeed())
		other := NewQueue("Timer")

		Expect(q.Enqueue(p)).To(Succeed())
		Expect(errors.Is(other.Enqueue(p), ErrAlreadyQueued)).To(BeTrue())
		Expect(q.Remove(p)).To(Succeed())
		Expect(other.Enqueue(p)).To(Succeed())
		Expect(other.Dequeue()).To(BeIdenticalTo(p))

		Expect(p.Master()).To(BeIdenticalTo(master))
		Expect(RemoveSubpacketIsQueueEmpty(p)).To(BeTrue())
	})

	It("should remove a packet from the middle", func() {
		p1, p3 := New(), New()
		Expect(q.Enqueue(p1)).To(Succeed())
		Expect(q.Enqueue(p)).To(Succeed())
		Expect(q.Enqueue(p3)).To(Succeed())

		Expect(q.Remove(p)).To(Succeed())

		Expect(q.Len()).To(Equal(2))
		Expect(errors.Is(q.Remove(p), ErrNotOnQueue)).To(BeTrue())
		Expect(q.Dequeue()).To(BeIdenticalTo(p1))
		Expect(q.Dequeue()).To(BeIdenticalTo(p3))
	})

	It("should panic when destroying a queued packet", func() {
		Expect(q.Enqueue(p)).To(Succeed())

		Expect(func() { p.Destroy() }).To(Panic())
	})

	It("should invoke hooks", func() {
		hook := NewMockHook(mockCtrl)
		q.AcceptHook(hook)

		gomock.InOrder(
			hook.EXPECT().Func(gomock.Any()).Do(func(ctx hooking.HookCtx) {
				Expect(ctx.Pos).To(BeIdenticalTo(HookPosQueueEnqueue))
				Expect(ctx.Item).To(BeIdenticalTo(p))
			}),
			hook.EXPECT().Func(gomock.Any()).Do(func(ctx hooking.HookCtx) {
				Expect(ctx.Pos).To(BeIdenticalTo(HookPosQueueDequeue))
			}),
		)

		Expect(q.Enqueue(p)).To(Succeed())
		q.Dequeue()
	})

	Context("cancellation", func() {
		It("should only mark an in-progress packet", func() {
			hookCalls := 0
			p.SetCancelHook(func(*Packet, any) { hookCalls++ }, nil)

			p.Cancel()

			Expect(p.State()).To(Equal(Canceled))
			Expect(p.IsCanceled()).To(BeTrue())
			Expect(hookCalls).To(Equal(0))
			Expect(p.Status().Code).To(Equal(CodeInvalid))
		})

		It("should run the cancel hook of a queued packet once", func() {
			var hookCtx any
			hookCalls := 0
			p.SetCancelHook(func(p *Packet, ctx any) {
				hookCalls++
				hookCtx = ctx
				Expect(q.Remove(p)).To(Succeed())
			}, "timer")
			Expect(q.Enqueue(p)).To(Succeed())

			p.Cancel()
			p.Cancel()

			Expect(hookCalls).To(Equal(1))
			Expect(hookCtx).To(Equal("timer"))
			Expect(p.Status().Code).To(Equal(CodeCancelPending))
			Expect(p.State()).To(Equal(Canceled))
			Expect(q.Len()).To(Equal(0))
		})

		It("should restore canceled when dequeuing a canceled packet", func() {
			hookCalls := 0
			p.SetCancelHook(func(*Packet, any) { hookCalls++ }, nil)
			p.Cancel()

			Expect(q.Enqueue(p)).To(Succeed())
			Expect(p.State()).To(Equal(Canceled))
			Expect(q.Dequeue()).To(BeIdenticalTo(p))

			Expect(p.State()).To(Equal(Canceled))
			Expect(hookCalls).To(Equal(0))
		})

		It("should not change the status of a do-not-cancel packet", func() {
			p.SetFlags(DoNotCancel)
			p.SetStatus(Status{Code: CodeOK})
			Expect(q.Enqueue(p)).To(Succeed())

			p.Cancel()

			Expect(p.State()).To(Equal(Canceled))
			Expect(p.IsCanceled()).To(BeFalse())
			Expect(p.Status().Code).To(Equal(CodeOK))
		})

		It("should hand a packet to exactly one of canceler and dequeuer", func() {
			for i := 0; i < 500; i++ {
				pkt := New()
				queue := NewQueue("Race")

				var hookCalls, owners atomic.Int32
				pkt.SetCancelHook(func(p *Packet, _ any) {
					hookCalls.Add(1)
					if queue.Remove(p) == nil {
						owners.Add(1)
					}
				}, nil)
				Expect(queue.Enqueue(pkt)).To(Succeed())

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer wg.Done()
					pkt.Cancel()
				}()
				go func() {
					defer wg.Done()
					if queue.Dequeue() != nil {
						owners.Add(1)
					}
				}()
				wg.Wait()

				Expect(hookCalls.Load()).To(BeNumerically("<=", 1))
				Expect(owners.Load()).To(Equal(int32(1)))
				Expect(pkt.State()).To(Equal(Canceled))
				Expect(pkt.Queued()).To(BeFalse())
			}
		})
	})
})
