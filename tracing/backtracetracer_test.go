package tracing

import (
	"bytes"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("BackTraceTracer", func() {
	var (
		mockCtrl   *gomock.Controller
		timeTeller *MockTimeTeller
		printer    *MockTaskPrinter
		t          *BackTraceTracer
		base       time.Time
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		timeTeller = NewMockTimeTeller(mockCtrl)
		printer = NewMockTaskPrinter(mockCtrl)
		t = NewBackTraceTracer(timeTeller, printer)
		base = time.Unix(1000, 0)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	at := func(sec int) {
		timeTeller.EXPECT().
			CurrentTime().
			Return(base.Add(time.Duration(sec) * time.Second))
	}

	It("should trace a single task", func() {
		at(0)
		t.StartTask(Task{ID: "1"})

		Expect(t.tracingTasks).To(HaveLen(1))
		Expect(t.tracingTasks["1"].ParentID).To(Equal(""))
		Expect(t.tracingTasks["1"].StartTime).To(Equal(base))
	})

	It("should trace three tasks", func() {
		at(2)
		t.StartTask(Task{ID: "3", ParentID: "2"})
		at(0)
		t.StartTask(Task{ID: "1"})
		at(1)
		t.StartTask(Task{ID: "2", ParentID: "1"})

		inflight := t.InflightTasks()

		Expect(inflight).To(HaveLen(3))
		Expect(inflight[0].ID).To(Equal("1"))
		Expect(inflight[1].ID).To(Equal("2"))
		Expect(inflight[2].ID).To(Equal("3"))
	})

	It("should end tasks", func() {
		at(0)
		t.StartTask(Task{ID: "1"})
		at(0)
		t.StartTask(Task{ID: "2", ParentID: "1"})

		t.EndTask(Task{ID: "2"})

		Expect(t.tracingTasks).To(HaveLen(1))
		Expect(t.tracingTasks).To(HaveKey("1"))
	})

	It("should record steps on in-flight tasks", func() {
		at(0)
		t.StartTask(Task{ID: "1"})
		at(3)
		t.StepTask(Task{ID: "1", Steps: []TaskStep{{What: "queued"}}})

		steps := t.tracingTasks["1"].Steps
		Expect(steps).To(HaveLen(1))
		Expect(steps[0].What).To(Equal("queued"))
		Expect(steps[0].Time).To(Equal(base.Add(3 * time.Second)))
	})

	It("should report stalled tasks", func() {
		at(0)
		t.StartTask(Task{ID: "old"})
		at(9)
		t.StartTask(Task{ID: "new"})
		at(10)

		stalled := t.StalledTasks(5 * time.Second)

		Expect(stalled).To(HaveLen(1))
		Expect(stalled[0].ID).To(Equal("old"))
	})

	It("should print the chain of in-flight ancestors", func() {
		at(0)
		t.StartTask(Task{ID: "1", Kind: "serve", What: "read"})
		at(0)
		t.StartTask(Task{ID: "2", ParentID: "1", Kind: "serve", What: "read"})
		at(0)
		t.StartTask(Task{ID: "3", ParentID: "2", Kind: "serve", What: "read"})

		gomock.InOrder(
			printer.EXPECT().Print(gomock.Cond(func(x any) bool {
				return x.(Task).ID == "3"
			})),
			printer.EXPECT().Print(gomock.Cond(func(x any) bool {
				return x.(Task).ID == "2"
			})),
			printer.EXPECT().Print(gomock.Cond(func(x any) bool {
				return x.(Task).ID == "1"
			})),
		)

		t.DumpBackTrace(t.tracingTasks["3"])
	})

	It("should stop at a parent that already ended", func() {
		at(0)
		t.StartTask(Task{ID: "1"})
		at(0)
		t.StartTask(Task{ID: "2", ParentID: "1"})
		t.EndTask(Task{ID: "1"})

		chain := t.BackTrace(t.tracingTasks["2"])

		Expect(chain).To(HaveLen(1))
	})

	It("should not loop on a parent cycle", func() {
		at(0)
		t.StartTask(Task{ID: "1", ParentID: "2"})
		at(0)
		t.StartTask(Task{ID: "2", ParentID: "1"})

		Expect(t.BackTrace(t.tracingTasks["1"])).To(HaveLen(2))
	})
})

var _ = Describe("Writer task printer", func() {
	It("should write one line per task", func() {
		buf := new(bytes.Buffer)
		p := NewWriterTaskPrinter(buf)

		p.Print(Task{Kind: "serve", What: "read", Where: "disk0"})

		Expect(buf.String()).To(HavePrefix("serve-read@disk0 since "))
	})
})
