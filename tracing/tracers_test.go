package tracing

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/strata/hooking"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) CurrentTime() time.Time { return c.now }

func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type sampleDomain struct {
	*hooking.HookableBase
	name string
}

func (d *sampleDomain) Name() string { return d.name }

type memoryWriter struct {
	inited  bool
	tasks   []Task
	flushes int
}

func (w *memoryWriter) Init() error     { w.inited = true; return nil }
func (w *memoryWriter) Write(task Task) { w.tasks = append(w.tasks, task) }
func (w *memoryWriter) Flush()          { w.flushes++ }

var _ = Describe("Task API", func() {
	var (
		clock  *manualClock
		domain *sampleDomain
		tracer *BackTraceTracer
	)

	BeforeEach(func() {
		clock = &manualClock{now: time.Unix(100, 0)}
		domain = &sampleDomain{
			HookableBase: hooking.NewHookableBase(),
			name:         "disk0",
		}
		tracer = NewBackTraceTracer(clock, NewWriterTaskPrinter(GinkgoWriter))
	})

	It("should do nothing without hooks", func() {
		StartTask("1", "", domain, "serve", "read", nil)

		Expect(tracer.InflightTasks()).To(BeEmpty())
	})

	It("should deliver start, step and end to the tracer", func() {
		CollectTrace(domain, tracer)

		StartTask("1", "0", domain, "serve", "read", nil)
		AddTaskStep("1", domain, "queued")

		inflight := tracer.InflightTasks()
		Expect(inflight).To(HaveLen(1))
		Expect(inflight[0].Where).To(Equal("disk0"))
		Expect(inflight[0].ParentID).To(Equal("0"))
		Expect(inflight[0].Steps).To(HaveLen(1))

		EndTask("1", domain)

		Expect(tracer.InflightTasks()).To(BeEmpty())
	})

	It("should panic when the same tracer is collected twice", func() {
		CollectTrace(domain, tracer)

		Expect(func() { CollectTrace(domain, tracer) }).To(Panic())
	})

	It("should panic on incomplete tasks", func() {
		CollectTrace(domain, tracer)

		Expect(func() {
			StartTask("", "", domain, "serve", "read", nil)
		}).To(Panic())
		Expect(func() {
			StartTask("1", "", domain, "", "read", nil)
		}).To(Panic())
	})

	It("should name hops by packet and location", func() {
		Expect(HopID("42", "disk0")).To(Equal("42@disk0"))
	})
})

var _ = Describe("AverageTimeTracer", func() {
	It("should average the filtered tasks", func() {
		clock := &manualClock{now: time.Unix(0, 0)}
		t := NewAverageTimeTracer(clock, KindIs("serve"))

		t.StartTask(Task{ID: "1", Kind: "serve"})
		t.StartTask(Task{ID: "x", Kind: "other"})
		clock.advance(2 * time.Second)
		t.EndTask(Task{ID: "1"})
		t.EndTask(Task{ID: "x"})

		t.StartTask(Task{ID: "2", Kind: "serve"})
		clock.advance(4 * time.Second)
		t.EndTask(Task{ID: "2"})

		Expect(t.TotalCount()).To(Equal(uint64(2)))
		Expect(t.AverageTime()).To(Equal(3 * time.Second))
	})
})

var _ = Describe("JSONTracer", func() {
	It("should write completed tasks as an array", func() {
		buf := new(bytes.Buffer)
		clock := &manualClock{now: time.Unix(10, 0)}
		t := NewJSONTracer(buf, clock)

		t.StartTask(Task{ID: "1", Kind: "serve", What: "read"})
		t.StartTask(Task{ID: "2", Kind: "serve", What: "write"})
		clock.advance(time.Second)
		t.EndTask(Task{ID: "2"})
		t.EndTask(Task{ID: "1"})
		t.Finish()
		t.EndTask(Task{ID: "late"})

		var tasks []Task
		Expect(json.Unmarshal(buf.Bytes(), &tasks)).To(Succeed())
		Expect(tasks).To(HaveLen(2))
		Expect(tasks[0].ID).To(Equal("2"))
		Expect(tasks[1].Duration()).To(Equal(time.Second))
	})

	It("should write an empty array", func() {
		buf := new(bytes.Buffer)
		t := NewJSONTracer(buf, nil)

		t.Finish()
		t.Finish()

		var tasks []Task
		Expect(json.Unmarshal(buf.Bytes(), &tasks)).To(Succeed())
		Expect(tasks).To(BeEmpty())
	})
})

var _ = Describe("DBTracer", func() {
	It("should write completed tasks to the backend", func() {
		clock := &manualClock{now: time.Unix(10, 0)}
		w := &memoryWriter{}
		t := NewDBTracer(clock, w, nil)

		t.StartTask(Task{ID: "1", Kind: "serve"})
		t.StartTask(Task{ID: "2", Kind: "serve"})
		clock.advance(time.Second)
		t.EndTask(Task{ID: "1"})
		t.EndTask(Task{ID: "unknown"})

		Expect(w.tasks).To(HaveLen(1))
		Expect(w.tasks[0].Duration()).To(Equal(time.Second))

		t.Terminate()

		Expect(w.tasks).To(HaveLen(2))
		Expect(w.tasks[1].EndTime.IsZero()).To(BeTrue())
		Expect(w.flushes).To(Equal(1))
	})

	It("should round trip through SQLite", func() {
		path := filepath.Join(GinkgoT().TempDir(), "trace")
		w := NewSQLiteTraceWriter(path).WithBatchSize(2)
		Expect(w.Init()).To(Succeed())

		clock := &manualClock{now: time.Unix(10, 0)}
		t := NewDBTracer(clock, w, nil)

		for _, id := range []string{"1", "2", "3"} {
			t.StartTask(Task{
				ID: id, ParentID: "0", Kind: "serve", What: "read",
				Where: "disk0",
			})
			clock.advance(time.Second)
			t.EndTask(Task{ID: id})
		}
		t.Terminate()

		r := NewSQLiteTraceReader(w.FileName())
		Expect(r.Init()).To(Succeed())

		tasks, err := r.ListTasks("serve")
		Expect(err).NotTo(HaveOccurred())
		Expect(tasks).To(HaveLen(3))
		Expect(tasks[0].ID).To(Equal("1"))
		Expect(tasks[2].Where).To(Equal("disk0"))
		Expect(tasks[2].Duration()).To(Equal(time.Second))

		none, err := r.ListTasks("other")
		Expect(err).NotTo(HaveOccurred())
		Expect(none).To(BeEmpty())
	})
})
