package tracing

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// TaskPrinter can print tasks with a format.
type TaskPrinter interface {
	Print(task Task)
}

type defaultTaskPrinter struct {
	w io.Writer
}

func (p *defaultTaskPrinter) Print(task Task) {
	fmt.Fprintf(p.w, "%s-%s@%s since %s\n",
		task.Kind, task.What, task.Where, task.StartTime.Format(time.RFC3339Nano))
}

// NewWriterTaskPrinter returns a TaskPrinter that writes one line per task.
func NewWriterTaskPrinter(w io.Writer) TaskPrinter {
	return &defaultTaskPrinter{w: w}
}

// BackTraceTracer keeps the tasks that have started but not ended. It answers
// what a stalled packet is waiting on.
type BackTraceTracer struct {
	timeTeller   TimeTeller
	printer      TaskPrinter
	tracingTasks map[string]Task
	lock         sync.Mutex
}

// NewBackTraceTracer creates a new BackTraceTracer. A nil printer prints to
// stdout and a nil time teller uses the wall clock.
func NewBackTraceTracer(
	timeTeller TimeTeller,
	printer TaskPrinter,
) *BackTraceTracer {
	t := &BackTraceTracer{
		timeTeller:   timeTeller,
		printer:      printer,
		tracingTasks: make(map[string]Task),
	}

	if t.timeTeller == nil {
		t.timeTeller = WallClock{}
	}

	if t.printer == nil {
		t.printer = NewWriterTaskPrinter(os.Stdout)
	}

	return t
}

// StartTask records the task as in flight.
func (t *BackTraceTracer) StartTask(task Task) {
	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	t.tracingTasks[task.ID] = task
}

// StepTask appends the step to the in-flight task.
func (t *BackTraceTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	now := t.timeTeller.CurrentTime()
	for _, s := range task.Steps {
		s.Time = now
		original.Steps = append(original.Steps, s)
	}

	t.tracingTasks[task.ID] = original
}

// EndTask forgets the task.
func (t *BackTraceTracer) EndTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	delete(t.tracingTasks, task.ID)
}

// InflightTasks returns the tasks that have not ended, oldest first.
func (t *BackTraceTracer) InflightTasks() []Task {
	t.lock.Lock()
	tasks := make([]Task, 0, len(t.tracingTasks))
	for _, task := range t.tracingTasks {
		tasks = append(tasks, task)
	}
	t.lock.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartTime.Equal(tasks[j].StartTime) {
			return tasks[i].ID < tasks[j].ID
		}

		return tasks[i].StartTime.Before(tasks[j].StartTime)
	})

	return tasks
}

// StalledTasks returns the in-flight tasks that started at least d ago.
func (t *BackTraceTracer) StalledTasks(d time.Duration) []Task {
	now := t.timeTeller.CurrentTime()

	var stalled []Task
	for _, task := range t.InflightTasks() {
		if now.Sub(task.StartTime) >= d {
			stalled = append(stalled, task)
		}
	}

	return stalled
}

// BackTrace returns the task and its in-flight ancestors, innermost first.
func (t *BackTraceTracer) BackTrace(task Task) []Task {
	t.lock.Lock()
	defer t.lock.Unlock()

	chain := []Task{task}
	seen := map[string]bool{task.ID: true}

	for task.ParentID != "" && !seen[task.ParentID] {
		parent, ok := t.tracingTasks[task.ParentID]
		if !ok {
			break
		}

		seen[parent.ID] = true
		chain = append(chain, parent)
		task = parent
	}

	return chain
}

// DumpBackTrace prints the task and its in-flight ancestors.
func (t *BackTraceTracer) DumpBackTrace(task Task) {
	for _, task := range t.BackTrace(task) {
		t.printer.Print(task)
	}
}
