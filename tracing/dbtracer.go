package tracing

import (
	"sync"
)

// DBTracer is a tracer that stores completed tasks through a TraceWriter.
type DBTracer struct {
	mu           sync.Mutex
	timeTeller   TimeTeller
	backend      TraceWriter
	filter       TaskFilter
	tracingTasks map[string]Task
}

// NewDBTracer creates a DBTracer. The backend must already be initialized.
func NewDBTracer(
	timeTeller TimeTeller,
	backend TraceWriter,
	filter TaskFilter,
) *DBTracer {
	if timeTeller == nil {
		timeTeller = WallClock{}
	}

	if filter == nil {
		filter = AllTasks
	}

	return &DBTracer{
		timeTeller:   timeTeller,
		backend:      backend,
		filter:       filter,
		tracingTasks: make(map[string]Task),
	}
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	task.StartTime = t.timeTeller.CurrentTime()

	t.mu.Lock()
	t.tracingTasks[task.ID] = task
	t.mu.Unlock()
}

// StepTask marks a step of a task.
func (t *DBTracer) StepTask(_ Task) {
	// Do nothing for now.
}

// EndTask writes the completed task to the backend.
func (t *DBTracer) EndTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.mu.Lock()
	originalTask, ok := t.tracingTasks[task.ID]
	delete(t.tracingTasks, task.ID)
	t.mu.Unlock()

	if !ok {
		return
	}

	originalTask.EndTime = now
	t.backend.Write(originalTask)
}

// Terminate flushes the backend. Tasks still in flight are written with a
// zero end time.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	pending := t.tracingTasks
	t.tracingTasks = make(map[string]Task)
	t.mu.Unlock()

	for _, task := range pending {
		t.backend.Write(task)
	}

	t.backend.Flush()
}
