package tracing

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// JSONTracer writes completed tasks as a JSON array.
type JSONTracer struct {
	timeTeller    TimeTeller
	w             io.Writer
	lock          sync.Mutex
	firstTask     bool
	finished      bool
	inflightTasks map[string]Task
}

// NewJSONTracer creates a JSONTracer that writes to w. Call Finish to close
// the array.
func NewJSONTracer(w io.Writer, timeTeller TimeTeller) *JSONTracer {
	if timeTeller == nil {
		timeTeller = WallClock{}
	}

	t := &JSONTracer{
		timeTeller:    timeTeller,
		w:             w,
		firstTask:     true,
		inflightTasks: make(map[string]Task),
	}

	t.mustWrite([]byte("[\n"))

	return t
}

// NewJSONFileTracer creates a JSONTracer that records into a uniquely named
// file in dir. The array is closed when the program exits through atexit.
func NewJSONFileTracer(dir string) (*JSONTracer, string, error) {
	filename := xid.New().String() + ".json"
	if dir != "" {
		filename = dir + string(os.PathSeparator) + filename
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, "", fmt.Errorf("create json trace: %w", err)
	}

	t := NewJSONTracer(f, nil)

	atexit.Register(func() {
		t.Finish()
		_ = f.Close()
	})

	return t, filename, nil
}

// StartTask records the start of a task
func (t *JSONTracer) StartTask(task Task) {
	task.StartTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask records the moment that a task reaches a milestone
func (t *JSONTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	original, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	now := t.timeTeller.CurrentTime()
	for _, s := range task.Steps {
		s.Time = now
		original.Steps = append(original.Steps, s)
	}

	t.inflightTasks[task.ID] = original
}

// EndTask writes the completed task.
func (t *JSONTracer) EndTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok || t.finished {
		return
	}

	originalTask.EndTime = t.timeTeller.CurrentTime()
	delete(t.inflightTasks, task.ID)

	if t.firstTask {
		t.firstTask = false
	} else {
		t.mustWrite([]byte(",\n"))
	}

	b, err := json.Marshal(originalTask)
	if err != nil {
		panic(err)
	}

	t.mustWrite(b)
}

// Finish closes the JSON array. Tasks ending later are dropped.
func (t *JSONTracer) Finish() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.finished {
		return
	}

	t.finished = true
	t.mustWrite([]byte("\n]"))
}

func (t *JSONTracer) mustWrite(b []byte) {
	_, err := t.w.Write(b)
	if err != nil {
		panic(err)
	}
}
