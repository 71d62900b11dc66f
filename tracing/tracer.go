package tracing

import "time"

// A Tracer can collect task traces
type Tracer interface {
	StartTask(task Task)
	StepTask(task Task)
	EndTask(task Task)
}

// TimeTeller tells the time that tracers stamp on tasks.
type TimeTeller interface {
	CurrentTime() time.Time
}

// WallClock is a TimeTeller backed by the system clock.
type WallClock struct{}

// CurrentTime returns time.Now().
func (WallClock) CurrentTime() time.Time {
	return time.Now()
}
