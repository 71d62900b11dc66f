package packet

import "fmt"

// Code is the outcome class of a packet as set by the layer that finished
// processing it.
type Code int

// The status codes. Everything except the structural errors is carried here
// and is the normal currency of retry and backoff between layers.
const (
	CodeInvalid Code = iota
	CodeOK
	CodeBusy
	CodeCancelPending
	CodeCanceled
	CodeTimedOut
	CodeFailed
	CodeNoDevice
	CodeEdgeNotEnabled
	CodeGeneric
)

var codeNames = [...]string{
	CodeInvalid:        "invalid",
	CodeOK:             "ok",
	CodeBusy:           "busy",
	CodeCancelPending:  "cancel_pending",
	CodeCanceled:       "canceled",
	CodeTimedOut:       "timed_out",
	CodeFailed:         "failed",
	CodeNoDevice:       "no_device",
	CodeEdgeNotEnabled: "edge_not_enabled",
	CodeGeneric:        "generic",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("code(%d)", int(c))
	}

	return codeNames[c]
}

// Status is the code plus a transport-defined qualifier.
type Status struct {
	Code      Code
	Qualifier uint32
}

// OK reports whether the status code is CodeOK.
func (s Status) OK() bool {
	return s.Code == CodeOK
}

func (s Status) String() string {
	if s.Qualifier == 0 {
		return s.Code.String()
	}

	return fmt.Sprintf("%s/%#x", s.Code, s.Qualifier)
}

// CompletionStatus is what a continuation returns to the completion walk.
type CompletionStatus int

const (
	// Proceed lets the walk move on to the next lower frame.
	Proceed CompletionStatus = iota

	// Continue tells the walk that the continuation pushed new frames. The
	// walk resumes from the packet's current level.
	Continue

	// MoreProcessingRequired suspends the walk. Whoever now holds the packet
	// resumes it later by calling Complete again.
	MoreProcessingRequired
)

func (s CompletionStatus) String() string {
	switch s {
	case Proceed:
		return "proceed"
	case Continue:
		return "continue"
	case MoreProcessingRequired:
		return "more_processing_required"
	default:
		return fmt.Sprintf("completion(%d)", int(s))
	}
}
