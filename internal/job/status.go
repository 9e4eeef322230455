package job

import "encoding/json"

// Status blob types written by the executing call.
const (
	StatusInit = "__init__"
	StatusEnd  = "__end__"
)

// FailureCode is the closed set of sentinel codes a failed activation can
// report through its status blob.
type FailureCode string

const (
	FailureNone         FailureCode = ""
	FailureWrongVersion FailureCode = "WRONGVERSION"
	FailureTimeout      FailureCode = "OUTATIME"
	FailureOutOfMemory  FailureCode = "OUTOFMEMORY"
	FailureGeneric      FailureCode = "EXCEPTION"
)

// FailureInfo is the decoded exception payload of a terminal status blob.
type FailureInfo struct {
	Code FailureCode `json:"code"`
	// Message is the remote exception text for FailureGeneric; sentinel
	// codes carry their detail in Args instead.
	Message string   `json:"message,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// Status is the per-call record written by the executing call and read back
// by futures and the completion monitor. At most one terminal status is
// ever written for a given (executor, job, call).
type Status struct {
	Type           string       `json:"type"`
	ExecutorID     string       `json:"executor_id"`
	JobID          string       `json:"job_id"`
	CallID         string       `json:"call_id"`
	ActivationID   string       `json:"activation_id"`
	StartTime      float64      `json:"start_time"`
	EndTime        float64      `json:"end_time"`
	HostSubmitTime float64      `json:"host_submit_time,omitempty"`
	Exception      bool         `json:"exception"`
	ExcInfo        *FailureInfo `json:"exc_info,omitempty"`
	// Result reports whether the call wrote an output blob.
	Result bool `json:"result"`
	// NewFutures, when set, announces that the call's output is a set of
	// freshly dispatched calls rather than a value.
	NewFutures []FutureRef `json:"new_futures,omitempty"`
}

// Terminal reports whether the status marks the end of the activation.
func (s *Status) Terminal() bool {
	return s.Type == StatusEnd
}

// Duration is the remote execution time in seconds.
func (s *Status) Duration() float64 {
	return s.EndTime - s.StartTime
}

// FutureRef identifies a call dispatched by another call (nested fan-out).
type FutureRef struct {
	ExecutorID string `json:"executor_id"`
	JobID      string `json:"job_id"`
	CallID     string `json:"call_id"`
}

// Output is the decoded output blob of a successful call: either a plain
// value or a set of future references, never both.
type Output struct {
	Value   json.RawMessage `json:"result,omitempty"`
	Futures []FutureRef     `json:"new_futures,omitempty"`
}

// IsFutures reports whether the output is a nested fan-out rather than a
// value.
func (o *Output) IsFutures() bool {
	return len(o.Futures) > 0
}
