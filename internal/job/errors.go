package job

import (
	"errors"
	"fmt"
)

// Sentinel errors of the orchestration core.
var (
	// ErrInvalidState is returned when a future is accessed before it has
	// been dispatched. This is a programming error, never recovered.
	ErrInvalidState = errors.New("call not yet invoked")

	// ErrUnsupported is returned by Cancel: dispatched calls cannot be
	// cancelled remotely.
	ErrUnsupported = errors.New("cannot cancel dispatched calls")

	// ErrInvocationFailed is returned when the delegating fan-out
	// invocation could not be spawned.
	ErrInvocationFailed = errors.New("unable to spawn remote invoker")
)

// RuntimeMismatchError reports a version skew between the installed runtime
// and the local library. It is fatal and surfaced before any dispatch.
type RuntimeMismatchError struct {
	RuntimeName   string
	RemoteVersion string
	LocalVersion  string
}

func (e *RuntimeMismatchError) Error() string {
	return fmt.Sprintf("runtime %q is running environment version %s and is not compatible with the local version %s",
		e.RuntimeName, e.RemoteVersion, e.LocalVersion)
}

// RemoteExecutionError wraps a failure reported by the remote activation
// through its status blob.
type RemoteExecutionError struct {
	ExecutorID   string
	JobID        string
	CallID       string
	ActivationID string
	Code         FailureCode
	Message      string
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("ExecutorID %s | JobID %s - call %s failed - activation %s: %s",
		e.ExecutorID, e.JobID, e.CallID, e.ActivationID, e.Message)
}

// DecodeFailure turns the exception payload of a terminal status blob into
// a RemoteExecutionError with the sentinel codes expanded to descriptive
// messages.
func DecodeFailure(s *Status) *RemoteExecutionError {
	e := &RemoteExecutionError{
		ExecutorID:   s.ExecutorID,
		JobID:        s.JobID,
		CallID:       s.CallID,
		ActivationID: s.ActivationID,
	}
	if s.ExcInfo == nil {
		e.Code = FailureGeneric
		e.Message = "remote execution failed"
		return e
	}
	e.Code = s.ExcInfo.Code
	switch s.ExcInfo.Code {
	case FailureWrongVersion:
		remote, local := "unknown", Version
		if len(s.ExcInfo.Args) >= 2 {
			remote, local = s.ExcInfo.Args[0], s.ExcInfo.Args[1]
		}
		e.Message = fmt.Sprintf("version mismatch: remote library is version %s, local library is version %s", remote, local)
	case FailureTimeout:
		e.Message = "Process ran out of time and was killed"
	case FailureOutOfMemory:
		e.Message = "Process exceeded maximum memory and was killed"
	default:
		e.Message = s.ExcInfo.Message
		if e.Message == "" {
			e.Message = "remote execution failed"
		}
	}
	return e
}

// OutputUnavailableError reports that a call's output blob never appeared
// within the bounded retry budget.
type OutputUnavailableError struct {
	CallID       string
	ActivationID string
	Attempts     int
}

func (e *OutputUnavailableError) Error() string {
	return fmt.Sprintf("unable to get the output from call %s - activation %s after %d attempts",
		e.CallID, e.ActivationID, e.Attempts)
}

// WaitTimeoutError reports that a wait deadline elapsed with calls still
// incomplete.
type WaitTimeoutError struct {
	NotDone int
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait timed out with %d calls not done", e.NotDone)
}

// WaitCancelledError reports that a wait was interrupted with calls still
// incomplete.
type WaitCancelledError struct {
	NotDone int
}

func (e *WaitCancelledError) Error() string {
	return fmt.Sprintf("wait cancelled with %d calls not done", e.NotDone)
}
