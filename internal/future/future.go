// Package future implements the per-call result state machine. A Future is
// created by the scheduler at dispatch time and resolved pull-style: state
// only advances when the caller asks for status or a result.
package future

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/logging"
	"github.com/stratusfn/stratus/internal/metrics"
	"github.com/stratusfn/stratus/internal/storage"
)

// State of a call future. Transitions are monotonic: a terminal state
// (Success, Futures, Error) is never left.
type State int32

const (
	StateNew State = iota
	StateInvoked
	StateRunning
	StateReady
	StateSuccess
	StateFutures
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInvoked:
		return "invoked"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateSuccess:
		return "success"
	case StateFutures:
		return "futures"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether the state can never change again.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFutures || s == StateError
}

// Polling parameters for status and output reads. Status polling is
// unbounded (the caller's context governs); output polling gives up after
// OutputMaxAttempts.
const (
	StatusPollInterval = time.Second
	OutputPollInterval = time.Second
	OutputMaxAttempts  = 10
)

// Result is the resolved value of a call: a plain value, or the futures of
// a nested fan-out, never both.
type Result struct {
	Value   json.RawMessage
	Futures []*Future
}

// Future tracks one dispatched call. It is owned by the caller; concurrent
// use from a polling pool is safe.
type Future struct {
	ExecutorID string
	JobID      string
	CallID     string

	store storage.Store

	state atomic.Int32

	submittedAt time.Time

	mu           sync.Mutex
	activationID string
	status       *job.Status
	result       *Result
	remoteErr    *job.RemoteExecutionError
	settledAt    time.Time

	statusPolls atomic.Int64
	outputPolls atomic.Int64

	statusInterval time.Duration
	outputInterval time.Duration
	outputAttempts int
}

// Option adjusts a future's polling parameters. Used by tests; production
// code keeps the defaults.
type Option func(*Future)

// WithPollIntervals overrides the status and output poll intervals.
func WithPollIntervals(status, output time.Duration) Option {
	return func(f *Future) {
		f.statusInterval = status
		f.outputInterval = output
	}
}

// WithOutputAttempts overrides the bounded output retry budget.
func WithOutputAttempts(n int) Option {
	return func(f *Future) { f.outputAttempts = n }
}

// New creates an undispatched future. The scheduler marks it invoked once
// an activation id is known.
func New(store storage.Store, executorID, jobID, callID string, opts ...Option) *Future {
	f := &Future{
		ExecutorID:     executorID,
		JobID:          jobID,
		CallID:         callID,
		store:          store,
		submittedAt:    time.Now(),
		statusInterval: StatusPollInterval,
		outputInterval: OutputPollInterval,
		outputAttempts: OutputMaxAttempts,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewInvoked creates a future already in the invoked state.
func NewInvoked(store storage.Store, executorID, jobID, callID string, opts ...Option) *Future {
	f := New(store, executorID, jobID, callID, opts...)
	f.state.Store(int32(StateInvoked))
	return f
}

// MarkInvoked records the dispatch of the call. The state transition is a
// no-op once past invoked; the activation id always takes the latest value,
// since a requeued call may be dispatched more than once.
func (f *Future) MarkInvoked(activationID string) {
	f.mu.Lock()
	f.activationID = activationID
	f.mu.Unlock()
	f.state.CompareAndSwap(int32(StateNew), int32(StateInvoked))
}

// ActivationID returns the backend activation id, empty until dispatch.
func (f *Future) ActivationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activationID
}

// State returns the current state.
func (f *Future) State() State {
	return State(f.state.Load())
}

// Done reports whether a terminal status blob has been observed. A done
// future may still need Result to resolve its output.
func (f *Future) Done() bool {
	return f.State() >= StateReady
}

// Ready reports whether the call ended successfully but its output has not
// been resolved yet.
func (f *Future) Ready() bool {
	return f.State() == StateReady
}

// Failed reports a terminal error state.
func (f *Future) Failed() bool {
	return f.State() == StateError
}

// StatusPolls returns how many status-store reads this future has issued
// for status blobs.
func (f *Future) StatusPolls() int64 {
	return f.statusPolls.Load()
}

// OutputPolls returns how many status-store reads this future has issued
// for output blobs.
func (f *Future) OutputPolls() int64 {
	return f.outputPolls.Load()
}

// advance moves the state forward, never backward and never out of a
// terminal state.
func (f *Future) advance(to State) {
	for {
		cur := f.state.Load()
		if State(cur).Terminal() || cur >= int32(to) {
			return
		}
		if f.state.CompareAndSwap(cur, int32(to)) {
			if to.Terminal() {
				f.mu.Lock()
				f.settledAt = time.Now()
				f.mu.Unlock()
				metrics.RecordCallCompleted(to.String())
			}
			return
		}
	}
}

// Cancel always fails: dispatched calls cannot be cancelled remotely.
func (f *Future) Cancel() error {
	return job.ErrUnsupported
}

// Status returns the call's status blob, polling the status store until one
// appears. Polling is unbounded; ctx is the caller's timeout. A terminal
// failure is returned as a RemoteExecutionError; callers that tolerate
// failures inspect the error and the state instead of a flag.
func (f *Future) Status(ctx context.Context) (*job.Status, error) {
	state := f.State()
	if state == StateNew {
		return nil, job.ErrInvalidState
	}

	f.mu.Lock()
	cached := f.status
	remoteErr := f.remoteErr
	f.mu.Unlock()
	if cached != nil && cached.Terminal() {
		if remoteErr != nil {
			return cached, remoteErr
		}
		return cached, nil
	}

	for {
		st, err := f.store.GetCallStatus(ctx, f.ExecutorID, f.JobID, f.CallID)
		f.statusPolls.Add(1)
		if err == nil {
			if !st.Terminal() {
				f.advance(StateRunning)
				f.mu.Lock()
				f.status = st
				f.mu.Unlock()
				return st, nil
			}
			return f.settle(st)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get status of call %s: %w", f.CallID, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.statusInterval):
		}
	}
}

// settle records a terminal status blob and drives the matching state
// transition. A remote exception is returned from here and from every later
// Status or Result call on the settled future.
func (f *Future) settle(st *job.Status) (*job.Status, error) {
	if st.Exception {
		decoded := job.DecodeFailure(st)
		f.mu.Lock()
		if st.ActivationID != "" {
			f.activationID = st.ActivationID
		}
		f.status = st
		f.remoteErr = decoded
		f.mu.Unlock()
		f.advance(StateError)
		logging.Op().Debug("call failed remotely",
			"executor_id", f.ExecutorID, "job_id", f.JobID, "call_id", f.CallID,
			"code", decoded.Code, "message", decoded.Message)
		return st, decoded
	}

	f.mu.Lock()
	if st.ActivationID != "" {
		f.activationID = st.ActivationID
	}
	f.status = st
	f.mu.Unlock()
	f.advance(StateReady)
	if !st.Result && len(st.NewFutures) == 0 {
		// The call produced no output; nothing left to resolve.
		f.mu.Lock()
		f.result = &Result{}
		f.mu.Unlock()
		f.advance(StateSuccess)
	}
	return st, nil
}

// Result resolves the call's output, driving Status first when needed and
// then polling the output blob with a bounded retry budget. Reads are
// idempotent: once resolved, the cached result is returned without touching
// the status store. throwOnError governs only a missing output; without it
// the future lands in the error state and a nil result comes back. A remote
// exception is an error either way.
func (f *Future) Result(ctx context.Context, throwOnError bool) (*Result, error) {
	switch f.State() {
	case StateNew:
		return nil, job.ErrInvalidState
	case StateSuccess, StateFutures:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, nil
	case StateError:
		return f.errorResult(throwOnError)
	}

	if _, err := f.Status(ctx); err != nil {
		return nil, err
	}

	switch f.State() {
	case StateSuccess, StateFutures:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result, nil
	case StateError:
		return f.errorResult(throwOnError)
	case StateReady:
	default:
		// Still running; the caller retries after its own delay.
		return nil, nil
	}

	data, err := f.pollOutput(ctx)
	if err != nil {
		var unavailable *job.OutputUnavailableError
		if errors.As(err, &unavailable) {
			f.advance(StateError)
			if !throwOnError {
				return nil, nil
			}
		}
		return nil, err
	}

	var out job.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode output of call %s: %w", f.CallID, err)
	}

	res := &Result{}
	if out.IsFutures() {
		res.Futures = make([]*Future, 0, len(out.Futures))
		for _, ref := range out.Futures {
			child := NewInvoked(f.store, ref.ExecutorID, ref.JobID, ref.CallID,
				WithPollIntervals(f.statusInterval, f.outputInterval),
				WithOutputAttempts(f.outputAttempts))
			res.Futures = append(res.Futures, child)
		}
		f.mu.Lock()
		f.result = res
		f.mu.Unlock()
		f.advance(StateFutures)
		return res, nil
	}

	res.Value = out.Value
	f.mu.Lock()
	f.result = res
	f.mu.Unlock()
	f.advance(StateSuccess)
	return res, nil
}

// errorResult reports a settled failure. A remote exception is always an
// error; a missing output is only one when throwOnError is set, matching
// the first resolution attempt.
func (f *Future) errorResult(throwOnError bool) (*Result, error) {
	f.mu.Lock()
	remoteErr := f.remoteErr
	activationID := f.activationID
	f.mu.Unlock()
	if remoteErr != nil {
		return nil, remoteErr
	}
	if !throwOnError {
		return nil, nil
	}
	return nil, &job.OutputUnavailableError{
		CallID:       f.CallID,
		ActivationID: activationID,
		Attempts:     f.outputAttempts,
	}
}

func (f *Future) pollOutput(ctx context.Context) ([]byte, error) {
	for attempt := 1; attempt <= f.outputAttempts; attempt++ {
		data, err := f.store.GetCallOutput(ctx, f.ExecutorID, f.JobID, f.CallID)
		f.outputPolls.Add(1)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get output of call %s: %w", f.CallID, err)
		}
		if attempt == f.outputAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.outputInterval):
		}
	}
	return nil, &job.OutputUnavailableError{
		CallID:       f.CallID,
		ActivationID: f.ActivationID(),
		Attempts:     f.outputAttempts,
	}
}

// RemoteError returns the decoded remote failure, or nil when the call has
// not failed.
func (f *Future) RemoteError() *job.RemoteExecutionError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteErr
}

// CachedStatus returns the last observed status blob without polling.
func (f *Future) CachedStatus() *job.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// SubmittedAt returns when the future was created.
func (f *Future) SubmittedAt() time.Time {
	return f.submittedAt
}

// SettledAt returns when the future reached a terminal state, or the zero
// time if it has not.
func (f *Future) SettledAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settledAt
}
