// Package wait implements the blocking join over sets of call futures:
// completion modes, timeout and cancellation, straggler mitigation for
// large jobs, and exactly-once cleanup of job artifacts.
package wait

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratusfn/stratus/internal/future"
	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/logging"
	"github.com/stratusfn/stratus/internal/metrics"
	"github.com/stratusfn/stratus/internal/observability"
	"github.com/stratusfn/stratus/internal/storage"
)

// Mode selects the completion condition of Wait.
type Mode int

const (
	// AllCompleted blocks until every future is done.
	AllCompleted Mode = iota
	// AnyCompleted blocks until at least one future is done.
	AnyCompleted
	// Always returns the current done/not-done snapshot without blocking.
	Always
)

// Straggler mitigation thresholds. Above MaxDirectQuery outstanding calls
// in one job, a round lists completion markers in bulk instead of querying
// each call; once ReturnEarly calls resolve in a round, the round ends so
// the caller sees progress without waiting on stragglers.
const (
	MaxDirectQuery = 64
	ReturnEarly    = 32
)

// Defaults for the polling pool.
const (
	DefaultPollConcurrency = 64
	DefaultPollInterval    = time.Second
)

// Stopper shuts down the invocation scheduler once a wait concludes.
type Stopper interface {
	Stop()
}

// Options configure one Wait call.
type Options struct {
	ThrowOnError bool
	Mode         Mode
	FetchOutputs bool
	// Timeout bounds the wait; zero means no deadline. Advisory: in-flight
	// activations are not aborted.
	Timeout         time.Duration
	PollConcurrency int
	PollInterval    time.Duration
	// SkipCleanup leaves the job's storage artifacts in place.
	SkipCleanup bool
}

// DefaultOptions is the Wait configuration used by the executor facade.
func DefaultOptions() Options {
	return Options{
		ThrowOnError:    true,
		Mode:            AllCompleted,
		PollConcurrency: DefaultPollConcurrency,
		PollInterval:    DefaultPollInterval,
	}
}

// Waiter runs the join protocol. Cleanup of a (executor, job) pair happens
// at most once across every Wait call on overlapping future sets.
type Waiter struct {
	store   storage.Store
	cleaner *storage.Cleaner
	stopper Stopper

	mu      sync.Mutex
	cleaned map[[2]string]struct{}
}

// New creates a waiter. cleaner may be nil to disable artifact deletion,
// stopper may be nil when no scheduler is attached.
func New(store storage.Store, cleaner *storage.Cleaner, stopper Stopper) *Waiter {
	return &Waiter{
		store:   store,
		cleaner: cleaner,
		stopper: stopper,
		cleaned: make(map[[2]string]struct{}),
	}
}

// Wait blocks until the completion condition of opts.Mode holds, the
// timeout elapses, or ctx is cancelled. It returns the done and not-done
// futures in input order. Whatever the outcome, the scheduler is stopped
// and the involved jobs' artifacts are cleaned up.
func (w *Waiter) Wait(ctx context.Context, futures []*future.Future, opts Options) (done, notDone []*future.Future, err error) {
	if opts.PollConcurrency <= 0 {
		opts.PollConcurrency = DefaultPollConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	ctx, span := observability.StartSpan(ctx, "wait.join",
		observability.AttrTotalCalls.Int(len(futures)))
	defer span.End()

	working := make([]*future.Future, len(futures))
	copy(working, futures)

	defer func() {
		done, notDone = classify(working)
		w.finish(working, opts.SkipCleanup)
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
	}()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for {
		roundStart := time.Now()

		children, roundErr := w.round(ctx, working, opts)
		working = append(working, children...)

		if roundErr != nil {
			var remote *job.RemoteExecutionError
			if errors.As(roundErr, &remote) {
				logging.Op().Warn("remote execution failed during wait",
					"job_id", remote.JobID, "call_id", remote.CallID, "code", remote.Code)
				if opts.ThrowOnError {
					return nil, nil, remote
				}
				// Swallowed: the failed future is classified as done below.
			} else if errors.Is(roundErr, context.Canceled) || errors.Is(roundErr, context.DeadlineExceeded) {
				return nil, nil, &job.WaitCancelledError{NotDone: countNotDone(working)}
			} else {
				return nil, nil, roundErr
			}
		}

		if satisfied(working, opts.Mode) {
			return nil, nil, nil
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			n := countNotDone(working)
			return nil, nil, &job.WaitTimeoutError{NotDone: n}
		}

		// Adaptive sleep: the interval shrinks with the fraction of calls
		// already done, and a round that took longer than the interval
		// rolls straight into the next one.
		interval := opts.PollInterval
		if n := len(working); n > 0 {
			frac := float64(countNotDone(working)) / float64(n)
			interval = time.Duration(float64(interval) * frac)
		}
		sleep := interval - time.Since(roundStart)
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, nil, &job.WaitCancelledError{NotDone: countNotDone(working)}
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return nil, nil, &job.WaitCancelledError{NotDone: countNotDone(working)}
		}
	}
}

// round drives one polling pass over the outstanding futures and returns
// any nested futures their outputs produced.
func (w *Waiter) round(ctx context.Context, working []*future.Future, opts Options) ([]*future.Future, error) {
	outstanding := pending(working, opts.FetchOutputs)
	if len(outstanding) == 0 {
		return nil, nil
	}

	targets := w.selectTargets(ctx, outstanding)
	if len(targets) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		children []*future.Future
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.PollConcurrency)
	for _, f := range targets {
		f := f
		g.Go(func() error {
			// Probe first: the future's own accessors block until a blob
			// appears, which a polling round must not do.
			if _, err := w.store.GetCallStatus(gctx, f.ExecutorID, f.JobID, f.CallID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				logging.Op().Warn("status probe failed during wait",
					"job_id", f.JobID, "call_id", f.CallID, "error", err)
				return nil
			}

			if opts.FetchOutputs {
				res, err := f.Result(gctx, opts.ThrowOnError)
				if err != nil {
					return err
				}
				if res != nil && len(res.Futures) > 0 {
					mu.Lock()
					children = append(children, res.Futures...)
					mu.Unlock()
				}
				return nil
			}
			_, err := f.Status(gctx)
			return err
		})
	}
	err := g.Wait()
	return children, err
}

// selectTargets applies straggler mitigation: for jobs with many calls
// still outstanding, one bulk listing replaces per-call queries, and a
// round caps how many futures it touches once enough are known complete.
func (w *Waiter) selectTargets(ctx context.Context, outstanding []*future.Future) []*future.Future {
	groups := make(map[[2]string][]*future.Future)
	var order [][2]string
	for _, f := range outstanding {
		key := [2]string{f.ExecutorID, f.JobID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	var targets []*future.Future
	for _, key := range order {
		fs := groups[key]
		if len(fs) <= MaxDirectQuery {
			targets = append(targets, fs...)
			continue
		}

		markers, err := w.store.ListCompletionMarkers(ctx, key[0], key[1])
		if err != nil {
			logging.Op().Warn("completion listing failed during wait",
				"job_id", key[1], "error", err)
			targets = append(targets, fs[:MaxDirectQuery]...)
			continue
		}

		known := 0
		for _, f := range fs {
			if _, ok := markers[f.CallID]; ok {
				targets = append(targets, f)
				known++
				if known >= ReturnEarly {
					break
				}
			}
		}
		if known == 0 {
			// Nothing listed as complete yet; probe a bounded sample so
			// running-state transitions still surface.
			targets = append(targets, fs[:MaxDirectQuery]...)
		}
	}
	return targets
}

// finish stops the scheduler and cleans each involved job exactly once.
func (w *Waiter) finish(working []*future.Future, skipCleanup bool) {
	if w.stopper != nil {
		w.stopper.Stop()
	}
	if skipCleanup || w.cleaner == nil {
		return
	}
	jobs := make(map[[2]string]struct{})
	for _, f := range working {
		jobs[[2]string{f.ExecutorID, f.JobID}] = struct{}{}
	}
	for key := range jobs {
		w.CleanJob(context.Background(), key[0], key[1])
	}
}

// CleanJob deletes a job's storage artifacts, at most once per
// (executor, job) pair for the lifetime of the waiter.
func (w *Waiter) CleanJob(ctx context.Context, executorID, jobID string) {
	key := [2]string{executorID, jobID}
	w.mu.Lock()
	if _, already := w.cleaned[key]; already {
		w.mu.Unlock()
		return
	}
	w.cleaned[key] = struct{}{}
	w.mu.Unlock()

	if err := w.cleaner.CleanJob(ctx, executorID, jobID); err != nil {
		metrics.RecordCleanup("error")
		logging.Op().Warn("job cleanup failed",
			"executor_id", executorID, "job_id", jobID, "error", err)
		return
	}
	metrics.RecordCleanup("ok")
}

// Cleaned reports whether the job's artifacts have been cleaned by this
// waiter.
func (w *Waiter) Cleaned(executorID, jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.cleaned[[2]string{executorID, jobID}]
	return ok
}

// GetResult waits with output fetching and collects the values of every
// completed call in input order. Calls that fail with throwOnError unset,
// produce no output, or resolve to nested futures contribute no value.
func (w *Waiter) GetResult(ctx context.Context, futures []*future.Future, opts Options) ([]json.RawMessage, error) {
	opts.FetchOutputs = true
	done, _, err := w.Wait(ctx, futures, opts)
	if err != nil {
		return nil, err
	}

	doneSet := make(map[*future.Future]struct{}, len(done))
	for _, f := range done {
		doneSet[f] = struct{}{}
	}

	var values []json.RawMessage
	for _, f := range futures {
		if _, ok := doneSet[f]; !ok {
			continue
		}
		if f.Failed() {
			// Only reachable with ThrowOnError unset: the wait swallowed
			// the failure, so the call contributes no value.
			continue
		}
		res, err := f.Result(ctx, opts.ThrowOnError)
		if err != nil {
			return nil, err
		}
		if res == nil || res.Value == nil {
			continue
		}
		values = append(values, res.Value)
	}
	return values, nil
}

func pending(working []*future.Future, fetchOutputs bool) []*future.Future {
	var out []*future.Future
	for _, f := range working {
		if resolvedFor(f, fetchOutputs) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// resolvedFor reports whether a future needs no further polling for the
// requested depth: terminal status for plain waits, resolved output for
// fetching waits.
func resolvedFor(f *future.Future, fetchOutputs bool) bool {
	if !fetchOutputs {
		return f.Done()
	}
	return f.State().Terminal()
}

func satisfied(working []*future.Future, mode Mode) bool {
	switch mode {
	case Always:
		return true
	case AnyCompleted:
		for _, f := range working {
			if f.Done() {
				return true
			}
		}
		return false
	default:
		for _, f := range working {
			if !f.Done() {
				return false
			}
		}
		return true
	}
}

func classify(working []*future.Future) (done, notDone []*future.Future) {
	for _, f := range working {
		if f.Done() {
			done = append(done, f)
		} else {
			notDone = append(notDone, f)
		}
	}
	return done, notDone
}

func countNotDone(working []*future.Future) int {
	n := 0
	for _, f := range working {
		if !f.Done() {
			n++
		}
	}
	return n
}
