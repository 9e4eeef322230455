// Package invoker implements the invocation scheduler: admission control
// over a fixed worker budget, direct dispatch for free slots, a token-fed
// pending queue for the rest, and per-job completion monitors feeding
// tokens back.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/stratusfn/stratus/internal/compute"
	"github.com/stratusfn/stratus/internal/config"
	"github.com/stratusfn/stratus/internal/future"
	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/logging"
	"github.com/stratusfn/stratus/internal/metrics"
	"github.com/stratusfn/stratus/internal/monitor"
	"github.com/stratusfn/stratus/internal/observability"
	"github.com/stratusfn/stratus/internal/storage"
)

// rejectionBackoff paces retries of calls the backend keeps refusing, so a
// throttled backend is not hammered by the dispatch loop.
const rejectionBackoff = 250 * time.Millisecond

// pendingEntry is one deferred call waiting for a token. A nil descriptor
// is the shutdown sentinel for dispatch workers.
type pendingEntry struct {
	job     *job.Descriptor
	callIdx int
	fut     *future.Future
}

// Scheduler owns the token bucket, the pending queue and the dispatch
// workers. One scheduler serves all jobs of an executor.
type Scheduler struct {
	cfg     config.EngineConfig
	store   storage.Store
	handles []compute.Handle
	channel monitor.CompletionChannel
	cadence config.MonitorConfig
	spawner Spawner

	tokens  chan struct{}
	pending chan pendingEntry

	running atomic.Bool
	ongoing atomic.Int64

	sf singleflight.Group

	mu       sync.Mutex
	monitors []*monitor.Monitor

	futureOpts []future.Option
}

// Option adjusts a scheduler.
type Option func(*Scheduler)

// WithChannel makes monitors use the publish/subscribe strategy.
func WithChannel(ch monitor.CompletionChannel) Option {
	return func(s *Scheduler) { s.channel = ch }
}

// WithMonitorCadence overrides the polling cadence of job monitors.
func WithMonitorCadence(initialDelay, pollInterval time.Duration) Option {
	return func(s *Scheduler) {
		s.cadence.InitialDelay = initialDelay
		s.cadence.PollInterval = pollInterval
	}
}

// WithSpawner overrides the dispatch worker strategy.
func WithSpawner(sp Spawner) Option {
	return func(s *Scheduler) { s.spawner = sp }
}

// WithFutureOptions applies options to every future the scheduler creates.
func WithFutureOptions(opts ...future.Option) Option {
	return func(s *Scheduler) { s.futureOpts = opts }
}

// New creates a stopped scheduler. The first Run starts the dispatch
// workers.
func New(cfg config.EngineConfig, store storage.Store, handles []compute.Handle, opts ...Option) (*Scheduler, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("at least one compute handle is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker budget must be positive, got %d", cfg.Workers)
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 2
	}
	if cfg.PendingQueueSize <= 0 {
		cfg.PendingQueueSize = 32768
	}
	if cfg.InvokePoolThreads <= 0 {
		cfg.InvokePoolThreads = 500
	}
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		handles: handles,
		cadence: config.MonitorConfig{
			InitialDelay: monitor.DefaultInitialDelay,
			PollInterval: monitor.DefaultPollInterval,
		},
		tokens:  make(chan struct{}, cfg.Workers),
		pending: make(chan pendingEntry, cfg.PendingQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.spawner == nil {
		s.spawner = &GoroutineSpawner{}
	}
	return s, nil
}

// IssueToken returns one unit of admission capacity to the bucket. Called
// by completion monitors, once per finished call.
func (s *Scheduler) IssueToken() {
	for {
		n := s.ongoing.Load()
		if n <= 0 {
			break
		}
		if s.ongoing.CompareAndSwap(n, n-1) {
			metrics.SetOngoingActivations(n - 1)
			break
		}
	}
	metrics.RecordTokenIssued()
	select {
	case s.tokens <- struct{}{}:
	default:
		// Bucket full: capacity is already fully signalled.
	}
}

// Ongoing returns the number of activations currently counted in flight.
func (s *Scheduler) Ongoing() int64 {
	return s.ongoing.Load()
}

// SelectRuntime ensures every compute handle has the job's runtime
// installed and that its environment version matches ours. Installation is
// deduplicated across concurrent jobs per runtime key.
func (s *Scheduler) SelectRuntime(ctx context.Context, runtimeName string, memoryMB int) (*job.RuntimeMeta, error) {
	var meta *job.RuntimeMeta
	for _, h := range s.handles {
		key := h.RuntimeKey(runtimeName, memoryMB)
		v, err, _ := s.sf.Do(key, func() (any, error) {
			storageKey := s.store.Keys().Runtime(key)
			m, err := s.store.GetRuntimeMeta(ctx, storageKey)
			if err == nil {
				return m, nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("get runtime meta %s: %w", key, err)
			}
			logging.Op().Info("installing runtime",
				"runtime", runtimeName, "memory_mb", memoryMB, "key", key)
			m, err = h.CreateRuntime(ctx, runtimeName, memoryMB, s.cfg.RuntimeTimeout)
			if err != nil {
				return nil, fmt.Errorf("create runtime %s: %w", key, err)
			}
			if err := s.store.PutRuntimeMeta(ctx, storageKey, m); err != nil {
				return nil, fmt.Errorf("cache runtime meta %s: %w", key, err)
			}
			return m, nil
		})
		if err != nil {
			return nil, err
		}
		meta = v.(*job.RuntimeMeta)
		if !meta.Compatible() {
			return nil, &job.RuntimeMismatchError{
				RuntimeName:   runtimeName,
				RemoteVersion: meta.EnvVersion,
				LocalVersion:  job.Version,
			}
		}
	}
	return meta, nil
}

// Run dispatches one job and returns its futures, all in the invoked
// state. Direct dispatch covers the free worker slots; the rest is
// enqueued behind the token bucket.
func (s *Scheduler) Run(ctx context.Context, d *job.Descriptor) ([]*future.Future, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.run",
		observability.AttrExecutorID.String(d.ExecutorID),
		observability.AttrJobID.String(d.JobID),
		observability.AttrTotalCalls.Int(d.TotalCalls),
		observability.AttrRuntime.String(d.RuntimeName))
	defer span.End()

	if d.TotalCalls <= 0 {
		return nil, fmt.Errorf("job %s has no calls", d.JobID)
	}

	if _, err := s.SelectRuntime(ctx, d.RuntimeName, d.RuntimeMemoryMB); err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	s.start()

	futures := make([]*future.Future, d.TotalCalls)
	for i := range futures {
		futures[i] = future.New(s.store, d.ExecutorID, d.JobID, job.CallID(i), s.futureOpts...)
	}

	if s.cfg.RemoteInvoker && d.TotalCalls > 1 {
		if err := s.runRemote(ctx, d); err != nil {
			observability.SetSpanError(span, err)
			return nil, err
		}
		for _, f := range futures {
			f.MarkInvoked("")
		}
		s.startMonitor(ctx, d)
		return futures, nil
	}

	free := s.cfg.Workers - int(s.ongoing.Load())
	if free < 0 {
		free = 0
	}
	direct := min(free, d.TotalCalls)

	if direct > 0 {
		poolSize := d.InvokePoolThreads
		if poolSize <= 0 {
			poolSize = s.cfg.InvokePoolThreads
		}
		var admitted atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(poolSize)
		for i := 0; i < direct; i++ {
			i := i
			g.Go(func() error {
				ok, err := s.invokeDirect(gctx, d, i, futures[i])
				if ok {
					admitted.Add(1)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			// The job gets no monitor, so completions of the calls already
			// admitted would never return their slots. Give them back now.
			s.releaseSlots(admitted.Load())
			observability.SetSpanError(span, err)
			return nil, err
		}
	}

	for i := direct; i < d.TotalCalls; i++ {
		s.enqueue(pendingEntry{job: d, callIdx: i, fut: futures[i]})
		futures[i].MarkInvoked("")
	}
	metrics.SetPendingDepth(len(s.pending))

	logging.Op().Info("job dispatched",
		"executor_id", d.ExecutorID, "job_id", d.JobID,
		"total_calls", d.TotalCalls, "direct", direct, "queued", d.TotalCalls-direct)

	s.startMonitor(ctx, d)
	observability.SetSpanOK(span)
	return futures, nil
}

// runRemote delegates the whole job to one oversized invocation that fans
// out the calls from inside the backend.
func (s *Scheduler) runRemote(ctx context.Context, d *job.Descriptor) error {
	h := s.pickHandle()
	payload := job.NewRemoteInvokerPayload(d)
	start := time.Now()
	actID, err := h.Invoke(ctx, d.RuntimeName, job.RemoteInvokerMemoryMB, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", job.ErrInvocationFailed, err)
	}
	if actID == "" {
		return job.ErrInvocationFailed
	}
	metrics.RecordInvocation("remote", "ok", time.Since(start).Milliseconds())
	s.ongoing.Add(int64(d.TotalCalls))
	logging.Op().Info("job delegated to remote invoker",
		"executor_id", d.ExecutorID, "job_id", d.JobID,
		"activation_id", actID, "total_calls", d.TotalCalls)
	return nil
}

// invokeDirect dispatches one call synchronously, reporting whether the
// backend admitted it. A rejection sends the call to the pending queue
// instead of surfacing an error.
func (s *Scheduler) invokeDirect(ctx context.Context, d *job.Descriptor, callIdx int, f *future.Future) (bool, error) {
	payload := job.NewPayload(d, callIdx)
	h := s.pickHandle()
	start := time.Now()
	actID, err := h.Invoke(ctx, d.RuntimeName, d.RuntimeMemoryMB, payload)
	if err != nil {
		metrics.RecordInvocation("direct", "error", time.Since(start).Milliseconds())
		return false, fmt.Errorf("invoke call %s: %w", payload.CallID, err)
	}
	if actID == "" {
		// A rejected call occupies no worker slot, so it carries its own
		// retry token into the queue.
		metrics.RecordRejection()
		s.requeue(pendingEntry{job: d, callIdx: callIdx, fut: f})
		f.MarkInvoked("")
		return false, nil
	}
	metrics.RecordInvocation("direct", "ok", time.Since(start).Milliseconds())
	metrics.SetOngoingActivations(s.ongoing.Add(1))
	f.MarkInvoked(actID)
	return true, nil
}

// releaseSlots decrements the in-flight count for calls whose completions
// no monitor will observe, flooring at zero like the token path.
func (s *Scheduler) releaseSlots(n int64) {
	for ; n > 0; n-- {
		cur := s.ongoing.Load()
		for cur > 0 && !s.ongoing.CompareAndSwap(cur, cur-1) {
			cur = s.ongoing.Load()
		}
		if cur > 0 {
			metrics.SetOngoingActivations(cur - 1)
		}
	}
}

func (s *Scheduler) pickHandle() compute.Handle {
	if len(s.handles) == 1 {
		return s.handles[0]
	}
	return s.handles[rand.Intn(len(s.handles))]
}

func (s *Scheduler) enqueue(e pendingEntry) {
	s.pending <- e
}

// start brings up the dispatch workers on the first run after creation or
// a stop, draining stale tokens and resetting the activation count from
// the idle period.
func (s *Scheduler) start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case <-s.tokens:
			continue
		default:
		}
		break
	}
	s.ongoing.Store(0)
	metrics.SetOngoingActivations(0)
	for i := 0; i < s.cfg.DispatchWorkers; i++ {
		s.spawner.Spawn(func() { s.dispatchLoop(i) })
	}
	logging.Op().Debug("dispatch workers started", "count", s.cfg.DispatchWorkers)
}

// dispatchLoop is the background worker: one token, one pending entry, one
// invocation. Rejections re-enqueue the entry unchanged.
func (s *Scheduler) dispatchLoop(id int) {
	ctx := context.Background()
	for {
		<-s.tokens
		if !s.running.Load() {
			return
		}
		e := <-s.pending
		if e.job == nil || !s.running.Load() {
			return
		}
		metrics.SetPendingDepth(len(s.pending))

		payload := job.NewPayload(e.job, e.callIdx)
		h := s.pickHandle()
		start := time.Now()
		actID, err := h.Invoke(ctx, e.job.RuntimeName, e.job.RuntimeMemoryMB, payload)
		if err != nil {
			metrics.RecordInvocation("queued", "error", time.Since(start).Milliseconds())
			logging.Op().Warn("queued invocation failed, re-enqueueing",
				"worker", id, "call_id", payload.CallID, "error", err)
			s.requeue(e)
			continue
		}
		if actID == "" {
			metrics.RecordRejection()
			time.Sleep(rejectionBackoff)
			s.requeue(e)
			continue
		}
		metrics.RecordInvocation("queued", "ok", time.Since(start).Milliseconds())
		metrics.SetOngoingActivations(s.ongoing.Add(1))
		e.fut.MarkInvoked(actID)
	}
}

// requeue puts a rejected entry back and returns its token so another
// worker can retry it once the backend has capacity again.
func (s *Scheduler) requeue(e pendingEntry) {
	s.enqueue(e)
	select {
	case s.tokens <- struct{}{}:
	default:
	}
}

func (s *Scheduler) startMonitor(ctx context.Context, d *job.Descriptor) {
	opts := []monitor.Option{
		monitor.WithCadence(s.cadence.InitialDelay, s.cadence.PollInterval),
	}
	if s.channel != nil {
		opts = append(opts, monitor.WithChannel(s.channel))
	}
	m := monitor.New(s.store, d, s, opts...)

	s.mu.Lock()
	s.monitors = append(s.monitors, m)
	metrics.SetActiveJobs(len(s.monitors))
	s.mu.Unlock()

	m.Start(ctx)
	go func() {
		<-m.Done()
		s.pruneMonitor(m)
	}()
}

// pruneMonitor drops a finished monitor so the active-jobs gauge and the
// Stop list track only jobs still being watched.
func (s *Scheduler) pruneMonitor(m *monitor.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.monitors {
		if other == m {
			s.monitors = append(s.monitors[:i], s.monitors[i+1:]...)
			metrics.SetActiveJobs(len(s.monitors))
			return
		}
	}
}

// ActiveJobs returns how many jobs still have a completion monitor running.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Stop shuts down the dispatch workers and the job monitors, then drains
// the pending queue. Subsequent Run calls restart the workers.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	// One sentinel token/pending pair per worker unblocks both takes.
	for i := 0; i < s.cfg.DispatchWorkers; i++ {
		select {
		case s.tokens <- struct{}{}:
		default:
		}
		select {
		case s.pending <- pendingEntry{}:
		default:
		}
	}

	s.mu.Lock()
	monitors := s.monitors
	s.monitors = nil
	metrics.SetActiveJobs(0)
	s.mu.Unlock()
	for _, m := range monitors {
		m.Stop()
	}

	if gs, ok := s.spawner.(*GoroutineSpawner); ok {
		gs.Wait()
	}

	for {
		select {
		case <-s.pending:
			continue
		default:
		}
		break
	}
	metrics.SetPendingDepth(0)
	logging.Op().Debug("scheduler stopped")
}

// Running reports whether dispatch workers are up.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}
