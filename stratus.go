package stratus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stratusfn/stratus/internal/compute"
	"github.com/stratusfn/stratus/internal/config"
	"github.com/stratusfn/stratus/internal/future"
	"github.com/stratusfn/stratus/internal/invoker"
	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/logging"
	"github.com/stratusfn/stratus/internal/metrics"
	"github.com/stratusfn/stratus/internal/monitor"
	"github.com/stratusfn/stratus/internal/observability"
	"github.com/stratusfn/stratus/internal/storage"
	"github.com/stratusfn/stratus/internal/wait"
)

// FunctionExecutor is the entry point: it builds jobs, dispatches them
// through the scheduler, and joins their futures. One executor owns one
// executor id; job ids are assigned monotonically within it.
type FunctionExecutor struct {
	cfg     *config.Config
	store   storage.Store
	handles []compute.Handle
	channel monitor.CompletionChannel

	scheduler *invoker.Scheduler
	waiter    *wait.Waiter
	cleaner   *storage.Cleaner
	callLog   *logging.Logger

	executorID string

	mu      sync.Mutex
	jobSeq  int
	futures []*future.Future

	futureOpts   []future.Option
	monitorDelay time.Duration
	monitorPoll  time.Duration
}

// New creates an executor. Without options it runs fully in-process: an
// in-memory status store and a local compute backend.
func New(opts ...Option) (*FunctionExecutor, error) {
	ex := &FunctionExecutor{
		executorID: uuid.New().String(),
	}
	for _, opt := range opts {
		if err := opt(ex); err != nil {
			return nil, err
		}
	}

	if ex.cfg == nil {
		ex.cfg = config.Default()
	}
	if err := ex.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if ex.cfg.Engine.LogLevel != "" {
		logging.SetLevelFromString(ex.cfg.Engine.LogLevel)
	}
	metrics.Init("stratus")
	if ex.cfg.Telemetry.Enabled {
		err := observability.Init(context.Background(), observability.Config{
			Enabled:     true,
			Endpoint:    ex.cfg.Telemetry.Endpoint,
			ServiceName: "stratus",
			SampleRate:  ex.cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize telemetry: %w", err)
		}
	}
	if ex.monitorDelay == 0 {
		ex.monitorDelay = ex.cfg.Monitor.InitialDelay
	}
	if ex.monitorPoll == 0 {
		ex.monitorPoll = ex.cfg.Monitor.PollInterval
	}

	if ex.store == nil {
		store, err := buildStore(context.Background(), ex.cfg)
		if err != nil {
			return nil, err
		}
		ex.store = store
	}
	if ex.channel == nil && ex.cfg.Monitor.PubSub {
		client := redis.NewClient(&redis.Options{
			Addr:     ex.cfg.Redis.Addr,
			Password: ex.cfg.Redis.Password,
			DB:       ex.cfg.Redis.DB,
		})
		ex.channel = monitor.NewRedisChannel(client)
	}
	if len(ex.handles) == 0 {
		if ex.cfg.Compute.Endpoint == "" {
			ex.handles = []compute.Handle{compute.NewLocalBackend(ex.store)}
		} else {
			handles, err := buildHandles(ex.cfg)
			if err != nil {
				return nil, err
			}
			ex.handles = handles
		}
	}

	schedOpts := []invoker.Option{
		invoker.WithMonitorCadence(ex.monitorDelay, ex.monitorPoll),
	}
	if ex.channel != nil {
		schedOpts = append(schedOpts, invoker.WithChannel(ex.channel))
	}
	if len(ex.futureOpts) > 0 {
		schedOpts = append(schedOpts, invoker.WithFutureOptions(ex.futureOpts...))
	}
	scheduler, err := invoker.New(ex.cfg.Engine, ex.store, ex.handles, schedOpts...)
	if err != nil {
		return nil, err
	}
	ex.scheduler = scheduler

	if ex.cfg.Engine.DataCleaner {
		ex.cleaner = storage.NewCleaner(ex.store, ex.cfg.Storage.Prefix)
		// Retry failed deletions in the background.
		if err := ex.cleaner.StartSweeper("@every 5m"); err != nil {
			logging.Op().Warn("cleanup sweeper failed to start", "error", err)
		}
	}
	ex.waiter = wait.New(ex.store, ex.cleaner, scheduler)
	ex.callLog = logging.Default()

	logging.Op().Info("executor created",
		"executor_id", ex.executorID,
		"workers", ex.cfg.Engine.Workers,
		"storage", ex.cfg.Storage.Backend)
	return ex, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return storage.NewMemoryStore(cfg.Storage.Prefix), nil
	case "redis":
		return storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Storage.Prefix)
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.Storage.DSN, cfg.Storage.Prefix)
	case "s3":
		return storage.NewS3Store(ctx, cfg.Storage.Bucket, cfg.Storage.Region, cfg.Storage.Prefix)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func buildHandles(cfg *config.Config) ([]compute.Handle, error) {
	endpoints := append([]string{cfg.Compute.Endpoint}, cfg.Compute.Regions...)
	sleeps := make([]time.Duration, 0, len(cfg.Compute.RetrySleepsSec))
	for _, s := range cfg.Compute.RetrySleepsSec {
		sleeps = append(sleeps, time.Duration(s)*time.Second)
	}
	handles := make([]compute.Handle, 0, len(endpoints))
	for _, endpoint := range endpoints {
		h, err := compute.NewHTTPBackend(compute.HTTPOptions{
			Endpoint:        endpoint,
			Namespace:       cfg.Compute.Namespace,
			APIKey:          cfg.Compute.APIKey,
			InvocationRetry: cfg.Compute.InvocationRetry,
			Retries:         cfg.Compute.Retries,
			RetrySleeps:     sleeps,
		})
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ExecutorID returns this executor's unique id.
func (ex *FunctionExecutor) ExecutorID() string {
	return ex.executorID
}

// nextJobID assigns the next monotonic job id.
func (ex *FunctionExecutor) nextJobID() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	id := fmt.Sprintf("M%03d", ex.jobSeq)
	ex.jobSeq++
	return id
}

// Map dispatches one call per argument against funcName and returns their
// futures. The serialized function blob and the aggregated argument blob
// are written to the status store before dispatch.
func (ex *FunctionExecutor) Map(ctx context.Context, funcName string, funcBlob []byte, args []json.RawMessage) ([]*future.Future, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("map over no arguments")
	}
	jobID := ex.nextJobID()

	ctx, span := observability.StartSpan(ctx, "executor.map",
		observability.AttrExecutorID.String(ex.executorID),
		observability.AttrJobID.String(jobID),
		observability.AttrTotalCalls.Int(len(args)))
	defer span.End()

	keys := ex.store.Keys()
	funcKey := keys.Func(ex.executorID, jobID)
	if err := ex.store.PutData(ctx, funcKey, funcBlob); err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("upload function: %w", err)
	}

	agg, ranges := aggregateArgs(args)
	dataKey := keys.AggData(ex.executorID, jobID)
	if err := ex.store.PutData(ctx, dataKey, agg); err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("upload call data: %w", err)
	}

	d := &job.Descriptor{
		ExecutorID:        ex.executorID,
		JobID:             jobID,
		FuncName:          funcName,
		TotalCalls:        len(args),
		RuntimeName:       ex.cfg.Engine.RuntimeName,
		RuntimeMemoryMB:   ex.cfg.Engine.RuntimeMemoryMB,
		ExecutionTimeout:  ex.cfg.Engine.ExecutionTimeout,
		FuncKey:           funcKey,
		DataKey:           dataKey,
		DataRanges:        ranges,
		InvokePoolThreads: ex.cfg.Engine.InvokePoolThreads,
	}

	futures, err := ex.scheduler.Run(ctx, d)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	ex.mu.Lock()
	ex.futures = append(ex.futures, futures...)
	ex.mu.Unlock()

	observability.SetSpanOK(span)
	return futures, nil
}

// aggregateArgs packs the per-call argument blobs into one object with a
// byte range per call, saving one storage write per call on large jobs.
func aggregateArgs(args []json.RawMessage) ([]byte, []job.ByteRange) {
	total := 0
	for _, a := range args {
		total += len(a)
	}
	agg := make([]byte, 0, total)
	ranges := make([]job.ByteRange, 0, len(args))
	for _, a := range args {
		ranges = append(ranges, job.ByteRange{
			Offset: int64(len(agg)),
			Length: int64(len(a)),
		})
		agg = append(agg, a...)
	}
	return agg, ranges
}

// Wait blocks until the futures meet the completion condition. With no
// explicit futures it joins everything this executor has dispatched.
func (ex *FunctionExecutor) Wait(ctx context.Context, futures []*future.Future, opts wait.Options) (done, notDone []*future.Future, err error) {
	if futures == nil {
		ex.mu.Lock()
		futures = append([]*future.Future(nil), ex.futures...)
		ex.mu.Unlock()
	}
	if !ex.cfg.Engine.DataCleaner {
		opts.SkipCleanup = true
	}
	done, notDone, err = ex.waiter.Wait(ctx, futures, opts)
	ex.logOutcome(done)
	return done, notDone, err
}

// GetResult waits for the futures with output fetching and returns their
// values in input order. Exactly one value comes back bare instead of as a
// one-element slice.
func (ex *FunctionExecutor) GetResult(ctx context.Context, futures []*future.Future, opts wait.Options) (any, error) {
	if futures == nil {
		ex.mu.Lock()
		futures = append([]*future.Future(nil), ex.futures...)
		ex.mu.Unlock()
	}
	if !ex.cfg.Engine.DataCleaner {
		opts.SkipCleanup = true
	}
	values, err := ex.waiter.GetResult(ctx, futures, opts)
	ex.logOutcome(futures)
	if err != nil {
		return nil, err
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// logOutcome appends one structured record per settled call to the call
// log.
func (ex *FunctionExecutor) logOutcome(futures []*future.Future) {
	if ex.callLog == nil {
		return
	}
	for _, f := range futures {
		if !f.State().Terminal() {
			continue
		}
		entry := logging.CallLog{
			ExecutorID:   f.ExecutorID,
			JobID:        f.JobID,
			CallID:       f.CallID,
			ActivationID: f.ActivationID(),
			Runtime:      ex.cfg.Engine.RuntimeName,
			Success:      !f.Failed(),
			StatusPolls:  int(f.StatusPolls()),
			OutputPolls:  int(f.OutputPolls()),
		}
		if st := f.CachedStatus(); st != nil {
			entry.DurationMs = int64(st.Duration() * 1000)
		}
		if entry.DurationMs == 0 {
			if settled := f.SettledAt(); !settled.IsZero() {
				entry.DurationMs = settled.Sub(f.SubmittedAt()).Milliseconds()
			}
		}
		if remote := f.RemoteError(); remote != nil {
			entry.Error = remote.Message
		}
		ex.callLog.Log(&entry)
	}
}

// Clean deletes the storage artifacts of every job this executor has
// dispatched, respecting the once-per-job guarantee.
func (ex *FunctionExecutor) Clean(ctx context.Context) {
	if ex.cleaner == nil {
		return
	}
	jobs := make(map[[2]string]struct{})
	ex.mu.Lock()
	for _, f := range ex.futures {
		jobs[[2]string{f.ExecutorID, f.JobID}] = struct{}{}
	}
	ex.mu.Unlock()
	for key := range jobs {
		ex.waiter.CleanJob(ctx, key[0], key[1])
	}
}

// MetricsHandler exposes the Prometheus scrape endpoint for the engine's
// collectors.
func (ex *FunctionExecutor) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Close stops the scheduler and its monitors. The executor is reusable
// afterwards; the next Map restarts the dispatch workers.
func (ex *FunctionExecutor) Close() {
	ex.scheduler.Stop()
	if ex.cleaner != nil {
		ex.cleaner.StopSweeper()
	}
	metrics.SetActiveJobs(0)
	if observability.Enabled() {
		if err := observability.Shutdown(context.Background()); err != nil {
			logging.Op().Debug("telemetry shutdown failed", "error", err)
		}
	}
	logging.Op().Debug("executor closed", "executor_id", ex.executorID)
}
