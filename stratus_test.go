package stratus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stratusfn/stratus/internal/compute"
	"github.com/stratusfn/stratus/internal/config"
	"github.com/stratusfn/stratus/internal/future"
	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/storage"
)

// doubler decodes its argument slice as an integer and doubles it.
func doubler(store storage.Store) compute.HandlerFunc {
	return func(ctx context.Context, p *job.Payload) (*job.Output, *job.FailureInfo) {
		data, err := store.GetData(ctx, p.DataKey)
		if err != nil {
			return nil, &job.FailureInfo{Code: job.FailureGeneric, Message: err.Error()}
		}
		if p.DataRange != nil {
			data = data[p.DataRange.Offset : p.DataRange.Offset+p.DataRange.Length]
		}
		n, err := strconv.Atoi(string(data))
		if err != nil {
			return nil, &job.FailureInfo{Code: job.FailureGeneric, Message: err.Error()}
		}
		value, _ := json.Marshal(n * 2)
		return &job.Output{Value: value}, nil
	}
}

func newTestExecutor(t *testing.T, workers int, backendOpts ...compute.LocalOption) (*FunctionExecutor, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore("stratus.jobs")
	if len(backendOpts) == 0 {
		backendOpts = []compute.LocalOption{compute.WithHandler(doubler(store))}
	}
	cfg := config.Default()
	cfg.Engine.Workers = workers
	cfg.Engine.LogLevel = "error"

	ex, err := New(
		WithConfig(cfg),
		WithStore(store),
		WithComputeHandles(compute.NewLocalBackend(store, backendOpts...)),
		WithMonitorCadence(time.Millisecond, time.Millisecond),
		WithFutureOptions(future.WithPollIntervals(time.Millisecond, time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ex.Close)
	return ex, store
}

func intArgs(n int) []json.RawMessage {
	args := make([]json.RawMessage, n)
	for i := range args {
		args[i] = json.RawMessage(strconv.Itoa(i))
	}
	return args
}

func waitOpts() WaitOptions {
	opts := DefaultWaitOptions()
	opts.PollInterval = time.Millisecond
	return opts
}

func TestMapAndWaitRoundTrip(t *testing.T) {
	ex, _ := newTestExecutor(t, 10)

	futures, err := ex.Map(context.Background(), "double", []byte("double-v1"), intArgs(8))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(futures) != 8 {
		t.Fatalf("futures = %d, want 8", len(futures))
	}

	done, notDone, err := ex.Wait(context.Background(), futures, waitOpts())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(done) != 8 || len(notDone) != 0 {
		t.Fatalf("done=%d notDone=%d, want 8/0", len(done), len(notDone))
	}
}

func TestThreeCallsTwoWorkers(t *testing.T) {
	ex, _ := newTestExecutor(t, 2)

	// Two calls fit the budget, the third waits for a completion token.
	futures, err := ex.Map(context.Background(), "double", []byte("double-v1"), intArgs(3))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	done, notDone, err := ex.Wait(context.Background(), futures, waitOpts())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(done) != 3 || len(notDone) != 0 {
		t.Fatalf("done=%d notDone=%d, want 3/0", len(done), len(notDone))
	}
}

func TestGetResultValues(t *testing.T) {
	ex, _ := newTestExecutor(t, 10)

	futures, err := ex.Map(context.Background(), "double", []byte("double-v1"), intArgs(3))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	out, err := ex.GetResult(context.Background(), futures, waitOpts())
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	values, ok := out.([]json.RawMessage)
	if !ok {
		t.Fatalf("result type %T, want a slice for multiple calls", out)
	}
	for i, raw := range values {
		var v int
		if err := json.Unmarshal(raw, &v); err != nil || v != i*2 {
			t.Fatalf("value %d = %s, want %d", i, raw, i*2)
		}
	}
}

func TestGetResultSingleValue(t *testing.T) {
	ex, _ := newTestExecutor(t, 10)

	futures, err := ex.Map(context.Background(), "double", []byte("double-v1"), intArgs(1))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	out, err := ex.GetResult(context.Background(), futures, waitOpts())
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	raw, ok := out.(json.RawMessage)
	if !ok {
		t.Fatalf("result type %T, want a bare value for one call", out)
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil || v != 0 {
		t.Fatalf("value = %s, want 0", raw)
	}
}

func TestExecutionTimeoutSurfaces(t *testing.T) {
	store := storage.NewMemoryStore("stratus.jobs")
	backend := compute.NewLocalBackend(store, compute.WithHandler(
		func(ctx context.Context, p *job.Payload) (*job.Output, *job.FailureInfo) {
			return nil, &job.FailureInfo{Code: job.FailureTimeout}
		}))
	cfg := config.Default()
	cfg.Engine.LogLevel = "error"
	ex, err := New(
		WithConfig(cfg),
		WithStore(store),
		WithComputeHandles(backend),
		WithMonitorCadence(time.Millisecond, time.Millisecond),
		WithFutureOptions(future.WithPollIntervals(time.Millisecond, time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ex.Close()

	futures, err := ex.Map(context.Background(), "hang", []byte("hang-v1"), intArgs(1))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	_, _, err = ex.Wait(context.Background(), futures, waitOpts())
	var remote *job.RemoteExecutionError
	if !errors.As(err, &remote) {
		t.Fatalf("Wait: %v, want RemoteExecutionError", err)
	}
	if remote.Message != "Process ran out of time and was killed" {
		t.Fatalf("message = %q", remote.Message)
	}
}

func TestWaitTimeoutReportsNotDone(t *testing.T) {
	store := storage.NewMemoryStore("stratus.jobs")
	// The backend admits calls but never writes a status blob.
	backend := compute.NewLocalBackend(store, compute.WithHandler(
		func(ctx context.Context, p *job.Payload) (*job.Output, *job.FailureInfo) {
			select {} // never returns
		}))
	cfg := config.Default()
	cfg.Engine.LogLevel = "error"
	ex, err := New(
		WithConfig(cfg),
		WithStore(store),
		WithComputeHandles(backend),
		WithMonitorCadence(time.Millisecond, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ex.Close()

	futures, err := ex.Map(context.Background(), "hang", []byte("hang-v1"), intArgs(2))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	opts := waitOpts()
	opts.Timeout = 50 * time.Millisecond
	_, notDone, err := ex.Wait(context.Background(), futures, opts)
	var timeout *job.WaitTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Wait: %v, want WaitTimeoutError", err)
	}
	if timeout.NotDone != 2 || len(notDone) != 2 {
		t.Fatalf("timeout not-done = %d (classified %d), want 2", timeout.NotDone, len(notDone))
	}
}

func TestRejectedCallsEventuallyRun(t *testing.T) {
	store := storage.NewMemoryStore("stratus.jobs")
	backend := compute.NewLocalBackend(store,
		compute.WithHandler(doubler(store)),
		compute.WithRejections(2))
	cfg := config.Default()
	cfg.Engine.Workers = 4
	cfg.Engine.LogLevel = "error"
	ex, err := New(
		WithConfig(cfg),
		WithStore(store),
		WithComputeHandles(backend),
		WithMonitorCadence(time.Millisecond, time.Millisecond),
		WithFutureOptions(future.WithPollIntervals(time.Millisecond, time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ex.Close()

	futures, err := ex.Map(context.Background(), "double", []byte("double-v1"), intArgs(4))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	done, notDone, err := ex.Wait(context.Background(), futures, waitOpts())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(done) != 4 || len(notDone) != 0 {
		t.Fatalf("done=%d notDone=%d, want 4/0", len(done), len(notDone))
	}
}

func TestCleanupAfterWait(t *testing.T) {
	ex, store := newTestExecutor(t, 10)

	futures, err := ex.Map(context.Background(), "double", []byte("double-v1"), intArgs(2))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	jobID := futures[0].JobID

	if _, _, err := ex.Wait(context.Background(), futures, waitOpts()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	keys, _ := store.ListKeys(context.Background(),
		store.Keys().Job(ex.ExecutorID(), jobID))
	if len(keys) != 0 {
		t.Fatalf("artifacts left after wait: %v", keys)
	}
}

func TestJobIDsAreMonotonic(t *testing.T) {
	ex, _ := newTestExecutor(t, 10)

	first, err := ex.Map(context.Background(), "double", []byte("b"), intArgs(1))
	if err != nil {
		t.Fatal(err)
	}
	second, err := ex.Map(context.Background(), "double", []byte("b"), intArgs(1))
	if err != nil {
		t.Fatal(err)
	}
	if first[0].JobID != "M000" || second[0].JobID != "M001" {
		t.Fatalf("job ids = %s, %s, want M000 then M001", first[0].JobID, second[0].JobID)
	}
}
