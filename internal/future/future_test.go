package future

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/storage"
)

func fastOpts() []Option {
	return []Option{
		WithPollIntervals(time.Millisecond, time.Millisecond),
		WithOutputAttempts(3),
	}
}

func putTerminal(t *testing.T, store storage.Store, callID string, exc *job.FailureInfo, value any) {
	t.Helper()
	ctx := context.Background()
	st := &job.Status{
		Type: job.StatusEnd, ExecutorID: "ex1", JobID: "M000", CallID: callID,
		ActivationID: "act-" + callID,
	}
	if exc != nil {
		st.Exception = true
		st.ExcInfo = exc
	} else if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			t.Fatal(err)
		}
		data, _ := json.Marshal(&job.Output{Value: raw})
		if err := store.PutData(ctx, store.Keys().Output("ex1", "M000", callID), data); err != nil {
			t.Fatal(err)
		}
		st.Result = true
	}
	if err := store.PutStatus(ctx, st); err != nil {
		t.Fatal(err)
	}
}

func TestStatusBeforeDispatch(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	f := New(store, "ex1", "M000", "00000", fastOpts()...)

	if _, err := f.Status(context.Background()); !errors.Is(err, job.ErrInvalidState) {
		t.Fatalf("Status on undispatched future: %v, want ErrInvalidState", err)
	}
	if _, err := f.Result(context.Background(), true); !errors.Is(err, job.ErrInvalidState) {
		t.Fatalf("Result on undispatched future: %v, want ErrInvalidState", err)
	}
}

func TestStatusRunningTransition(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	ctx := context.Background()
	store.PutStatus(ctx, &job.Status{
		Type: job.StatusInit, ExecutorID: "ex1", JobID: "M000", CallID: "00000",
	})

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	st, err := f.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Terminal() {
		t.Fatal("init marker reported as terminal")
	}
	if f.State() != StateRunning {
		t.Fatalf("state = %v, want running", f.State())
	}
}

func TestResultSuccess(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	putTerminal(t, store, "00000", nil, 42)

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	res, err := f.Result(context.Background(), true)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	var v int
	if err := json.Unmarshal(res.Value, &v); err != nil || v != 42 {
		t.Fatalf("value = %s (%v), want 42", res.Value, err)
	}
	if f.State() != StateSuccess {
		t.Fatalf("state = %v, want success", f.State())
	}
	if settled := f.SettledAt(); settled.IsZero() || settled.Before(f.SubmittedAt()) {
		t.Fatalf("settled at %v, submitted at %v", settled, f.SubmittedAt())
	}

	// Idempotent read: no further store traffic.
	statusPolls, outputPolls := f.StatusPolls(), f.OutputPolls()
	res2, err := f.Result(context.Background(), true)
	if err != nil {
		t.Fatalf("second Result: %v", err)
	}
	if string(res2.Value) != string(res.Value) {
		t.Fatal("second Result returned a different value")
	}
	if f.StatusPolls() != statusPolls || f.OutputPolls() != outputPolls {
		t.Fatal("cached Result re-polled the status store")
	}
}

func TestResultNoOutput(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	putTerminal(t, store, "00000", nil, nil)

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	res, err := f.Result(context.Background(), true)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res == nil || res.Value != nil || len(res.Futures) != 0 {
		t.Fatalf("result = %+v, want empty", res)
	}
	if f.State() != StateSuccess {
		t.Fatalf("state = %v, want success straight from terminal status", f.State())
	}
	if f.OutputPolls() != 0 {
		t.Fatal("output polled for a call that produced none")
	}
}

func TestStatusTimeoutFailure(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	putTerminal(t, store, "00000", &job.FailureInfo{Code: job.FailureTimeout}, nil)

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	_, err := f.Status(context.Background())
	var remote *job.RemoteExecutionError
	if !errors.As(err, &remote) {
		t.Fatalf("Status: %v, want RemoteExecutionError", err)
	}
	if remote.Message != "Process ran out of time and was killed" {
		t.Fatalf("message = %q", remote.Message)
	}
	if f.State() != StateError {
		t.Fatalf("state = %v, want error", f.State())
	}
}

func TestFailureSurfacesInBothModes(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	putTerminal(t, store, "00000", &job.FailureInfo{Code: job.FailureOutOfMemory}, nil)

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	st, err := f.Status(context.Background())
	var remote *job.RemoteExecutionError
	if !errors.As(err, &remote) {
		t.Fatalf("Status: %v, want RemoteExecutionError", err)
	}
	if st == nil || !st.Exception {
		t.Fatal("status blob lost its exception flag")
	}
	if f.State() != StateError {
		t.Fatalf("state = %v, want error", f.State())
	}

	// A remote exception is an error with or without throwOnError; only
	// missing outputs are gated on the flag.
	if _, err := f.Result(context.Background(), false); !errors.As(err, &remote) {
		t.Fatalf("Result: %v, want RemoteExecutionError", err)
	}
	if f.RemoteError() == nil || f.RemoteError().Code != job.FailureOutOfMemory {
		t.Fatalf("remote error = %+v", f.RemoteError())
	}
}

func TestActivationIDConcurrentReads(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	f := New(store, "ex1", "M000", "00000", fastOpts()...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			f.MarkInvoked("act-1")
		}
	}()
	for i := 0; i < 1000; i++ {
		_ = f.ActivationID()
	}
	wg.Wait()
	if f.ActivationID() != "act-1" {
		t.Fatalf("activation id = %q, want act-1", f.ActivationID())
	}
}

func TestResultOutputUnavailable(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	// Terminal status claims an output that never gets written.
	store.PutStatus(context.Background(), &job.Status{
		Type: job.StatusEnd, ExecutorID: "ex1", JobID: "M000", CallID: "00000",
		Result: true,
	})

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	_, err := f.Result(context.Background(), true)
	var unavailable *job.OutputUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Result: %v, want OutputUnavailableError", err)
	}
	if unavailable.Attempts != 3 {
		t.Fatalf("attempts = %d, want the configured budget", unavailable.Attempts)
	}
	if f.OutputPolls() != 3 {
		t.Fatalf("output polls = %d, want 3", f.OutputPolls())
	}
	if f.State() != StateError {
		t.Fatalf("state = %v, want error", f.State())
	}
}

func TestResultNestedFutures(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	ctx := context.Background()
	out, _ := json.Marshal(&job.Output{Futures: []job.FutureRef{
		{ExecutorID: "ex1", JobID: "M001", CallID: "00000"},
		{ExecutorID: "ex1", JobID: "M001", CallID: "00001"},
	}})
	store.PutData(ctx, store.Keys().Output("ex1", "M000", "00000"), out)
	store.PutStatus(ctx, &job.Status{
		Type: job.StatusEnd, ExecutorID: "ex1", JobID: "M000", CallID: "00000",
		Result: true,
	})

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	res, err := f.Result(ctx, true)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if f.State() != StateFutures {
		t.Fatalf("state = %v, want futures", f.State())
	}
	if len(res.Futures) != 2 {
		t.Fatalf("nested futures = %d, want 2", len(res.Futures))
	}
	child := res.Futures[1]
	if child.JobID != "M001" || child.CallID != "00001" {
		t.Fatalf("child = %s/%s", child.JobID, child.CallID)
	}
	if child.State() != StateInvoked {
		t.Fatalf("child state = %v, want invoked", child.State())
	}
}

func TestStatusPollsUntilPresent(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)

	go func() {
		time.Sleep(20 * time.Millisecond)
		putTerminal(t, store, "00000", nil, "late")
	}()

	st, err := f.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Terminal() {
		t.Fatal("expected the late terminal blob")
	}
	if f.StatusPolls() < 2 {
		t.Fatalf("status polls = %d, want repeated polling", f.StatusPolls())
	}
}

func TestStatusContextCancelled(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Status(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Status: %v, want deadline exceeded", err)
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	putTerminal(t, store, "00000", nil, "v")

	f := NewInvoked(store, "ex1", "M000", "00000", fastOpts()...)
	if _, err := f.Result(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if f.State() != StateSuccess {
		t.Fatalf("state = %v", f.State())
	}
	f.advance(StateRunning)
	f.advance(StateError)
	if f.State() != StateSuccess {
		t.Fatalf("state left success: %v", f.State())
	}
}

func TestCancelUnsupported(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	f := NewInvoked(store, "ex1", "M000", "00000")
	if err := f.Cancel(); !errors.Is(err, job.ErrUnsupported) {
		t.Fatalf("Cancel: %v, want ErrUnsupported", err)
	}
}
