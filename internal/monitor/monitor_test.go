package monitor

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/storage"
)

type countingSink struct {
	tokens atomic.Int64
}

func (s *countingSink) IssueToken() { s.tokens.Add(1) }

func terminalStatus(callID string) *job.Status {
	return &job.Status{
		Type: job.StatusEnd, ExecutorID: "ex1", JobID: "M000", CallID: callID,
	}
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not finish")
	}
}

func TestPollingStrategy(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	ctx := context.Background()
	d := &job.Descriptor{ExecutorID: "ex1", JobID: "M000", TotalCalls: 3}

	sink := &countingSink{}
	m := New(store, d, sink, WithCadence(time.Millisecond, time.Millisecond))
	m.Start(ctx)

	// Completions trickle in while the monitor polls.
	store.PutStatus(ctx, terminalStatus("00000"))
	time.Sleep(10 * time.Millisecond)
	store.PutStatus(ctx, terminalStatus("00001"))
	store.PutStatus(ctx, terminalStatus("00002"))

	waitDone(t, m)
	if got := sink.tokens.Load(); got != 3 {
		t.Fatalf("tokens issued = %d, want 3", got)
	}
	if m.Completed() != 3 {
		t.Fatalf("completed = %d, want 3", m.Completed())
	}
}

func TestPollingIgnoresInitMarkers(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	ctx := context.Background()
	d := &job.Descriptor{ExecutorID: "ex1", JobID: "M000", TotalCalls: 1}

	store.PutStatus(ctx, &job.Status{
		Type: job.StatusInit, ExecutorID: "ex1", JobID: "M000", CallID: "00000",
	})

	sink := &countingSink{}
	m := New(store, d, sink, WithCadence(time.Millisecond, time.Millisecond))
	m.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	if got := sink.tokens.Load(); got != 0 {
		t.Fatalf("tokens issued for init marker = %d, want 0", got)
	}

	store.PutStatus(ctx, terminalStatus("00000"))
	waitDone(t, m)
	if got := sink.tokens.Load(); got != 1 {
		t.Fatalf("tokens issued = %d, want 1", got)
	}
}

func TestPollingStopped(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	d := &job.Descriptor{ExecutorID: "ex1", JobID: "M000", TotalCalls: 5}

	sink := &countingSink{}
	m := New(store, d, sink, WithCadence(time.Millisecond, time.Millisecond))
	m.Start(context.Background())
	m.Stop()
	m.Stop() // idempotent
	waitDone(t, m)
}

func TestSubscribeStrategy(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	ctx := context.Background()
	d := &job.Descriptor{ExecutorID: "ex1", JobID: "M000", TotalCalls: 2}
	topic := job.Topic("ex1", "M000")

	channel := NewLocalChannel()
	defer channel.Close()

	sink := &countingSink{}
	m := New(store, d, sink, WithChannel(channel))
	m.Start(ctx)
	time.Sleep(10 * time.Millisecond) // let the subscription attach

	publish := func(st *job.Status) {
		data, _ := json.Marshal(st)
		channel.Publish(ctx, topic, data)
	}

	// Init markers and duplicate deliveries must not mint tokens.
	publish(&job.Status{Type: job.StatusInit, CallID: "00000"})
	publish(terminalStatus("00000"))
	publish(terminalStatus("00000"))
	publish(terminalStatus("00001"))

	waitDone(t, m)
	if got := sink.tokens.Load(); got != 2 {
		t.Fatalf("tokens issued = %d, want exactly one per call", got)
	}
}

func TestSubscribeFallsBackToPolling(t *testing.T) {
	store := storage.NewMemoryStore("stratus")
	ctx := context.Background()
	d := &job.Descriptor{ExecutorID: "ex1", JobID: "M000", TotalCalls: 1}

	channel := NewLocalChannel()
	channel.Close() // subscriptions now yield a closed stream

	store.PutStatus(ctx, terminalStatus("00000"))

	sink := &countingSink{}
	m := New(store, d, sink,
		WithChannel(channel),
		WithCadence(time.Millisecond, time.Millisecond))
	m.Start(ctx)

	waitDone(t, m)
	if got := sink.tokens.Load(); got != 1 {
		t.Fatalf("tokens issued = %d, want 1 via channel close handling", got)
	}
}

func TestLocalChannelFanout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewLocalChannel()
	defer channel.Close()

	a, closeA, err := channel.Subscribe(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	defer closeA()
	b, closeB, err := channel.Subscribe(ctx, "t")
	if err != nil {
		t.Fatal(err)
	}
	defer closeB()

	if err := channel.Publish(ctx, "t", []byte("m")); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan []byte{a, b} {
		select {
		case msg := <-ch:
			if string(msg) != "m" {
				t.Fatalf("message = %q", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the fanout message")
		}
	}
}
