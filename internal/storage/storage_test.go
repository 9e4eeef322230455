package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stratusfn/stratus/internal/job"
)

func TestKeys_Layout(t *testing.T) {
	k := Keys{Prefix: "stratus.jobs"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"func", k.Func("ex1", "M000"), "stratus.jobs/ex1/M000/func.bin"},
		{"aggdata", k.AggData("ex1", "M000"), "stratus.jobs/ex1/M000/aggdata.bin"},
		{"data", k.Data("ex1", "M000", "00003"), "stratus.jobs/ex1/M000/00003/data.bin"},
		{"status", k.Status("ex1", "M000", "00003"), "stratus.jobs/ex1/M000/00003/status.json"},
		{"init", k.Init("ex1", "M000", "00003"), "stratus.jobs/ex1/M000/00003/init.json"},
		{"output", k.Output("ex1", "M000", "00003"), "stratus.jobs/ex1/M000/00003/output.json"},
		{"job prefix", k.Job("ex1", "M000"), "stratus.jobs/ex1/M000"},
		{"runtime", k.Runtime("rt-256"), "stratus.jobs/runtimes/rt-256"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestCallIDFromStatusKey(t *testing.T) {
	prefix := "stratus.jobs/ex1/M000"

	if got := CallIDFromStatusKey(prefix, "stratus.jobs/ex1/M000/00007/status.json"); got != "00007" {
		t.Errorf("expected call id 00007, got %q", got)
	}
	if got := CallIDFromStatusKey(prefix, "stratus.jobs/ex1/M000/00007/output.json"); got != "" {
		t.Errorf("output key should not be a marker, got %q", got)
	}
	if got := CallIDFromStatusKey(prefix, "stratus.jobs/ex1/M000/func.bin"); got != "" {
		t.Errorf("func key should not be a marker, got %q", got)
	}
	if got := CallIDFromStatusKey(prefix, "stratus.jobs/ex2/M000/00001/status.json"); got != "" {
		t.Errorf("other executor's key should not match, got %q", got)
	}
}

func TestMemoryStore_StatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("stratus.jobs")

	if _, err := s.GetCallStatus(ctx, "ex1", "M000", "00000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	init := &job.Status{
		Type: job.StatusInit, ExecutorID: "ex1", JobID: "M000", CallID: "00000",
		ActivationID: "act-1",
	}
	if err := s.PutStatus(ctx, init); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCallStatus(ctx, "ex1", "M000", "00000")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != job.StatusInit {
		t.Errorf("expected init status, got %q", got.Type)
	}

	// Init markers are not completion markers.
	done, err := s.ListCompletionMarkers(ctx, "ex1", "M000")
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 0 {
		t.Errorf("init marker should not count as completion, got %v", done)
	}

	end := &job.Status{
		Type: job.StatusEnd, ExecutorID: "ex1", JobID: "M000", CallID: "00000",
		ActivationID: "act-1", Result: true,
	}
	if err := s.PutStatus(ctx, end); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetCallStatus(ctx, "ex1", "M000", "00000")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Terminal() {
		t.Error("expected terminal status after end write")
	}

	done, err = s.ListCompletionMarkers(ctx, "ex1", "M000")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := done["00000"]; !ok || len(done) != 1 {
		t.Errorf("expected completion marker for 00000, got %v", done)
	}
}

func TestMemoryStore_RuntimeMeta(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("stratus.jobs")

	if _, err := s.GetRuntimeMeta(ctx, "rt-256"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	meta := &job.RuntimeMeta{Name: "rt", MemoryMB: 256, EnvVersion: job.Version}
	if err := s.PutRuntimeMeta(ctx, "rt-256", meta); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRuntimeMeta(ctx, "rt-256")
	if err != nil {
		t.Fatal(err)
	}
	if got.EnvVersion != job.Version || got.MemoryMB != 256 {
		t.Errorf("unexpected meta round-trip: %+v", got)
	}
	if !got.Compatible() {
		t.Error("meta with library version should be compatible")
	}
}

func TestCleaner_CleanJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("stratus.jobs")
	k := s.Keys()

	// Two jobs; cleaning one must not touch the other.
	for _, jobID := range []string{"M000", "M001"} {
		s.PutData(ctx, k.Func("ex1", jobID), []byte("f"))
		s.PutData(ctx, k.AggData("ex1", jobID), []byte("d"))
		s.PutData(ctx, k.Output("ex1", jobID, "00000"), []byte("o"))
		s.PutStatus(ctx, &job.Status{Type: job.StatusEnd, ExecutorID: "ex1", JobID: jobID, CallID: "00000"})
	}

	c := NewCleaner(s, "stratus.jobs")
	if err := c.CleanJob(ctx, "ex1", "M000"); err != nil {
		t.Fatalf("CleanJob failed: %v", err)
	}

	keys, _ := s.ListKeys(ctx, k.Job("ex1", "M000"))
	if len(keys) != 0 {
		t.Errorf("expected empty job prefix after clean, got %v", keys)
	}
	keys, _ = s.ListKeys(ctx, k.Job("ex1", "M001"))
	if len(keys) != 4 {
		t.Errorf("sibling job should be untouched, got %d keys", len(keys))
	}

	// Idempotent on an already-clean prefix.
	if err := c.CleanJob(ctx, "ex1", "M000"); err != nil {
		t.Fatalf("second CleanJob failed: %v", err)
	}
}

type failingStore struct {
	*MemoryStore
	failList bool
}

func (f *failingStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if f.failList {
		return nil, errors.New("listing unavailable")
	}
	return f.MemoryStore.ListKeys(ctx, prefix)
}

func TestCleaner_SweepRetries(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore("stratus.jobs")
	fs := &failingStore{MemoryStore: mem, failList: true}

	mem.PutData(ctx, mem.Keys().Func("ex1", "M000"), []byte("f"))

	c := NewCleaner(fs, "stratus.jobs")
	if err := c.CleanJob(ctx, "ex1", "M000"); err == nil {
		t.Fatal("expected error while listing fails")
	}
	if c.PendingRetries() != 1 {
		t.Fatalf("expected 1 pending retry, got %d", c.PendingRetries())
	}

	fs.failList = false
	c.Sweep(ctx)
	if c.PendingRetries() != 0 {
		t.Errorf("expected retries drained after sweep, got %d", c.PendingRetries())
	}
	keys, _ := mem.ListKeys(ctx, mem.Keys().Job("ex1", "M000"))
	if len(keys) != 0 {
		t.Errorf("expected artifacts deleted by sweep, got %v", keys)
	}
}
