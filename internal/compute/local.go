package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/logging"
	"github.com/stratusfn/stratus/internal/storage"
)

// HandlerFunc is the function a LocalBackend runs for each activation. It
// returns either an output or a failure, never both.
type HandlerFunc func(ctx context.Context, p *job.Payload) (*job.Output, *job.FailureInfo)

// Publisher pushes terminal status messages onto a completion channel.
// Satisfied by monitor.CompletionChannel.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// LocalBackend executes activations in-process, writing status and output
// blobs into the status store the way a remote runtime would. It backs
// local development and the test suite.
type LocalBackend struct {
	store   storage.Store
	handler HandlerFunc

	envVersion string
	execDelay  time.Duration
	initStatus bool
	channel    Publisher

	rejections atomic.Int64 // invocations left to refuse admission for

	mu          sync.Mutex
	activations []string
}

// LocalOption configures a LocalBackend.
type LocalOption func(*LocalBackend)

// WithHandler sets the activation handler. The default echoes the call id.
func WithHandler(h HandlerFunc) LocalOption {
	return func(b *LocalBackend) { b.handler = h }
}

// WithEnvVersion overrides the environment version the backend reports in
// runtime metadata.
func WithEnvVersion(v string) LocalOption {
	return func(b *LocalBackend) { b.envVersion = v }
}

// WithExecDelay delays each activation, simulating remote execution time.
func WithExecDelay(d time.Duration) LocalOption {
	return func(b *LocalBackend) { b.execDelay = d }
}

// WithInitStatus makes activations write an init marker before executing.
func WithInitStatus() LocalOption {
	return func(b *LocalBackend) { b.initStatus = true }
}

// WithRejections makes the backend refuse admission for the next n
// invocations.
func WithRejections(n int) LocalOption {
	return func(b *LocalBackend) { b.rejections.Store(int64(n)) }
}

// WithChannel publishes terminal status blobs to the job's completion
// topic.
func WithChannel(p Publisher) LocalOption {
	return func(b *LocalBackend) { b.channel = p }
}

// NewLocalBackend creates an in-process compute backend over the given
// status store.
func NewLocalBackend(store storage.Store, opts ...LocalOption) *LocalBackend {
	b := &LocalBackend{
		store:      store,
		envVersion: job.Version,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.handler == nil {
		b.handler = func(ctx context.Context, p *job.Payload) (*job.Output, *job.FailureInfo) {
			value, _ := json.Marshal(p.CallID)
			return &job.Output{Value: value}, nil
		}
	}
	return b
}

// Activations returns the ids of all admitted activations, in order.
func (b *LocalBackend) Activations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.activations))
	copy(out, b.activations)
	return out
}

func (b *LocalBackend) Invoke(ctx context.Context, runtimeName string, memoryMB int, payload *job.Payload) (string, error) {
	if b.rejections.Load() > 0 && b.rejections.Add(-1) >= 0 {
		return "", nil
	}

	actID := uuid.New().String()
	b.mu.Lock()
	b.activations = append(b.activations, actID)
	b.mu.Unlock()

	if payload.RemoteInvoker {
		if payload.Job == nil {
			return "", fmt.Errorf("remote invoker payload without job description")
		}
		go b.fanOut(payload.Job)
		return actID, nil
	}

	go b.execute(actID, payload)
	return actID, nil
}

// fanOut re-dispatches every call of the job, standing in for the remote
// invoker activation.
func (b *LocalBackend) fanOut(d *job.Descriptor) {
	for i := 0; i < d.TotalCalls; i++ {
		p := job.NewPayload(d, i)
		if _, err := b.Invoke(context.Background(), d.RuntimeName, d.RuntimeMemoryMB, p); err != nil {
			logging.Op().Error("local fan-out invoke failed", "call_id", p.CallID, "error", err)
		}
	}
}

func (b *LocalBackend) execute(actID string, p *job.Payload) {
	ctx := context.Background()
	start := float64(time.Now().UnixNano()) / 1e9

	if b.initStatus {
		b.putStatus(ctx, &job.Status{
			Type: job.StatusInit, ExecutorID: p.ExecutorID, JobID: p.JobID,
			CallID: p.CallID, ActivationID: actID, StartTime: start,
			HostSubmitTime: p.HostSubmitTime,
		})
	}

	if b.execDelay > 0 {
		time.Sleep(b.execDelay)
	}

	output, failure := b.handler(ctx, p)
	end := float64(time.Now().UnixNano()) / 1e9

	st := &job.Status{
		Type: job.StatusEnd, ExecutorID: p.ExecutorID, JobID: p.JobID,
		CallID: p.CallID, ActivationID: actID,
		StartTime: start, EndTime: end, HostSubmitTime: p.HostSubmitTime,
	}

	switch {
	case failure != nil:
		st.Exception = true
		st.ExcInfo = failure
	case output != nil:
		data, err := json.Marshal(output)
		if err != nil {
			logging.Op().Error("local backend output marshal failed", "call_id", p.CallID, "error", err)
			return
		}
		key := b.store.Keys().Output(p.ExecutorID, p.JobID, p.CallID)
		if err := b.store.PutData(ctx, key, data); err != nil {
			logging.Op().Error("local backend output write failed", "call_id", p.CallID, "error", err)
			return
		}
		st.Result = true
		st.NewFutures = output.Futures
	}

	b.putStatus(ctx, st)

	if b.channel != nil {
		if data, err := json.Marshal(st); err == nil {
			topic := job.Topic(p.ExecutorID, p.JobID)
			if err := b.channel.Publish(ctx, topic, data); err != nil {
				logging.Op().Warn("completion publish failed", "topic", topic, "error", err)
			}
		}
	}
}

func (b *LocalBackend) putStatus(ctx context.Context, st *job.Status) {
	if err := b.store.PutStatus(ctx, st); err != nil {
		logging.Op().Error("local backend status write failed",
			"call_id", st.CallID, "type", st.Type, "error", err)
	}
}

func (b *LocalBackend) CreateRuntime(ctx context.Context, runtimeName string, memoryMB int, timeout time.Duration) (*job.RuntimeMeta, error) {
	return &job.RuntimeMeta{
		Name:       runtimeName,
		MemoryMB:   memoryMB,
		EnvVersion: b.envVersion,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (b *LocalBackend) RuntimeKey(runtimeName string, memoryMB int) string {
	return fmt.Sprintf("local/%s", ActionName(runtimeName, memoryMB))
}
