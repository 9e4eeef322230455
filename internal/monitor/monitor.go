// Package monitor implements the per-job completion monitor: a background
// task that observes call completions and feeds admission tokens back to
// the scheduler. Two strategies exist, status-store polling and a
// publish/subscribe completion channel.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/logging"
	"github.com/stratusfn/stratus/internal/storage"
)

// Default cadence of the polling strategy.
const (
	DefaultInitialDelay = time.Second
	DefaultPollInterval = 300 * time.Millisecond
)

// CompletionChannel is a fanout pub/sub transport shared by the executing
// calls (publishers) and the monitor (subscriber). No retention: a message
// published with no subscriber is lost, which the polling fallback covers.
type CompletionChannel interface {
	Publish(ctx context.Context, topic string, message []byte) error

	// Subscribe returns a stream of raw messages and a close function.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func() error, error)
}

// TokenSink receives one token per completed call. Implemented by the
// scheduler's token bucket.
type TokenSink interface {
	IssueToken()
}

// Monitor watches one job for completions. Token issuance is exactly once
// per call id regardless of duplicate observations.
type Monitor struct {
	store   storage.Store
	channel CompletionChannel
	job     *job.Descriptor
	tokens  TokenSink

	initialDelay time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	seen      map[string]struct{}
	completed int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option adjusts a monitor.
type Option func(*Monitor)

// WithCadence overrides the polling strategy's initial delay and interval.
func WithCadence(initialDelay, pollInterval time.Duration) Option {
	return func(m *Monitor) {
		m.initialDelay = initialDelay
		m.pollInterval = pollInterval
	}
}

// WithChannel switches the monitor to the publish/subscribe strategy.
func WithChannel(ch CompletionChannel) Option {
	return func(m *Monitor) { m.channel = ch }
}

// New creates a monitor for one job. Start launches it.
func New(store storage.Store, d *job.Descriptor, tokens TokenSink, opts ...Option) *Monitor {
	m := &Monitor{
		store:        store,
		job:          d,
		tokens:       tokens,
		initialDelay: DefaultInitialDelay,
		pollInterval: DefaultPollInterval,
		seen:         make(map[string]struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the monitor's background task. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		if m.channel != nil {
			m.runSubscribe(ctx)
			return
		}
		m.runPoll(ctx)
	}()
}

// Stop interrupts the monitor. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Done is closed once the monitor's task has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.doneCh
}

// Completed returns how many distinct calls the monitor has observed
// finishing.
func (m *Monitor) Completed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// observe issues one token for a call id not seen before. Returns true once
// every call of the job has been observed.
func (m *Monitor) observe(callID string) bool {
	m.mu.Lock()
	if _, dup := m.seen[callID]; dup {
		done := m.completed >= m.job.TotalCalls
		m.mu.Unlock()
		return done
	}
	m.seen[callID] = struct{}{}
	m.completed++
	done := m.completed >= m.job.TotalCalls
	m.mu.Unlock()

	m.tokens.IssueToken()
	return done
}

func (m *Monitor) runPoll(ctx context.Context) {
	logging.Op().Debug("completion monitor started",
		"executor_id", m.job.ExecutorID, "job_id", m.job.JobID,
		"strategy", "poll", "total_calls", m.job.TotalCalls)

	if !m.sleep(ctx, m.initialDelay) {
		return
	}
	for {
		markers, err := m.store.ListCompletionMarkers(ctx, m.job.ExecutorID, m.job.JobID)
		if err != nil {
			logging.Op().Warn("completion listing failed",
				"job_id", m.job.JobID, "error", err)
		} else {
			for callID := range markers {
				if m.observe(callID) {
					logging.Op().Debug("completion monitor finished", "job_id", m.job.JobID)
					return
				}
			}
		}
		if !m.sleep(ctx, m.pollInterval) {
			return
		}
	}
}

func (m *Monitor) runSubscribe(ctx context.Context) {
	topic := job.Topic(m.job.ExecutorID, m.job.JobID)
	logging.Op().Debug("completion monitor started",
		"executor_id", m.job.ExecutorID, "job_id", m.job.JobID,
		"strategy", "subscribe", "topic", topic, "total_calls", m.job.TotalCalls)

	messages, closeFn, err := m.channel.Subscribe(ctx, topic)
	if err != nil {
		logging.Op().Warn("completion subscribe failed, falling back to polling",
			"topic", topic, "error", err)
		m.runPoll(ctx)
		return
	}
	defer func() {
		if err := closeFn(); err != nil {
			logging.Op().Debug("completion unsubscribe failed", "topic", topic, "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case raw, ok := <-messages:
			if !ok {
				// Stream ended with calls outstanding; the status store
				// still has the truth.
				logging.Op().Warn("completion stream closed early, falling back to polling",
					"topic", topic, "completed", m.Completed(), "total_calls", m.job.TotalCalls)
				m.runPoll(ctx)
				return
			}
			var st job.Status
			if err := json.Unmarshal(raw, &st); err != nil {
				logging.Op().Warn("malformed completion message", "topic", topic, "error", err)
				continue
			}
			if !st.Terminal() {
				continue
			}
			if m.observe(st.CallID) {
				logging.Op().Debug("completion monitor finished", "job_id", m.job.JobID)
				return
			}
		}
	}
}

// sleep waits for d, returning false when the monitor is stopped first.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
