package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stratusfn/stratus/internal/logging"
	"github.com/stratusfn/stratus/internal/metrics"
)

// Cleaner deletes the storage-scoped artifacts of finished jobs: the
// function blob, input blobs and all status/output blobs under the job
// prefix. Deletion is best-effort; failed jobs are remembered and retried
// by a cron-driven sweep.
type Cleaner struct {
	store Store
	keys  Keys

	mu      sync.Mutex
	retries map[[2]string]struct{} // (executorID, jobID) pairs pending retry

	cron  *cron.Cron
	entry cron.EntryID
}

// NewCleaner creates a cleaner over the given store and key prefix.
func NewCleaner(store Store, prefix string) *Cleaner {
	return &Cleaner{
		store:   store,
		keys:    Keys{Prefix: prefix},
		retries: make(map[[2]string]struct{}),
	}
}

// CleanJob deletes everything under the job's storage prefix, re-listing
// until the listing comes back empty. On failure the pair is queued for the
// sweep. Listing lag means a delete-list round may find stragglers; the
// loop handles that.
func (c *Cleaner) CleanJob(ctx context.Context, executorID, jobID string) error {
	prefix := c.keys.Job(executorID, jobID)
	logging.Op().Debug("cleaning job artifacts", "executor_id", executorID, "job_id", jobID, "prefix", prefix)

	total := 0
	for {
		keys, err := c.store.ListKeys(ctx, prefix)
		if err != nil {
			c.queueRetry(executorID, jobID)
			metrics.RecordCleanup("error")
			return fmt.Errorf("list job artifacts: %w", err)
		}
		if len(keys) == 0 {
			break
		}
		if err := c.store.Delete(ctx, keys...); err != nil {
			c.queueRetry(executorID, jobID)
			metrics.RecordCleanup("error")
			return fmt.Errorf("delete job artifacts: %w", err)
		}
		total += len(keys)
	}

	metrics.RecordCleanup("ok")
	logging.Op().Debug("job artifacts cleaned", "executor_id", executorID, "job_id", jobID, "objects", total)
	return nil
}

func (c *Cleaner) queueRetry(executorID, jobID string) {
	c.mu.Lock()
	c.retries[[2]string{executorID, jobID}] = struct{}{}
	c.mu.Unlock()
}

// PendingRetries returns the number of jobs queued for the sweep.
func (c *Cleaner) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retries)
}

// Sweep retries cleanup for every queued job. Pairs that fail again stay
// queued.
func (c *Cleaner) Sweep(ctx context.Context) {
	c.mu.Lock()
	pending := make([][2]string, 0, len(c.retries))
	for pair := range c.retries {
		pending = append(pending, pair)
	}
	c.retries = make(map[[2]string]struct{})
	c.mu.Unlock()

	for _, pair := range pending {
		if err := c.CleanJob(ctx, pair[0], pair[1]); err != nil {
			logging.Op().Warn("cleanup sweep failed", "executor_id", pair[0], "job_id", pair[1], "error", err)
		}
	}
}

// StartSweeper schedules Sweep on the given cron spec (e.g. "@every 5m").
func (c *Cleaner) StartSweeper(spec string) error {
	if c.cron != nil {
		return nil
	}
	c.cron = cron.New()
	entry, err := c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		c.Sweep(ctx)
	})
	if err != nil {
		c.cron = nil
		return fmt.Errorf("schedule cleanup sweep: %w", err)
	}
	c.entry = entry
	c.cron.Start()
	logging.Op().Info("cleanup sweeper started", "spec", spec)
	return nil
}

// StopSweeper stops the scheduled sweep.
func (c *Cleaner) StopSweeper() {
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
}
