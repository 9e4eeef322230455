// Package stratus is a serverless-style distributed function invocation
// engine: it dispatches batches of calls to a remote compute backend,
// tracks their completion through an eventually-consistent status store,
// and joins their results.
//
// The orchestration core lives in the internal packages; this package
// re-exports the types a caller touches:
//
//	ex, err := stratus.New()
//	futures, err := ex.Map(ctx, "wordcount", funcBlob, args)
//	done, notDone, err := ex.Wait(ctx, futures, stratus.DefaultWaitOptions())
package stratus

import (
	"github.com/stratusfn/stratus/internal/config"
	"github.com/stratusfn/stratus/internal/future"
	"github.com/stratusfn/stratus/internal/job"
	"github.com/stratusfn/stratus/internal/wait"
)

// Re-exported core types.
type (
	Future      = future.Future
	Result      = future.Result
	Status      = job.Status
	Descriptor  = job.Descriptor
	Config      = config.Config
	WaitOptions = wait.Options
)

// Completion modes for Wait.
const (
	AllCompleted = wait.AllCompleted
	AnyCompleted = wait.AnyCompleted
	Always       = wait.Always
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// DefaultWaitOptions returns the Wait configuration used when callers have
// no special needs: all-completed, errors surfaced.
func DefaultWaitOptions() WaitOptions {
	return wait.DefaultOptions()
}
