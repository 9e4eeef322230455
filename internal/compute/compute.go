// Package compute defines the Compute Handle: the capability the scheduler
// uses to start activations. One handle exists per configured backend
// region; the scheduler picks among them at dispatch time.
package compute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stratusfn/stratus/internal/job"
)

// Handle invokes calls against one compute backend.
type Handle interface {
	// Invoke starts one activation. An empty activation id with a nil
	// error means the backend refused admission (throttled); the caller
	// re-enqueues the call.
	Invoke(ctx context.Context, runtimeName string, memoryMB int, payload *job.Payload) (string, error)

	// CreateRuntime installs a runtime on the backend and returns its
	// metadata.
	CreateRuntime(ctx context.Context, runtimeName string, memoryMB int, timeout time.Duration) (*job.RuntimeMeta, error)

	// RuntimeKey derives the storage key under which the runtime's
	// metadata is cached.
	RuntimeKey(runtimeName string, memoryMB int) string
}

// ActionName formats the backend action name for a runtime and memory size.
func ActionName(runtimeName string, memoryMB int) string {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(runtimeName)
	return fmt.Sprintf("%s_%dMB", name, memoryMB)
}
