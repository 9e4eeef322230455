// Package storage defines the status store: the write-through medium the
// executing calls report into and the orchestration core polls. Backends
// exist for memory, Redis, Postgres and S3.
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/stratusfn/stratus/internal/job"
)

// ErrNotFound is returned when a key, status or output does not exist yet.
var ErrNotFound = errors.New("no such key in storage")

// Store is the status store capability consumed by the scheduler, futures
// and completion monitors.
type Store interface {
	// PutData writes an arbitrary blob at key.
	PutData(ctx context.Context, key string, data []byte) error

	// GetData reads the blob at key, or ErrNotFound.
	GetData(ctx context.Context, key string) ([]byte, error)

	// PutStatus writes a call status blob (init marker or terminal).
	PutStatus(ctx context.Context, s *job.Status) error

	// GetCallStatus returns the call's status blob: the terminal blob if
	// written, else the init marker, else ErrNotFound.
	GetCallStatus(ctx context.Context, executorID, jobID, callID string) (*job.Status, error)

	// GetCallOutput returns the call's output blob, or ErrNotFound.
	GetCallOutput(ctx context.Context, executorID, jobID, callID string) ([]byte, error)

	// GetRuntimeMeta returns cached runtime metadata, or ErrNotFound.
	GetRuntimeMeta(ctx context.Context, runtimeKey string) (*job.RuntimeMeta, error)

	// PutRuntimeMeta caches runtime metadata under runtimeKey.
	PutRuntimeMeta(ctx context.Context, runtimeKey string, meta *job.RuntimeMeta) error

	// ListCompletionMarkers returns the set of call ids with a terminal
	// status blob under the job prefix. Listing may lag writes; it is
	// eventually consistent.
	ListCompletionMarkers(ctx context.Context, executorID, jobID string) (map[string]struct{}, error)

	// ListKeys returns all keys under prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the given keys, ignoring ones already gone.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns the key layout the store writes under.
	Keys() Keys
}

// Object key layout, shared by every backend:
//
//	{prefix}/{executorID}/{jobID}/func.bin
//	{prefix}/{executorID}/{jobID}/aggdata.bin
//	{prefix}/{executorID}/{jobID}/{callID}/data.bin
//	{prefix}/{executorID}/{jobID}/{callID}/status.json   (terminal only)
//	{prefix}/{executorID}/{jobID}/{callID}/init.json
//	{prefix}/{executorID}/{jobID}/{callID}/output.json
const (
	FuncSuffix    = "func.bin"
	AggDataSuffix = "aggdata.bin"
	DataSuffix    = "data.bin"
	StatusSuffix  = "status.json"
	InitSuffix    = "init.json"
	OutputSuffix  = "output.json"

	runtimePrefix = "runtimes"
)

// Keys derives the object keys for a configured prefix.
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	return strings.Join(append([]string{k.Prefix}, parts...), "/")
}

// Func is the serialized-function key of a job.
func (k Keys) Func(executorID, jobID string) string {
	return k.join(executorID, jobID, FuncSuffix)
}

// AggData is the aggregated-input key of a job.
func (k Keys) AggData(executorID, jobID string) string {
	return k.join(executorID, jobID, AggDataSuffix)
}

// Data is the per-call input key.
func (k Keys) Data(executorID, jobID, callID string) string {
	return k.join(executorID, jobID, callID, DataSuffix)
}

// Status is the terminal status key of a call.
func (k Keys) Status(executorID, jobID, callID string) string {
	return k.join(executorID, jobID, callID, StatusSuffix)
}

// Init is the init-marker key of a call.
func (k Keys) Init(executorID, jobID, callID string) string {
	return k.join(executorID, jobID, callID, InitSuffix)
}

// Output is the output key of a call.
func (k Keys) Output(executorID, jobID, callID string) string {
	return k.join(executorID, jobID, callID, OutputSuffix)
}

// Job is the storage prefix of all of a job's artifacts.
func (k Keys) Job(executorID, jobID string) string {
	return k.join(executorID, jobID)
}

// Executor is the storage prefix of all of an executor's jobs.
func (k Keys) Executor(executorID string) string {
	return k.join(executorID)
}

// Runtime is the runtime-metadata key for a runtime key string.
func (k Keys) Runtime(runtimeKey string) string {
	return k.join(runtimePrefix, runtimeKey)
}

// CallIDFromStatusKey extracts the call id from a terminal status key under
// the given job prefix, or "" when the key is not one.
func CallIDFromStatusKey(jobPrefix, key string) string {
	if !strings.HasSuffix(key, "/"+StatusSuffix) {
		return ""
	}
	rest := strings.TrimPrefix(key, jobPrefix+"/")
	if rest == key {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}
