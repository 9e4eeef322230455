package job

import (
	"fmt"
	"time"
)

// Version is the library version embedded in every invocation payload.
// The remote runtime reports its own version back through the status blob
// and a mismatch is decoded as FailureWrongVersion.
const Version = "0.7.0"

// RemoteInvokerMemoryMB is the memory size used for the single delegating
// invocation when remote fan-out is enabled.
const RemoteInvokerMemoryMB = 2048

// ByteRange is the slice of the input object assigned to one call.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Descriptor describes one batch of calls sharing a function and runtime.
// It is produced by an external collaborator (the job builder) and is
// read-only to the orchestration core.
type Descriptor struct {
	ExecutorID        string            `json:"executor_id"`
	JobID             string            `json:"job_id"`
	FuncName          string            `json:"func_name"`
	TotalCalls        int               `json:"total_calls"`
	RuntimeName       string            `json:"runtime_name"`
	RuntimeMemoryMB   int               `json:"runtime_memory"`
	ExecutionTimeout  time.Duration     `json:"execution_timeout"`
	FuncKey           string            `json:"func_key"`
	DataKey           string            `json:"data_key"`
	DataRanges        []ByteRange       `json:"data_ranges,omitempty"`
	InvokePoolThreads int               `json:"invoke_pool_threads"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// CallID formats a call index as the zero-padded id used in storage keys
// and status blobs.
func CallID(i int) string {
	return fmt.Sprintf("%05d", i)
}

// CallIDs returns all call ids of the job in dispatch order.
func (d *Descriptor) CallIDs() []string {
	ids := make([]string, d.TotalCalls)
	for i := range ids {
		ids[i] = CallID(i)
	}
	return ids
}

// DataRange returns the input slice for a call index, or nil when the job
// carries no per-call ranges.
func (d *Descriptor) DataRange(i int) *ByteRange {
	if i < 0 || i >= len(d.DataRanges) {
		return nil
	}
	r := d.DataRanges[i]
	return &r
}

// Topic is the completion-channel topic shared by the publisher (the
// executing call) and the subscriber (the completion monitor).
func Topic(executorID, jobID string) string {
	return fmt.Sprintf("stratus-%s-%s", executorID, jobID)
}

// Payload is the wire record handed to a Compute Handle for one activation.
type Payload struct {
	ExecutorID       string     `json:"executor_id"`
	JobID            string     `json:"job_id"`
	CallID           string     `json:"call_id,omitempty"`
	FuncKey          string     `json:"func_key,omitempty"`
	DataKey          string     `json:"data_key,omitempty"`
	DataRange        *ByteRange `json:"data_byte_range,omitempty"`
	ExecutionTimeout float64    `json:"execution_timeout,omitempty"`
	HostSubmitTime   float64    `json:"host_submit_time"`
	Version          string     `json:"stratus_version"`

	// RemoteInvoker marks the delegating fan-out invocation; Job carries
	// the full descriptor the remote invoker re-dispatches.
	RemoteInvoker bool        `json:"remote_invoker,omitempty"`
	Job           *Descriptor `json:"job_description,omitempty"`
}

// NewPayload builds the payload for one call of a job.
func NewPayload(d *Descriptor, callIdx int) *Payload {
	return &Payload{
		ExecutorID:       d.ExecutorID,
		JobID:            d.JobID,
		CallID:           CallID(callIdx),
		FuncKey:          d.FuncKey,
		DataKey:          d.DataKey,
		DataRange:        d.DataRange(callIdx),
		ExecutionTimeout: d.ExecutionTimeout.Seconds(),
		HostSubmitTime:   float64(time.Now().UnixNano()) / 1e9,
		Version:          Version,
	}
}

// NewRemoteInvokerPayload builds the payload for the single delegating
// invocation that fans out the rest of the job remotely.
func NewRemoteInvokerPayload(d *Descriptor) *Payload {
	return &Payload{
		ExecutorID:     d.ExecutorID,
		JobID:          d.JobID,
		HostSubmitTime: float64(time.Now().UnixNano()) / 1e9,
		Version:        Version,
		RemoteInvoker:  true,
		Job:            d,
	}
}
