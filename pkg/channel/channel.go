// Package channel holds the worker channel abstraction: one language worker process
// and the transport the host uses to talk to it.
package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/tass-io/langworker/pkg/function"
)

var (
	// ErrChannelNotServing is returned when a channel is used before it started or after it was closed
	ErrChannelNotServing = errors.New("worker channel is not serving")
	// ErrWorkerExited is the cause reported when the worker process goes away
	ErrWorkerExited = errors.New("worker process exited")
	// ErrMalformedFrame is the cause reported when the worker breaks the frame protocol
	ErrMalformedFrame = errors.New("malformed worker frame")
	// ErrNoWorkerConfig is returned when a channel is requested for a runtime nobody configured
	ErrNoWorkerConfig = errors.New("no worker configured for runtime")
)

// WorkerError is a fault of one worker channel
type WorkerError struct {
	WorkerID string
	Runtime  string
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s (%s): %v", e.WorkerID, e.Runtime, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Status is the lifecycle of a channel
type Status int32

const (
	Init        Status = 0
	Running     Status = 1
	Terminating Status = 2
	Terminated  Status = 3
)

func (s Status) String() string {
	switch s {
	case Init:
		return "Init"
	case Running:
		return "Running"
	case Terminating:
		return "Terminating"
	default:
		return "Terminated"
	}
}

// MetricsSink receives the measurements of a channel
type MetricsSink interface {
	ChannelStarted(runtime string, d time.Duration, err error)
	InvocationDone(runtime string, d time.Duration, err error)
	ChannelError(runtime string)
}

// WorkerChannel is one worker process plus its transport.
// A channel raises a WorkerErrorEvent on the bus when its process or transport fails.
type WorkerChannel interface {
	ID() string
	Runtime() string
	// StartWorkerProcess launches the process and binds the registrations the channel was created with
	StartWorkerProcess() error
	// Register binds a function to the running worker, the outcome settles reg.Result
	Register(reg *function.Registration) error
	// Invoke sends an invocation, the outcome settles inv.Result
	Invoke(inv *function.Invocation) error
	Close() error
}

// Manager creates worker channels and keeps the standby ones
type Manager interface {
	CreateWorkerChannel(workerID, rootScriptPath, runtime string, registrations []*function.Registration,
		metrics MetricsSink, attempt int) (WorkerChannel, error)
	// ShutdownChannelIfExists shuts the standby channel down, false when the manager does not hold it
	ShutdownChannelIfExists(workerID string) bool
	// ShutdownStandbyChannels shuts down the standby channels no function needs
	ShutdownStandbyChannels(functions []function.Metadata)
	// GetChannel hands over the standby channel of the runtime, nil when there is none
	GetChannel(runtime string) WorkerChannel
}

type nopMetrics struct{}

func (nopMetrics) ChannelStarted(string, time.Duration, error) {}
func (nopMetrics) InvocationDone(string, time.Duration, error) {}
func (nopMetrics) ChannelError(string)                         {}

func metricsOrNop(m MetricsSink) MetricsSink {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
