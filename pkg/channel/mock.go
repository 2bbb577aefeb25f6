package channel

import (
	"sync"
	"time"

	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/function"
)

// MockChannel serves everything in memory, it echoes the parameters of every invocation
type MockChannel struct {
	sync.Locker
	id            string
	runtime       string
	registrations []*function.Registration
	publisher     eventbus.Publisher
	metrics       MetricsSink

	// StartErr is returned by StartWorkerProcess when set
	StartErr error

	status     Status
	registered []string
	invoked    int
}

var _ WorkerChannel = &MockChannel{}

func NewMockChannel(workerID, runtime string, registrations []*function.Registration,
	metrics MetricsSink, publisher eventbus.Publisher) *MockChannel {
	return &MockChannel{
		Locker:        &sync.Mutex{},
		id:            workerID,
		runtime:       runtime,
		registrations: registrations,
		publisher:     publisher,
		metrics:       metricsOrNop(metrics),
	}
}

func (m *MockChannel) ID() string      { return m.id }
func (m *MockChannel) Runtime() string { return m.runtime }

func (m *MockChannel) StartWorkerProcess() error {
	m.Lock()
	if m.StartErr != nil {
		err := m.StartErr
		m.status = Terminated
		m.Unlock()
		m.metrics.ChannelStarted(m.runtime, 0, err)
		return err
	}
	if m.status != Init {
		m.Unlock()
		return ErrChannelNotServing
	}
	m.status = Running
	m.Unlock()
	m.metrics.ChannelStarted(m.runtime, 0, nil)
	for _, reg := range m.registrations {
		if err := m.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockChannel) Register(reg *function.Registration) error {
	m.Lock()
	if m.status != Running {
		m.Unlock()
		return ErrChannelNotServing
	}
	m.registered = append(m.registered, reg.Metadata.Name)
	m.Unlock()
	reg.Result.Resolve(map[string]interface{}{"workerId": m.id, "function": reg.Metadata.Name})
	return nil
}

func (m *MockChannel) Invoke(inv *function.Invocation) error {
	m.Lock()
	if m.status != Running {
		m.Unlock()
		return ErrChannelNotServing
	}
	m.invoked++
	m.Unlock()
	output := copyMap(inv.Parameters)
	output[inv.FunctionName] = inv.FunctionName
	m.metrics.InvocationDone(m.runtime, time.Duration(0), nil)
	inv.Result.Resolve(output)
	return nil
}

func (m *MockChannel) Close() error {
	m.Lock()
	defer m.Unlock()
	m.status = Terminated
	return nil
}

// Fail simulates a crash of the worker process: the channel stops serving and reports on the bus
func (m *MockChannel) Fail(cause error) error {
	m.Lock()
	m.status = Terminated
	m.Unlock()
	m.metrics.ChannelError(m.runtime)
	return m.publisher.Publish(eventbus.WorkerErrorEvent{
		WorkerID: m.id,
		Runtime:  m.runtime,
		Err:      &WorkerError{WorkerID: m.id, Runtime: m.runtime, Err: cause},
	})
}

// Registered returns the function names bound to the channel, in order
func (m *MockChannel) Registered() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.registered...)
}

// Invoked returns the number of served invocations
func (m *MockChannel) Invoked() int {
	m.Lock()
	defer m.Unlock()
	return m.invoked
}

// Closed reports whether the channel stopped serving
func (m *MockChannel) Closed() bool {
	m.Lock()
	defer m.Unlock()
	return m.status == Terminated
}

// Status returns the lifecycle status
func (m *MockChannel) Status() Status {
	m.Lock()
	defer m.Unlock()
	return m.status
}
