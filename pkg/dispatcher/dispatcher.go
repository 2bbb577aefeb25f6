// Package dispatcher keeps one language worker alive per runtime, routes function
// registrations to it and restarts it a bounded number of times when it breaks.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/tass-io/langworker/pkg/channel"
	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/function"
	"github.com/tass-io/langworker/pkg/workerconfig"
	"go.uber.org/zap"
)

// Metrics is what the dispatcher and its channels measure
type Metrics interface {
	channel.MetricsSink
	RuntimeRestarted(runtime string)
	RuntimeFailed(runtime string)
	PendingRegistrations(runtime string, n int)
}

// Options configures a Dispatcher
type Options struct {
	// Configs are the runtimes a worker is configured for
	Configs []workerconfig.Config
	// RootScriptPath is handed to every worker channel
	RootScriptPath string
	Metrics        Metrics
}

// Dispatcher owns the runtime to WorkerState map
type Dispatcher struct {
	manager  channel.Manager
	bus      eventbus.EventBus
	configs  []workerconfig.Config
	rootPath string
	metrics  Metrics

	// states by runtime key
	states       cmap.ConcurrentMap
	ctx          context.Context
	cancel       context.CancelFunc
	subscription eventbus.Subscription
	shutdown     int32
	shutdownOnce sync.Once
}

// NewDispatcher creates a Dispatcher and subscribes its error handler to the bus
func NewDispatcher(manager channel.Manager, bus eventbus.EventBus, opts Options) (*Dispatcher, error) {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		manager:  manager,
		bus:      bus,
		configs:  opts.Configs,
		rootPath: opts.RootScriptPath,
		metrics:  metrics,
		states:   cmap.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	sub, err := bus.Subscribe(eventbus.WorkerErrorEventType, d.handleWorkerError)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe worker errors: %w", err)
	}
	d.subscription = sub
	return d, nil
}

// IsSupported reports whether the function can run on the host configured for workerRuntime,
// an empty workerRuntime accepts every function that names a runtime
func IsSupported(metadata function.Metadata, workerRuntime string) bool {
	if metadata.Runtime == "" {
		return false
	}
	if workerRuntime == "" {
		return true
	}
	return function.SameRuntime(metadata.Runtime, workerRuntime)
}

func (d *Dispatcher) IsSupported(metadata function.Metadata, workerRuntime string) bool {
	return IsSupported(metadata, workerRuntime)
}

func (d *Dispatcher) isShutdown() bool {
	return atomic.LoadInt32(&d.shutdown) == 1
}

func (d *Dispatcher) state(runtime string) (*workerState, bool) {
	v, ok := d.states.Get(function.RuntimeKey(runtime))
	if !ok {
		return nil, false
	}
	return v.(*workerState), true
}

// Initialize makes sure the runtime has a WorkerState and a channel on the way.
// The runtime is inferred from the functions when workerRuntime is empty.
// Calling it again for the same runtime does nothing.
func (d *Dispatcher) Initialize(workerRuntime string, functions []function.Metadata) {
	d.manager.ShutdownStandbyChannels(functions)
	if workerRuntime == "" {
		workerRuntime = workerconfig.RuntimeOf(functions)
	}
	if !workerconfig.IsSupportedRuntime(workerRuntime, d.configs) {
		zap.S().Warnw("no worker configured for runtime, skip initialize", "runtime", workerRuntime,
			"functions", len(functions))
		return
	}
	if d.isShutdown() {
		zap.S().Warnw("initialize after shutdown", "runtime", workerRuntime)
		return
	}
	s := newWorkerState(d, workerRuntime)
	if !d.states.SetIfAbsent(function.RuntimeKey(workerRuntime), s) {
		zap.S().Debugw("runtime already initialized", "runtime", workerRuntime)
		return
	}
	zap.S().Infow("initialize runtime", "runtime", workerRuntime, "functions", len(functions))
	go s.run()
	if d.isShutdown() {
		s.close()
		return
	}
	if ch := d.manager.GetChannel(workerRuntime); ch != nil {
		s.adopt(ch)
		return
	}
	s.start()
}

// Register queues the registration on its runtime, it never blocks.
// The outcome, including an unsupported runtime, is reported through reg.Result.
func (d *Dispatcher) Register(reg *function.Registration) {
	if d.isShutdown() {
		reg.Result.Reject(ErrShutdown)
		return
	}
	s, ok := d.state(reg.Metadata.Runtime)
	if !ok {
		zap.S().Warnw("register for uninitialized runtime", "function", reg.Metadata.Name, "runtime", reg.Metadata.Runtime)
		reg.Result.Reject(fmt.Errorf("%w: %q", ErrUnsupportedRuntime, reg.Metadata.Runtime))
		return
	}
	s.push(reg)
}

// Shutdown closes every runtime and releases its channel, later calls do nothing
func (d *Dispatcher) Shutdown() {
	d.shutdownOnce.Do(func() {
		atomic.StoreInt32(&d.shutdown, 1)
		if d.subscription != nil {
			d.subscription.Close()
		}
		for _, v := range d.states.Items() {
			v.(*workerState).close()
		}
		d.cancel()
		zap.S().Info("dispatcher shut down")
	})
}

type nopMetrics struct{}

func (nopMetrics) ChannelStarted(string, time.Duration, error) {}
func (nopMetrics) InvocationDone(string, time.Duration, error) {}
func (nopMetrics) ChannelError(string)                         {}
func (nopMetrics) RuntimeRestarted(string)                     {}
func (nopMetrics) RuntimeFailed(string)                        {}
func (nopMetrics) PendingRegistrations(string, int)            {}
