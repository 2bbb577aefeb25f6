package channel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/function"
	"github.com/tass-io/langworker/pkg/workerconfig"
	"go.uber.org/zap"
)

// StartTimeout bounds the wait for the ping of a new worker process
var StartTimeout = 10 * time.Second

// environment handed to every worker process
const (
	EnvWorkerID       = "LANGWORKER_WORKER_ID"
	EnvRuntime        = "LANGWORKER_RUNTIME"
	EnvRootScriptPath = "LANGWORKER_ROOT_SCRIPT_PATH"
	EnvAttempt        = "LANGWORKER_ATTEMPT"
)

type call struct {
	inv   *function.Invocation
	start time.Time
}

// processChannel runs the worker as a child process.
// fd 3 of the child carries requests, fd 4 carries responses.
type processChannel struct {
	sync.Locker
	id            string
	runtime       string
	config        workerconfig.Config
	rootPath      string
	attempt       int
	registrations []*function.Registration
	metrics       MetricsSink
	publisher     eventbus.Publisher

	status   Status
	closed   bool
	cmd      *exec.Cmd
	producer *Producer
	consumer *Consumer
	loads    map[string]*function.Registration
	calls    map[string]*call
	failOnce sync.Once
}

func newProcessChannel(workerID string, config workerconfig.Config, rootPath string,
	registrations []*function.Registration, metrics MetricsSink, attempt int, publisher eventbus.Publisher) *processChannel {
	return &processChannel{
		Locker:        &sync.Mutex{},
		id:            workerID,
		runtime:       config.Runtime,
		config:        config,
		rootPath:      rootPath,
		attempt:       attempt,
		registrations: registrations,
		metrics:       metricsOrNop(metrics),
		publisher:     publisher,
		loads:         make(map[string]*function.Registration),
		calls:         make(map[string]*call),
	}
}

func (c *processChannel) ID() string      { return c.id }
func (c *processChannel) Runtime() string { return c.runtime }

func (c *processChannel) command(requests, responses *os.File) *exec.Cmd {
	cmd := exec.Command(c.config.Executable, c.config.Arguments...)
	cmd.Dir = c.config.WorkerDirectory
	if cmd.Dir == "" {
		cmd.Dir = c.rootPath
	}
	cmd.Env = append(os.Environ(),
		EnvWorkerID+"="+c.id,
		EnvRuntime+"="+c.runtime,
		EnvRootScriptPath+"="+c.rootPath,
		EnvAttempt+"="+strconv.Itoa(c.attempt),
	)
	cmd.Env = append(cmd.Env, c.config.Environment...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{requests, responses}
	return cmd
}

// StartWorkerProcess starts the process, waits for its ping and loads the initial registrations
func (c *processChannel) StartWorkerProcess() (err error) {
	start := time.Now()
	defer func() {
		c.metrics.ChannelStarted(c.runtime, time.Since(start), err)
	}()
	c.Lock()
	if c.status != Init || c.closed {
		c.Unlock()
		return ErrChannelNotServing
	}
	requestRead, requestWrite, err := os.Pipe()
	if err != nil {
		c.Unlock()
		return err
	}
	responseRead, responseWrite, err := os.Pipe()
	if err != nil {
		requestRead.Close()
		requestWrite.Close()
		c.Unlock()
		return err
	}
	c.cmd = c.command(requestRead, responseWrite)
	c.producer = NewProducer(requestWrite, func(err error) {
		c.fail(fmt.Errorf("%w: %v", ErrWorkerExited, err))
	})
	c.consumer = NewConsumer(responseRead)
	err = c.cmd.Start()
	// the child keeps its own copies
	requestRead.Close()
	responseWrite.Close()
	if err != nil {
		requestWrite.Close()
		responseRead.Close()
		c.status = Terminated
		c.Unlock()
		return fmt.Errorf("start %s worker: %w", c.runtime, err)
	}
	zap.S().Infow("worker process started", "workerId", c.id, "runtime", c.runtime, "pid", c.cmd.Process.Pid, "attempt", c.attempt)
	c.consumer.Start()
	if err = c.producer.Start(); err != nil {
		c.abort()
		c.Unlock()
		return fmt.Errorf("handshake with %s worker: %w", c.runtime, err)
	}
	c.Unlock()

	select {
	case <-c.consumer.InitDone():
	case <-c.consumer.Done():
		select {
		case <-c.consumer.InitDone():
			// the ping made it, listen reports the rest
		default:
			c.Lock()
			c.abort()
			c.Unlock()
			return fmt.Errorf("handshake with %s worker: %w", c.runtime, c.exitCause())
		}
	case <-time.After(StartTimeout):
		c.Lock()
		c.abort()
		c.Unlock()
		return fmt.Errorf("handshake with %s worker: timed out after %v", c.runtime, StartTimeout)
	}

	c.Lock()
	if c.closed {
		c.abort()
		c.Unlock()
		return ErrChannelNotServing
	}
	c.status = Running
	c.Unlock()
	go c.listen()
	go c.wait()
	for _, reg := range c.registrations {
		if err := c.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func (c *processChannel) exitCause() error {
	err := c.consumer.Err()
	switch {
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed):
		return ErrWorkerExited
	case errors.Is(err, ErrMalformedFrame):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrWorkerExited, err)
	}
}

// abort kills a process that never became ready, lock held
func (c *processChannel) abort() {
	c.status = Terminated
	c.closed = true
	c.producer.Terminate()
	c.consumer.Terminate()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
		go c.cmd.Wait()
	}
}

func (c *processChannel) listen() {
	for f := range c.consumer.Frames() {
		switch f.Type {
		case FrameLoaded:
			c.Lock()
			reg, ok := c.loads[f.ID]
			delete(c.loads, f.ID)
			c.Unlock()
			if !ok {
				continue
			}
			if f.Error != "" {
				reg.Result.Reject(fmt.Errorf("load %s: %s", reg.Metadata.Name, f.Error))
				continue
			}
			reg.Result.Resolve(map[string]interface{}{"workerId": c.id, "function": reg.Metadata.Name})
		case FrameResult:
			c.Lock()
			cl, ok := c.calls[f.ID]
			delete(c.calls, f.ID)
			c.Unlock()
			if !ok {
				continue
			}
			if f.Error != "" {
				err := errors.New(f.Error)
				c.metrics.InvocationDone(c.runtime, time.Since(cl.start), err)
				cl.inv.Result.Reject(err)
				continue
			}
			c.metrics.InvocationDone(c.runtime, time.Since(cl.start), nil)
			cl.inv.Result.Resolve(f.Result)
		default:
			zap.S().Warnw("unexpected worker frame", "workerId", c.id, "type", f.Type)
		}
	}
	c.fail(c.exitCause())
}

func (c *processChannel) wait() {
	err := c.cmd.Wait()
	if err != nil {
		zap.S().Errorw("worker process exit error", "workerId", c.id, "runtime", c.runtime, "err", err)
		c.fail(fmt.Errorf("%w: %v", ErrWorkerExited, err))
		return
	}
	c.fail(ErrWorkerExited)
}

// fail tears the channel down after a crash or a transport failure,
// a running channel that was not closed on purpose reports it on the bus
func (c *processChannel) fail(cause error) {
	c.failOnce.Do(func() {
		c.Lock()
		report := c.status == Running && !c.closed
		c.status = Terminated
		calls := c.calls
		c.calls = make(map[string]*call)
		c.loads = make(map[string]*function.Registration)
		if c.producer != nil {
			c.producer.Terminate()
		}
		if c.consumer != nil {
			c.consumer.Terminate()
		}
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.Unlock()

		werr := &WorkerError{WorkerID: c.id, Runtime: c.runtime, Err: cause}
		for _, cl := range calls {
			c.metrics.InvocationDone(c.runtime, time.Since(cl.start), werr)
			cl.inv.Result.Reject(werr)
		}
		if !report {
			return
		}
		zap.S().Errorw("worker channel failed", "workerId", c.id, "runtime", c.runtime, "err", cause)
		c.metrics.ChannelError(c.runtime)
		if c.publisher == nil {
			return
		}
		if err := c.publisher.Publish(eventbus.WorkerErrorEvent{WorkerID: c.id, Runtime: c.runtime, Err: werr}); err != nil {
			zap.S().Errorw("publish worker error event error", "workerId", c.id, "err", err)
		}
	})
}

// Register sends a load frame, the loaded frame settles the registration
func (c *processChannel) Register(reg *function.Registration) error {
	c.Lock()
	if c.status != Running || c.closed {
		c.Unlock()
		return ErrChannelNotServing
	}
	md := reg.Metadata
	id := md.Name
	c.loads[id] = reg
	c.Unlock()
	if err := c.producer.Send(Frame{Type: FrameLoad, ID: id, Function: &md}); err != nil {
		c.Lock()
		delete(c.loads, id)
		c.Unlock()
		return err
	}
	return nil
}

// Invoke sends an invoke frame, the result frame settles the invocation
func (c *processChannel) Invoke(inv *function.Invocation) error {
	c.Lock()
	if c.status != Running || c.closed {
		c.Unlock()
		return ErrChannelNotServing
	}
	c.calls[inv.ID] = &call{inv: inv, start: time.Now()}
	c.Unlock()
	err := c.producer.Send(Frame{Type: FrameInvoke, ID: inv.ID, Name: inv.FunctionName, Parameters: inv.Parameters})
	if err != nil {
		c.Lock()
		delete(c.calls, inv.ID)
		c.Unlock()
		return err
	}
	return nil
}

// Close kills the worker process, it never reports on the bus
func (c *processChannel) Close() error {
	c.Lock()
	if c.closed {
		c.Unlock()
		return nil
	}
	c.closed = true
	switch c.status {
	case Running:
		c.status = Terminating
		c.Unlock()
		zap.S().Infow("close worker channel", "workerId", c.id, "runtime", c.runtime)
		c.fail(ErrChannelNotServing)
	case Init:
		if c.cmd != nil && c.producer != nil {
			c.abort()
		}
		c.Unlock()
	default:
		c.Unlock()
	}
	return nil
}
