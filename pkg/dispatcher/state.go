package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/xid"
	"github.com/tass-io/langworker/pkg/channel"
	"github.com/tass-io/langworker/pkg/function"
	"go.uber.org/zap"
)

// MaxAttempts is the number of worker errors a runtime survives before it fails for good
const MaxAttempts = 3

// Phase is the lifecycle of a runtime
type Phase string

const (
	PhaseStarting   Phase = "Starting"
	PhaseReady      Phase = "Ready"
	PhaseErroring   Phase = "Erroring"
	PhaseRestarting Phase = "Restarting"
	PhaseFailed     Phase = "Failed"
	PhaseStopped    Phase = "Stopped"
)

// workerState owns everything the dispatcher knows about one runtime.
// Registrations are either pending or bound, the single consumer goroutine moves them.
type workerState struct {
	sync.Locker
	d       *Dispatcher
	ctx     context.Context
	runtime string

	phase    Phase
	pending  []*function.Registration
	bound    []*function.Registration
	routed   map[*function.Registration]struct{}
	channel  channel.WorkerChannel
	workerID string
	attempts int
	errors   []error
	failure  *RuntimeFailedError
	closed   bool

	notify    chan struct{}
	changed   chan struct{}
	updatedAt time.Time
}

func newWorkerState(d *Dispatcher, runtime string) *workerState {
	return &workerState{
		Locker:    &sync.Mutex{},
		d:         d,
		ctx:       d.ctx,
		runtime:   runtime,
		phase:     PhaseStarting,
		routed:    make(map[*function.Registration]struct{}),
		notify:    make(chan struct{}, 1),
		changed:   make(chan struct{}),
		updatedAt: time.Now(),
	}
}

// transition sets the phase and wakes everybody waiting for a change, lock held
func (s *workerState) transition(phase Phase) {
	s.phase = phase
	s.updatedAt = time.Now()
	close(s.changed)
	s.changed = make(chan struct{})
	s.d.metrics.PendingRegistrations(s.runtime, len(s.pending))
}

func (s *workerState) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// push queues a registration, it never blocks
func (s *workerState) push(reg *function.Registration) {
	s.Lock()
	if s.closed {
		s.Unlock()
		reg.Result.Reject(ErrShutdown)
		return
	}
	s.pending = append(s.pending, reg)
	s.d.metrics.PendingRegistrations(s.runtime, len(s.pending))
	s.Unlock()
	s.signal()
}

// run is the single consumer of the pending queue
func (s *workerState) run() {
	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.ctx.Done():
			return
		}
	}
}

// drain binds or fails pending registrations in arrival order,
// it stops when the runtime is neither Ready nor Failed
func (s *workerState) drain() {
	for {
		s.Lock()
		if s.closed || len(s.pending) == 0 {
			s.Unlock()
			return
		}
		reg := s.pending[0]
		switch {
		case s.phase == PhaseFailed:
			s.pending = s.pending[1:]
			failure := s.failure
			s.routeLocked(reg)
			s.d.metrics.PendingRegistrations(s.runtime, len(s.pending))
			s.Unlock()
			reg.Result.Reject(failure)
		case s.phase == PhaseReady && s.channel != nil:
			ch := s.channel
			s.pending = s.pending[1:]
			s.bound = append(s.bound, reg)
			s.routeLocked(reg)
			s.d.metrics.PendingRegistrations(s.runtime, len(s.pending))
			s.Unlock()
			if err := ch.Register(reg); err != nil {
				if errors.Is(err, channel.ErrChannelNotServing) {
					// the error event moves it back
					zap.S().Debugw("worker channel gone while binding", "runtime", s.runtime, "function", reg.Metadata.Name)
					return
				}
				s.Lock()
				s.unbindLocked(reg)
				s.Unlock()
				reg.Result.Reject(err)
			}
		default:
			s.Unlock()
			return
		}
	}
}

func (s *workerState) unbindLocked(reg *function.Registration) {
	for i, r := range s.bound {
		if r == reg {
			s.bound = append(s.bound[:i:i], s.bound[i+1:]...)
			return
		}
	}
}

// routeLocked starts the invocation router of a registration once, lock held
func (s *workerState) routeLocked(regs ...*function.Registration) {
	for _, reg := range regs {
		if reg.Inputs == nil {
			continue
		}
		if _, ok := s.routed[reg]; ok {
			continue
		}
		s.routed[reg] = struct{}{}
		go s.route(reg)
	}
}

func (s *workerState) route(reg *function.Registration) {
	for {
		select {
		case inv, ok := <-reg.Inputs:
			if !ok {
				return
			}
			s.dispatch(inv)
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatch sends one invocation to the current channel,
// waiting while the runtime is starting or restarting
func (s *workerState) dispatch(inv *function.Invocation) {
	err := retry.Do(
		func() error {
			ch, err := s.await()
			if err != nil {
				return err
			}
			return ch.Invoke(inv)
		},
		retry.RetryIf(func(err error) bool {
			// the channel chosen can be replaced before the invocation reaches it,
			// it answers ErrChannelNotServing in that case
			return errors.Is(err, channel.ErrChannelNotServing)
		}),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		zap.S().Debugw("invocation rejected", "runtime", s.runtime, "function", inv.FunctionName, "id", inv.ID, "err", err)
		inv.Result.Reject(err)
	}
}

// await returns the live channel, the terminal error or ErrShutdown
func (s *workerState) await() (channel.WorkerChannel, error) {
	for {
		s.Lock()
		switch {
		case s.phase == PhaseFailed:
			failure := s.failure
			s.Unlock()
			return nil, failure
		case s.closed:
			s.Unlock()
			return nil, ErrShutdown
		case s.phase == PhaseReady && s.channel != nil:
			ch := s.channel
			s.Unlock()
			return ch, nil
		}
		changed := s.changed
		s.Unlock()
		select {
		case <-changed:
		case <-s.ctx.Done():
			return nil, ErrShutdown
		}
	}
}

// startLocked hands the pending set to a new attempt, lock held.
// The caller runs the factory with the returned arguments after unlocking.
func (s *workerState) startLocked() (string, []*function.Registration) {
	workerID := xid.New().String()
	s.workerID = workerID
	regs := s.pending
	s.pending = nil
	s.bound = append(s.bound, regs...)
	s.routeLocked(regs...)
	return workerID, regs
}

// start triggers the first channel creation
func (s *workerState) start() {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	workerID, regs := s.startLocked()
	s.Unlock()
	s.d.newChannel(s, workerID, regs, 0)
}

// adopt takes a standby channel as the first active channel
func (s *workerState) adopt(ch channel.WorkerChannel) {
	s.Lock()
	if s.closed {
		s.Unlock()
		ch.Close()
		return
	}
	s.workerID = ch.ID()
	s.channel = ch
	s.transition(PhaseReady)
	s.Unlock()
	zap.S().Infow("standby worker channel adopted", "runtime", s.runtime, "workerId", ch.ID())
	s.signal()
}

// ready is called by the factory once the process of an attempt runs
func (s *workerState) ready(ch channel.WorkerChannel) {
	s.Lock()
	if s.closed || s.phase == PhaseFailed || s.workerID != ch.ID() {
		s.Unlock()
		zap.S().Infow("drop superseded worker channel", "runtime", s.runtime, "workerId", ch.ID())
		ch.Close()
		return
	}
	s.channel = ch
	s.transition(PhaseReady)
	attempts := s.attempts
	s.Unlock()
	zap.S().Infow("worker channel ready", "runtime", s.runtime, "workerId", ch.ID(), "attempts", attempts)
	s.signal()
}

// faultResult tells the error handler what to do once the state lock is released
type faultResult struct {
	stale    bool
	old      channel.WorkerChannel
	restart  bool
	workerID string
	regs     []*function.Registration
	attempt  int
	failure  *RuntimeFailedError
}

// fault records an error of worker workerID and drives Erroring then Restarting or Failed
func (s *workerState) fault(workerID string, cause error) faultResult {
	s.Lock()
	defer s.Unlock()
	if cause != nil {
		s.errors = append(s.errors, cause)
	}
	s.updatedAt = time.Now()
	if s.closed || s.phase == PhaseFailed || workerID != s.workerID {
		return faultResult{stale: true}
	}

	res := faultResult{}
	if s.channel != nil && s.channel.ID() == workerID {
		res.old = s.channel
	}
	s.channel = nil
	// bound registrations go back in front, in their original order
	s.pending = append(s.bound, s.pending...)
	s.bound = nil
	s.transition(PhaseErroring)

	s.attempts++
	s.transition(PhaseRestarting)
	if s.attempts < MaxAttempts {
		res.restart = true
		res.attempt = s.attempts
		res.workerID, res.regs = s.startLocked()
		return res
	}

	s.failure = newRuntimeFailedError(s.runtime, s.errors)
	s.workerID = ""
	s.transition(PhaseFailed)
	res.failure = s.failure
	return res
}

// close rejects what is still buffered or waits for a starting attempt,
// and releases the active channel
func (s *workerState) close() {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	if s.channel == nil {
		// handed to an attempt that is still starting, nobody else settles them
		pending = append(s.bound, pending...)
		s.bound = nil
	}
	ch := s.channel
	s.channel = nil
	if s.phase != PhaseFailed {
		s.transition(PhaseStopped)
	} else {
		close(s.changed)
		s.changed = make(chan struct{})
	}
	s.Unlock()
	for _, reg := range pending {
		reg.Result.Reject(ErrShutdown)
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			zap.S().Warnw("close worker channel error", "runtime", s.runtime, "workerId", ch.ID(), "err", err)
		}
	}
}

func (s *workerState) snapshot() Snapshot {
	s.Lock()
	defer s.Unlock()
	errs := make([]string, 0, len(s.errors))
	for _, err := range s.errors {
		errs = append(errs, err.Error())
	}
	return Snapshot{
		Runtime:   s.runtime,
		Phase:     s.phase,
		WorkerID:  s.workerID,
		Attempts:  s.attempts,
		Pending:   len(s.pending),
		Bound:     function.Names(s.bound),
		Errors:    errs,
		UpdatedAt: s.updatedAt,
	}
}
