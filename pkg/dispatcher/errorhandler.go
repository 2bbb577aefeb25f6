package dispatcher

import (
	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/function"
	"go.uber.org/zap"
)

// handleWorkerError is the error handler, it runs on the bus subscription
// for worker errors and handles one event at a time
func (d *Dispatcher) handleWorkerError(e eventbus.Event) {
	we, ok := e.(eventbus.WorkerErrorEvent)
	if !ok {
		return
	}
	zap.S().Warnw("worker error", "workerId", we.WorkerID, "runtime", we.Runtime, "err", we.Err)

	s, ok := d.state(we.Runtime)
	if !ok {
		standby := d.manager.ShutdownChannelIfExists(we.WorkerID)
		zap.S().Infow("worker error for an uninitialized runtime", "workerId", we.WorkerID,
			"runtime", we.Runtime, "standby", standby)
		return
	}

	res := s.fault(we.WorkerID, we.Err)
	standby := d.manager.ShutdownChannelIfExists(we.WorkerID)
	if res.stale {
		zap.S().Infow("stale worker error recorded", "workerId", we.WorkerID, "runtime", we.Runtime)
		return
	}
	if !standby && res.old != nil {
		if err := res.old.Close(); err != nil {
			zap.S().Warnw("close failed worker channel error", "workerId", we.WorkerID, "err", err)
		}
	}

	if res.restart {
		zap.S().Infow("restart worker channel", "runtime", s.runtime, "attempt", res.attempt,
			"workerId", res.workerID, "functions", function.Names(res.regs))
		d.metrics.RuntimeRestarted(s.runtime)
		d.newChannel(s, res.workerID, res.regs, res.attempt)
		return
	}

	zap.S().Errorw("runtime failed", "runtime", s.runtime, "workerId", we.WorkerID, "err", res.failure)
	d.metrics.RuntimeFailed(s.runtime)
	// the consumer fails what is buffered, in arrival order
	s.signal()
	err := d.bus.Publish(eventbus.WorkerProcessFailedEvent{WorkerID: we.WorkerID, Runtime: s.runtime, Err: res.failure})
	if err != nil {
		zap.S().Errorw("publish worker process failed event error", "runtime", s.runtime, "err", err)
	}
}
