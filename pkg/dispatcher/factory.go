package dispatcher

import (
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/tass-io/langworker/pkg/channel"
	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/function"
	"go.uber.org/zap"
)

// newChannel creates and starts the channel of one attempt on its own goroutine.
// It is never retried here: a failure becomes a WorkerErrorEvent for workerID
// and goes through the error handler like a crash.
func (d *Dispatcher) newChannel(s *workerState, workerID string, registrations []*function.Registration, attempt int) {
	go func() {
		span := opentracing.GlobalTracer().StartSpan("worker.channel.start")
		span.SetTag("runtime", s.runtime)
		span.SetTag("workerId", workerID)
		span.SetTag("attempt", attempt)
		span.SetTag("functions", len(registrations))
		defer span.Finish()

		ch, err := d.manager.CreateWorkerChannel(workerID, d.rootPath, s.runtime, registrations, d.metrics, attempt)
		if err == nil {
			if err = ch.StartWorkerProcess(); err != nil {
				ch.Close()
			}
		}
		if err != nil {
			ext.Error.Set(span, true)
			span.LogKV("event", "error", "message", err.Error())
			zap.S().Errorw("start worker channel error", "runtime", s.runtime, "workerId", workerID,
				"attempt", attempt, "err", err)
			werr := &channel.WorkerError{WorkerID: workerID, Runtime: s.runtime, Err: err}
			if perr := d.bus.Publish(eventbus.WorkerErrorEvent{WorkerID: workerID, Runtime: s.runtime, Err: werr}); perr != nil {
				zap.S().Errorw("publish worker error event error", "workerId", workerID, "err", perr)
			}
			return
		}
		s.ready(ch)
	}()
}
