package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "langworker"

var (
	ChannelStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_starts_total",
		Help:      "worker channel start attempts by runtime and result",
	}, []string{"runtime", "result"})

	ChannelStartSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "channel_start_seconds",
		Help:      "time spent starting a worker process",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"runtime"})

	ChannelErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_errors_total",
		Help:      "worker channel faults reported on the event bus",
	}, []string{"runtime"})

	RuntimeRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runtime_restarts_total",
		Help:      "worker channel restarts by runtime",
	}, []string{"runtime"})

	RuntimeFailed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runtime_failed",
		Help:      "1 when the runtime exhausted its restarts",
	}, []string{"runtime"})

	PendingRegistrations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_registrations",
		Help:      "registrations waiting for a live worker channel",
	}, []string{"runtime"})

	Invocations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "invocation_seconds",
		Help:      "invocation latency measured by the worker channel",
		Buckets:   prometheus.DefBuckets,
	}, []string{"runtime", "result"})
)

// run before route define, now at cmd/root.go
func init() {
	prometheus.MustRegister(
		ChannelStarts,
		ChannelStartSeconds,
		ChannelErrors,
		RuntimeRestarts,
		RuntimeFailed,
		PendingRegistrations,
		Invocations,
	)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Sink is the metrics sink handed to worker channels and used by the dispatcher
type Sink struct{}

func (Sink) ChannelStarted(runtime string, d time.Duration, err error) {
	ChannelStarts.WithLabelValues(runtime, result(err)).Inc()
	if err == nil {
		ChannelStartSeconds.WithLabelValues(runtime).Observe(d.Seconds())
	}
}

func (Sink) InvocationDone(runtime string, d time.Duration, err error) {
	Invocations.WithLabelValues(runtime, result(err)).Observe(d.Seconds())
}

func (Sink) ChannelError(runtime string) {
	ChannelErrors.WithLabelValues(runtime).Inc()
}

func (Sink) RuntimeRestarted(runtime string) {
	RuntimeRestarts.WithLabelValues(runtime).Inc()
}

func (Sink) RuntimeFailed(runtime string) {
	RuntimeFailed.WithLabelValues(runtime).Set(1)
}

func (Sink) PendingRegistrations(runtime string, n int) {
	PendingRegistrations.WithLabelValues(runtime).Set(float64(n))
}
