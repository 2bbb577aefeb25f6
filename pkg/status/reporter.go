// Package status publishes the runtime snapshots of the dispatcher where operators can read them
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tass-io/langworker/pkg/dispatcher"
	"github.com/tass-io/langworker/pkg/eventbus"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Source provides the snapshots, implemented by the dispatcher
type Source interface {
	Snapshot() map[string]dispatcher.Snapshot
}

// Sink stores the snapshots of one host
type Sink interface {
	Write(ctx context.Context, host string, snapshots map[string]dispatcher.Snapshot) error
	Close() error
}

// Pinger is a Sink that can check its connection
type Pinger interface {
	Sink
	Ping(ctx context.Context) error
}

// Reporter writes the snapshots to the sink periodically,
// and right away when a runtime fails
type Reporter struct {
	ctx      context.Context
	cancel   context.CancelFunc
	source   Source
	sink     Sink
	host     string
	interval time.Duration
	trigger  chan struct{}
	sub      eventbus.Subscription
	stopped  chan struct{}
	once     sync.Once
}

func NewReporter(source Source, sink Sink, host string, interval time.Duration) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		ctx:      ctx,
		cancel:   cancel,
		source:   source,
		sink:     sink,
		host:     host,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

// Start subscribes to runtime failures and starts the report loop
func (r *Reporter) Start(bus eventbus.Subscriber) error {
	sub, err := bus.Subscribe(eventbus.WorkerProcessFailedEventType, func(e eventbus.Event) {
		zap.S().Infow("runtime failed, report status now", "runtime", e.(eventbus.WorkerProcessFailedEvent).Runtime)
		r.Trigger()
	})
	if err != nil {
		return err
	}
	r.sub = sub
	go r.loop()
	return nil
}

// StartReporter checks the sink and starts a Reporter writing to it.
// The sink is closed when the reporter cannot start.
func StartReporter(ctx context.Context, source Source, sink Pinger, host string, interval time.Duration,
	bus eventbus.Subscriber) (*Reporter, error) {
	if err := sink.Ping(ctx); err != nil {
		sink.Close()
		return nil, fmt.Errorf("ping status sink: %w", err)
	}
	r := NewReporter(source, sink, host, interval)
	if err := r.Start(bus); err != nil {
		r.cancel()
		sink.Close()
		return nil, fmt.Errorf("subscribe status reporter: %w", err)
	}
	return r, nil
}

// Trigger asks for a report without waiting for the ticker
func (r *Reporter) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reporter) loop() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.report()
		case <-r.trigger:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	snapshots := r.source.Snapshot()
	if len(snapshots) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.sink.Write(ctx, r.host, snapshots); err != nil {
		zap.S().Warnw("report status error", "host", r.host, "err", err)
		return
	}
	zap.S().Debugw("status reported", "host", r.host, "runtimes", len(snapshots))
}

// Stop ends the loop, writes a last report and closes the sink
func (r *Reporter) Stop() {
	r.once.Do(func() {
		r.cancel()
		if r.sub != nil {
			r.sub.Close()
			<-r.stopped
		}
		r.report()
		if err := r.sink.Close(); err != nil {
			zap.S().Warnw("close status sink error", "err", err)
		}
	})
}
