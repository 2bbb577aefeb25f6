package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/tass-io/langworker/pkg/channel"
	"github.com/tass-io/langworker/pkg/eventbus"
	"github.com/tass-io/langworker/pkg/function"
	_ "github.com/tass-io/langworker/pkg/tools/log"
	"github.com/tass-io/langworker/pkg/workerconfig"
)

var testConfigs = []workerconfig.Config{
	{Runtime: "node", Executable: "node"},
	{Runtime: "python", Executable: "python3"},
}

// fakeManager hands out mock channels, the first failures of them refuse to start
type fakeManager struct {
	sync.Locker
	bus      eventbus.Publisher
	failures int
	// gate blocks channel creation until closed
	gate     chan struct{}
	// gates[n] blocks the nth channel creation only
	gates    []chan struct{}
	// wrap replaces the channel handed to the dispatcher
	wrap     func(ch *channel.MockChannel) channel.WorkerChannel
	calls    int
	created  []*channel.MockChannel
	attempts []int
	standby  map[string]*channel.MockChannel
	needed   [][]function.Metadata
}

func newFakeManager(bus eventbus.Publisher) *fakeManager {
	return &fakeManager{
		Locker:  &sync.Mutex{},
		bus:     bus,
		standby: make(map[string]*channel.MockChannel),
	}
}

func (m *fakeManager) CreateWorkerChannel(workerID, rootScriptPath, runtime string, registrations []*function.Registration,
	metrics channel.MetricsSink, attempt int) (channel.WorkerChannel, error) {
	m.Lock()
	n := m.calls
	m.calls++
	m.Unlock()
	if m.gate != nil {
		<-m.gate
	}
	if n < len(m.gates) && m.gates[n] != nil {
		<-m.gates[n]
	}
	m.Lock()
	defer m.Unlock()
	ch := channel.NewMockChannel(workerID, runtime, registrations, metrics, m.bus)
	if len(m.created) < m.failures {
		ch.StartErr = fmt.Errorf("start failure %d", len(m.created)+1)
	}
	m.created = append(m.created, ch)
	m.attempts = append(m.attempts, attempt)
	if m.wrap != nil {
		return m.wrap(ch), nil
	}
	return ch, nil
}

// replacedChannel loses the race against its replacement once:
// the first Invoke crashes the worker and reports the channel as not serving
type replacedChannel struct {
	*channel.MockChannel
	once sync.Once
}

func (c *replacedChannel) Invoke(inv *function.Invocation) error {
	crashed := false
	c.once.Do(func() {
		crashed = true
		c.Fail(errors.New("replaced while sending"))
	})
	if crashed {
		return channel.ErrChannelNotServing
	}
	return c.MockChannel.Invoke(inv)
}

func (m *fakeManager) ShutdownChannelIfExists(workerID string) bool {
	m.Lock()
	defer m.Unlock()
	for runtime, ch := range m.standby {
		if ch.ID() == workerID {
			delete(m.standby, runtime)
			ch.Close()
			return true
		}
	}
	return false
}

func (m *fakeManager) ShutdownStandbyChannels(functions []function.Metadata) {
	m.Lock()
	defer m.Unlock()
	m.needed = append(m.needed, functions)
}

func (m *fakeManager) GetChannel(runtime string) channel.WorkerChannel {
	m.Lock()
	defer m.Unlock()
	ch, ok := m.standby[function.RuntimeKey(runtime)]
	if !ok {
		return nil
	}
	delete(m.standby, function.RuntimeKey(runtime))
	return ch
}

func (m *fakeManager) channels() []*channel.MockChannel {
	m.Lock()
	defer m.Unlock()
	return append([]*channel.MockChannel(nil), m.created...)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func settle(p *function.Promise) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func newRegistration(name, runtime string) (*function.Registration, chan *function.Invocation) {
	inputs := make(chan *function.Invocation, 8)
	return function.NewRegistration(function.Metadata{Name: name, Runtime: runtime}, inputs), inputs
}

func newTestDispatcher(m *fakeManager, bus eventbus.EventBus) *Dispatcher {
	d, err := NewDispatcher(m, bus, Options{Configs: testConfigs, RootScriptPath: "/srv/functions"})
	So(err, ShouldBeNil)
	return d
}

func TestIsSupported(t *testing.T) {
	Convey("test is supported", t, func() {
		testcases := []struct {
			caseName      string
			runtime       string
			workerRuntime string
			expect        bool
		}{
			{caseName: "no runtime on the function", runtime: "", workerRuntime: "node", expect: false},
			{caseName: "no runtime anywhere", runtime: "", workerRuntime: "", expect: false},
			{caseName: "no configured runtime", runtime: "java", workerRuntime: "", expect: true},
			{caseName: "case insensitive match", runtime: "Node", workerRuntime: "node", expect: true},
			{caseName: "other runtime", runtime: "Node", workerRuntime: "python", expect: false},
		}
		for _, testcase := range testcases {
			So(IsSupported(function.Metadata{Name: "f", Runtime: testcase.runtime}, testcase.workerRuntime), ShouldEqual, testcase.expect)
		}
	})
}

func TestDispatcher(t *testing.T) {
	Convey("test dispatcher", t, func() {
		bus := eventbus.NewBus(eventbus.NewZapLogger())
		defer bus.Close()
		m := newFakeManager(bus)

		Convey("registrations buffered before the first channel are drained in order", func() {
			m.gate = make(chan struct{})
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			d.Initialize("node", nil)

			var regs []*function.Registration
			var names []string
			for i := 0; i < 5; i++ {
				reg, _ := newRegistration(fmt.Sprintf("fn%d", i), "Node")
				d.Register(reg)
				regs = append(regs, reg)
				names = append(names, reg.Metadata.Name)
			}
			snapshot := d.Snapshot()["node"]
			So(snapshot.Phase, ShouldEqual, PhaseStarting)
			So(snapshot.Pending, ShouldEqual, 5)

			close(m.gate)
			for _, reg := range regs {
				_, err := settle(reg.Result)
				So(err, ShouldBeNil)
			}
			channels := m.channels()
			So(channels, ShouldHaveLength, 1)
			So(channels[0].Registered(), ShouldResemble, names)
			snapshot = d.Snapshot()["node"]
			So(snapshot.Phase, ShouldEqual, PhaseReady)
			So(snapshot.Bound, ShouldResemble, names)
			So(snapshot.Pending, ShouldEqual, 0)
		})

		Convey("initializing a runtime twice starts one channel", func() {
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			wg := sync.WaitGroup{}
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.Initialize("NODE", nil)
				}()
			}
			wg.Wait()
			d.Initialize("node", nil)
			So(eventually(func() bool { return d.Snapshot()["node"].Phase == PhaseReady }), ShouldBeTrue)
			time.Sleep(50 * time.Millisecond)
			So(m.channels(), ShouldHaveLength, 1)
			So(d.Snapshot(), ShouldHaveLength, 1)
		})

		Convey("three errors fail the runtime for good", func() {
			m.failures = 3
			failed := make(chan eventbus.Event, 4)
			sub, err := bus.Subscribe(eventbus.WorkerProcessFailedEventType, func(e eventbus.Event) { failed <- e })
			So(err, ShouldBeNil)
			defer sub.Close()

			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			reg, inputs := newRegistration("a", "node")
			d.Initialize("node", []function.Metadata{reg.Metadata})
			d.Register(reg)

			_, err = settle(reg.Result)
			failure := &RuntimeFailedError{}
			So(errors.As(err, &failure), ShouldBeTrue)
			So(failure.Runtime, ShouldEqual, "node")
			So(failure.Causes, ShouldHaveLength, 3)
			So(failure.Error(), ShouldStartWith, "failed to start language worker for: node")
			werr := &channel.WorkerError{}
			So(errors.As(err, &werr), ShouldBeTrue)

			var e eventbus.Event
			select {
			case e = <-failed:
			case <-time.After(3 * time.Second):
			}
			So(e, ShouldNotBeNil)
			So(e.(eventbus.WorkerProcessFailedEvent).Runtime, ShouldEqual, "node")
			So(errors.As(e.(eventbus.WorkerProcessFailedEvent).Err, &failure), ShouldBeTrue)

			Convey("later registrations and invocations fail without a new start", func() {
				late, _ := newRegistration("b", "node")
				d.Register(late)
				_, err := settle(late.Result)
				So(errors.As(err, &failure), ShouldBeTrue)

				inv := function.NewInvocation("a", nil)
				inputs <- inv
				_, err = settle(inv.Result)
				So(errors.As(err, &failure), ShouldBeTrue)

				time.Sleep(50 * time.Millisecond)
				So(m.channels(), ShouldHaveLength, 3)
				snapshot := d.Snapshot()["node"]
				So(snapshot.Phase, ShouldEqual, PhaseFailed)
				So(snapshot.Attempts, ShouldEqual, 3)
				So(snapshot.Errors, ShouldHaveLength, 3)
				So(d.FailedRuntimes(), ShouldResemble, []string{"node"})
			})
		})

		Convey("two errors then a good start keep the counter", func() {
			m.failures = 2
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			regA, _ := newRegistration("fnA", "node")
			regB, _ := newRegistration("fnB", "node")
			d.Initialize("node", []function.Metadata{regA.Metadata, regB.Metadata})
			d.Register(regA)
			d.Register(regB)

			for _, reg := range []*function.Registration{regA, regB} {
				res, err := settle(reg.Result)
				So(err, ShouldBeNil)
				So(res["workerId"], ShouldEqual, m.channels()[2].ID())
			}
			So(eventually(func() bool { return d.Snapshot()["node"].Phase == PhaseReady }), ShouldBeTrue)
			channels := m.channels()
			So(channels, ShouldHaveLength, 3)
			So(channels[2].Registered(), ShouldResemble, []string{"fnA", "fnB"})
			So(m.attempts, ShouldResemble, []int{0, 1, 2})
			snapshot := d.Snapshot()["node"]
			So(snapshot.Attempts, ShouldEqual, 2)
			So(snapshot.WorkerID, ShouldEqual, channels[2].ID())
			So(snapshot.Errors, ShouldHaveLength, 2)
		})

		Convey("a crashed channel is replaced and keeps its functions", func() {
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			d.Initialize("node", nil)
			reg, inputs := newRegistration("a", "node")
			d.Register(reg)
			_, err := settle(reg.Result)
			So(err, ShouldBeNil)

			inv := function.NewInvocation("a", map[string]interface{}{"k": "v"})
			inputs <- inv
			res, err := settle(inv.Result)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, map[string]interface{}{"k": "v", "a": "a"})

			first := m.channels()[0]
			So(first.Fail(errors.New("segfault")), ShouldBeNil)
			So(eventually(func() bool { return len(m.channels()) == 2 }), ShouldBeTrue)
			So(eventually(func() bool { return d.Snapshot()["node"].Phase == PhaseReady }), ShouldBeTrue)
			second := m.channels()[1]
			So(second.Registered(), ShouldResemble, []string{"a"})
			So(first.Closed(), ShouldBeTrue)

			inv = function.NewInvocation("a", nil)
			inputs <- inv
			_, err = settle(inv.Result)
			So(err, ShouldBeNil)
			So(second.Invoked(), ShouldEqual, 1)
			snapshot := d.Snapshot()["node"]
			So(snapshot.Attempts, ShouldEqual, 1)
			So(snapshot.Bound, ShouldResemble, []string{"a"})
		})

		Convey("invocations wait for the channel while it starts", func() {
			m.gate = make(chan struct{})
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			d.Initialize("python", nil)
			reg, inputs := newRegistration("p", "python")
			d.Register(reg)
			inv := function.NewInvocation("p", nil)
			inputs <- inv
			time.Sleep(20 * time.Millisecond)
			So(inv.Result.Settled(), ShouldBeFalse)
			close(m.gate)
			_, err := settle(inv.Result)
			So(err, ShouldBeNil)
		})

		Convey("errors of other workers are recorded but do not restart", func() {
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			d.Initialize("node", nil)
			So(eventually(func() bool { return d.Snapshot()["node"].Phase == PhaseReady }), ShouldBeTrue)
			So(bus.Publish(eventbus.WorkerErrorEvent{WorkerID: xid.New().String(), Runtime: "node", Err: errors.New("old worker")}), ShouldBeNil)
			So(eventually(func() bool { return len(d.Snapshot()["node"].Errors) == 1 }), ShouldBeTrue)
			time.Sleep(50 * time.Millisecond)
			So(m.channels(), ShouldHaveLength, 1)
			snapshot := d.Snapshot()["node"]
			So(snapshot.Phase, ShouldEqual, PhaseReady)
			So(snapshot.Attempts, ShouldEqual, 0)
		})

		Convey("a standby channel is adopted", func() {
			standby := channel.NewMockChannel("standby-node", "node", nil, nil, bus)
			So(standby.StartWorkerProcess(), ShouldBeNil)
			m.standby["node"] = standby
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()

			functions := []function.Metadata{{Name: "a", Runtime: "Node"}}
			d.Initialize("", functions)
			So(m.needed, ShouldResemble, [][]function.Metadata{functions})
			reg, _ := newRegistration("a", "node")
			d.Register(reg)
			_, err := settle(reg.Result)
			So(err, ShouldBeNil)
			So(standby.Registered(), ShouldResemble, []string{"a"})
			So(m.channels(), ShouldBeEmpty)
			So(d.Snapshot()["node"].WorkerID, ShouldEqual, "standby-node")
		})

		Convey("runtimes without a worker are not initialized", func() {
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			d.Initialize("java", nil)
			d.Initialize("", []function.Metadata{{Name: "a", Runtime: "node"}, {Name: "b", Runtime: "python"}})
			So(d.Snapshot(), ShouldBeEmpty)

			reg, _ := newRegistration("j", "java")
			d.Register(reg)
			So(reg.Result.Settled(), ShouldBeTrue)
			So(errors.Is(reg.Result.Err(), ErrUnsupportedRuntime), ShouldBeTrue)
		})

		Convey("shutdown rejects buffered registrations and later ones", func() {
			m.gate = make(chan struct{})
			defer close(m.gate)
			d := newTestDispatcher(m, bus)
			d.Initialize("node", nil)
			var regs []*function.Registration
			for i := 0; i < 5; i++ {
				reg, _ := newRegistration(fmt.Sprintf("fn%d", i), "node")
				d.Register(reg)
				regs = append(regs, reg)
			}
			d.Shutdown()
			d.Shutdown()
			for _, reg := range regs {
				_, err := settle(reg.Result)
				So(err, ShouldEqual, ErrShutdown)
			}
			late, _ := newRegistration("late", "node")
			d.Register(late)
			So(late.Result.Err(), ShouldEqual, ErrShutdown)
			So(d.Snapshot()["node"].Phase, ShouldEqual, PhaseStopped)
		})

		Convey("shutdown rejects registrations handed to a starting attempt", func() {
			first, second := make(chan struct{}), make(chan struct{})
			defer close(second)
			m.failures = 1
			m.gates = []chan struct{}{first, second}
			d := newTestDispatcher(m, bus)
			d.Initialize("node", nil)
			reg, _ := newRegistration("a", "node")
			d.Register(reg)
			close(first)

			So(eventually(func() bool {
				snapshot := d.Snapshot()["node"]
				return snapshot.Phase == PhaseRestarting && snapshot.Pending == 0 && len(snapshot.Bound) == 1
			}), ShouldBeTrue)
			d.Shutdown()
			_, err := settle(reg.Result)
			So(err, ShouldEqual, ErrShutdown)
			snapshot := d.Snapshot()["node"]
			So(snapshot.Phase, ShouldEqual, PhaseStopped)
			So(snapshot.Bound, ShouldBeEmpty)
		})

		Convey("an invocation sent to a replaced channel is sent again", func() {
			m.wrap = func(ch *channel.MockChannel) channel.WorkerChannel {
				if len(m.created) == 1 {
					return &replacedChannel{MockChannel: ch}
				}
				return ch
			}
			d := newTestDispatcher(m, bus)
			defer d.Shutdown()
			d.Initialize("node", nil)
			reg, inputs := newRegistration("a", "node")
			d.Register(reg)
			_, err := settle(reg.Result)
			So(err, ShouldBeNil)

			inv := function.NewInvocation("a", map[string]interface{}{"k": "v"})
			inputs <- inv
			res, err := settle(inv.Result)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, map[string]interface{}{"k": "v", "a": "a"})
			channels := m.channels()
			So(channels, ShouldHaveLength, 2)
			So(channels[0].Invoked(), ShouldEqual, 0)
			So(channels[1].Invoked(), ShouldEqual, 1)
			So(channels[1].Registered(), ShouldResemble, []string{"a"})
			So(d.Snapshot()["node"].Attempts, ShouldEqual, 1)
		})

		Convey("shutdown closes the active channel", func() {
			d := newTestDispatcher(m, bus)
			d.Initialize("node", nil)
			So(eventually(func() bool { return d.Snapshot()["node"].Phase == PhaseReady }), ShouldBeTrue)
			d.Shutdown()
			So(m.channels()[0].Closed(), ShouldBeTrue)
		})
	})
}
