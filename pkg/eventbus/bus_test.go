package eventbus

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	_ "github.com/tass-io/langworker/pkg/tools/log"
)

type workerFault struct{ code int }

func (w *workerFault) Error() string { return "worker fault" }

func receive(ch <-chan Event) Event {
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		return nil
	}
}

func TestBus(t *testing.T) {
	Convey("events reach every subscriber of their type", t, func() {
		bus := NewBus(NewZapLogger())
		defer bus.Close()

		first := make(chan Event, 1)
		second := make(chan Event, 1)
		failed := make(chan Event, 1)
		s1, err := bus.Subscribe(WorkerErrorEventType, func(e Event) { first <- e })
		So(err, ShouldBeNil)
		defer s1.Close()
		s2, err := bus.Subscribe(WorkerErrorEventType, func(e Event) { second <- e })
		So(err, ShouldBeNil)
		defer s2.Close()
		s3, err := bus.Subscribe(WorkerProcessFailedEventType, func(e Event) { failed <- e })
		So(err, ShouldBeNil)
		defer s3.Close()

		fault := &workerFault{code: 7}
		err = bus.Publish(WorkerErrorEvent{WorkerID: "w1", Runtime: "node", Err: fault})
		So(err, ShouldBeNil)

		for _, ch := range []chan Event{first, second} {
			e := receive(ch)
			So(e, ShouldNotBeNil)
			we, ok := e.(WorkerErrorEvent)
			So(ok, ShouldBeTrue)
			So(we.WorkerID, ShouldEqual, "w1")
			So(we.Runtime, ShouldEqual, "node")
			target := &workerFault{}
			So(errors.As(we.Err, &target), ShouldBeTrue)
			So(target.code, ShouldEqual, 7)
		}
		select {
		case <-failed:
			So("unexpected event", ShouldBeEmpty)
		case <-time.After(50 * time.Millisecond):
		}
	})

	Convey("a closed subscription gets nothing more", t, func() {
		bus := NewBus(NewZapLogger())
		defer bus.Close()

		got := make(chan Event, 4)
		sub, err := bus.Subscribe(WorkerProcessFailedEventType, func(e Event) { got <- e })
		So(err, ShouldBeNil)
		So(bus.Publish(WorkerProcessFailedEvent{WorkerID: "w2", Runtime: "python"}), ShouldBeNil)
		So(receive(got), ShouldNotBeNil)

		sub.Close()
		sub.Close()
		time.Sleep(50 * time.Millisecond)
		So(bus.Publish(WorkerProcessFailedEvent{WorkerID: "w3", Runtime: "python"}), ShouldBeNil)
		select {
		case <-got:
			So("unexpected event", ShouldBeEmpty)
		case <-time.After(100 * time.Millisecond):
		}
	})

	Convey("subscribing needs a known type and a handler", t, func() {
		bus := NewBus(NewZapLogger())
		defer bus.Close()
		_, err := bus.Subscribe("nope", func(Event) {})
		So(errors.Is(err, ErrUnknownEvent), ShouldBeTrue)
		_, err = bus.Subscribe(WorkerErrorEventType, nil)
		So(err, ShouldEqual, ErrNilHandler)
	})
}

func TestCodec(t *testing.T) {
	Convey("payloads round trip the error message", t, func() {
		data, err := encode(WorkerErrorEvent{WorkerID: "w", Runtime: "java", Err: errors.New("exit status 1")})
		So(err, ShouldBeNil)
		e, err := decode(WorkerErrorEventType, data)
		So(err, ShouldBeNil)
		we := e.(WorkerErrorEvent)
		So(we.Runtime, ShouldEqual, "java")
		So(we.Err.Error(), ShouldEqual, "exit status 1")

		data, err = encode(WorkerProcessFailedEvent{WorkerID: "w", Runtime: "java"})
		So(err, ShouldBeNil)
		e, err = decode(WorkerProcessFailedEventType, data)
		So(err, ShouldBeNil)
		So(e.(WorkerProcessFailedEvent).Err, ShouldBeNil)
	})
}
