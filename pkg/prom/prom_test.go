package prom

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSink(t *testing.T) {
	Convey("the sink feeds the collectors", t, func() {
		s := Sink{}
		s.ChannelStarted("node", 20*time.Millisecond, nil)
		s.ChannelStarted("node", 0, errors.New("exec: not found"))
		s.ChannelError("node")
		s.RuntimeRestarted("node")
		s.RuntimeFailed("node")
		s.PendingRegistrations("node", 5)

		So(testutil.ToFloat64(ChannelStarts.WithLabelValues("node", "ok")), ShouldEqual, 1)
		So(testutil.ToFloat64(ChannelStarts.WithLabelValues("node", "error")), ShouldEqual, 1)
		So(testutil.ToFloat64(ChannelErrors.WithLabelValues("node")), ShouldEqual, 1)
		So(testutil.ToFloat64(RuntimeRestarts.WithLabelValues("node")), ShouldEqual, 1)
		So(testutil.ToFloat64(RuntimeFailed.WithLabelValues("node")), ShouldEqual, 1)
		So(testutil.ToFloat64(PendingRegistrations.WithLabelValues("node")), ShouldEqual, 5)
	})
}
