package cunqa

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMetrics(t *testing.T) {
	Convey("Given fresh metrics", t, func() {
		m := newMetrics()

		Convey("Everything starts at zero", func() {
			So(m.Percentile(0.99), ShouldEqual, 0)
			So(m.AverageTaskLatency(), ShouldEqual, 0)
		})

		Convey("When recording a mixed workload", func() {
			for i := 0; i < 90; i++ {
				m.RecordTask(2*time.Millisecond, true)
			}
			for i := 0; i < 10; i++ {
				m.RecordTask(700*time.Millisecond, false)
			}

			Convey("The counters add up", func() {
				So(m.TasksExecuted, ShouldEqual, 100)
				So(m.TasksFailed, ShouldEqual, 10)
			})

			Convey("The median sits in the fast bucket", func() {
				So(m.Percentile(0.5), ShouldBeLessThanOrEqualTo, 4*time.Millisecond)
			})

			Convey("The tail percentile lands in the slow bucket", func() {
				p99 := m.Percentile(0.99)
				So(p99, ShouldBeGreaterThanOrEqualTo, 700*time.Millisecond)
				So(p99, ShouldBeLessThanOrEqualTo, 1024*time.Millisecond)
			})
		})

		Convey("Sub-millisecond tasks share the first bucket", func() {
			m.RecordTask(10*time.Microsecond, true)
			So(m.Percentile(1.0), ShouldEqual, time.Millisecond)
		})

		Convey("Dropped replies are counted separately", func() {
			m.RecordDroppedReply()
			So(m.ExportMetrics()["dropped_replies"], ShouldEqual, int64(1))
		})
	})
}
