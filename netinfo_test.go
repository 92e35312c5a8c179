package cunqa

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseIBRate(t *testing.T) {
	Convey("Given InfiniBand rate lines", t, func() {
		Convey("Gb rates convert to Mb/s", func() {
			So(parseIBRate("100 Gb/sec (4X EDR)\n"), ShouldEqual, 100000)
			So(parseIBRate("56 Gb/sec (4X FDR)"), ShouldEqual, 56000)
		})

		Convey("Garbage counts as unknown", func() {
			So(parseIBRate(""), ShouldEqual, 0)
			So(parseIBRate("fast"), ShouldEqual, 0)
		})
	})
}
