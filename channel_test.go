package cunqa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestClassicalChannel(t *testing.T) {
	Convey("Given three channels on this host", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		hub, err := NewClassicalChannel(ctx, "", ModeHPC)
		So(err, ShouldBeNil)
		defer hub.Close()
		alice, err := NewClassicalChannel(ctx, "alice", ModeHPC)
		So(err, ShouldBeNil)
		defer alice.Close()
		bob, err := NewClassicalChannel(ctx, "bob", ModeHPC)
		So(err, ShouldBeNil)
		defer bob.Close()

		Convey("An empty id falls back to the bound endpoint", func() {
			So(hub.ID(), ShouldEqual, hub.Endpoint())
			So(hub.Endpoint(), ShouldStartWith, "tcp://")
		})

		Convey("When two peers interleave sends to the hub", func() {
			So(alice.Connect(hub.Endpoint(), "hub", false), ShouldBeNil)
			So(bob.Connect(hub.Endpoint(), "hub", false), ShouldBeNil)

			for i := 0; i < 5; i++ {
				So(alice.SendInfo(fmt.Sprintf("a%d", i), "hub"), ShouldBeNil)
				So(bob.SendInfo(fmt.Sprintf("b%d", i), "hub"), ShouldBeNil)
			}

			Convey("Each origin's stream is delivered in send order", func() {
				for i := 0; i < 5; i++ {
					got, err := hub.RecvInfo("alice")
					So(err, ShouldBeNil)
					So(got, ShouldEqual, fmt.Sprintf("a%d", i))
				}
				for i := 0; i < 5; i++ {
					got, err := hub.RecvInfo("bob")
					So(err, ShouldBeNil)
					So(got, ShouldEqual, fmt.Sprintf("b%d", i))
				}
			})
		})

		Convey("When connecting to the same target repeatedly", func() {
			for i := 0; i < 4; i++ {
				So(alice.Connect(hub.Endpoint(), "hub", false), ShouldBeNil)
			}

			Convey("Exactly one dealer exists", func() {
				So(alice.dealers, ShouldHaveLength, 1)
			})
		})

		Convey("When sending to a target nobody connected", func() {
			err := alice.SendInfo("lost", "nowhere")

			Convey("It is a hard error", func() {
				So(err, ShouldNotBeNil)
			})
		})

		Convey("When exchanging measurements", func() {
			So(alice.Connect(hub.Endpoint(), "hub", false), ShouldBeNil)
			So(alice.SendMeasure(1, "hub"), ShouldBeNil)
			So(alice.SendMeasure(0, "hub"), ShouldBeNil)

			Convey("The integers come back in order", func() {
				first, err := hub.RecvMeasure("alice")
				So(err, ShouldBeNil)
				So(first, ShouldEqual, 1)
				second, err := hub.RecvMeasure("alice")
				So(err, ShouldBeNil)
				So(second, ShouldEqual, 0)
			})
		})

		Convey("When a force-endpoint peer connects", func() {
			So(alice.Connect(hub.Endpoint(), "hub", true), ShouldBeNil)
			So(alice.SendInfo("by-address", "hub"), ShouldBeNil)

			Convey("The hub sees it under the peer's bound endpoint", func() {
				got, err := hub.RecvInfo(alice.Endpoint())
				So(err, ShouldBeNil)
				So(got, ShouldEqual, "by-address")
			})
		})
	})
}

func TestChannelPublish(t *testing.T) {
	Convey("Given a channel and a registry path", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dir := t.TempDir()
		path := filepath.Join(dir, "communications.json")
		os.Setenv("SLURM_JOB_ID", "55")
		os.Setenv("SLURM_TASK_PID", "2")
		defer os.Unsetenv("SLURM_JOB_ID")
		defer os.Unsetenv("SLURM_TASK_PID")

		ch, err := NewClassicalChannel(ctx, "", ModeHPC)
		So(err, ShouldBeNil)
		defer ch.Close()

		Convey("When publishing under a family suffix", func() {
			So(ch.Publish(path, "fam"), ShouldBeNil)

			Convey("The rendezvous entry holds the bound endpoint", func() {
				entries, err := ReadAll(path)
				So(err, ShouldBeNil)
				So(entries, ShouldContainKey, "55_2_fam")
				So(string(entries["55_2_fam"]), ShouldContainSubstring, ch.Endpoint())
			})
		})
	})
}
