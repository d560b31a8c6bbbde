package model_test

import (
	"testing"
	"time"

	"github.com/okian/rewardpool/internal/domain/activity"
	model "github.com/okian/rewardpool/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestEvent(t *testing.T) {
	convey.Convey("Given completion events", t, func() {
		convey.Convey("When the event carries an id", func() {
			e := model.Event{EventID: "evt-1", Caller: "alice", Activity: "check_in", TS: time.Now()}

			convey.Convey("Then the dedupe key is scoped to the caller", func() {
				convey.So(e.DedupeKey(), convey.ShouldEqual, "5:alice/evt-1")
			})
		})

		convey.Convey("When two callers reuse the same id", func() {
			a := model.Event{EventID: "x", Caller: "alice"}
			b := model.Event{EventID: "x", Caller: "bob"}

			convey.Convey("Then their keys differ", func() {
				convey.So(a.DedupeKey(), convey.ShouldNotEqual, b.DedupeKey())
			})
		})

		convey.Convey("When a slash moves between caller and id", func() {
			a := model.Event{EventID: "1", Caller: "alice/x"}
			b := model.Event{EventID: "x/1", Caller: "alice"}

			convey.Convey("Then their keys still differ", func() {
				convey.So(a.DedupeKey(), convey.ShouldNotEqual, b.DedupeKey())
				convey.So(a.DedupeKey(), convey.ShouldEqual, "7:alice/x/1")
				convey.So(b.DedupeKey(), convey.ShouldEqual, "5:alice/x/1")
			})
		})

		convey.Convey("When the event has no id", func() {
			e := model.Event{Caller: "alice"}

			convey.Convey("Then it is not deduplicated", func() {
				convey.So(e.DedupeKey(), convey.ShouldEqual, "")
			})
		})
	})
}

func TestGlobalStateClone(t *testing.T) {
	convey.Convey("Given a global state", t, func() {
		g := model.GlobalState{Epoch: 3, Counters: map[activity.Type]uint64{activity.CheckIn: 4}}

		convey.Convey("When the clone is mutated", func() {
			c := g.Clone()
			c.Counters[activity.CheckIn] = 99
			c.Epoch = 4

			convey.Convey("Then the original is unchanged", func() {
				convey.So(g.Counters[activity.CheckIn], convey.ShouldEqual, 4)
				convey.So(g.Epoch, convey.ShouldEqual, 3)
			})
		})
	})
}
