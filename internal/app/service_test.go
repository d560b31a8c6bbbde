package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/rewardpool/internal/adapters/mq/queue"
	service "github.com/okian/rewardpool/internal/app"
	"github.com/okian/rewardpool/internal/domain/dedupe"
	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it should have sensible defaults", func() {
			So(svc, ShouldNotBeNil)
			So(svc.Catalog(), ShouldNotBeNil)
			So(svc.Size(), ShouldEqual, 0)
		})
	})

	Convey("Given a new service with custom options", t, func() {
		svc := service.New(
			service.WithWorkerCount(8),
			service.WithQueueSize(50_000),
			service.WithDedupeSize(25_000),
			service.WithEpochDuration(time.Hour),
		)

		Convey("Then the options should show in the stats", func() {
			stats := svc.GetStats(context.Background())
			So(stats["workerCount"], ShouldEqual, 8)
			So(stats["queueSize"], ShouldEqual, 50_000)
			So(stats["dedupeSize"], ShouldEqual, 25_000)
		})
	})
}

func TestService_Start(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(service.WithWorkerCount(2))
		defer func() { _ = svc.Stop(context.Background()) }()

		Convey("When starting the service", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := svc.Start(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
			})

			Convey("And it should be marked as started", func() {
				stats := svc.GetStats(ctx)
				So(stats["started"], ShouldEqual, true)
				So(stats["epoch"], ShouldEqual, 0)
				So(stats["accounts"], ShouldEqual, 0)
			})

			Convey("And starting again should be a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})
		})

		Convey("When the start context is cancelled afterwards", func() {
			ctx, cancel := context.WithCancel(context.Background())
			So(svc.Start(ctx), ShouldBeNil)
			cancel()

			Convey("Then the service should keep working", func() {
				rec, err := svc.CompleteTask(context.Background(), model.Event{Caller: "alice", Activity: "check_in", TS: time.Now()})
				So(err, ShouldBeNil)
				So(rec.Owner, ShouldEqual, "alice")
			})
		})
	})

	Convey("Given a service with an unusable store path", t, func() {
		svc := service.New(service.WithStorePath(t.TempDir()))

		Convey("Then starting should fail", func() {
			err := svc.Start(context.Background())
			So(err, ShouldNotBeNil)
			So(svc.GetStats(context.Background())["started"], ShouldEqual, false)
		})
	})
}

func TestService_Stop(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := service.New(service.WithWorkerCount(2))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When stopping the service", func() {
			err := svc.Stop(ctx)

			Convey("Then it should be marked as stopped", func() {
				So(err, ShouldBeNil)
				So(svc.GetStats(ctx)["started"], ShouldEqual, false)
			})

			Convey("And stopping again should be a no-op", func() {
				So(svc.Stop(ctx), ShouldBeNil)
			})

			Convey("And engine calls should report it", func() {
				_, err := svc.CompleteTask(ctx, model.Event{Caller: "alice", Activity: "check_in"})
				So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
				So(errors.Is(err, engine.ErrNotInitialized), ShouldBeTrue)
			})

			Convey("And enqueueing should be refused", func() {
				err := svc.Enqueue(ctx, model.Event{EventID: "e1", Caller: "alice", Activity: "check_in"})
				So(errors.Is(err, queue.ErrQueueClosed), ShouldBeTrue)
			})
		})
	})
}

func TestService_NotStarted(t *testing.T) {
	Convey("Given a service that was never started", t, func() {
		svc := service.New()
		ctx := context.Background()

		Convey("Then every engine read should fail as not started", func() {
			_, err := svc.State(ctx)
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)

			_, err = svc.Account(ctx, "alice")
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)

			_, _, err = svc.Ledger(ctx, "alice", 0, 10)
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)

			_, err = svc.Rollover(ctx)
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)

			So(errors.Is(svc.ValidateCaller(ctx, "alice"), service.ErrNotStarted), ShouldBeTrue)
		})

		Convey("Then the stats should say so", func() {
			stats := svc.GetStats(ctx)
			So(stats, ShouldNotBeNil)
			So(stats["started"], ShouldEqual, false)
			So(stats, ShouldNotContainKey, "queueLength")
		})
	})
}

func TestService_SeenAndRecord(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := service.New(service.WithWorkerCount(1))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		Convey("When checking a new key", func() {
			entry := svc.SeenAndRecord(ctx, "alice/event-123")

			Convey("Then it should be new", func() {
				So(entry.State, ShouldEqual, dedupe.StateNew)
			})
		})

		Convey("When checking the same key again", func() {
			svc.SeenAndRecord(ctx, "alice/event-456")
			entry := svc.SeenAndRecord(ctx, "alice/event-456")

			Convey("Then it should be in flight", func() {
				So(entry.State, ShouldEqual, dedupe.StateInFlight)
			})

			Convey("And after Unrecord it should be new again", func() {
				svc.Unrecord(ctx, "alice/event-456")
				So(svc.SeenAndRecord(ctx, "alice/event-456").State, ShouldEqual, dedupe.StateNew)
			})
		})

		Convey("When a completed key is remembered", func() {
			rec, err := svc.CompleteTask(ctx, model.Event{EventID: "e9", Caller: "alice", Activity: "check_in", TS: time.Now()})
			So(err, ShouldBeNil)
			svc.SeenAndRecord(ctx, "alice/e9")
			svc.Remember(ctx, "alice/e9", rec)

			Convey("Then the record should come back", func() {
				entry := svc.SeenAndRecord(ctx, "alice/e9")
				So(entry.State, ShouldEqual, dedupe.StateDone)
				So(entry.Record.ID, ShouldEqual, rec.ID)
				So(svc.Size(), ShouldBeGreaterThanOrEqualTo, 1)
			})
		})
	})
}
