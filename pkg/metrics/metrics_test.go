package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then it should be created with the service namespace", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "rewardpool")
				So(manager.refreshInterval, ShouldEqual, defaultRefreshInterval)
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test_namespace"),
				WithSubsystem("test_subsystem"),
				WithMetricPrefix("prefix"),
				WithLatencyBuckets([]float64{0.1, 0.5, 1.0}),
				WithStageBuckets([]float64{0.05, 1}),
				WithMetricsEnabled(true),
				WithRefreshInterval(5*time.Second),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)
			manager.completions.WithLabelValues("check_in").Inc()

			Convey("Then metric names carry namespace, subsystem and prefix", func() {
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_namespace_test_subsystem_prefix_completions_total" {
						found = true
						So(f.GetMetric()[0].GetLabel(), ShouldNotBeEmpty)
					}
				}
				So(found, ShouldBeTrue)
				So(manager.refreshInterval, ShouldEqual, 5*time.Second)
				So(manager.histogramBuckets, ShouldResemble, []float64{0.1, 0.5, 1.0})
				So(manager.stageBuckets, ShouldResemble, []float64{0.05, 1})
				So(manager.constLabels, ShouldResemble, map[string]string{"env": "test"})
			})
		})

		Convey("When options carry empty values", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace(""),
				WithSubsystem(""),
				WithMetricPrefix(""),
				WithLatencyBuckets(nil),
				WithStageBuckets(nil),
				WithConstLabels(nil),
				WithRefreshInterval(-1*time.Second),
				WithPrometheusRegistry(registry),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "rewardpool")
				So(manager.subsystem, ShouldEqual, "engine")
				So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
				So(manager.stageBuckets, ShouldResemble, defaultStageBuckets)
				So(manager.refreshInterval, ShouldEqual, defaultRefreshInterval)
			})
		})
	})
}

func TestBusinessMetrics(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When a completion is recorded", func() {
			before := testutil.ToFloat64(globalManager.rewardsIssued.WithLabelValues("cast_vote"))
			RecordCompletion("cast_vote", 45_000_000)

			Convey("Then the reward counter grows by the amount", func() {
				after := testutil.ToFloat64(globalManager.rewardsIssued.WithLabelValues("cast_vote"))
				So(after-before, ShouldEqual, 45_000_000)
			})
		})

		Convey("When the epoch rolls over", func() {
			UpdateDemandRatio("check_in", 0.7)
			UpdateEpoch(4)
			RecordEpochRollover()

			Convey("Then demand ratios are cleared and the epoch is set", func() {
				So(testutil.CollectAndCount(globalManager.demandRatio), ShouldEqual, 0)
				So(testutil.ToFloat64(globalManager.epoch), ShouldEqual, 4)
			})
		})

		Convey("When rejections are recorded", func() {
			before := testutil.ToFloat64(globalManager.rejections.WithLabelValues("cooldown"))
			RecordRejection("cooldown")
			RecordRejection("cooldown")

			Convey("Then they are counted by reason", func() {
				So(testutil.ToFloat64(globalManager.rejections.WithLabelValues("cooldown"))-before, ShouldEqual, 2)
			})
		})

		Convey("When metrics are disabled", func() {
			globalManager.enabled = false
			before := testutil.ToFloat64(globalManager.penaltiesApplied)
			RecordPenaltyApplied()
			after := testutil.ToFloat64(globalManager.penaltiesApplied)
			globalManager.enabled = true

			Convey("Then business counters do not move", func() {
				So(after, ShouldEqual, before)
			})
		})

		Convey("When recording the remaining business metrics", func() {
			So(func() {
				RecordConflictRetry()
				RecordEventDuplicate()
				UpdateTotalAccounts(12)
				RecordStageLatency("demand", 0.2)
				RecordStageLatency("commit", 1.5)
			}, ShouldNotPanic)
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given operational metrics", t, func() {
		Convey("When recording HTTP metrics", func() {
			So(func() {
				RecordHTTPRequest("/completions", "POST", "200")
				RecordHTTPRequestDuration("/completions", "POST", "200", 4.0)
				RecordErrorByEndpoint("/completions", "POST", "cooldown")
			}, ShouldNotPanic)
		})

		Convey("When recording store metrics", func() {
			So(func() {
				RecordStoreCommitLatency(3.0)
				RecordStoreQueryLatency(0.5)
			}, ShouldNotPanic)
		})

		Convey("When recording queue metrics", func() {
			So(func() {
				UpdateQueueSize(10)
				UpdateQueueCapacity(100)
				UpdateQueueUtilization(0.1)
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordQueueEnqueueError()
				RecordQueueProcessingLatency(2.0)
			}, ShouldNotPanic)
		})

		Convey("When recording worker metrics", func() {
			So(func() {
				UpdateWorkerCount(4)
				UpdateWorkerActiveCount(3)
				UpdateWorkerIdleCount(1)
				UpdateWorkerMessagesPerSecond(120.0)
				RecordWorkerProcessingLatency(8.0)
				RecordWorkerError()
			}, ShouldNotPanic)
		})

		Convey("When recording error and system metrics", func() {
			So(func() {
				RecordErrorByComponent("engine", "conflict")
				RecordErrorByType("overflow", "error")
				UpdateSystemMemoryUsage(1024 * 1024 * 100)
				UpdateSystemGoroutineCount(42)
				RecordSystemGCPauseTime(1.0)
			}, ShouldNotPanic)
		})

		Convey("Then the custom registry exposes them", func() {
			families, err := GetRegistry().Gather()
			So(err, ShouldBeNil)
			names := make([]string, 0, len(families))
			for _, f := range families {
				names = append(names, f.GetName())
			}
			So(strings.Join(names, ","), ShouldContainSubstring, "rewardpool_engine_http_requests_total")
			So(RefreshInterval(), ShouldEqual, defaultRefreshInterval)
		})
	})
}

func TestMetricsConcurrency(t *testing.T) {
	Convey("Given metrics concurrency", t, func() {
		Convey("When recording metrics concurrently", func() {
			done := make(chan bool, 10)

			for i := 0; i < 10; i++ {
				go func() {
					for j := 0; j < 100; j++ {
						RecordCompletion("check_in", 1)
						UpdateQueueSize(1000 + j)
						RecordStageLatency("append", float64(j))
						RecordHTTPRequest("/test", "GET", "200")
					}
					done <- true
				}()
			}

			for i := 0; i < 10; i++ {
				<-done
			}

			Convey("Then it should handle concurrent access without panics", func() {
				So(true, ShouldBeTrue)
			})
		})
	})
}
