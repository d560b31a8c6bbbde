package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/rewardpool/internal/adapters/repository"
	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/availability"
	"github.com/okian/rewardpool/internal/domain/demand"
	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/internal/domain/reward"
	. "github.com/smartystreets/goconvey/convey"
)

// faultyStore injects commit failures in front of a real store.
type faultyStore struct {
	engine.Store

	mu        sync.Mutex
	conflicts int
	fail      error
}

func (f *faultyStore) Commit(ctx context.Context, c model.Commit) error {
	f.mu.Lock()
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return model.ErrVersionConflict
	}
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	return f.Store.Commit(ctx, c)
}

// gatedStore parks one owner's commit until released, then fails it.
type gatedStore struct {
	engine.Store

	owner   string
	entered chan struct{}
	proceed chan struct{}
}

func (g *gatedStore) Commit(ctx context.Context, c model.Commit) error {
	if c.Owner == g.owner {
		close(g.entered)
		<-g.proceed
		return errors.New("disk full")
	}
	return g.Store.Commit(ctx, c)
}

// fixed is a perturber that leaves amounts untouched.
func fixed() engine.Option {
	return engine.WithPerturber(availability.NewPerturber(availability.WithSpread(0)))
}

func catalog(overrides map[string]activity.Override) engine.Option {
	return engine.WithCatalog(activity.MustCatalog(activity.WithOverrides(overrides)))
}

func newEngine(store engine.Store, opts ...engine.Option) *engine.Engine {
	e := engine.New(store, append([]engine.Option{fixed()}, opts...)...)
	_, err := e.Initialize(context.Background())
	So(err, ShouldBeNil)
	return e
}

func complete(e *engine.Engine, caller, act string) (ledger.Record, error) {
	return e.CompleteTask(context.Background(), model.Event{Caller: caller, Activity: act})
}

func counter(e *engine.Engine, typ activity.Type) uint64 {
	st, err := e.State(context.Background())
	So(err, ShouldBeNil)
	return st.Counters[typ]
}

func TestDemandMultiplier(t *testing.T) {
	Convey("Given an initialized engine", t, func() {
		store := repository.NewMemoryStore(context.Background())
		Reset(func() { _ = store.Close() })

		Convey("When a high-capacity activity is completed for the first time", func() {
			e := newEngine(store)
			rec, err := complete(e, "alice", "check_in")

			Convey("Then low demand pays x1.2 exactly", func() {
				So(err, ShouldBeNil)
				So(rec.Multiplier, ShouldEqual, demand.LowDemandMultiplier)
				So(rec.Penalty, ShouldEqual, reward.One)
				So(rec.Amount, ShouldEqual, 12_000_000)
				So(rec.BaseReward, ShouldEqual, 10_000_000)
				So(rec.Epoch, ShouldEqual, 0)
				So(rec.SequenceIndex, ShouldEqual, 0)
				So(rec.Owner, ShouldEqual, "alice")
				So(rec.ID, ShouldNotBeEmpty)
			})
		})

		Convey("When the demand ratio lands exactly on one half", func() {
			e := newEngine(store, catalog(map[string]activity.Override{"check_in": {SlotsPerEpoch: 2}}))
			rec, err := complete(e, "alice", "check_in")

			Convey("Then the balanced tier applies", func() {
				So(err, ShouldBeNil)
				So(rec.Multiplier, ShouldEqual, demand.BalancedMultiplier)
				So(rec.Amount, ShouldEqual, 10_000_000)
			})
		})

		Convey("When two users complete a one-slot activity", func() {
			e := newEngine(store, catalog(map[string]activity.Override{"refer_user": {SlotsPerEpoch: 1}}))
			a, errA := complete(e, "alice", "refer_user")
			b, errB := complete(e, "bob", "Refer a User")

			Convey("Then both are oversubscribed at x0.9", func() {
				So(errA, ShouldBeNil)
				So(errB, ShouldBeNil)
				So(a.Multiplier, ShouldEqual, demand.OversubscribedMultiplier)
				So(b.Multiplier, ShouldEqual, demand.OversubscribedMultiplier)
				So(a.Amount, ShouldEqual, 45_000_000)
				So(b.Amount, ShouldEqual, 45_000_000)
				So(counter(e, activity.ReferUser), ShouldEqual, 2)
			})
		})
	})
}

func TestRepetitionPenalty(t *testing.T) {
	Convey("Given one user repeating an activity", t, func() {
		store := repository.NewMemoryStore(context.Background())
		Reset(func() { _ = store.Close() })
		e := newEngine(store)

		var recs []ledger.Record
		for i := 0; i < 4; i++ {
			rec, err := complete(e, "alice", "check_in")
			So(err, ShouldBeNil)
			recs = append(recs, rec)
		}

		Convey("Then the first two are free and later ones halve", func() {
			So(recs[0].Amount, ShouldEqual, 12_000_000)
			So(recs[1].Amount, ShouldEqual, 12_000_000)
			So(recs[2].Penalty, ShouldEqual, reward.BasisPoints(5000))
			So(recs[2].Amount, ShouldEqual, 6_000_000)
			So(recs[3].Amount, ShouldEqual, 3_000_000)
			So(recs[3].Repetition, ShouldEqual, 4)
		})

		Convey("Then sequence indexes run 0..n-1", func() {
			for i, r := range recs {
				So(r.SequenceIndex, ShouldEqual, uint64(i))
			}
		})

		Convey("And another activity is counted separately", func() {
			rec, err := complete(e, "alice", "view_analytics")
			So(err, ShouldBeNil)
			So(rec.Penalty, ShouldEqual, reward.One)
		})

		Convey("And another user is unaffected", func() {
			rec, err := complete(e, "bob", "check_in")
			So(err, ShouldBeNil)
			So(rec.Penalty, ShouldEqual, reward.One)
			So(rec.SequenceIndex, ShouldEqual, 0)
		})
	})
}

func TestEpochRollover(t *testing.T) {
	Convey("Given completions in epoch 0", t, func() {
		store := repository.NewMemoryStore(context.Background())
		Reset(func() { _ = store.Close() })
		e := newEngine(store)
		for i := 0; i < 3; i++ {
			_, err := complete(e, "alice", "check_in")
			So(err, ShouldBeNil)
		}
		So(counter(e, activity.CheckIn), ShouldEqual, 3)

		Convey("When the epoch rolls over", func() {
			st, err := e.Rollover(context.Background())
			So(err, ShouldBeNil)
			So(st.Epoch, ShouldEqual, 1)

			Convey("Then demand counters start from zero", func() {
				So(counter(e, activity.CheckIn), ShouldEqual, 0)
			})

			Convey("And repetition counters start from zero", func() {
				view, err := e.Account(context.Background(), "alice")
				So(err, ShouldBeNil)
				So(view.Repetitions, ShouldBeEmpty)

				rec, err := complete(e, "alice", "check_in")
				So(err, ShouldBeNil)
				So(rec.Epoch, ShouldEqual, 1)
				So(rec.Repetition, ShouldEqual, 1)
				So(rec.Penalty, ShouldEqual, reward.One)
				So(rec.Amount, ShouldEqual, 12_000_000)
				So(rec.SequenceIndex, ShouldEqual, 3)
			})

			Convey("And the rollover is persisted", func() {
				g, err := store.LoadGlobal(context.Background())
				So(err, ShouldBeNil)
				So(g.Epoch, ShouldEqual, 1)
			})
		})
	})

	Convey("Given an engine that was never initialized", t, func() {
		store := repository.NewMemoryStore(context.Background())
		Reset(func() { _ = store.Close() })
		e := engine.New(store)

		Convey("Then every operation reports it", func() {
			_, err := e.Rollover(context.Background())
			So(errors.Is(err, engine.ErrNotInitialized), ShouldBeTrue)
			_, err = complete(e, "alice", "check_in")
			So(errors.Is(err, engine.ErrNotInitialized), ShouldBeTrue)
			_, err = e.State(context.Background())
			So(errors.Is(err, engine.ErrNotInitialized), ShouldBeTrue)
			_, err = e.Resume(context.Background())
			So(errors.Is(err, engine.ErrNotInitialized), ShouldBeTrue)
		})
	})
}

func TestInitialize(t *testing.T) {
	Convey("Given an initialized pool with activity", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		Reset(func() { _ = store.Close() })
		e := newEngine(store)
		_, err := complete(e, "alice", "cast_vote")
		So(err, ShouldBeNil)

		Convey("When Initialize is called again", func() {
			_, err := e.Initialize(ctx)

			Convey("Then it fails and state is untouched", func() {
				So(errors.Is(err, engine.ErrAlreadyInitialized), ShouldBeTrue)
				So(counter(e, activity.CastVote), ShouldEqual, 1)
			})
		})

		Convey("When a second engine initializes the same store", func() {
			other := engine.New(store, fixed())
			_, err := other.Initialize(ctx)

			Convey("Then the persisted state wins", func() {
				So(errors.Is(err, engine.ErrAlreadyInitialized), ShouldBeTrue)
				g, err := store.LoadGlobal(ctx)
				So(err, ShouldBeNil)
				So(g.Counters[activity.CastVote], ShouldEqual, 1)
			})
		})

		Convey("When a second engine resumes from the store", func() {
			other := engine.New(store, fixed())
			st, err := other.Resume(ctx)
			So(err, ShouldBeNil)

			Convey("Then counters and accounts carry over", func() {
				So(st.Counters[activity.CastVote], ShouldEqual, 1)
				view, err := other.Account(ctx, "alice")
				So(err, ShouldBeNil)
				So(view.Version, ShouldEqual, 1)
				So(view.Records, ShouldEqual, 1)

				rec, err := complete(other, "alice", "cast_vote")
				So(err, ShouldBeNil)
				So(rec.SequenceIndex, ShouldEqual, 1)
				So(rec.Repetition, ShouldEqual, 2)
				So(counter(other, activity.CastVote), ShouldEqual, 2)
			})
		})
	})
}

func TestRejections(t *testing.T) {
	Convey("Given an initialized engine", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		Reset(func() { _ = store.Close() })

		Convey("When the activity is unknown", func() {
			e := newEngine(store)
			_, err := complete(e, "alice", "mine_bitcoin")

			Convey("Then it is rejected and nothing changes", func() {
				So(errors.Is(err, engine.ErrInvalidActivityType), ShouldBeTrue)
				So(engine.Reason(err), ShouldEqual, "invalid_activity")
				_, err := e.Account(ctx, "alice")
				So(errors.Is(err, engine.ErrAccountNotFound), ShouldBeTrue)
			})
		})

		Convey("When the caller identity is malformed", func() {
			e := newEngine(store)
			_, errEmpty := complete(e, "", "check_in")
			_, errSpace := complete(e, "al ice", "check_in")

			Convey("Then it is unauthorized", func() {
				So(errors.Is(errEmpty, engine.ErrUnauthorizedCaller), ShouldBeTrue)
				So(errors.Is(errSpace, engine.ErrUnauthorizedCaller), ShouldBeTrue)
				So(counter(e, activity.CheckIn), ShouldEqual, 0)
			})
		})

		Convey("When a custom validator rejects the caller", func() {
			e := newEngine(store, engine.WithIdentityValidator(engine.IdentityFunc(func(_ context.Context, caller string) error {
				if caller == "mallory" {
					return errors.New("banned")
				}
				return nil
			})))
			_, err := complete(e, "mallory", "check_in")

			Convey("Then the error is reported as unauthorized", func() {
				So(errors.Is(err, engine.ErrUnauthorizedCaller), ShouldBeTrue)
			})
		})

		Convey("When the amount would overflow", func() {
			e := newEngine(store, catalog(map[string]activity.Override{"check_in": {BaseReward: math.MaxUint64}}))
			_, err := complete(e, "alice", "check_in")

			Convey("Then the whole completion is rejected", func() {
				So(errors.Is(err, engine.ErrArithmeticOverflow), ShouldBeTrue)
				So(counter(e, activity.CheckIn), ShouldEqual, 0)
				_, err := e.Account(ctx, "alice")
				So(errors.Is(err, engine.ErrAccountNotFound), ShouldBeTrue)
			})
		})

		Convey("When a cooldown is configured", func() {
			now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			e := newEngine(store,
				engine.WithCooldown(5*time.Second),
				engine.WithClock(func() time.Time { return now }),
			)
			_, err := complete(e, "alice", "check_in")
			So(err, ShouldBeNil)

			_, err = complete(e, "alice", "vote_in_poll")
			So(errors.Is(err, engine.ErrCooldownNotElapsed), ShouldBeTrue)
			So(counter(e, activity.VoteInPoll), ShouldEqual, 0)

			Convey("Then it passes once the interval has elapsed", func() {
				now = now.Add(5 * time.Second)
				rec, err := complete(e, "alice", "vote_in_poll")
				So(err, ShouldBeNil)
				So(rec.SequenceIndex, ShouldEqual, 1)
				So(rec.Timestamp.Equal(now), ShouldBeTrue)
			})

			Convey("And other users are not affected", func() {
				_, err := complete(e, "bob", "check_in")
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestCommitFailures(t *testing.T) {
	Convey("Given a store that fails commits", t, func() {
		ctx := context.Background()
		mem := repository.NewMemoryStore(ctx)
		Reset(func() { _ = mem.Close() })
		store := &faultyStore{Store: mem}

		Convey("When the commit fails outright", func() {
			e := newEngine(store)
			store.fail = errors.New("disk full")
			_, err := complete(e, "alice", "check_in")

			Convey("Then the demand reservation and account are rolled back", func() {
				So(err, ShouldNotBeNil)
				So(engine.Reason(err), ShouldEqual, "internal")
				So(counter(e, activity.CheckIn), ShouldEqual, 0)
				_, err := e.Account(ctx, "alice")
				So(errors.Is(err, engine.ErrAccountNotFound), ShouldBeTrue)
			})

			Convey("And the next completion starts at sequence 0", func() {
				store.fail = nil
				rec, err := complete(e, "alice", "check_in")
				So(err, ShouldBeNil)
				So(rec.SequenceIndex, ShouldEqual, 0)
				So(rec.Repetition, ShouldEqual, 1)
				So(counter(e, activity.CheckIn), ShouldEqual, 1)
			})
		})

		Convey("When a few commits conflict", func() {
			e := newEngine(store)
			store.conflicts = 2
			rec, err := complete(e, "alice", "check_in")

			Convey("Then the engine retries transparently", func() {
				So(err, ShouldBeNil)
				So(rec.SequenceIndex, ShouldEqual, 0)
				So(counter(e, activity.CheckIn), ShouldEqual, 1)
			})
		})

		Convey("When conflicts outlast the retry budget", func() {
			e := newEngine(store, engine.WithMaxCommitRetries(1))
			store.conflicts = 5
			_, err := complete(e, "alice", "check_in")

			Convey("Then a transient conflict surfaces and nothing is kept", func() {
				So(errors.Is(err, engine.ErrConcurrentUpdateConflict), ShouldBeTrue)
				So(engine.Reason(err), ShouldEqual, "conflict")
				So(counter(e, activity.CheckIn), ShouldEqual, 0)
			})
		})
	})
}

func TestConcurrency(t *testing.T) {
	Convey("Given many concurrent callers", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		Reset(func() { _ = store.Close() })
		e := newEngine(store)

		Convey("When N users complete the same activity", func() {
			const n = 200
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if _, err := complete(e, fmt.Sprintf("user-%d", i), "deploy_sample_contract"); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)

			Convey("Then the counter is exactly N", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				So(counter(e, activity.DeploySampleContract), ShouldEqual, n)
				st, err := e.State(ctx)
				So(err, ShouldBeNil)
				So(st.Accounts, ShouldEqual, n)
			})
		})

		Convey("When one user completes concurrently", func() {
			const n = 50
			var wg sync.WaitGroup
			var mu sync.Mutex
			reps := make(map[uint64]bool)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rec, err := complete(e, "alice", "send_message")
					if err == nil {
						mu.Lock()
						reps[rec.Repetition] = true
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Convey("Then the ledger is gap free and every repetition is distinct", func() {
				records, total, err := e.Ledger(ctx, "alice", 0, 0)
				So(err, ShouldBeNil)
				So(total, ShouldEqual, n)
				for i, r := range records {
					So(r.SequenceIndex, ShouldEqual, uint64(i))
				}
				So(len(reps), ShouldEqual, n)
			})
		})

		Convey("When completions race a rollover", func() {
			const n = 100
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = complete(e, fmt.Sprintf("racer-%d", i), "check_in")
				}(i)
			}
			_, err := e.Rollover(ctx)
			So(err, ShouldBeNil)
			wg.Wait()

			Convey("Then each completion belongs to exactly one epoch", func() {
				var epoch0, epoch1 int
				for i := 0; i < n; i++ {
					records, _, err := e.Ledger(ctx, fmt.Sprintf("racer-%d", i), 0, 0)
					So(err, ShouldBeNil)
					So(len(records), ShouldEqual, 1)
					if records[0].Epoch == 0 {
						epoch0++
					} else {
						epoch1++
					}
				}
				So(epoch0+epoch1, ShouldEqual, n)
				So(counter(e, activity.CheckIn), ShouldEqual, epoch1)
			})
		})
	})
}

func TestAvailability(t *testing.T) {
	Convey("Given the default availability spread", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		Reset(func() { _ = store.Close() })
		p := availability.NewPerturber(availability.WithSeed(7))
		e := newEngine(store, engine.WithPerturber(p))

		Convey("When rewards are computed", func() {
			lo, hi := p.Range(activity.CheckIn, 12_000_000)

			Convey("Then each amount stays within the documented window", func() {
				for i := 0; i < 20; i++ {
					rec, err := complete(e, fmt.Sprintf("user-%d", i), "check_in")
					So(err, ShouldBeNil)
					So(rec.Amount, ShouldBeBetweenOrEqual, lo, hi)
					So(rec.Availability, ShouldBeBetweenOrEqual, reward.One-availability.DefaultSpread, reward.One+availability.DefaultSpread)
				}
			})
		})
	})
}

func TestReadViews(t *testing.T) {
	Convey("Given an account with history", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		Reset(func() { _ = store.Close() })
		e := newEngine(store)
		for _, act := range []string{"check_in", "check_in", "cast_vote"} {
			_, err := complete(e, "alice", act)
			So(err, ShouldBeNil)
		}

		Convey("When the account is read", func() {
			view, err := e.Account(ctx, "alice")

			Convey("Then it summarises the ledger", func() {
				So(err, ShouldBeNil)
				So(view.Version, ShouldEqual, 3)
				So(view.Records, ShouldEqual, 3)
				So(view.Total, ShouldEqual, 12_000_000+12_000_000+60_000_000)
				So(view.Repetitions[activity.CheckIn], ShouldEqual, 2)
				So(view.Repetitions[activity.CastVote], ShouldEqual, 1)
			})
		})

		Convey("When a ledger page is read", func() {
			records, total, err := e.Ledger(ctx, "alice", 1, 1)

			Convey("Then only that page is returned", func() {
				So(err, ShouldBeNil)
				So(total, ShouldEqual, 3)
				So(len(records), ShouldEqual, 1)
				So(records[0].SequenceIndex, ShouldEqual, 1)
			})
		})

		Convey("When the state is read", func() {
			st, err := e.State(ctx)

			Convey("Then every activity is reported with its next multiplier", func() {
				So(err, ShouldBeNil)
				So(len(st.Demand), ShouldEqual, activity.Count)
				So(st.Accounts, ShouldEqual, 1)
				for _, d := range st.Demand {
					if d.Activity == activity.CheckIn {
						So(d.Count, ShouldEqual, 2)
						So(d.NextMultiplier, ShouldEqual, demand.LowDemandMultiplier)
					}
				}
			})
		})
	})
}

func TestTimestamps(t *testing.T) {
	Convey("Given an engine with a ticking clock", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		Reset(func() { _ = store.Close() })

		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		var ticks atomic.Int64
		clock := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Millisecond) }

		Convey("When one user's unstamped completions race", func() {
			e := newEngine(store, engine.WithClock(clock))
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := complete(e, "alice", "check_in"); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)

			Convey("Then timestamps follow ledger order", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				records, total, err := e.Ledger(ctx, "alice", 0, 0)
				So(err, ShouldBeNil)
				So(total, ShouldEqual, 20)
				for i := 1; i < len(records); i++ {
					So(records[i].Timestamp.After(records[i-1].Timestamp), ShouldBeTrue)
				}
			})
		})

		Convey("When an event stamped before the last completion arrives", func() {
			e := newEngine(store)
			later := base.Add(time.Minute)
			first, err := e.CompleteTask(ctx, model.Event{Caller: "alice", Activity: "check_in", TS: later})
			So(err, ShouldBeNil)
			second, err := e.CompleteTask(ctx, model.Event{Caller: "alice", Activity: "check_in", TS: base})

			Convey("Then its record is not dated before the previous one", func() {
				So(err, ShouldBeNil)
				So(first.Timestamp.Equal(later), ShouldBeTrue)
				So(second.Timestamp.Equal(later), ShouldBeTrue)
				So(second.SequenceIndex, ShouldEqual, 1)
			})
		})

		Convey("When queued completions are processed with a cooldown", func() {
			now := base
			e := newEngine(store,
				engine.WithCooldown(time.Second),
				engine.WithClock(func() time.Time { return now }),
			)
			_, err := complete(e, "alice", "check_in")
			So(err, ShouldBeNil)
			now = now.Add(2 * time.Second)
			rec, err := complete(e, "alice", "cast_vote")

			Convey("Then the cooldown is measured at processing time", func() {
				So(err, ShouldBeNil)
				So(rec.Timestamp.Equal(now), ShouldBeTrue)
			})
		})
	})
}

func TestCounterSettlement(t *testing.T) {
	Convey("Given a completion that fails after a later one commits", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "pool.db")
		bolt, err := repository.NewBoltStore(ctx, path)
		So(err, ShouldBeNil)

		gate := &gatedStore{Store: bolt, owner: "alice", entered: make(chan struct{}), proceed: make(chan struct{})}
		e := newEngine(gate)

		failed := make(chan error, 1)
		go func() {
			_, err := complete(e, "alice", "check_in")
			failed <- err
		}()
		<-gate.entered
		_, err = complete(e, "bob", "check_in")
		So(err, ShouldBeNil)
		close(gate.proceed)
		So(<-failed, ShouldNotBeNil)

		persisted, err := bolt.LoadGlobal(ctx)
		So(err, ShouldBeNil)
		So(persisted.Counters[activity.CheckIn], ShouldEqual, 2)
		So(counter(e, activity.CheckIn), ShouldEqual, 1)

		Convey("When the engine is closed and resumed", func() {
			So(e.Close(), ShouldBeNil)
			reopened, err := repository.NewBoltStore(ctx, path)
			So(err, ShouldBeNil)
			Reset(func() { _ = reopened.Close() })

			again := engine.New(reopened)
			_, err = again.Resume(ctx)
			So(err, ShouldBeNil)

			Convey("Then the counter matches the completions that committed", func() {
				So(counter(again, activity.CheckIn), ShouldEqual, 1)
			})
		})
	})
}
