package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okian/rewardpool/internal/domain/account"
	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/internal/domain/penalty"
	. "github.com/smartystreets/goconvey/convey"
)

type storeFactory func(t *testing.T) engine.Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"MemoryStore": func(t *testing.T) engine.Store {
			return NewMemoryStore(context.Background())
		},
		"BoltStore": func(t *testing.T) engine.Store {
			s, err := NewBoltStore(context.Background(), filepath.Join(t.TempDir(), "pool.db"), WithNoSync())
			if err != nil {
				t.Fatalf("open bolt store: %v", err)
			}
			return s
		},
	}
}

func genesis() model.GlobalState {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.GlobalState{
		Epoch:          0,
		Counters:       map[activity.Type]uint64{},
		CatalogVersion: activity.CatalogVersion,
		InitializedAt:  now,
		EpochStartedAt: now,
	}
}

// commitFor builds the commit that appends the seq-th record for owner.
func commitFor(owner string, seq uint64, typ activity.Type, counter uint64) model.Commit {
	at := time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC)
	return model.Commit{
		Owner:           owner,
		ExpectedVersion: seq,
		Meta: account.Meta{
			Owner:          owner,
			Version:        seq + 1,
			Repetitions:    map[activity.Type]penalty.Repetition{typ: {Count: seq + 1}},
			LastCompletion: at,
		},
		Record: ledger.Record{
			ID:            fmt.Sprintf("%s-%d", owner, seq),
			Owner:         owner,
			Activity:      typ,
			Amount:        1000 + seq,
			SequenceIndex: seq,
			Timestamp:     at,
		},
		Counter: counter,
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, newStore := range factories() {
		Convey("Given an empty "+name, t, func() {
			s := newStore(t)
			Reset(func() { _ = s.Close() })

			Convey("When nothing was initialized", func() {
				_, err := s.LoadGlobal(ctx)

				Convey("Then global state is not found and commits fail", func() {
					So(errors.Is(err, model.ErrStateNotFound), ShouldBeTrue)
					So(errors.Is(s.Commit(ctx, commitFor("alice", 0, activity.CheckIn, 1)), model.ErrStateNotFound), ShouldBeTrue)
					So(errors.Is(s.SaveGlobal(ctx, genesis()), model.ErrStateNotFound), ShouldBeTrue)
				})
			})

			Convey("When global state is initialized", func() {
				So(s.InitGlobal(ctx, genesis()), ShouldBeNil)

				Convey("Then a second init fails and leaves state untouched", func() {
					other := genesis()
					other.Epoch = 9
					So(errors.Is(s.InitGlobal(ctx, other), model.ErrStateExists), ShouldBeTrue)
					g, err := s.LoadGlobal(ctx)
					So(err, ShouldBeNil)
					So(g.Epoch, ShouldEqual, 0)
					So(g.CatalogVersion, ShouldEqual, activity.CatalogVersion)
				})

				Convey("And an unknown account is not found", func() {
					_, _, err := s.LoadAccount(ctx, "nobody")
					So(errors.Is(err, model.ErrAccountNotFound), ShouldBeTrue)
				})

				Convey("And commits append in sequence", func() {
					So(s.Commit(ctx, commitFor("alice", 0, activity.CheckIn, 1)), ShouldBeNil)
					So(s.Commit(ctx, commitFor("alice", 1, activity.CheckIn, 3)), ShouldBeNil)
					So(s.Commit(ctx, commitFor("bob", 0, activity.CheckIn, 2)), ShouldBeNil)

					meta, records, err := s.LoadAccount(ctx, "alice")
					So(err, ShouldBeNil)
					So(meta.Version, ShouldEqual, 2)
					So(meta.Repetitions[activity.CheckIn].Count, ShouldEqual, 2)
					So(len(records), ShouldEqual, 2)
					So(records[0].SequenceIndex, ShouldEqual, 0)
					So(records[1].SequenceIndex, ShouldEqual, 1)
					So(records[1].Amount, ShouldEqual, 1001)

					n, err := s.CountAccounts(ctx)
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 2)

					Convey("Then the demand counter keeps the largest observed value", func() {
						g, err := s.LoadGlobal(ctx)
						So(err, ShouldBeNil)
						So(g.Counters[activity.CheckIn], ShouldEqual, 3)
					})
				})

				Convey("And a stale version is a conflict that changes nothing", func() {
					So(s.Commit(ctx, commitFor("alice", 0, activity.CastVote, 1)), ShouldBeNil)
					err := s.Commit(ctx, commitFor("alice", 0, activity.CastVote, 2))
					So(errors.Is(err, model.ErrVersionConflict), ShouldBeTrue)

					_, records, _ := s.LoadAccount(ctx, "alice")
					So(len(records), ShouldEqual, 1)
					g, _ := s.LoadGlobal(ctx)
					So(g.Counters[activity.CastVote], ShouldEqual, 1)
				})

				Convey("And a sequence gap is a conflict", func() {
					c := commitFor("alice", 0, activity.CheckIn, 1)
					c.Record.SequenceIndex = 4
					So(errors.Is(s.Commit(ctx, c), model.ErrVersionConflict), ShouldBeTrue)
				})

				Convey("And a commit for an old epoch is a conflict", func() {
					next := genesis()
					next.Epoch = 1
					So(s.SaveGlobal(ctx, next), ShouldBeNil)
					So(errors.Is(s.Commit(ctx, commitFor("alice", 0, activity.CheckIn, 1)), model.ErrVersionConflict), ShouldBeTrue)
				})

				Convey("And a malformed commit is rejected", func() {
					c := commitFor("alice", 0, activity.CheckIn, 1)
					c.Record.Owner = "mallory"
					So(errors.Is(s.Commit(ctx, c), ErrInvalidCommit), ShouldBeTrue)
				})

				Convey("And rollover replaces the global state", func() {
					So(s.Commit(ctx, commitFor("alice", 0, activity.CheckIn, 1)), ShouldBeNil)
					next := genesis()
					next.Epoch = 1
					So(s.SaveGlobal(ctx, next), ShouldBeNil)
					g, err := s.LoadGlobal(ctx)
					So(err, ShouldBeNil)
					So(g.Epoch, ShouldEqual, 1)
					So(g.Counters[activity.CheckIn], ShouldEqual, 0)
				})
			})

			Convey("When the store is closed", func() {
				So(s.Close(), ShouldBeNil)

				Convey("Then operations report it", func() {
					_, err := s.LoadGlobal(ctx)
					So(errors.Is(err, model.ErrStoreClosed), ShouldBeTrue)
				})
			})
		})
	}
}

func TestStoreConcurrentCommits(t *testing.T) {
	ctx := context.Background()

	for name, newStore := range factories() {
		Convey("Given a "+name+" shared by many owners", t, func() {
			s := newStore(t)
			Reset(func() { _ = s.Close() })
			So(s.InitGlobal(ctx, genesis()), ShouldBeNil)

			const owners, perOwner = 8, 10
			var wg sync.WaitGroup
			errs := make(chan error, owners*perOwner)
			for o := 0; o < owners; o++ {
				wg.Add(1)
				go func(owner string) {
					defer wg.Done()
					for i := uint64(0); i < perOwner; i++ {
						if err := s.Commit(ctx, commitFor(owner, i, activity.ReferUser, i+1)); err != nil {
							errs <- err
						}
					}
				}(fmt.Sprintf("owner-%d", o))
			}
			wg.Wait()
			close(errs)

			Convey("Then every ledger is complete and gap free", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				for o := 0; o < owners; o++ {
					_, records, err := s.LoadAccount(ctx, fmt.Sprintf("owner-%d", o))
					So(err, ShouldBeNil)
					So(len(records), ShouldEqual, perOwner)
					for i, r := range records {
						So(r.SequenceIndex, ShouldEqual, uint64(i))
					}
				}
				n, _ := s.CountAccounts(ctx)
				So(n, ShouldEqual, owners)
			})
		})
	}
}

func TestBoltStoreReopen(t *testing.T) {
	ctx := context.Background()

	Convey("Given a bolt store with data", t, func() {
		path := filepath.Join(t.TempDir(), "nested", "pool.db")
		s, err := NewBoltStore(ctx, path)
		So(err, ShouldBeNil)
		So(s.InitGlobal(ctx, genesis()), ShouldBeNil)
		So(s.Commit(ctx, commitFor("alice", 0, activity.StakeSevenDays, 1)), ShouldBeNil)
		So(s.Close(), ShouldBeNil)

		Convey("When it is reopened", func() {
			s2, err := NewBoltStore(ctx, path)
			So(err, ShouldBeNil)
			Reset(func() { _ = s2.Close() })

			Convey("Then state, accounts and counters survive", func() {
				g, err := s2.LoadGlobal(ctx)
				So(err, ShouldBeNil)
				So(g.Counters[activity.StakeSevenDays], ShouldEqual, 1)

				meta, records, err := s2.LoadAccount(ctx, "alice")
				So(err, ShouldBeNil)
				So(meta.Owner, ShouldEqual, "alice")
				So(meta.Repetitions[activity.StakeSevenDays].Count, ShouldEqual, 1)
				So(records[0].Activity, ShouldEqual, activity.StakeSevenDays)

				n, err := s2.CountAccounts(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
			})
		})
	})

	Convey("Given an empty path", t, func() {
		_, err := NewBoltStore(ctx, "")

		Convey("Then opening fails", func() {
			So(errors.Is(err, ErrEmptyPath), ShouldBeTrue)
		})
	})
}
