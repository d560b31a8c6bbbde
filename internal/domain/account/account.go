// Package account models a participant: its reward ledger and its
// per-activity repetition counters.
package account

import (
	"time"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/penalty"
)

// Meta is the mutable, non-ledger part of an account as persisted.
type Meta struct {
	Owner          string                               `json:"owner"`
	Version        uint64                               `json:"version"`
	Repetitions    map[activity.Type]penalty.Repetition `json:"repetitions"`
	LastCompletion time.Time                            `json:"last_completion"`
	CreatedAt      time.Time                            `json:"created_at"`
}

// Change is everything one completion writes to an account.
type Change struct {
	Record     ledger.Record
	Repetition penalty.Repetition
	At         time.Time
}

// Account is not safe for concurrent use; the engine serialises access per owner.
type Account struct {
	meta   Meta
	ledger *ledger.Ledger
}

// New creates an empty account for owner.
func New(owner string, now time.Time) *Account {
	l, _ := ledger.New(nil)
	return &Account{
		meta: Meta{
			Owner:       owner,
			Repetitions: make(map[activity.Type]penalty.Repetition),
			CreatedAt:   now,
		},
		ledger: l,
	}
}

// Restore rebuilds an account from persisted meta and ledger records.
func Restore(meta Meta, records []ledger.Record) (*Account, error) {
	l, err := ledger.New(records)
	if err != nil {
		return nil, err
	}
	reps := make(map[activity.Type]penalty.Repetition, len(meta.Repetitions))
	for k, v := range meta.Repetitions {
		reps[k] = v
	}
	meta.Repetitions = reps
	return &Account{meta: meta, ledger: l}, nil
}

// Owner returns the owner identity.
func (a *Account) Owner() string { return a.meta.Owner }

// Version increases by one with every applied change.
func (a *Account) Version() uint64 { return a.meta.Version }

// LastCompletion returns the time of the latest applied change.
func (a *Account) LastCompletion() time.Time { return a.meta.LastCompletion }

// Ledger exposes the account's ledger for reads.
func (a *Account) Ledger() *ledger.Ledger { return a.ledger }

// Repetition returns the stored counter for typ.
func (a *Account) Repetition(typ activity.Type) penalty.Repetition {
	return a.meta.Repetitions[typ]
}

// NextSequence is the index the next record will receive.
func (a *Account) NextSequence() uint64 { return a.ledger.Len() }

// Meta returns a copy of the account's meta.
func (a *Account) Meta() Meta {
	m := a.meta
	m.Repetitions = make(map[activity.Type]penalty.Repetition, len(a.meta.Repetitions))
	for k, v := range a.meta.Repetitions {
		m.Repetitions[k] = v
	}
	return m
}

// Preview returns the meta as it will look once c is applied, without
// changing the account.
func (a *Account) Preview(c Change) Meta {
	m := a.Meta()
	m.Version++
	m.Repetitions[c.Record.Activity] = c.Repetition
	m.LastCompletion = c.At
	return m
}

// Apply appends c's record and updates the counters. It returns the
// record's sequence index.
func (a *Account) Apply(c Change) uint64 {
	a.meta = a.Preview(c)
	return a.ledger.Append(c.Record)
}
