// Package model contains domain models passed between layers.
package model

import (
	"strconv"
	"time"

	"github.com/okian/rewardpool/internal/domain/account"
	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/ledger"
)

// Event is a task completion submitted by a caller whose identity has
// already been established by the transport.
type Event struct {
	EventID  string    // optional idempotency key, unique per caller
	Caller   string    // caller identity
	Activity string    // activity wire key or display name
	TS       time.Time // completion time; zero means "now"
}

// DedupeKey scopes the event id to its caller. The caller is length
// prefixed so that no (caller, id) pair can produce another pair's key.
func (e Event) DedupeKey() string {
	if e.EventID == "" {
		return ""
	}
	return strconv.Itoa(len(e.Caller)) + ":" + e.Caller + "/" + e.EventID
}

// GlobalState is the shared pool state as persisted.
type GlobalState struct {
	Epoch          uint64                   `json:"epoch"`
	Counters       map[activity.Type]uint64 `json:"counters"`
	CatalogVersion string                   `json:"catalog_version"`
	InitializedAt  time.Time                `json:"initialized_at"`
	EpochStartedAt time.Time                `json:"epoch_started_at"`
}

// Clone returns a deep copy of g.
func (g GlobalState) Clone() GlobalState {
	out := g
	out.Counters = make(map[activity.Type]uint64, len(g.Counters))
	for k, v := range g.Counters {
		out.Counters[k] = v
	}
	return out
}

// Commit is the unit of work for one completion. A store applies all of it
// or none of it.
type Commit struct {
	Owner           string
	ExpectedVersion uint64       // account version the change was prepared against
	Meta            account.Meta // account meta after the change
	Record          ledger.Record
	Epoch           uint64
	Counter         uint64 // demand counter observed by this completion
}
