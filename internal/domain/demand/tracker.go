// Package demand tracks per-activity completions against the catalog's
// slots per epoch and turns the resulting demand ratio into a multiplier.
package demand

import (
	"math"
	"sync/atomic"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/reward"
)

// Multiplier tiers.
const (
	LowDemandMultiplier      reward.BasisPoints = 12_000
	BalancedMultiplier       reward.BasisPoints = 10_000
	OversubscribedMultiplier reward.BasisPoints = 9_000
)

// Result is the outcome of recording one completion.
type Result struct {
	Activity   activity.Type
	Count      uint64
	Slots      uint64
	Multiplier reward.BasisPoints
}

// Ratio returns count/slots for display.
func (r Result) Ratio() float64 {
	return float64(r.Count) / float64(r.Slots)
}

// Tracker holds one lock-free counter per activity type.
type Tracker struct {
	catalog  *activity.Catalog
	counters [activity.Count + 1]atomic.Uint64
}

// NewTracker creates a tracker with zeroed counters.
func NewTracker(catalog *activity.Catalog) *Tracker {
	return &Tracker{catalog: catalog}
}

// Record counts a completion of t, then evaluates the multiplier so the
// caller's own completion is part of the demand it is priced against.
func (t *Tracker) Record(typ activity.Type) (Result, error) {
	def, err := t.catalog.Lookup(typ)
	if err != nil {
		return Result{}, err
	}

	c := &t.counters[typ]
	var next uint64
	for {
		cur := c.Load()
		if cur == math.MaxUint64 {
			next = cur
			break
		}
		next = cur + 1
		if c.CompareAndSwap(cur, next) {
			break
		}
	}

	return Result{
		Activity:   typ,
		Count:      next,
		Slots:      def.SlotsPerEpoch,
		Multiplier: Multiplier(next, def.SlotsPerEpoch),
	}, nil
}

// Release takes back one completion recorded by Record whose effects were
// never committed. It never goes below zero.
func (t *Tracker) Release(typ activity.Type) {
	if !typ.Valid() {
		return
	}
	c := &t.counters[typ]
	for {
		cur := c.Load()
		if cur == 0 || c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Count returns the current counter for typ.
func (t *Tracker) Count(typ activity.Type) uint64 {
	if !typ.Valid() {
		return 0
	}
	return t.counters[typ].Load()
}

// Snapshot copies every non-zero counter.
func (t *Tracker) Snapshot() map[activity.Type]uint64 {
	out := make(map[activity.Type]uint64)
	for i := 1; i <= activity.Count; i++ {
		if v := t.counters[i].Load(); v > 0 {
			out[activity.Type(i)] = v
		}
	}
	return out
}

// Restore replaces all counters with the persisted values.
// Callers must hold the epoch exclusively.
func (t *Tracker) Restore(counters map[activity.Type]uint64) {
	t.Reset()
	for typ, v := range counters {
		if typ.Valid() {
			t.counters[typ].Store(v)
		}
	}
}

// Reset zeroes every counter. Callers must hold the epoch exclusively.
func (t *Tracker) Reset() {
	for i := range t.counters {
		t.counters[i].Store(0)
	}
}

// Multiplier maps count/slots to a tier. A ratio exactly on a breakpoint
// falls into the lower-multiplier tier.
func Multiplier(count, slots uint64) reward.BasisPoints {
	switch {
	case slots == 0:
		return OversubscribedMultiplier
	case count < slots && count < slots-count:
		// 2*count < slots without overflowing
		return LowDemandMultiplier
	case count < slots:
		return BalancedMultiplier
	default:
		return OversubscribedMultiplier
	}
}
