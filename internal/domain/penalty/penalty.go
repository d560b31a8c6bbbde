// Package penalty implements the progressive anti-farming discount applied
// when a user repeats the same activity within an epoch.
package penalty

import (
	"math"

	"github.com/okian/rewardpool/internal/domain/reward"
)

// Default policy constants.
const (
	DefaultFreeRepetitions                    = 2
	DefaultFloor           reward.BasisPoints = 625 // x0.0625
)

// Repetition counts completions of one activity by one user in one epoch.
type Repetition struct {
	Count uint64 `json:"count"`
	Epoch uint64 `json:"epoch"`
}

// CountIn returns the count as seen from epoch. Counts left over from an
// earlier epoch read as zero.
func (r Repetition) CountIn(epoch uint64) uint64 {
	if r.Epoch != epoch {
		return 0
	}
	return r.Count
}

// Option applies a configuration option to the Policy.
type Option func(*Policy)

// WithFloor sets the smallest factor the penalty may reach.
func WithFloor(floor reward.BasisPoints) Option {
	return func(p *Policy) {
		if floor > 0 && floor <= reward.One {
			p.floor = floor
		}
	}
}

// WithFreeRepetitions sets how many completions per epoch go unpenalised.
func WithFreeRepetitions(n uint64) Option {
	return func(p *Policy) {
		p.free = n
	}
}

// Policy halves the factor for every completion past the free ones, down to
// the floor.
type Policy struct {
	free  uint64
	floor reward.BasisPoints
}

// NewPolicy builds a policy with defaults and options.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		free:  DefaultFreeRepetitions,
		floor: DefaultFloor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Floor returns the configured floor.
func (p *Policy) Floor() reward.BasisPoints { return p.floor }

// Next advances rep for a completion in epoch and returns the factor for
// that completion together with the updated repetition.
func (p *Policy) Next(rep Repetition, epoch uint64) (reward.BasisPoints, Repetition) {
	count := rep.CountIn(epoch)
	if count < math.MaxUint64 {
		count++
	}
	next := Repetition{Count: count, Epoch: epoch}
	return p.Factor(count), next
}

// Factor returns the discount for the n-th completion (1-based).
func (p *Policy) Factor(n uint64) reward.BasisPoints {
	if n <= p.free {
		return reward.One
	}
	halvings := n - p.free
	f := reward.One
	for i := uint64(0); i < halvings; i++ {
		f /= 2
		if f <= p.floor {
			return p.floor
		}
	}
	return f
}
