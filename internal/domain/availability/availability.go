// Package availability perturbs reward amounts with bounded randomness.
//
// Perturb draws d uniformly from [-spread, +spread] basis points and returns
// round(amount * (10000 + d) / 10000). The result therefore always lies in
// [amount*(1-spread), amount*(1+spread)]. A spread of zero disables the
// perturbation.
package availability

import (
	crand "crypto/rand"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/reward"
)

// DefaultSpread is +-5%.
const DefaultSpread reward.BasisPoints = 500

const pcgStream = 0x9e3779b97f4a7c15

// Option applies a configuration option to the Perturber.
type Option func(*Perturber)

// WithSpread sets the half-width of the perturbation window.
func WithSpread(spread reward.BasisPoints) Option {
	return func(p *Perturber) {
		if spread <= reward.One {
			p.spread = spread
		}
	}
}

// WithActivitySpread overrides the spread for a single activity.
func WithActivitySpread(typ activity.Type, spread reward.BasisPoints) Option {
	return func(p *Perturber) {
		if typ.Valid() && spread <= reward.One {
			p.perActivity[typ] = spread
		}
	}
}

// WithSeed makes the draw sequence reproducible.
func WithSeed(seed uint64) Option {
	return func(p *Perturber) {
		p.src = rand.NewPCG(seed, seed^pcgStream)
	}
}

// WithSource injects an arbitrary randomness source.
func WithSource(src rand.Source) Option {
	return func(p *Perturber) {
		if src != nil {
			p.src = src
		}
	}
}

// Perturber is safe for concurrent use.
type Perturber struct {
	mu          sync.Mutex
	src         rand.Source
	rng         *rand.Rand
	spread      reward.BasisPoints
	perActivity map[activity.Type]reward.BasisPoints
}

// NewPerturber builds a perturber. Without WithSeed or WithSource it is
// seeded from crypto/rand.
func NewPerturber(opts ...Option) *Perturber {
	p := &Perturber{
		spread:      DefaultSpread,
		perActivity: make(map[activity.Type]reward.BasisPoints),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.src == nil {
		var seed [32]byte
		_, _ = crand.Read(seed[:])
		p.src = rand.NewChaCha8(seed)
	}
	p.rng = rand.New(p.src)
	return p
}

// Spread returns the half-width applied to typ.
func (p *Perturber) Spread(typ activity.Type) reward.BasisPoints {
	if s, ok := p.perActivity[typ]; ok {
		return s
	}
	return p.spread
}

// Range returns the inclusive bounds Perturb can produce for amount.
func (p *Perturber) Range(typ activity.Type, amount uint64) (lo, hi uint64) {
	s := p.Spread(typ)
	lo, _ = reward.Scale(amount, reward.One-s)
	hi, err := reward.Scale(amount, reward.One+s)
	if err != nil {
		hi = math.MaxUint64
	}
	return lo, hi
}

// Perturb returns the adjusted amount and the factor that produced it.
// It never fails; a result that would not fit in uint64 saturates.
func (p *Perturber) Perturb(typ activity.Type, amount uint64) (uint64, reward.BasisPoints) {
	s := p.Spread(typ)
	if s == 0 {
		return amount, reward.One
	}

	p.mu.Lock()
	d := p.rng.Int64N(2*int64(s)+1) - int64(s)
	p.mu.Unlock()

	factor := reward.BasisPoints(int64(reward.One) + d)
	out, err := reward.Scale(amount, factor)
	if err != nil {
		return math.MaxUint64, factor
	}
	return out, factor
}
