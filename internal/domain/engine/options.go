package engine

import (
	"time"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/availability"
	"github.com/okian/rewardpool/internal/domain/penalty"
	"github.com/okian/rewardpool/pkg/logger"
)

// DefaultMaxCommitRetries is how many times a conflicting commit is retried
// before ErrConcurrentUpdateConflict reaches the caller.
const DefaultMaxCommitRetries = 3

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithCatalog sets the activity catalog.
func WithCatalog(c *activity.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

// WithPenaltyPolicy sets the repetition penalty policy.
func WithPenaltyPolicy(p *penalty.Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

// WithPerturber sets the availability randomness.
func WithPerturber(p *availability.Perturber) Option {
	return func(e *Engine) {
		if p != nil {
			e.perturber = p
		}
	}
}

// WithIdentityValidator sets the caller check run before any state is read.
func WithIdentityValidator(v IdentityValidator) Option {
	return func(e *Engine) {
		if v != nil {
			e.identity = v
		}
	}
}

// WithCooldown sets the minimum interval between two completions by the
// same owner. Zero disables the check.
func WithCooldown(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.cooldown = d
		}
	}
}

// WithMaxCommitRetries bounds conflict retries. Zero disables retrying.
func WithMaxCommitRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the record id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}
