package engine

import (
	"context"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxIdentityLength bounds caller identities accepted by BasicIdentity.
const DefaultMaxIdentityLength = 128

// IdentityValidator decides whether a caller may act as the owner it names.
// The transport authenticates; the engine only asks this question.
type IdentityValidator interface {
	Validate(ctx context.Context, caller string) error
}

// IdentityFunc adapts a function to IdentityValidator.
type IdentityFunc func(ctx context.Context, caller string) error

// Validate calls f.
func (f IdentityFunc) Validate(ctx context.Context, caller string) error { return f(ctx, caller) }

// BasicIdentity accepts any non-empty, valid UTF-8, printable identity
// without whitespace up to MaxLength bytes.
type BasicIdentity struct {
	MaxLength int
}

// Validate implements IdentityValidator.
func (b BasicIdentity) Validate(_ context.Context, caller string) error {
	limit := b.MaxLength
	if limit <= 0 {
		limit = DefaultMaxIdentityLength
	}
	if caller == "" {
		return fmt.Errorf("%w: empty identity", ErrUnauthorizedCaller)
	}
	if len(caller) > limit {
		return fmt.Errorf("%w: identity longer than %d bytes", ErrUnauthorizedCaller, limit)
	}
	if !utf8.ValidString(caller) {
		return fmt.Errorf("%w: identity is not valid UTF-8", ErrUnauthorizedCaller)
	}
	for _, r := range caller {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: identity contains whitespace or control characters", ErrUnauthorizedCaller)
		}
	}
	return nil
}
