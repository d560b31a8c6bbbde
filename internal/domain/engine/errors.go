package engine

import (
	"errors"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/reward"
)

// Sentinel kinds for engine errors. Every rejection leaves all state as it was.
var (
	ErrInvalidActivityType      = activity.ErrInvalidActivityType
	ErrArithmeticOverflow       = reward.ErrArithmeticOverflow
	ErrUnauthorizedCaller       = errors.New("unauthorized caller")
	ErrAlreadyInitialized       = errors.New("reward pool already initialized")
	ErrNotInitialized           = errors.New("reward pool not initialized")
	ErrConcurrentUpdateConflict = errors.New("concurrent update conflict")
	ErrCooldownNotElapsed       = errors.New("cooldown not elapsed")
	ErrAccountNotFound          = errors.New("account not found")
)

// Reason returns a short, stable label for err, used in metrics and API
// error bodies.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidActivityType):
		return "invalid_activity"
	case errors.Is(err, ErrUnauthorizedCaller):
		return "unauthorized"
	case errors.Is(err, ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, ErrConcurrentUpdateConflict):
		return "conflict"
	case errors.Is(err, ErrCooldownNotElapsed):
		return "cooldown"
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
