package config

import "errors"

var (
	// ErrInvalidConfig wraps every failure reported by Config.Validate,
	// including unknown activity overrides.
	ErrInvalidConfig = errors.New("invalid rewardpool config")

	// ErrLoadConfig wraps failures to read or decode the file named by
	// REWARDPOOL_CONFIG or the REWARDPOOL_ environment.
	ErrLoadConfig = errors.New("load rewardpool config")
)
