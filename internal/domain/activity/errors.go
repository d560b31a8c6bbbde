package activity

import "errors"

// Sentinel kinds for catalog errors.
var (
	ErrInvalidActivityType = errors.New("invalid activity type")
	ErrZeroSlots           = errors.New("activity has zero slots per epoch")
)
