package reward

import "errors"

// Sentinel kinds for reward arithmetic.
var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
)
