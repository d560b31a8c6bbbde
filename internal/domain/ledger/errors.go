package ledger

import "errors"

// Sentinel kinds for ledger errors.
var (
	ErrSequenceGap = errors.New("ledger sequence gap")
)
