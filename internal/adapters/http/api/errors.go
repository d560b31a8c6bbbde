package api

import "errors"

// Sentinel kinds for API errors.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrBackpressure      = errors.New("backpressure")
	ErrDuplicateInFlight = errors.New("event with this id is still being processed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrForbidden         = errors.New("insufficient scope")
	ErrCallerMismatch    = errors.New("caller does not match token subject")
	ErrAuthMisconfigured = errors.New("auth secret not configured")
)
