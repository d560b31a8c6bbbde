package api

import "github.com/okian/rewardpool/pkg/logger"

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithAuthenticator requires bearer tokens on business endpoints. Without
// it the caller is read from the request body.
func WithAuthenticator(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithRateLimiter limits write requests per caller.
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMaxLedgerLimit caps the page size of ledger reads.
func WithMaxLedgerLimit(n uint64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLedgerLimit = n
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}
