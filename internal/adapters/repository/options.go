package repository

import "time"

// Option applies a configuration option to a store.
type Option func(*storeOptions)

type storeOptions struct {
	metricsUpdateInterval time.Duration
	openTimeout           time.Duration
	noSync                bool
}

func defaultStoreOptions() storeOptions {
	return storeOptions{
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		openTimeout:           time.Second,
	}
}

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(o *storeOptions) {
		if interval > 0 {
			o.metricsUpdateInterval = interval
		}
	}
}

// WithOpenTimeout bounds how long NewBoltStore waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *storeOptions) {
		if d > 0 {
			o.openTimeout = d
		}
	}
}

// WithNoSync skips fsync after each bbolt commit. Only for tests.
func WithNoSync() Option {
	return func(o *storeOptions) {
		o.noSync = true
	}
}
