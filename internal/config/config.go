// Package config defines service configuration and its loading.
package config

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/pkg/logger"
)

const minAuthSecretLength = 16

// ActivityOverride replaces the catalog values of one activity. Zero keeps
// the built-in value.
type ActivityOverride struct {
	BaseReward    uint64 `koanf:"base_reward"`
	SlotsPerEpoch uint64 `koanf:"slots_per_epoch"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`
	// LogFile, when set, sends logs to a rotating file instead of stdout.
	LogFile string `koanf:"log_file"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// EventQueueSize bounds the asynchronous completion queue.
	EventQueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of queue workers; 0 picks a CPU multiple.
	WorkerCount int `koanf:"worker_count"`
	// DedupeSize bounds the completed event ids kept for idempotency.
	DedupeSize int `koanf:"dedupe_size"`

	// StorePath selects the bbolt file; empty keeps everything in memory.
	StorePath string `koanf:"store_path"`

	// EpochDuration rolls the epoch over automatically; 0 leaves it to
	// operators.
	EpochDuration time.Duration `koanf:"epoch_duration"`
	// Cooldown is the minimum interval between two completions of one user.
	Cooldown time.Duration `koanf:"cooldown"`

	// AvailabilitySpreadBPS bounds the availability factor to 1 +- spread.
	AvailabilitySpreadBPS uint64 `koanf:"availability_spread_bps"`
	// RNGSeed makes the availability stream reproducible; 0 seeds from
	// the operating system.
	RNGSeed uint64 `koanf:"rng_seed"`
	// PenaltyFloorBPS is the smallest repetition factor.
	PenaltyFloorBPS uint64 `koanf:"penalty_floor_bps"`
	// MaxCommitRetries bounds retries of conflicting commits.
	MaxCommitRetries int `koanf:"max_commit_retries"`

	// AuthEnabled requires HMAC signed bearer tokens.
	AuthEnabled bool   `koanf:"auth_enabled"`
	AuthSecret  string `koanf:"auth_secret"`
	AuthIssuer  string `koanf:"auth_issuer"`
	AdminScope  string `koanf:"admin_scope"`

	// RateLimitPerMinute limits writes per caller; 0 disables limiting.
	RateLimitPerMinute float64 `koanf:"rate_limit_per_minute"`
	RateLimitBurst     int     `koanf:"rate_limit_burst"`

	// MaxLedgerLimit caps GET /accounts/{id}/ledger?limit.
	MaxLedgerLimit int `koanf:"max_ledger_limit"`

	// ActivityOverrides is keyed by activity wire key or display name.
	ActivityOverrides map[string]ActivityOverride `koanf:"activity_overrides"`
}

// New creates a Config holding the defaults. Context is accepted first to
// follow the project convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             logger.FormatText,
		Addr:                  ":9080",
		EventQueueSize:        10_000,
		WorkerCount:           runtime.NumCPU() * 4,
		DedupeSize:            50_000,
		EpochDuration:         0,
		Cooldown:              0,
		AvailabilitySpreadBPS: 500,
		PenaltyFloorBPS:       625,
		MaxCommitRetries:      3,
		AdminScope:            "pool:admin",
		RateLimitPerMinute:    0,
		RateLimitBurst:        10,
		MaxLedgerLimit:        1000,
	}
}

// Validate reports the first invalid setting, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch {
	case strings.TrimSpace(c.Addr) == "":
		return invalid("addr must not be empty")
	case c.LogFormat != logger.FormatText && c.LogFormat != logger.FormatJSON:
		return invalid("log_format must be %q or %q", logger.FormatText, logger.FormatJSON)
	case c.EventQueueSize <= 0:
		return invalid("queue_size must be positive")
	case c.WorkerCount < 0:
		return invalid("worker_count must not be negative")
	case c.DedupeSize < 0:
		return invalid("dedupe_size must not be negative")
	case c.EpochDuration < 0:
		return invalid("epoch_duration must not be negative")
	case c.Cooldown < 0:
		return invalid("cooldown must not be negative")
	case c.AvailabilitySpreadBPS >= 10_000:
		return invalid("availability_spread_bps must be below 10000")
	case c.PenaltyFloorBPS == 0 || c.PenaltyFloorBPS > 10_000:
		return invalid("penalty_floor_bps must be in 1..10000")
	case c.MaxCommitRetries < 0:
		return invalid("max_commit_retries must not be negative")
	case c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0:
		return invalid("rate limits must not be negative")
	case c.MaxLedgerLimit <= 0:
		return invalid("max_ledger_limit must be positive")
	case c.AuthEnabled && len(strings.TrimSpace(c.AuthSecret)) < minAuthSecretLength:
		return invalid("auth_secret must be at least %d characters when auth is enabled", minAuthSecretLength)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}
	if _, err := c.Catalog(); err != nil {
		return invalid("activity_overrides: %v", err)
	}
	return nil
}

// Catalog builds the activity catalog with the configured overrides.
func (c *Config) Catalog() (*activity.Catalog, error) {
	overrides := make(map[string]activity.Override, len(c.ActivityOverrides))
	for name, ov := range c.ActivityOverrides {
		overrides[name] = activity.Override{BaseReward: ov.BaseReward, SlotsPerEpoch: ov.SlotsPerEpoch}
	}
	return activity.NewCatalog(activity.WithOverrides(overrides))
}
