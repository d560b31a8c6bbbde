package testevents

import (
	"fmt"
	"os"

	"github.com/okian/rewardpool/pkg/logger"
)

// SetupLogging configures the logger. A non-empty logFile sends output to
// that file instead of stdout.
func SetupLogging(logFile string, verbose bool) error {
	var opts []logger.Option
	if logFile != "" {
		opts = append(opts, logger.WithFile(logFile))
	}
	if err := logger.Init(opts...); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		return logger.SetLevelString("debug")
	}
	return nil
}

// ShowHelp prints usage information for the test events tool.
func ShowHelp() {
	_, _ = os.Stdout.WriteString(`Reward Pool Event Test Tool
===========================

Drives a running reward pool with concurrent completions, then checks that
every ledger is gap free, that no event was recorded twice and that the
demand counters cover every record.

Usage:
  go run ./cmd/test-events [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -events int
        Number of distinct events to generate and submit (default 10000)
  -users int
        Number of distinct callers (default 200)
  -activities string
        Comma separated activity keys (default: the service catalog)
  -duplicate-every int
        Resubmit every n-th event with the same id (default 10, 0 disables)
  -workers int
        Number of concurrent workers (default CPU cores * 2)
  -timeout duration
        HTTP request timeout (default 30s)
  -drain duration
        How long to wait for queued events to be processed (default 2m)
  -sync
        Submit to POST /completions instead of POST /events
  -secret string
        HMAC secret used to mint caller tokens (default $REWARDPOOL_AUTH_SECRET)
  -output string
        Write the generated events to this JSON file
  -log string
        Write logs to this file instead of stdout
  -verbose
        Enable verbose logging
  -help
        Show this help message

Examples:
  # Test with default settings
  go run ./cmd/test-events

  # Synchronous completions against an authenticated service
  go run ./cmd/test-events -sync -secret "$REWARDPOOL_AUTH_SECRET" -events 5000
`)
}
