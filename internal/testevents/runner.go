package testevents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/rewardpool/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
	filePermission      = 0600
)

const drainPollInterval = 100 * time.Millisecond

// Run executes the complete event test.
func Run(ctx context.Context, config *Config) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	if config.Users < 1 || config.NumEvents < 1 || config.Workers < 1 {
		return stats, fmt.Errorf("events, users and workers must be positive")
	}

	log := logger.Get()
	log.Info(ctx, "starting reward pool event test",
		logger.String("baseURL", config.BaseURL),
		logger.Int("events", config.NumEvents),
		logger.Int("users", config.Users),
		logger.Int("workers", config.Workers),
		logger.Bool("sync", config.Sync),
		logger.Bool("auth", config.AuthSecret != ""),
	)

	client, err := newHTTPClient(config.Timeout, config.AuthSecret)
	if err != nil {
		return stats, err
	}

	// Step 1: Check service health
	if err := checkServiceHealth(ctx, config, client); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	activities := config.Activities
	if len(activities) == 0 {
		if activities, err = fetchActivities(ctx, config, client); err != nil {
			return stats, fmt.Errorf("catalog retrieval failed: %w", err)
		}
	}

	epoch, err := currentEpoch(ctx, config, client)
	if err != nil {
		return stats, fmt.Errorf("epoch retrieval failed: %w", err)
	}
	baseline, err := processedCount(ctx, config, client)
	if err != nil {
		return stats, fmt.Errorf("stats retrieval failed: %w", err)
	}

	// Step 2: Generate events
	events, err := generateEvents(ctx, config, activities, stats)
	if err != nil {
		return stats, fmt.Errorf("event generation failed: %w", err)
	}

	// Step 3: Submit events concurrently
	took, err := submitEvents(ctx, config, client, events, stats)
	if err != nil {
		return stats, fmt.Errorf("event submission failed: %w", err)
	}

	// Step 4: Wait for the queue to drain
	if !config.Sync {
		if err := waitForDrain(ctx, config, client, baseline, took.total()); err != nil {
			log.Warn(ctx, "queue did not drain", logger.Error(err))
		}
	}

	// Step 5: Verify ledgers and demand
	if err := verifyLedgers(ctx, config, client, took, stats); err != nil {
		return stats, fmt.Errorf("ledger verification failed: %w", err)
	}
	if err := verifyDemand(ctx, config, client, epoch, uint64(stats.RecordsVerified)); err != nil {
		return stats, fmt.Errorf("demand verification failed: %w", err)
	}

	// Step 6: Save events to file
	if config.OutputFile != "" {
		if err := saveEventsToFile(ctx, config.OutputFile, events); err != nil {
			log.Warn(ctx, "failed to save events to file", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, stats)

	log.Info(ctx, "test completed successfully")
	return stats, nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, config *Config, client *HTTPClient) error {
	// The service answers /healthz with Prometheus text, so only the status matters.
	code, err := client.Do(ctx, http.MethodGet, config.BaseURL+"/healthz", "", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", code)
	}
	logger.Get().Info(ctx, "service is healthy")
	return nil
}

func currentEpoch(ctx context.Context, config *Config, client *HTTPClient) (uint64, error) {
	var snap struct {
		Epoch uint64 `json:"epoch"`
	}
	code, err := client.Do(ctx, http.MethodGet, config.BaseURL+"/epoch", "", nil, &snap)
	if err != nil {
		return 0, err
	}
	if code != http.StatusOK {
		return 0, fmt.Errorf("epoch returned status %d", code)
	}
	return snap.Epoch, nil
}

func processedCount(ctx context.Context, config *Config, client *HTTPClient) (int64, error) {
	stats, err := fetchStats(ctx, config, client)
	if err != nil {
		return 0, err
	}
	// JSON numbers decode as float64.
	n, _ := stats["processed"].(float64)
	return int64(n), nil
}

// waitForDrain polls /stats until the workers have handled want more
// events than baseline, or until the drain timeout. Engine rejections are
// not counted as processed, so a timeout is reported but not fatal.
func waitForDrain(ctx context.Context, config *Config, client *HTTPClient, baseline int64, want int) error {
	ctx, cancel := context.WithTimeout(ctx, config.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		n, err := processedCount(ctx, config, client)
		if err == nil && n-baseline >= int64(want) {
			logger.Get().Info(ctx, "queue drained", logger.Any("processed", n-baseline))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("processed %d of %d: %w", n-baseline, want, ctx.Err())
		case <-ticker.C:
		}
	}
}

// saveEventsToFile saves the generated events to a JSON file.
func saveEventsToFile(ctx context.Context, filename string, events []Event) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	logger.Get().Info(ctx, "events saved to file", logger.String("filename", filename))
	return nil
}

// displayFinalStats logs the final test statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	var successRate, eventsPerSecond float64
	if stats.EventsSubmitted > 0 {
		successRate = float64(stats.EventsSuccessful) / float64(stats.EventsSubmitted) * 100
	}
	if stats.Duration > 0 {
		eventsPerSecond = float64(stats.EventsSubmitted) / stats.Duration.Seconds()
	}

	logger.Get().Info(ctx, "final statistics",
		logger.Int("eventsGenerated", stats.EventsGenerated),
		logger.Int("eventsSubmitted", stats.EventsSubmitted),
		logger.Int("eventsSuccessful", stats.EventsSuccessful),
		logger.Int("eventsDuplicate", stats.EventsDuplicate),
		logger.Int("eventsFailed", stats.EventsFailed),
		logger.Int("eventsRejected", stats.EventsRejected),
		logger.Int("ledgersVerified", stats.LedgersVerified),
		logger.Uint64("rewardsIssued", stats.RewardsIssued),
		logger.Duration("duration", stats.Duration),
		logger.Float64("successRate", successRate),
		logger.Float64("eventsPerSecond", eventsPerSecond),
	)
}
