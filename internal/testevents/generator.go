package testevents

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"
	"github.com/okian/rewardpool/pkg/logger"
)

// generateEvents creates config.NumEvents events spread over config.Users
// callers, plus a resubmission of every DuplicateEvery-th event. The
// returned slice is in submission order.
func generateEvents(ctx context.Context, config *Config, activities []string, stats *Stats) ([]Event, error) {
	if len(activities) == 0 {
		return nil, fmt.Errorf("no activities to draw from")
	}
	logger.Get().Info(ctx, "generating events",
		logger.Int("numEvents", config.NumEvents),
		logger.Int("users", config.Users),
		logger.Int("activities", len(activities)),
	)

	users := make([]string, config.Users)
	for i := range users {
		users[i] = "user-" + uuid.NewString()[:8] + "-" + strconv.Itoa(i)
	}

	events := make([]Event, 0, config.NumEvents+config.NumEvents/maxInt(config.DuplicateEvery, 1))
	for i := 0; i < config.NumEvents; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during event generation: %w", err)
		}
		ev := Event{
			EventID:  uuid.NewString(),
			Caller:   users[i%len(users)],
			Activity: activities[randomIndex(len(activities))],
		}
		events = append(events, ev)
		if config.DuplicateEvery > 0 && (i+1)%config.DuplicateEvery == 0 {
			events = append(events, ev)
		}
	}

	stats.EventsGenerated = len(events)
	logger.Get().Info(ctx, "generated events successfully", logger.Int("count", len(events)))
	return events, nil
}

// randomIndex returns a uniform index in [0, n) using crypto/rand.
func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
