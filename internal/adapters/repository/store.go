// Package repository provides the stores that persist the reward pool: an
// in-memory store for tests and ephemeral runs, and a bbolt-backed store.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/pkg/metrics"
)

var (
	_ engine.Store = (*MemoryStore)(nil)
	_ engine.Store = (*BoltStore)(nil)
)

const defaultMetricsUpdateInterval = 5 * time.Second

// checkCommit validates c against the stored account version, ledger length
// and epoch. Stale input reports model.ErrVersionConflict so the engine can
// reload and retry; malformed input reports ErrInvalidCommit.
func checkCommit(c model.Commit, storedVersion, ledgerLen, epoch uint64) error {
	if c.Owner == "" || c.Meta.Owner != c.Owner || c.Record.Owner != c.Owner {
		return fmt.Errorf("%w: owner mismatch", ErrInvalidCommit)
	}
	if c.Meta.Version != c.ExpectedVersion+1 {
		return fmt.Errorf("%w: meta version %d does not follow %d", ErrInvalidCommit, c.Meta.Version, c.ExpectedVersion)
	}
	if storedVersion != c.ExpectedVersion {
		return fmt.Errorf("%w: stored %d, expected %d", model.ErrVersionConflict, storedVersion, c.ExpectedVersion)
	}
	if c.Record.SequenceIndex != ledgerLen {
		return fmt.Errorf("%w: sequence %d, ledger length %d", model.ErrVersionConflict, c.Record.SequenceIndex, ledgerLen)
	}
	if c.Epoch != epoch {
		return fmt.Errorf("%w: commit for epoch %d, current %d", model.ErrVersionConflict, c.Epoch, epoch)
	}
	return nil
}

// mergeCounter keeps the largest demand count observed for the activity.
// Commits from different owners may land out of order.
func mergeCounter(g *model.GlobalState, c model.Commit) {
	if g.Counters == nil {
		g.Counters = make(map[activity.Type]uint64)
	}
	if c.Counter > g.Counters[c.Record.Activity] {
		g.Counters[c.Record.Activity] = c.Counter
	}
}

// startMetricsUpdater periodically publishes the account count until ctx
// is cancelled.
func startMetricsUpdater(ctx context.Context, interval time.Duration, count func(context.Context) (int, error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := count(ctx); err == nil {
					metrics.UpdateTotalAccounts(n)
				}
			}
		}
	}()
}

func sinceMs(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
