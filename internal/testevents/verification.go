package testevents

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/okian/rewardpool/pkg/logger"
)

// verifyLedgers fetches every caller's ledger and checks it against what the
// service accepted. A ledger must be gap free, hold each event id at most
// once and only hold accepted ids. Accepted ids missing from a ledger were
// rejected by the engine after acknowledgement and are counted, not failed.
func verifyLedgers(ctx context.Context, config *Config, client *HTTPClient, took *accepted, stats *Stats) error {
	callers := make([]string, 0, len(took.byCaller))
	for caller := range took.byCaller {
		callers = append(callers, caller)
	}
	sort.Strings(callers)
	logger.Get().Info(ctx, "verifying ledgers", logger.Int("callers", len(callers)))

	var (
		mu       sync.Mutex
		problems []error
		wg       sync.WaitGroup
	)
	work := make(chan string)
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for caller := range work {
				records, err := fetchLedger(ctx, config, client, caller)
				if err == nil {
					err = checkLedger(caller, records, took.byCaller[caller])
				}

				mu.Lock()
				if err != nil {
					problems = append(problems, err)
				} else {
					stats.LedgersVerified++
					stats.RecordsVerified += len(records)
					stats.EventsRejected += len(took.byCaller[caller]) - len(records)
					for _, r := range records {
						stats.RewardsIssued += r.Amount
					}
				}
				mu.Unlock()
			}
		}()
	}
	for _, caller := range callers {
		work <- caller
	}
	close(work)
	wg.Wait()

	if len(problems) > 0 {
		for _, p := range problems {
			logger.Get().Error(ctx, "ledger check failed", logger.Error(p))
		}
		return fmt.Errorf("%d of %d ledgers failed verification: %w", len(problems), len(callers), problems[0])
	}
	logger.Get().Info(ctx, "ledgers verified",
		logger.Int("ledgers", stats.LedgersVerified),
		logger.Int("records", stats.RecordsVerified),
		logger.Int("rejected", stats.EventsRejected),
	)
	return nil
}

func checkLedger(caller string, records []Record, ids map[string]struct{}) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.SequenceIndex != uint64(i) {
			return fmt.Errorf("%s: record %d has sequence index %d", caller, i, r.SequenceIndex)
		}
		if r.Owner != caller {
			return fmt.Errorf("%s: record %d is owned by %s", caller, i, r.Owner)
		}
		if _, dup := seen[r.EventID]; dup {
			return fmt.Errorf("%s: event %s recorded twice", caller, r.EventID)
		}
		if _, ok := ids[r.EventID]; !ok {
			return fmt.Errorf("%s: event %s was never accepted", caller, r.EventID)
		}
		seen[r.EventID] = struct{}{}
	}
	return nil
}

// verifyDemand checks that the epoch's demand counters cover every record
// written in that epoch. Other traffic can only raise the counters.
func verifyDemand(ctx context.Context, config *Config, client *HTTPClient, epoch uint64, recorded uint64) error {
	var snap struct {
		Epoch  uint64 `json:"epoch"`
		Demand []struct {
			Count uint64 `json:"count"`
		} `json:"demand"`
	}
	code, err := client.Do(ctx, http.MethodGet, config.BaseURL+"/epoch", "", nil, &snap)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("epoch returned status %d", code)
	}
	if snap.Epoch != epoch {
		logger.Get().Warn(ctx, "epoch changed during the test; demand not checked",
			logger.Uint64("start", epoch),
			logger.Uint64("now", snap.Epoch),
		)
		return nil
	}

	var total uint64
	for _, d := range snap.Demand {
		total += d.Count
	}
	if total < recorded {
		return fmt.Errorf("demand counters sum to %d but %d records were written", total, recorded)
	}
	logger.Get().Info(ctx, "demand counters verified", logger.Uint64("counted", total), logger.Uint64("recorded", recorded))
	return nil
}
