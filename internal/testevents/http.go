package testevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rewardpool/internal/adapters/http/api"
	"github.com/okian/rewardpool/pkg/logger"
)

const (
	resultSuccess   = "success"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"

	tokenTTL = time.Hour
)

// HTTPClient wraps http.Client with timeout and optional caller tokens.
type HTTPClient struct {
	client *http.Client
	auth   *api.Authenticator

	mu     sync.Mutex
	tokens map[string]string
}

// newHTTPClient creates a new HTTP client. A non-empty secret makes every
// request carry a token whose subject is the caller.
func newHTTPClient(timeout time.Duration, secret string) (*HTTPClient, error) {
	c := &HTTPClient{
		client: &http.Client{Timeout: timeout},
		tokens: make(map[string]string),
	}
	if secret != "" {
		auth, err := api.NewAuthenticator(secret)
		if err != nil {
			return nil, err
		}
		c.auth = auth
	}
	return c, nil
}

func (c *HTTPClient) token(caller string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tokens[caller]; ok {
		return t, nil
	}
	t, err := c.auth.IssueToken(caller, tokenTTL)
	if err != nil {
		return "", err
	}
	c.tokens[caller] = t
	return t, nil
}

// Do sends a request as caller and decodes a JSON response into out when
// out is non-nil. It returns the status code.
func (c *HTTPClient) Do(ctx context.Context, method, target, caller string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil && caller != "" {
		tok, err := c.token(caller)
		if err != nil {
			return 0, fmt.Errorf("failed to issue token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// accepted records which event ids the service took, per caller.
type accepted struct {
	mu       sync.Mutex
	byCaller map[string]map[string]struct{}
}

func newAccepted() *accepted {
	return &accepted{byCaller: make(map[string]map[string]struct{})}
}

func (a *accepted) add(caller, eventID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids, ok := a.byCaller[caller]
	if !ok {
		ids = make(map[string]struct{})
		a.byCaller[caller] = ids
	}
	ids[eventID] = struct{}{}
}

func (a *accepted) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ids := range a.byCaller {
		n += len(ids)
	}
	return n
}

// submitEvents submits events concurrently using a worker pool.
func submitEvents(ctx context.Context, config *Config, client *HTTPClient, events []Event, stats *Stats) (*accepted, error) {
	log := logger.Get()
	path := "/events"
	if config.Sync {
		path = "/completions"
	}
	log.Info(ctx, "submitting events",
		logger.Int("events", len(events)),
		logger.Int("workers", config.Workers),
		logger.String("endpoint", path),
	)

	target := config.BaseURL + path
	took := newAccepted()

	var successful, duplicate, failed, submitted atomic.Int64

	eventChan := make(chan Event, config.Workers*2)
	var wg sync.WaitGroup

	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range eventChan {
				if ctx.Err() != nil {
					return
				}
				result := submitSingleEvent(ctx, config, client, target, event)
				n := submitted.Add(1)
				switch result {
				case resultSuccess:
					successful.Add(1)
					took.add(event.Caller, event.EventID)
				case resultDuplicate:
					duplicate.Add(1)
				default:
					failed.Add(1)
				}
				if config.Verbose && n%1000 == 0 {
					log.Info(ctx, "progress",
						logger.Any("submitted", n),
						logger.Any("successful", successful.Load()),
						logger.Any("duplicate", duplicate.Load()),
						logger.Any("failed", failed.Load()),
					)
				}
			}
		}()
	}

	go func() {
		defer close(eventChan)
		for _, event := range events {
			select {
			case <-ctx.Done():
				return
			case eventChan <- event:
			}
		}
	}()
	wg.Wait()

	stats.EventsSubmitted = int(submitted.Load())
	stats.EventsSuccessful = int(successful.Load())
	stats.EventsDuplicate = int(duplicate.Load())
	stats.EventsFailed = int(failed.Load())

	log.Info(ctx, "event submission completed",
		logger.Int("successful", stats.EventsSuccessful),
		logger.Int("duplicate", stats.EventsDuplicate),
		logger.Int("failed", stats.EventsFailed),
	)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return took, nil
}

// submitSingleEvent submits a single event and returns the result. In-flight
// duplicates answer 409 on the synchronous path and count as duplicates.
func submitSingleEvent(ctx context.Context, config *Config, client *HTTPClient, target string, event Event) string {
	body := event
	if client.auth != nil {
		body.Caller = ""
	}

	if config.Sync {
		var resp CompletionResponse
		code, err := client.Do(ctx, http.MethodPost, target, event.Caller, body, &resp)
		switch {
		case err != nil:
			return resultFailed
		case code == http.StatusCreated:
			return resultSuccess
		case code == http.StatusOK, code == http.StatusConflict:
			return resultDuplicate
		default:
			return resultFailed
		}
	}

	var ack AckResponse
	code, err := client.Do(ctx, http.MethodPost, target, event.Caller, body, &ack)
	switch {
	case err != nil:
		return resultFailed
	case code == http.StatusAccepted:
		return resultSuccess
	case code == http.StatusOK && ack.Duplicate:
		return resultDuplicate
	default:
		return resultFailed
	}
}

// fetchActivities reads the activity keys from GET /activities.
func fetchActivities(ctx context.Context, config *Config, client *HTTPClient) ([]string, error) {
	var catalog struct {
		Activities []struct {
			Activity string `json:"activity"`
		} `json:"activities"`
	}
	code, err := client.Do(ctx, http.MethodGet, config.BaseURL+"/activities", "", nil, &catalog)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("activities returned status %d", code)
	}
	keys := make([]string, 0, len(catalog.Activities))
	for _, a := range catalog.Activities {
		keys = append(keys, a.Activity)
	}
	return keys, nil
}

// fetchLedger reads a caller's whole ledger page by page.
func fetchLedger(ctx context.Context, config *Config, client *HTTPClient, caller string) ([]Record, error) {
	const pageSize = 500
	var out []Record
	for offset := 0; ; offset += pageSize {
		var page LedgerPage
		u := fmt.Sprintf("%s/accounts/%s/ledger?offset=%s&limit=%d",
			config.BaseURL, url.PathEscape(caller), strconv.Itoa(offset), pageSize)
		code, err := client.Do(ctx, http.MethodGet, u, caller, nil, &page)
		if err != nil {
			return nil, err
		}
		if code == http.StatusNotFound {
			return nil, nil
		}
		if code != http.StatusOK {
			return nil, fmt.Errorf("ledger for %s returned status %d", caller, code)
		}
		out = append(out, page.Records...)
		if len(page.Records) == 0 || uint64(len(out)) >= page.Total {
			return out, nil
		}
	}
}

// fetchStats reads GET /stats.
func fetchStats(ctx context.Context, config *Config, client *HTTPClient) (map[string]any, error) {
	stats := make(map[string]any)
	code, err := client.Do(ctx, http.MethodGet, config.BaseURL+"/stats", "", nil, &stats)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("stats returned status %d", code)
	}
	return stats, nil
}
