// Package testevents drives a running reward pool with concurrent completions
// and verifies the ledgers they produce.
package testevents

import "time"

// Config holds configuration for the event test
type Config struct {
	BaseURL        string        // Base URL of the service
	NumEvents      int           // Number of distinct events to generate
	Users          int           // Number of distinct callers
	Activities     []string      // Activity keys to draw from; empty means the service catalog
	DuplicateEvery int           // Resubmit every n-th event with the same id; 0 disables
	Workers        int           // Number of concurrent workers
	Timeout        time.Duration // HTTP request timeout
	DrainTimeout   time.Duration // How long to wait for the queue to drain
	Sync           bool          // Use POST /completions instead of POST /events
	AuthSecret     string        // HMAC secret used to mint caller tokens; empty sends the caller in the body
	OutputFile     string        // Output file for events
	LogFile        string        // Log file for test output
	Verbose        bool          // Enable verbose logging
}

// Event represents an event to be submitted
type Event struct {
	EventID  string `json:"event_id"`
	Caller   string `json:"caller"`
	Activity string `json:"activity"`
}

// AckResponse is the body of POST /events.
type AckResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// CompletionResponse is the body of POST /completions.
type CompletionResponse struct {
	Duplicate bool   `json:"duplicate"`
	Record    Record `json:"record"`
}

// Record is the subset of a ledger record the test checks.
type Record struct {
	ID            string `json:"id"`
	EventID       string `json:"event_id"`
	Owner         string `json:"owner"`
	Activity      string `json:"activity"`
	Amount        uint64 `json:"amount"`
	SequenceIndex uint64 `json:"sequence_index"`
	Epoch         uint64 `json:"epoch"`
}

// LedgerPage is the body of GET /accounts/{id}/ledger.
type LedgerPage struct {
	Owner   string   `json:"owner"`
	Total   uint64   `json:"total"`
	Records []Record `json:"records"`
}

// Stats holds test statistics
type Stats struct {
	EventsGenerated  int
	EventsSubmitted  int
	EventsSuccessful int
	EventsDuplicate  int
	EventsFailed     int
	EventsRejected   int // accepted by the API but not in any ledger
	LedgersVerified  int
	RecordsVerified  int
	RewardsIssued    uint64
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
}
