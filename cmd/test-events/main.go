package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/okian/rewardpool/internal/testevents"
)

// Default configuration constants.
const (
	defaultNumEvents      = 10000
	defaultUsers          = 200
	defaultDuplicateEvery = 10
	defaultWorkers        = 2 // multiplier for runtime.NumCPU()
	defaultTimeout        = 30 * time.Second
	defaultDrainTimeout   = 2 * time.Minute
	defaultTestTimeout    = 10 * time.Minute
)

func main() {
	var (
		baseURL        = flag.String("url", "http://localhost:9080", "Base URL of the service")
		numEvents      = flag.Int("events", defaultNumEvents, "Number of distinct events to generate and submit")
		users          = flag.Int("users", defaultUsers, "Number of distinct callers")
		activities     = flag.String("activities", "", "Comma separated activity keys (default: the service catalog)")
		duplicateEvery = flag.Int("duplicate-every", defaultDuplicateEvery, "Resubmit every n-th event with the same id")
		workers        = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout        = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		drain          = flag.Duration("drain", defaultDrainTimeout, "How long to wait for queued events")
		sync           = flag.Bool("sync", false, "Submit to POST /completions instead of POST /events")
		secret         = flag.String("secret", os.Getenv("REWARDPOOL_AUTH_SECRET"), "HMAC secret used to mint caller tokens")
		outputFile     = flag.String("output", "", "Output file for generated events")
		logFile        = flag.String("log", "", "Log file for test output")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		help           = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		testevents.ShowHelp()
		return
	}

	if err := testevents.SetupLogging(*logFile, *verbose); err != nil {
		_, _ = os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	config := &testevents.Config{
		BaseURL:        strings.TrimRight(*baseURL, "/"),
		NumEvents:      *numEvents,
		Users:          *users,
		DuplicateEvery: *duplicateEvery,
		Workers:        *workers,
		Timeout:        *timeout,
		DrainTimeout:   *drain,
		Sync:           *sync,
		AuthSecret:     *secret,
		OutputFile:     *outputFile,
		LogFile:        *logFile,
		Verbose:        *verbose,
	}
	if *activities != "" {
		config.Activities = strings.Split(*activities, ",")
	}

	if _, err := testevents.Run(ctx, config); err != nil {
		_, _ = os.Stderr.WriteString("Test failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
}
