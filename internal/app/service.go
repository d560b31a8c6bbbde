// Package service wires the reward engine, its store, the dedupe cache and
// the asynchronous worker pool into the dependencies required by the HTTP
// API.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	eventqueue "github.com/okian/rewardpool/internal/adapters/mq/queue"
	workerpool "github.com/okian/rewardpool/internal/adapters/mq/worker"
	"github.com/okian/rewardpool/internal/adapters/repository"
	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/dedupe"
	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/pkg/logger"
	"github.com/okian/rewardpool/pkg/metrics"
)

// ErrNotStarted is returned by operations that need a running service. It
// matches engine.ErrNotInitialized.
var ErrNotStarted = fmt.Errorf("service not started: %w", engine.ErrNotInitialized)

const defaultShutdownTimeout = 30 * time.Second

// Service implements the API dependencies for the reward pool.
type Service struct {
	mu sync.RWMutex

	// Core components
	engine     *engine.Engine
	deduper    dedupe.Deduper
	eventQueue *eventqueue.InMemoryQueue
	workerPool *workerpool.Pool

	// Configuration
	catalog       *activity.Catalog
	engineOpts    []engine.Option
	workerCount   int
	queueSize     int
	dedupeSize    int
	storePath     string
	epochDuration time.Duration

	// State
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the event queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the deduplication cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithStorePath persists the pool in a bbolt file at path. Without it the
// pool lives in memory.
func WithStorePath(path string) Option {
	return func(s *Service) {
		s.storePath = path
	}
}

// WithEpochDuration rolls the epoch over every d. Zero disables it.
func WithEpochDuration(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.epochDuration = d
		}
	}
}

// WithCatalog sets the activity catalog.
func WithCatalog(c *activity.Catalog) Option {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithEngineOptions passes options through to the reward engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount: runtime.NumCPU() * 4,
		queueSize:   10_000,
		dedupeSize:  50_000,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		s.catalog = activity.MustCatalog()
	}
	// The cache outlives restarts so ids completed before a Stop stay known.
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	return s
}

// Start opens the store, resumes or initializes the pool and starts the
// workers. Starting a started service is a no-op. Components live until
// Stop, independent of ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting reward pool service...")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	store, backend, err := s.openStore(runCtx)
	if err != nil {
		cancel()
		return err
	}

	opts := append([]engine.Option{
		engine.WithCatalog(s.catalog),
		engine.WithLogger(s.logger.Named("engine")),
	}, s.engineOpts...)
	eng := engine.New(store, opts...)

	st, err := eng.Resume(ctx)
	if errors.Is(err, engine.ErrNotInitialized) {
		st, err = eng.Initialize(ctx)
	}
	if err != nil {
		_ = eng.Close()
		cancel()
		return fmt.Errorf("start engine: %w", err)
	}

	s.engine = eng
	s.eventQueue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.workerPool = workerpool.NewPool(s.workerCount, s.eventQueue, eng,
		workerpool.WithTracker(s.deduper),
		workerpool.WithLogger(s.logger.Named("worker")),
	)
	s.workerPool.Start(runCtx)

	if s.epochDuration > 0 {
		s.loops.Add(1)
		go s.rolloverLoop(runCtx)
	}

	s.cancel = cancel
	s.started = true
	s.logger.Info(ctx, "reward pool service started",
		logger.String("store", backend),
		logger.Uint64("epoch", st.Epoch),
		logger.Int("workers", s.workerPool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Duration("epochDuration", s.epochDuration),
	)
	return nil
}

func (s *Service) openStore(ctx context.Context) (engine.Store, string, error) {
	if s.storePath == "" {
		return repository.NewMemoryStore(ctx), "memory", nil
	}
	store, err := repository.NewBoltStore(ctx, s.storePath)
	if err != nil {
		return nil, "", fmt.Errorf("open store %s: %w", s.storePath, err)
	}
	return store, "bolt", nil
}

func (s *Service) rolloverLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.epochDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := s.engine.Rollover(ctx)
			if err != nil {
				s.logger.Error(ctx, "scheduled epoch rollover failed", logger.Error(err))
				continue
			}
			s.logger.Info(ctx, "scheduled epoch rollover", logger.Uint64("epoch", st.Epoch))
		}
	}
}

// Stop drains the queue, stops the workers and closes the store. Stopping
// a stopped service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping reward pool service...")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := s.workerPool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	s.cancel()
	s.loops.Wait()
	if err := s.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.started = false
	s.logger.Info(ctx, "reward pool service stopped", logger.Any("processed", s.workerPool.Processed()))
	return errors.Join(errs...)
}

func (s *Service) running() (*engine.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.engine, nil
}

// Catalog returns the activity catalog.
func (s *Service) Catalog() *activity.Catalog { return s.catalog }

// ValidateCaller runs the engine's identity check.
func (s *Service) ValidateCaller(ctx context.Context, caller string) error {
	eng, err := s.running()
	if err != nil {
		return err
	}
	return eng.ValidateCaller(ctx, caller)
}

// CompleteTask completes ev synchronously.
func (s *Service) CompleteTask(ctx context.Context, ev model.Event) (ledger.Record, error) {
	eng, err := s.running()
	if err != nil {
		return ledger.Record{}, err
	}
	return eng.CompleteTask(ctx, ev)
}

// Rollover starts the next epoch.
func (s *Service) Rollover(ctx context.Context) (model.GlobalState, error) {
	eng, err := s.running()
	if err != nil {
		return model.GlobalState{}, err
	}
	return eng.Rollover(ctx)
}

// State returns the global snapshot.
func (s *Service) State(ctx context.Context) (engine.Snapshot, error) {
	eng, err := s.running()
	if err != nil {
		return engine.Snapshot{}, err
	}
	return eng.State(ctx)
}

// Account returns the summary of owner's account.
func (s *Service) Account(ctx context.Context, owner string) (engine.AccountView, error) {
	eng, err := s.running()
	if err != nil {
		return engine.AccountView{}, err
	}
	return eng.Account(ctx, owner)
}

// Ledger returns a page of owner's ledger and its total length.
func (s *Service) Ledger(ctx context.Context, owner string, offset, limit uint64) ([]ledger.Record, uint64, error) {
	eng, err := s.running()
	if err != nil {
		return nil, 0, err
	}
	return eng.Ledger(ctx, owner, offset, limit)
}

// SeenAndRecord atomically checks an idempotency key and claims it when new.
func (s *Service) SeenAndRecord(ctx context.Context, key string) dedupe.Entry {
	return s.deduper.SeenAndRecord(ctx, key)
}

// Remember marks key as done with its record.
func (s *Service) Remember(ctx context.Context, key string, rec ledger.Record) {
	s.deduper.Remember(ctx, key, rec)
}

// Unrecord releases key so the event can be retried.
func (s *Service) Unrecord(ctx context.Context, key string) {
	s.deduper.Unrecord(ctx, key)
}

// Size returns the current number of entries in the deduper.
func (s *Service) Size() int64 {
	return s.deduper.Size()
}

// Enqueue submits an event for asynchronous processing. It never blocks.
func (s *Service) Enqueue(ctx context.Context, ev model.Event) error {
	s.mu.RLock()
	q := s.eventQueue
	started := s.started
	s.mu.RUnlock()
	if !started {
		return eventqueue.ErrQueueClosed
	}

	if err := q.Enqueue(ctx, ev); err != nil {
		s.logger.Debug(ctx, "enqueue rejected",
			logger.String("eventID", ev.EventID),
			logger.String("caller", ev.Caller),
			logger.Error(err),
		)
		return err
	}
	metrics.UpdateQueueSize(q.Len())
	return nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"catalog":     s.catalog.Version(),
	}
	if !s.started {
		return stats
	}

	queueLen := s.eventQueue.Len()
	stats["queueLength"] = queueLen
	stats["processed"] = s.workerPool.Processed()
	stats["dedupeEntries"] = s.deduper.Size()

	if snap, err := s.engine.State(ctx); err == nil {
		stats["epoch"] = snap.Epoch
		stats["accounts"] = snap.Accounts
		metrics.UpdateTotalAccounts(snap.Accounts)
	}
	metrics.UpdateQueueSize(queueLen)
	metrics.UpdateWorkerCount(s.workerPool.Size())
	return stats
}
