// Package worker drains the completion queue into the reward engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rewardpool/internal/domain/engine"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/pkg/logger"
	"github.com/okian/rewardpool/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 4 // multiplier for runtime.NumCPU()
	metricsUpdateInterval   = 5 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// Event is what workers read off the queue.
type Event = model.Event

// Completer prices and commits one completion.
type Completer interface {
	CompleteTask(ctx context.Context, ev model.Event) (ledger.Record, error)
}

// Tracker records the outcome of an event id so later submissions of the
// same id are recognised.
type Tracker interface {
	Remember(ctx context.Context, key string, rec ledger.Record)
	Unrecord(ctx context.Context, key string)
}

// Queue defines how workers receive events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// Worker processes queued completions.
type Worker interface {
	// Run processes events until the queue is closed, ctx is done or
	// Shutdown is called.
	Run(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue     Queue
	completer Completer
	tracker   Tracker
	name      string
	processed *atomic.Int64

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a worker.
func NewInMemoryWorker(queue Queue, completer Completer, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     queue,
		completer: completer,
		name:      "worker",
		processed: new(atomic.Int64),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run implements Worker.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	events := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = w.process(ctx, ev)
		}
	}
}

// Shutdown implements Worker. Calling it more than once is safe.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed when Run has returned.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

// process runs one completion. The event id is remembered with its record
// on success and forgotten on failure so that the caller may resubmit.
func (w *InMemoryWorker) process(ctx context.Context, ev Event) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	key := ev.DedupeKey()
	rec, err := w.completer.CompleteTask(ctx, ev)
	if err != nil {
		if w.tracker != nil && key != "" {
			w.tracker.Unrecord(ctx, key)
		}
		reason := engine.Reason(err)
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", reason)
		if reason == "internal" || errors.Is(err, engine.ErrConcurrentUpdateConflict) {
			metrics.RecordErrorByType(reason, "high")
			w.logger.Error(ctx, "completion failed",
				logger.String("event_id", ev.EventID),
				logger.String("caller", ev.Caller),
				logger.Error(err),
			)
		} else {
			w.logger.Warn(ctx, "completion rejected",
				logger.String("event_id", ev.EventID),
				logger.String("caller", ev.Caller),
				logger.String("reason", reason),
			)
		}
		return fmt.Errorf("complete event %s: %w", ev.EventID, err)
	}

	if w.tracker != nil && key != "" {
		w.tracker.Remember(ctx, key, rec)
	}
	w.processed.Add(1)
	return nil
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue

	shutdown     chan struct{}
	shutdownOnce sync.Once

	processed         atomic.Int64
	lastProcessedTime time.Time

	logger logger.Logger
}

// NewPool creates workerCount workers. A count below one defaults to a
// multiple of the CPU count.
func NewPool(workerCount int, queue Queue, completer Completer, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	p := &Pool{
		workers:           make([]*InMemoryWorker, workerCount),
		queue:             queue,
		shutdown:          make(chan struct{}),
		lastProcessedTime: time.Now(),
		logger:            logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		w := NewInMemoryWorker(queue, completer, workerOpts...)
		w.processed = &p.processed
		p.workers[i] = w
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(workerCount)
	metrics.UpdateWorkerIdleCount(0)
	metrics.UpdateWorkerMessagesPerSecond(0)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns how many events were completed successfully.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Start runs every worker in its own goroutine.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go p.startMetricsUpdater(ctx)
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case now := <-ticker.C:
			cur := p.processed.Load()
			if elapsed := now.Sub(p.lastProcessedTime).Seconds(); elapsed > 0 {
				metrics.UpdateWorkerMessagesPerSecond(float64(cur-last) / elapsed)
			}
			last, p.lastProcessedTime = cur, now
		}
	}
}

// Shutdown closes the queue, lets workers drain what is pending and waits
// for them up to the context deadline or an internal limit.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	p.shutdownOnce.Do(func() { close(p.shutdown) })

	ctx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			timedOut++
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerActiveCount(0)
	if timedOut > 0 {
		return fmt.Errorf("%d workers still running: %w", timedOut, ctx.Err())
	}
	return nil
}
