// Package dedupe tracks completion event ids so that a retried submission
// returns the record issued the first time instead of earning twice.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/rewardpool/internal/domain/ledger"
)

const defaultMaxSize = 50_000

// State of a key in the cache.
type State int

// Key states.
const (
	StateNew      State = iota // key was not known and is now in flight
	StateInFlight              // another submission with this key is being processed
	StateDone                  // key completed; Entry.Record holds the result
)

// Entry is what the cache knows about a key.
type Entry struct {
	State  State
	Record ledger.Record
}

// Deduper records seen event keys and the record each one produced.
type Deduper interface {
	// SeenAndRecord atomically checks key and marks it in flight if it is new.
	SeenAndRecord(ctx context.Context, key string) Entry

	// Remember stores the record produced for an in-flight key.
	Remember(ctx context.Context, key string, rec ledger.Record)

	// Unrecord forgets an in-flight key whose processing failed so it can
	// be retried.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

type item struct {
	done   bool
	record ledger.Record
	elem   *list.Element // position in the eviction order, nil while in flight
}

// inMemoryDeduper keeps completed keys in FIFO order and evicts the oldest
// once maxSize is exceeded. In-flight keys are never evicted.
type inMemoryDeduper struct {
	mu      sync.Mutex
	items   map[string]*item
	order   *list.List
	maxSize int // <= 0 means unbounded
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: defaultMaxSize,
		items:   make(map[string]*item),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	if it, ok := d.items[key]; ok {
		if it.done {
			return Entry{State: StateDone, Record: it.record}
		}
		return Entry{State: StateInFlight}
	}
	d.items[key] = &item{}
	d.size.Add(1)
	return Entry{State: StateNew}
}

func (d *inMemoryDeduper) Remember(_ context.Context, key string, rec ledger.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	it, ok := d.items[key]
	if !ok {
		it = &item{}
		d.items[key] = it
		d.size.Add(1)
	}
	it.done = true
	it.record = rec
	if it.elem == nil {
		it.elem = d.order.PushBack(key)
	}

	for d.maxSize > 0 && d.order.Len() > d.maxSize {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.items, oldest.Value.(string))
		d.size.Add(-1)
	}
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	it, ok := d.items[key]
	if !ok || it.done {
		return
	}
	delete(d.items, key)
	d.size.Add(-1)
}

// Size returns the number of tracked keys, in flight or done.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
