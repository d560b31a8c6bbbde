package repository

import (
	"context"
	"sync"
	"time"

	"github.com/okian/rewardpool/internal/domain/account"
	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/internal/domain/penalty"
	"github.com/okian/rewardpool/pkg/metrics"
)

type memAccount struct {
	meta    account.Meta
	records []ledger.Record
}

// MemoryStore keeps everything in maps behind one lock.
type MemoryStore struct {
	mu       sync.RWMutex
	global   *model.GlobalState
	accounts map[string]*memAccount
	closed   bool

	cancel context.CancelFunc
}

// NewMemoryStore creates an empty store. The background metrics updater
// runs until Close or until ctx is cancelled.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &MemoryStore{
		accounts: make(map[string]*memAccount),
		cancel:   cancel,
	}
	startMetricsUpdater(ctx, o.metricsUpdateInterval, s.CountAccounts)
	return s
}

// LoadGlobal implements engine.Store.
func (s *MemoryStore) LoadGlobal(_ context.Context) (model.GlobalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.GlobalState{}, model.ErrStoreClosed
	}
	if s.global == nil {
		return model.GlobalState{}, model.ErrStateNotFound
	}
	return s.global.Clone(), nil
}

// InitGlobal implements engine.Store.
func (s *MemoryStore) InitGlobal(_ context.Context, state model.GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrStoreClosed
	}
	if s.global != nil {
		return model.ErrStateExists
	}
	g := state.Clone()
	s.global = &g
	return nil
}

// LoadAccount implements engine.Store.
func (s *MemoryStore) LoadAccount(_ context.Context, owner string) (account.Meta, []ledger.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreQueryLatency(sinceMs(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return account.Meta{}, nil, model.ErrStoreClosed
	}
	a, ok := s.accounts[owner]
	if !ok {
		return account.Meta{}, nil, model.ErrAccountNotFound
	}
	records := make([]ledger.Record, len(a.records))
	copy(records, a.records)
	return copyMeta(a.meta), records, nil
}

// Commit implements engine.Store.
func (s *MemoryStore) Commit(_ context.Context, c model.Commit) error {
	start := time.Now()
	defer func() { metrics.RecordStoreCommitLatency(sinceMs(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrStoreClosed
	}
	if s.global == nil {
		return model.ErrStateNotFound
	}

	a := s.accounts[c.Owner]
	var version, length uint64
	if a != nil {
		version, length = a.meta.Version, uint64(len(a.records))
	}
	if err := checkCommit(c, version, length, s.global.Epoch); err != nil {
		return err
	}

	if a == nil {
		a = &memAccount{}
		s.accounts[c.Owner] = a
	}
	a.meta = copyMeta(c.Meta)
	a.records = append(a.records, c.Record)
	mergeCounter(s.global, c)
	return nil
}

// SaveGlobal implements engine.Store.
func (s *MemoryStore) SaveGlobal(_ context.Context, next model.GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrStoreClosed
	}
	if s.global == nil {
		return model.ErrStateNotFound
	}
	g := next.Clone()
	s.global = &g
	return nil
}

// CountAccounts implements engine.Store.
func (s *MemoryStore) CountAccounts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, model.ErrStoreClosed
	}
	return len(s.accounts), nil
}

// Close stops the metrics updater. Later calls fail with model.ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cancel()
	}
	return nil
}

func copyMeta(m account.Meta) account.Meta {
	reps := make(map[activity.Type]penalty.Repetition, len(m.Repetitions))
	for k, v := range m.Repetitions {
		reps[k] = v
	}
	m.Repetitions = reps
	return m
}
