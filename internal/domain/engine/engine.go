// Package engine turns task completions into ledger records. Each completion
// is priced against global demand, the owner's repetition history and a
// bounded availability factor, and all of its side effects are committed
// together or not at all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rewardpool/internal/domain/account"
	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/availability"
	"github.com/okian/rewardpool/internal/domain/demand"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/internal/domain/penalty"
	"github.com/okian/rewardpool/internal/domain/reward"
	"github.com/okian/rewardpool/pkg/logger"
	"github.com/okian/rewardpool/pkg/metrics"
)

// Completion stages, in the order they run.
const (
	StageReceived     = "received"
	StageDemand       = "demand_computed"
	StagePenalty      = "penalty_computed"
	StageAvailability = "availability_applied"
	StageAppended     = "appended"
)

// Engine is safe for concurrent use.
type Engine struct {
	catalog   *activity.Catalog
	tracker   *demand.Tracker
	policy    *penalty.Policy
	perturber *availability.Perturber
	store     Store
	identity  IdentityValidator
	log       logger.Logger

	cooldown   time.Duration
	maxRetries int
	now        func() time.Time
	newID      func() string

	// epoch guards state and initialized. Completions hold it shared for
	// their whole duration; Initialize, Resume and Rollover hold it exclusively.
	epoch       sync.RWMutex
	state       model.GlobalState
	initialized bool

	accounts *registry
}

// DemandView is the demand picture of one activity in the current epoch.
type DemandView struct {
	Activity       activity.Type      `json:"activity"`
	Name           string             `json:"name"`
	Count          uint64             `json:"count"`
	Slots          uint64             `json:"slots"`
	Ratio          float64            `json:"ratio"`
	NextMultiplier reward.BasisPoints `json:"next_multiplier_bps"`
}

// Snapshot is the global state as reported to operators.
type Snapshot struct {
	model.GlobalState
	Demand   []DemandView `json:"demand"`
	Accounts int          `json:"accounts"`
}

// AccountView summarises one account. Repetitions only count the current epoch.
type AccountView struct {
	Owner          string                   `json:"owner"`
	Version        uint64                   `json:"version"`
	Records        uint64                   `json:"records"`
	Total          uint64                   `json:"total"`
	Repetitions    map[activity.Type]uint64 `json:"repetitions"`
	LastCompletion time.Time                `json:"last_completion"`
	CreatedAt      time.Time                `json:"created_at"`
}

// New creates an engine over store. It must be initialized or resumed
// before it accepts completions.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		identity:   BasicIdentity{},
		log:        logger.Nop(),
		maxRetries: DefaultMaxCommitRetries,
		now:        time.Now,
		newID:      uuid.NewString,
		accounts:   newRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog = activity.MustCatalog()
	}
	if e.policy == nil {
		e.policy = penalty.NewPolicy()
	}
	if e.perturber == nil {
		e.perturber = availability.NewPerturber()
	}
	e.tracker = demand.NewTracker(e.catalog)
	return e
}

// Catalog returns the activity catalog the engine prices against.
func (e *Engine) Catalog() *activity.Catalog { return e.catalog }

// Initialize creates epoch 0 with zeroed counters. It fails with
// ErrAlreadyInitialized, changing nothing, if state exists in memory or in
// the store.
func (e *Engine) Initialize(ctx context.Context) (model.GlobalState, error) {
	e.epoch.Lock()
	defer e.epoch.Unlock()

	if e.initialized {
		return model.GlobalState{}, ErrAlreadyInitialized
	}

	now := e.now()
	st := model.GlobalState{
		Epoch:          0,
		Counters:       make(map[activity.Type]uint64),
		CatalogVersion: e.catalog.Version(),
		InitializedAt:  now,
		EpochStartedAt: now,
	}
	if err := e.store.InitGlobal(ctx, st); err != nil {
		if errors.Is(err, model.ErrStateExists) {
			return model.GlobalState{}, ErrAlreadyInitialized
		}
		return model.GlobalState{}, fmt.Errorf("initialize: %w", err)
	}

	e.tracker.Reset()
	e.state = st
	e.initialized = true
	metrics.UpdateEpoch(st.Epoch)
	e.log.Info(ctx, "reward pool initialized", logger.String("catalog", st.CatalogVersion))
	return st.Clone(), nil
}

// Resume loads persisted global state. It returns ErrNotInitialized when
// the store holds none.
func (e *Engine) Resume(ctx context.Context) (model.GlobalState, error) {
	e.epoch.Lock()
	defer e.epoch.Unlock()

	if e.initialized {
		return e.currentState(), nil
	}

	st, err := e.store.LoadGlobal(ctx)
	if err != nil {
		if errors.Is(err, model.ErrStateNotFound) {
			return model.GlobalState{}, ErrNotInitialized
		}
		return model.GlobalState{}, fmt.Errorf("resume: %w", err)
	}
	if st.CatalogVersion != e.catalog.Version() {
		e.log.Warn(ctx, "catalog version changed since the pool was initialized",
			logger.String("stored", st.CatalogVersion),
			logger.String("current", e.catalog.Version()),
		)
	}

	e.tracker.Restore(st.Counters)
	e.state = st.Clone()
	e.initialized = true
	metrics.UpdateEpoch(st.Epoch)
	e.log.Info(ctx, "reward pool resumed", logger.Uint64("epoch", st.Epoch))
	return e.currentState(), nil
}

// ValidateCaller runs the identity check that CompleteTask applies, wrapping
// any failure in ErrUnauthorizedCaller.
func (e *Engine) ValidateCaller(ctx context.Context, caller string) error {
	err := e.identity.Validate(ctx, caller)
	if err != nil && !errors.Is(err, ErrUnauthorizedCaller) {
		err = fmt.Errorf("%w: %w", ErrUnauthorizedCaller, err)
	}
	return err
}

// CompleteTask prices one completion, commits it and returns the appended
// record.
func (e *Engine) CompleteTask(ctx context.Context, ev model.Event) (ledger.Record, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}

	if err := e.ValidateCaller(ctx, ev.Caller); err != nil {
		return e.reject(ctx, ev, err)
	}
	typ, err := e.catalog.Parse(ev.Activity)
	if err != nil {
		return e.reject(ctx, ev, err)
	}
	def, err := e.catalog.Lookup(typ)
	if err != nil {
		return e.reject(ctx, ev, err)
	}
	e.observe(ctx, StageReceived, start,
		logger.String("caller", ev.Caller),
		logger.String("activity", def.Key),
	)

	e.epoch.RLock()
	defer e.epoch.RUnlock()
	if !e.initialized {
		return e.reject(ctx, ev, ErrNotInitialized)
	}
	epoch := e.state.Epoch

	s := e.accounts.acquire(ev.Caller)
	s.mu.Lock()
	defer e.accounts.release(ev.Caller, s)
	defer s.mu.Unlock()

	acct, err := e.load(ctx, ev.Caller, ev.TS, true)
	if err != nil {
		return ledger.Record{}, err
	}
	at := e.stamp(acct, ev.TS)
	if err := e.checkCooldown(acct, at); err != nil {
		return e.reject(ctx, ev, err)
	}

	t := time.Now()
	res, err := e.tracker.Record(typ)
	if err != nil {
		return e.reject(ctx, ev, err)
	}
	committed := false
	defer func() {
		if !committed {
			e.tracker.Release(typ)
		}
	}()
	e.observe(ctx, StageDemand, t,
		logger.Uint64("count", res.Count),
		logger.Uint64("slots", res.Slots),
		logger.String("multiplier", res.Multiplier.String()),
	)

	for attempt := 0; ; attempt++ {
		rec, change, err := e.price(ctx, acct, def, res, epoch, at, ev.EventID)
		if err != nil {
			return e.reject(ctx, ev, err)
		}

		t = time.Now()
		err = e.store.Commit(ctx, model.Commit{
			Owner:           acct.Owner(),
			ExpectedVersion: acct.Version(),
			Meta:            acct.Preview(change),
			Record:          rec,
			Epoch:           epoch,
			Counter:         res.Count,
		})
		if err == nil {
			acct.Apply(change)
			committed = true
			e.observe(ctx, StageAppended, t,
				logger.Uint64("sequence", rec.SequenceIndex),
				logger.Uint64("amount", rec.Amount),
			)
			e.recordSuccess(ctx, rec, res, acct.Version() == 1)
			return rec, nil
		}

		if !errors.Is(err, model.ErrVersionConflict) {
			metrics.RecordErrorByComponent("engine", "store")
			e.log.Error(ctx, "commit failed",
				logger.String("caller", ev.Caller),
				logger.String("activity", def.Key),
				logger.Error(err),
			)
			return ledger.Record{}, fmt.Errorf("commit completion: %w", err)
		}
		if attempt >= e.maxRetries {
			return e.reject(ctx, ev, fmt.Errorf("%w: gave up after %d attempts", ErrConcurrentUpdateConflict, attempt+1))
		}

		metrics.RecordConflictRetry()
		e.log.Warn(ctx, "account changed underneath, reloading",
			logger.String("caller", ev.Caller),
			logger.Int("attempt", attempt+1),
		)
		if acct, err = e.load(ctx, ev.Caller, at, true); err != nil {
			return ledger.Record{}, err
		}
		at = e.stamp(acct, at)
		if err := e.checkCooldown(acct, at); err != nil {
			return e.reject(ctx, ev, err)
		}
	}
}

// Rollover starts the next epoch. Demand counters restart at zero;
// repetition counters read as zero from now on.
func (e *Engine) Rollover(ctx context.Context) (model.GlobalState, error) {
	e.epoch.Lock()
	defer e.epoch.Unlock()

	if !e.initialized {
		return model.GlobalState{}, ErrNotInitialized
	}

	prev := e.state.Epoch
	next := e.state.Clone()
	next.Epoch++
	next.Counters = make(map[activity.Type]uint64)
	next.EpochStartedAt = e.now()
	if err := e.store.SaveGlobal(ctx, next); err != nil {
		return model.GlobalState{}, fmt.Errorf("rollover: %w", err)
	}

	e.tracker.Reset()
	e.state = next
	metrics.RecordEpochRollover()
	metrics.UpdateEpoch(next.Epoch)
	e.log.Info(ctx, "epoch rolled over", logger.Uint64("from", prev), logger.Uint64("to", next.Epoch))
	return next.Clone(), nil
}

// State reports the current epoch, demand per activity and the number of
// accounts.
func (e *Engine) State(ctx context.Context) (Snapshot, error) {
	e.epoch.RLock()
	if !e.initialized {
		e.epoch.RUnlock()
		return Snapshot{}, ErrNotInitialized
	}
	st := e.currentState()
	e.epoch.RUnlock()

	defs := e.catalog.All()
	views := make([]DemandView, 0, len(defs))
	for _, d := range defs {
		count := st.Counters[d.Type]
		next := count
		if next < math.MaxUint64 {
			next++
		}
		ratio := 0.0
		if d.SlotsPerEpoch > 0 {
			ratio = float64(count) / float64(d.SlotsPerEpoch)
		}
		views = append(views, DemandView{
			Activity:       d.Type,
			Name:           d.Name,
			Count:          count,
			Slots:          d.SlotsPerEpoch,
			Ratio:          ratio,
			NextMultiplier: demand.Multiplier(next, d.SlotsPerEpoch),
		})
	}

	n, err := e.store.CountAccounts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count accounts: %w", err)
	}
	return Snapshot{GlobalState: st, Demand: views, Accounts: n}, nil
}

// Account returns a summary of owner's account.
func (e *Engine) Account(ctx context.Context, owner string) (AccountView, error) {
	e.epoch.RLock()
	defer e.epoch.RUnlock()
	if !e.initialized {
		return AccountView{}, ErrNotInitialized
	}

	acct, err := e.load(ctx, owner, time.Time{}, false)
	if err != nil {
		return AccountView{}, err
	}

	meta := acct.Meta()
	reps := make(map[activity.Type]uint64, len(meta.Repetitions))
	for typ, r := range meta.Repetitions {
		if n := r.CountIn(e.state.Epoch); n > 0 {
			reps[typ] = n
		}
	}
	return AccountView{
		Owner:          meta.Owner,
		Version:        meta.Version,
		Records:        acct.Ledger().Len(),
		Total:          acct.Ledger().Total(),
		Repetitions:    reps,
		LastCompletion: meta.LastCompletion,
		CreatedAt:      meta.CreatedAt,
	}, nil
}

// Ledger returns up to limit records of owner starting at offset, and the
// ledger length. A zero limit returns everything from offset on.
func (e *Engine) Ledger(ctx context.Context, owner string, offset, limit uint64) ([]ledger.Record, uint64, error) {
	e.epoch.RLock()
	defer e.epoch.RUnlock()
	if !e.initialized {
		return nil, 0, ErrNotInitialized
	}

	acct, err := e.load(ctx, owner, time.Time{}, false)
	if err != nil {
		return nil, 0, err
	}
	return acct.Ledger().Range(offset, limit), acct.Ledger().Len(), nil
}

// Close persists the live demand counters and closes the store. Failed
// completions release their reservation in memory only, so the counters
// committed alongside records can run ahead; this write settles them.
// Completions hold the epoch lock shared, so none is in flight here.
func (e *Engine) Close() error {
	e.epoch.Lock()
	defer e.epoch.Unlock()

	var errs []error
	if e.initialized {
		if err := e.store.SaveGlobal(context.Background(), e.currentState()); err != nil {
			errs = append(errs, fmt.Errorf("save demand counters: %w", err))
		}
		e.initialized = false
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// price runs the penalty and availability stages and builds the record and
// account change for one commit attempt.
func (e *Engine) price(
	ctx context.Context,
	acct *account.Account,
	def activity.Definition,
	res demand.Result,
	epoch uint64,
	at time.Time,
	eventID string,
) (ledger.Record, account.Change, error) {
	t := time.Now()
	factor, rep := e.policy.Next(acct.Repetition(def.Type), epoch)
	amount, err := reward.Scale(def.BaseReward, res.Multiplier, factor)
	if err != nil {
		return ledger.Record{}, account.Change{}, err
	}
	e.observe(ctx, StagePenalty, t,
		logger.Uint64("repetition", rep.Count),
		logger.String("penalty", factor.String()),
		logger.Uint64("amount", amount),
	)

	t = time.Now()
	final, avail := e.perturber.Perturb(def.Type, amount)
	e.observe(ctx, StageAvailability, t,
		logger.String("availability", avail.String()),
		logger.Uint64("amount", final),
	)

	rec := ledger.Record{
		ID:            e.newID(),
		EventID:       eventID,
		Owner:         acct.Owner(),
		Activity:      def.Type,
		BaseReward:    def.BaseReward,
		Amount:        final,
		Multiplier:    res.Multiplier,
		Penalty:       factor,
		Availability:  avail,
		Repetition:    rep.Count,
		Epoch:         epoch,
		SequenceIndex: acct.NextSequence(),
		Timestamp:     at,
	}
	return rec, account.Change{Record: rec, Repetition: rep, At: at}, nil
}

// load reads owner's committed account from the store. Reads never hold a
// registry slot; the store applies each commit atomically. With create set,
// an unknown owner gets a fresh unsaved account created at now (the engine
// clock when now is zero); otherwise ErrAccountNotFound is returned.
func (e *Engine) load(ctx context.Context, owner string, now time.Time, create bool) (*account.Account, error) {
	meta, records, err := e.store.LoadAccount(ctx, owner)
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		if !create {
			return nil, ErrAccountNotFound
		}
		if now.IsZero() {
			now = e.now()
		}
		return account.New(owner, now), nil
	case err != nil:
		return nil, fmt.Errorf("load account %q: %w", owner, err)
	}
	a, err := account.Restore(meta, records)
	if err != nil {
		return nil, fmt.Errorf("restore account %q: %w", owner, err)
	}
	return a, nil
}

// stamp returns the completion time for acct's next record: ts, or the
// engine clock when ts is zero, never earlier than the previous completion.
// Callers hold the owner's slot, so timestamps in a ledger never decrease.
func (e *Engine) stamp(acct *account.Account, ts time.Time) time.Time {
	if ts.IsZero() {
		ts = e.now()
	}
	if last := acct.LastCompletion(); ts.Before(last) {
		return last
	}
	return ts
}

func (e *Engine) checkCooldown(acct *account.Account, at time.Time) error {
	if e.cooldown <= 0 {
		return nil
	}
	last := acct.LastCompletion()
	if last.IsZero() {
		return nil
	}
	if wait := e.cooldown - at.Sub(last); wait > 0 {
		return fmt.Errorf("%w: retry in %s", ErrCooldownNotElapsed, wait.Round(time.Millisecond))
	}
	return nil
}

// currentState copies e.state with the live demand counters. Callers hold
// the epoch lock.
func (e *Engine) currentState() model.GlobalState {
	st := e.state.Clone()
	st.Counters = e.tracker.Snapshot()
	return st
}

func (e *Engine) reject(ctx context.Context, ev model.Event, err error) (ledger.Record, error) {
	reason := Reason(err)
	metrics.RecordRejection(reason)
	e.log.Debug(ctx, "completion rejected",
		logger.String("caller", ev.Caller),
		logger.String("activity", ev.Activity),
		logger.String("reason", reason),
		logger.Error(err),
	)
	return ledger.Record{}, err
}

func (e *Engine) observe(ctx context.Context, stage string, since time.Time, fields ...logger.Field) {
	metrics.RecordStageLatency(stage, float64(time.Since(since).Microseconds())/1000)
	e.log.Debug(ctx, "completion stage", append(fields, logger.String("stage", stage))...)
}

func (e *Engine) recordSuccess(ctx context.Context, rec ledger.Record, res demand.Result, newAccount bool) {
	key := rec.Activity.String()
	metrics.RecordCompletion(key, rec.Amount)
	metrics.UpdateDemandRatio(key, res.Ratio())
	if rec.Penalty < reward.One {
		metrics.RecordPenaltyApplied()
	}
	if newAccount {
		if n, err := e.store.CountAccounts(ctx); err == nil {
			metrics.UpdateTotalAccounts(n)
		}
	}
}
