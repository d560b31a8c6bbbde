package engine

import (
	"context"

	"github.com/okian/rewardpool/internal/domain/account"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
)

// Store persists the global pool state and every account. Implementations
// must apply a Commit atomically.
type Store interface {
	// LoadGlobal returns model.ErrStateNotFound before InitGlobal.
	LoadGlobal(ctx context.Context) (model.GlobalState, error)

	// InitGlobal returns model.ErrStateExists if state is already present
	// and leaves it untouched.
	InitGlobal(ctx context.Context, state model.GlobalState) error

	// LoadAccount returns model.ErrAccountNotFound for unknown owners.
	LoadAccount(ctx context.Context, owner string) (account.Meta, []ledger.Record, error)

	// Commit writes the account meta, appends the record and merges the
	// demand counter. It returns model.ErrVersionConflict when the stored
	// account version differs from c.ExpectedVersion or the record's
	// sequence index is not the next one.
	Commit(ctx context.Context, c model.Commit) error

	// SaveGlobal replaces the global state with next. It returns
	// model.ErrStateNotFound before InitGlobal.
	SaveGlobal(ctx context.Context, next model.GlobalState) error

	// CountAccounts returns the number of persisted accounts.
	CountAccounts(ctx context.Context) (int, error)

	Close() error
}
