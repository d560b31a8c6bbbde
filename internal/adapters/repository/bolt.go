package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/okian/rewardpool/internal/domain/account"
	"github.com/okian/rewardpool/internal/domain/ledger"
	"github.com/okian/rewardpool/internal/domain/model"
	"github.com/okian/rewardpool/pkg/metrics"
)

// Layout:
//
//	global/state             GlobalState JSON
//	global/accounts          account count, big-endian uint64
//	accounts/<owner>/meta    account.Meta JSON
//	accounts/<owner>/ledger/ big-endian sequence -> ledger.Record JSON
var (
	bucketGlobal   = []byte("global")
	bucketAccounts = []byte("accounts")
	bucketLedger   = []byte("ledger")

	keyState        = []byte("state")
	keyAccountCount = []byte("accounts")
	keyMeta         = []byte("meta")
)

// BoltStore persists the pool in a single bbolt file. Every Commit is one
// read-write transaction.
type BoltStore struct {
	db     *bolt.DB
	cancel context.CancelFunc
}

// NewBoltStore opens (creating if needed) the database at path.
func NewBoltStore(ctx context.Context, path string, opts ...Option) (*BoltStore, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: o.openTimeout, NoSync: o.noSync})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketGlobal, bucketAccounts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &BoltStore{db: db, cancel: cancel}
	startMetricsUpdater(ctx, o.metricsUpdateInterval, s.CountAccounts)
	return s, nil
}

// LoadGlobal implements engine.Store.
func (s *BoltStore) LoadGlobal(_ context.Context) (model.GlobalState, error) {
	var g model.GlobalState
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		g, err = readGlobal(tx)
		return err
	})
	return g, mapBoltErr(err)
}

// InitGlobal implements engine.Store.
func (s *BoltStore) InitGlobal(_ context.Context, state model.GlobalState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketGlobal).Get(keyState) != nil {
			return model.ErrStateExists
		}
		return writeJSON(tx.Bucket(bucketGlobal), keyState, state)
	})
	return mapBoltErr(err)
}

// LoadAccount implements engine.Store.
func (s *BoltStore) LoadAccount(_ context.Context, owner string) (account.Meta, []ledger.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreQueryLatency(sinceMs(start)) }()

	var (
		meta    account.Meta
		records []ledger.Record
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketAccounts).Bucket([]byte(owner))
		if ob == nil {
			return model.ErrAccountNotFound
		}
		if err := readJSON(ob, keyMeta, &meta); err != nil {
			return err
		}
		lb := ob.Bucket(bucketLedger)
		if lb == nil {
			return fmt.Errorf("%w: account %q has no ledger", ErrCorruptData, owner)
		}
		return lb.ForEach(func(_, v []byte) error {
			var r ledger.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: %w", ErrCorruptData, err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return account.Meta{}, nil, mapBoltErr(err)
	}
	return meta, records, nil
}

// Commit implements engine.Store.
func (s *BoltStore) Commit(_ context.Context, c model.Commit) error {
	start := time.Now()
	defer func() { metrics.RecordStoreCommitLatency(sinceMs(start)) }()

	err := s.db.Update(func(tx *bolt.Tx) error {
		g, err := readGlobal(tx)
		if err != nil {
			return err
		}

		accounts := tx.Bucket(bucketAccounts)
		ob := accounts.Bucket([]byte(c.Owner))
		var version, length uint64
		if ob != nil {
			var meta account.Meta
			if err := readJSON(ob, keyMeta, &meta); err != nil {
				return err
			}
			version = meta.Version
			if k, _ := ob.Bucket(bucketLedger).Cursor().Last(); k != nil {
				length = binary.BigEndian.Uint64(k) + 1
			}
		}
		if err := checkCommit(c, version, length, g.Epoch); err != nil {
			return err
		}

		if ob == nil {
			if ob, err = accounts.CreateBucket([]byte(c.Owner)); err != nil {
				return err
			}
			if _, err = ob.CreateBucket(bucketLedger); err != nil {
				return err
			}
			if err := incrementCount(tx.Bucket(bucketGlobal)); err != nil {
				return err
			}
		}

		if err := writeJSON(ob.Bucket(bucketLedger), seqKey(c.Record.SequenceIndex), c.Record); err != nil {
			return err
		}
		if err := writeJSON(ob, keyMeta, c.Meta); err != nil {
			return err
		}
		mergeCounter(&g, c)
		return writeJSON(tx.Bucket(bucketGlobal), keyState, g)
	})
	return mapBoltErr(err)
}

// SaveGlobal implements engine.Store.
func (s *BoltStore) SaveGlobal(_ context.Context, next model.GlobalState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketGlobal).Get(keyState) == nil {
			return model.ErrStateNotFound
		}
		return writeJSON(tx.Bucket(bucketGlobal), keyState, next)
	})
	return mapBoltErr(err)
}

// CountAccounts implements engine.Store.
func (s *BoltStore) CountAccounts(_ context.Context) (int, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketGlobal).Get(keyAccountCount); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return int(n), mapBoltErr(err)
}

// Close stops the metrics updater and releases the database file.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.cancel()
	return s.db.Close()
}

func readGlobal(tx *bolt.Tx) (model.GlobalState, error) {
	var g model.GlobalState
	raw := tx.Bucket(bucketGlobal).Get(keyState)
	if raw == nil {
		return g, model.ErrStateNotFound
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("%w: global state: %w", ErrCorruptData, err)
	}
	return g, nil
}

func readJSON(b *bolt.Bucket, key []byte, v any) error {
	raw := b.Get(key)
	if raw == nil {
		return fmt.Errorf("%w: missing %s", ErrCorruptData, key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptData, key, err)
	}
	return nil
}

func writeJSON(b *bolt.Bucket, key []byte, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, encoded)
}

func incrementCount(b *bolt.Bucket) error {
	var n uint64
	if v := b.Get(keyAccountCount); len(v) == 8 {
		n = binary.BigEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+1)
	return b.Put(keyAccountCount, buf)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return model.ErrStoreClosed
	}
	return err
}
