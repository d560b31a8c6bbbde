// Package ledger defines reward records and the per-user append-only log
// that holds them.
package ledger

import (
	"time"

	"github.com/okian/rewardpool/internal/domain/activity"
	"github.com/okian/rewardpool/internal/domain/reward"
)

// Record is immutable once appended. Amount already includes every factor.
type Record struct {
	ID            string             `json:"id"`
	EventID       string             `json:"event_id,omitempty"`
	Owner         string             `json:"owner"`
	Activity      activity.Type      `json:"activity"`
	BaseReward    uint64             `json:"base_reward"`
	Amount        uint64             `json:"amount"`
	Multiplier    reward.BasisPoints `json:"multiplier_bps"`
	Penalty       reward.BasisPoints `json:"penalty_bps"`
	Availability  reward.BasisPoints `json:"availability_bps"`
	Repetition    uint64             `json:"repetition"`
	Epoch         uint64             `json:"epoch"`
	SequenceIndex uint64             `json:"sequence_index"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Ledger is an ordered list of records. It is not safe for concurrent use;
// the owning account serialises access.
type Ledger struct {
	records []Record
}

// New returns a ledger holding records, which must already be in sequence.
func New(records []Record) (*Ledger, error) {
	for i, r := range records {
		if r.SequenceIndex != uint64(i) {
			return nil, ErrSequenceGap
		}
	}
	cp := make([]Record, len(records))
	copy(cp, records)
	return &Ledger{records: cp}, nil
}

// Len returns the number of records, which is also the next sequence index.
func (l *Ledger) Len() uint64 {
	return uint64(len(l.records))
}

// Append stamps r with the next sequence index, stores it and returns the index.
func (l *Ledger) Append(r Record) uint64 {
	idx := l.Len()
	r.SequenceIndex = idx
	l.records = append(l.records, r)
	return idx
}

// At returns the record at idx.
func (l *Ledger) At(idx uint64) (Record, bool) {
	if idx >= l.Len() {
		return Record{}, false
	}
	return l.records[idx], true
}

// Range returns a copy of up to limit records starting at offset.
// A limit of zero means no limit.
func (l *Ledger) Range(offset, limit uint64) []Record {
	n := l.Len()
	if offset >= n {
		return []Record{}
	}
	end := n
	if limit > 0 && limit < n-offset {
		end = offset + limit
	}
	out := make([]Record, end-offset)
	copy(out, l.records[offset:end])
	return out
}

// Records returns a copy of every record.
func (l *Ledger) Records() []Record {
	return l.Range(0, 0)
}

// Total sums every amount, saturating at the uint64 ceiling.
func (l *Ledger) Total() uint64 {
	var sum uint64
	for _, r := range l.records {
		sum = reward.SaturatingAdd(sum, r.Amount)
	}
	return sum
}
