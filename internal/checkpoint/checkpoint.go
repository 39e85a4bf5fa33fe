// Package checkpoint implements the sparse, time-indexed ledger of
// checkpoint records a market consults to value matured positions at the
// share price that existed when the checkpoint was minted.
//
// Positions are bucketed into checkpoints so the market can avoid poking in
// every period that has LP or trading activity. Each record holds the
// starting share price for the bucket plus aggregate volume values.
//
// The store is keyed by int64 seconds (the bucket start time), never by
// fixed-point values, and is owned by exactly one market.
package checkpoint

import (
	"sort"

	"github.com/delvtech/hyperdrive-engine/internal/fixedpoint"
)

// Checkpoint is one bucket record. A zero SharePrice means the bucket has
// not been minted yet.
type Checkpoint struct {
	SharePrice      fixedpoint.FP `json:"share_price"`
	LongSharePrice  fixedpoint.FP `json:"long_share_price"`
	LongBaseVolume  fixedpoint.FP `json:"long_base_volume"`
	ShortBaseVolume fixedpoint.FP `json:"short_base_volume"`
}

// Store holds checkpoints keyed by bucket start time in seconds. Reads copy
// the record out; mutation goes through Set/Update so the key index stays
// consistent. Not safe for concurrent use; the owning market serializes
// access.
type Store struct {
	byTime map[int64]Checkpoint
	times  []int64 // sorted key index
}

// NewStore creates an empty checkpoint store.
func NewStore() *Store {
	return &Store{byTime: make(map[int64]Checkpoint)}
}

// Get returns the checkpoint at time t. A zero-value record is returned for
// buckets that have never been touched, matching the reference's
// defaultdict behavior.
func (s *Store) Get(t int64) Checkpoint {
	return s.byTime[t]
}

// Has reports whether a record exists at time t with a minted share price.
func (s *Store) Has(t int64) bool {
	cp, ok := s.byTime[t]
	return ok && !cp.SharePrice.IsZero()
}

// Set writes the checkpoint at time t, inserting the key into the ordered
// index on first write.
func (s *Store) Set(t int64, cp Checkpoint) {
	if _, ok := s.byTime[t]; !ok {
		i := sort.Search(len(s.times), func(i int) bool { return s.times[i] >= t })
		s.times = append(s.times, 0)
		copy(s.times[i+1:], s.times[i:])
		s.times[i] = t
	}
	s.byTime[t] = cp
}

// Update applies fn to the record at time t and stores the result. The
// record is created if absent.
func (s *Store) Update(t int64, fn func(cp *Checkpoint)) {
	cp := s.byTime[t]
	fn(&cp)
	s.Set(t, cp)
}

// Times returns the bucket start times in ascending order.
func (s *Store) Times() []int64 {
	out := make([]int64, len(s.times))
	copy(out, s.times)
	return out
}

// Len returns the number of touched buckets.
func (s *Store) Len() int { return len(s.times) }

// Range calls fn for each checkpoint in ascending time order, stopping if
// fn returns false.
func (s *Store) Range(fn func(t int64, cp Checkpoint) bool) {
	for _, t := range s.times {
		if !fn(t, s.byTime[t]) {
			return
		}
	}
}

// Clone returns a deep copy of the store. Used by pricing paths that need
// to simulate state without touching the live ledger.
func (s *Store) Clone() *Store {
	out := &Store{
		byTime: make(map[int64]Checkpoint, len(s.byTime)),
		times:  make([]int64, len(s.times)),
	}
	copy(out.times, s.times)
	for t, cp := range s.byTime {
		out.byTime[t] = cp
	}
	return out
}
