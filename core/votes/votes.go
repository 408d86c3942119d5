// Package votes implements the "keep only the newest vote" cache: one slot
// per validator, replaced only by a fresher vote (or, under replenish, by an
// equally fresh one once the held packet has been taken), with
// stake-weighted draining/forwarding and an outer/inner rwlock split
// modeled on the sharded-map approach used throughout this module (see
// core/locker for the same pattern applied to account locks).
package votes

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/event"
)

// Source distinguishes gossip-propagated votes (always considered
// forwarded, since gossip itself is the forwarding mechanism) from
// TPU-ingested ones.
type Source uint8

const (
	SourceTPU Source = iota
	SourceGossip
)

const numShards = 16

// VoteUpdate is a single incoming vote observation.
type VoteUpdate struct {
	Validator common.AccountKey
	Slot      uint64
	Timestamp *int64 // nil means no timestamp, ordered before any set one
	Packet    []byte
	Source    Source
}

// voteEntry is the per-validator cache slot, with its own reader-writer
// lock so that one validator's update never blocks another's.
type voteEntry struct {
	mu        sync.RWMutex
	slot      uint64
	timestamp *int64
	packet    []byte // nil means "taken"
	forwarded bool
	source    Source
}

type voteShard struct {
	mu sync.RWMutex
	m  map[common.AccountKey]*voteEntry
}

// StakeTable is the epoch-scoped staked-nodes snapshot cached via
// CacheEpochBoundaryInfo.
type StakeTable struct {
	Epoch        uint64
	Stake        map[common.AccountKey]uint64
	FeatureFlags map[string]bool
}

// ChainView is the external collaborator supplying epoch/stake data.
type ChainView interface {
	CurrentEpoch() uint64
	StakedNodes(epoch uint64) map[common.AccountKey]uint64
	FeatureFlags(epoch uint64) map[string]bool
}

// ForwardAccumulator is the external "out_accumulator" collaborator that
// forwarded vote packets are handed to.
type ForwardAccumulator interface {
	TryAdd(validator common.AccountKey, packet []byte) bool
}

// LatestVotes is the per-validator latest-vote cache.
type LatestVotes struct {
	shards    [numShards]*voteShard
	stake     atomic.Pointer[StakeTable]
	unprocd   atomic.Int64
	rngMu     sync.Mutex
	rng       *rand.Rand
	epochFeed event.Feed
}

// New constructs an empty LatestVotes cache.
func New() *LatestVotes {
	l := &LatestVotes{rng: rand.New(rand.NewSource(1))}
	for i := range l.shards {
		l.shards[i] = &voteShard{m: make(map[common.AccountKey]*voteEntry)}
	}
	l.stake.Store(&StakeTable{Stake: map[common.AccountKey]uint64{}, FeatureFlags: map[string]bool{}})
	return l
}

// SetRandSource overrides the random source used for stake-weighted
// ordering, for deterministic tests.
func (l *LatestVotes) SetRandSource(r *rand.Rand) {
	l.rngMu.Lock()
	l.rng = r
	l.rngMu.Unlock()
}

func (l *LatestVotes) shardFor(v common.AccountKey) *voteShard {
	return l.shards[common.ShardFor(v, numShards)]
}

func (l *LatestVotes) stakeOf(v common.AccountKey) uint64 {
	return l.stake.Load().Stake[v]
}

// UnprocessedCount is the atomic counter of entries currently holding a
// not-yet-taken packet.
func (l *LatestVotes) UnprocessedCount() int64 { return l.unprocd.Load() }

// tsLess implements "None < Some(_)" with Some values compared numerically.
func tsLess(a, b *int64) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return *a < *b
}

func tsEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// shouldReplace implements the replacement ordering rule: vote B (the
// incoming update) replaces vote A (the current entry) iff
//
//	(B.slot > A.slot) ||
//	(B.slot = A.slot && B.ts > A.ts) ||
//	(B.slot = A.slot && B.ts = A.ts && replenish && A.is_taken)
func shouldReplace(b VoteUpdate, a *voteEntry, replenish bool) bool {
	if b.Slot > a.slot {
		return true
	}
	if b.Slot < a.slot {
		return false
	}
	if tsLess(a.timestamp, b.Timestamp) {
		return true
	}
	if !tsEqual(a.timestamp, b.Timestamp) {
		return false
	}
	return replenish && a.packet == nil
}

// InsertBatch filters out zero-stake validators and applies each update
// under its own entry's fine-grained lock.
func (l *LatestVotes) InsertBatch(updates []VoteUpdate, replenish bool) {
	for _, u := range updates {
		if l.stakeOf(u.Validator) == 0 {
			continue
		}
		l.UpdateLatestVote(u, replenish)
	}
}

// UpdateLatestVote applies a single vote update with double-checked
// locking: an optimistic read-locked check, then a write-locked re-check
// against the same ordering rule. Absent entries are inserted under a
// brief shard-level write lock.
func (l *LatestVotes) UpdateLatestVote(u VoteUpdate, replenish bool) bool {
	sh := l.shardFor(u.Validator)

	sh.mu.RLock()
	entry, ok := sh.m[u.Validator]
	sh.mu.RUnlock()

	if !ok {
		sh.mu.Lock()
		entry, ok = sh.m[u.Validator]
		if !ok {
			entry = &voteEntry{}
			sh.m[u.Validator] = entry
		}
		sh.mu.Unlock()
	}

	entry.mu.RLock()
	optimistic := shouldReplace(u, entry, replenish)
	entry.mu.RUnlock()
	if !optimistic {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !shouldReplace(u, entry, replenish) {
		return false
	}
	wasTaken := entry.packet == nil
	entry.slot = u.Slot
	entry.timestamp = u.Timestamp
	entry.packet = u.Packet
	entry.source = u.Source
	if u.Source == SourceGossip {
		entry.forwarded = true
	} else {
		entry.forwarded = false
	}
	if wasTaken && entry.packet != nil {
		l.unprocd.Add(1)
	} else if !wasTaken && entry.packet == nil {
		l.unprocd.Add(-1)
	}
	return true
}

// weighted is one entry's key for Efraimidis-Spirakis stake-weighted
// sampling without replacement.
type weighted struct {
	validator common.AccountKey
	entry     *voteEntry
	key       float64
}

// stakeWeightedOrder returns every validator currently present in the
// cache, ordered by the Efraimidis-Spirakis draw: for stake s, draw u
// uniform in (0,1], key = u^(1/s), ascending sort (smallest key first ==
// "drawn first").
func (l *LatestVotes) stakeWeightedOrder() []weighted {
	var all []weighted
	for _, sh := range l.shards {
		sh.mu.RLock()
		for v, e := range sh.m {
			all = append(all, weighted{validator: v, entry: e})
		}
		sh.mu.RUnlock()
	}

	l.rngMu.Lock()
	defer l.rngMu.Unlock()
	for i := range all {
		stake := l.stakeOf(all[i].validator)
		if stake == 0 {
			all[i].key = math.Inf(1)
			continue
		}
		u := l.rng.Float64()
		if u <= 0 {
			u = math.SmallestNonzeroFloat64
		}
		all[i].key = math.Pow(u, 1/float64(stake))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	return all
}

// GetAndInsertForwardablePackets walks validators in stake-weighted random
// order and offers each non-taken, non-forwarded entry's packet to out. It
// stops at the first rejection, matching the regular-transaction
// forwarding discipline. Zero-stake validators never appear (stakeOf
// returns 0 and they are skipped by construction of the cache's
// membership, but the check is repeated defensively here).
func (l *LatestVotes) GetAndInsertForwardablePackets(_ ChainView, out ForwardAccumulator) {
	for _, w := range l.stakeWeightedOrder() {
		if l.stakeOf(w.validator) == 0 {
			continue
		}
		w.entry.mu.RLock()
		packet := w.entry.packet
		forwarded := w.entry.forwarded
		w.entry.mu.RUnlock()
		if packet == nil || forwarded {
			continue
		}
		if !out.TryAdd(w.validator, packet) {
			return
		}
		w.entry.mu.Lock()
		w.entry.forwarded = true
		w.entry.mu.Unlock()
	}
}

// DrainUnprocessed takes every entry's packet, in stake-weighted order, and
// returns them.
func (l *LatestVotes) DrainUnprocessed() [][]byte {
	var out [][]byte
	for _, w := range l.stakeWeightedOrder() {
		w.entry.mu.Lock()
		p := w.entry.packet
		w.entry.packet = nil
		w.entry.mu.Unlock()
		if p != nil {
			l.unprocd.Add(-1)
			out = append(out, p)
		}
	}
	return out
}

// ClearForwardedPackets drops (takes and discards) the packet of every
// entry already marked forwarded.
func (l *LatestVotes) ClearForwardedPackets() {
	for _, sh := range l.shards {
		sh.mu.RLock()
		entries := make([]*voteEntry, 0, len(sh.m))
		for _, e := range sh.m {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
		for _, e := range entries {
			e.mu.Lock()
			if e.forwarded && e.packet != nil {
				e.packet = nil
				l.unprocd.Add(-1)
			}
			e.mu.Unlock()
		}
	}
}

// CacheEpochBoundaryInfo atomically swaps in the new staked-nodes map and
// feature-flag set once the chain's epoch has advanced past the cached
// one, then notifies epoch-boundary subscribers.
func (l *LatestVotes) CacheEpochBoundaryInfo(cv ChainView) {
	epoch := cv.CurrentEpoch()
	if epoch <= l.stake.Load().Epoch {
		return
	}
	table := &StakeTable{
		Epoch:        epoch,
		Stake:        cv.StakedNodes(epoch),
		FeatureFlags: cv.FeatureFlags(epoch),
	}
	l.stake.Store(table)
	l.epochFeed.Send(table)
}

// SubscribeEpochBoundary delivers the new StakeTable on ch every time
// CacheEpochBoundaryInfo swaps epochs. The send happens off the vote
// update hot path.
func (l *LatestVotes) SubscribeEpochBoundary(ch chan<- *StakeTable) (event.Subscription, error) {
	return l.epochFeed.Subscribe(ch)
}

// Get returns the current cached entry for a validator, for tests and
// diagnostics.
func (l *LatestVotes) Get(v common.AccountKey) (slot uint64, ts *int64, taken bool, ok bool) {
	sh := l.shardFor(v)
	sh.mu.RLock()
	e, found := sh.m[v]
	sh.mu.RUnlock()
	if !found {
		return 0, nil, false, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.slot, e.timestamp, e.packet == nil, true
}
