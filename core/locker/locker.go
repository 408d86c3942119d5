// Package locker implements the bundle account locker: the shared
// pre-locking registry that reserves every account a multi-transaction
// atomic bundle may touch, so concurrent regular-transaction execution
// cannot race it.
//
// The registry is modeled as go-ethereum models its other process-wide
// shared structures (e.g. the blob pool's account index): one owned
// structure behind narrow, short-held critical sections, sharded here by
// account key (via common.ShardFor, itself xxhash-backed like
// VictoriaMetrics/fastcache's internal bucket selection) to reduce
// contention beyond a single global mutex. Every invariant is stated per
// account key, so sharding by key cannot violate them: two bundles whose
// keys land in different shards never contend, and two bundles sharing a
// key always serialize through that key's shard lock.
package locker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/core/types"
)

// numShards is the number of account-key shards the registry's maps are
// split across. Must be a power of two (see common.ShardFor).
const numShards = 64

// LockFailure is returned by PrepareLockedBundle when a transaction in the
// bundle fails account-limit validation.
type LockFailure struct {
	BundleID string
	Err      error
}

func (e *LockFailure) Error() string {
	return fmt.Sprintf("locker: bundle %s failed account-limit validation: %v", e.BundleID, e.Err)
}
func (e *LockFailure) Unwrap() error { return e.Err }

// ErrExclusivityConflict is returned by TryMakeExclusive when another bundle
// already holds a conflicting lock. Callers retry or drop
// the bundle; it is a transient condition, not a programmer error.
var ErrExclusivityConflict = errors.New("locker: conflicts with another executing bundle")

// AccountLimitValidator is the external collaborator that performs
// account-limit validation — e.g. checking a transaction's account list
// against the chain's current account-lock budget. A nil validator means
// every transaction passes (used in tests and for regular ingress paths
// that validate earlier).
type AccountLimitValidator interface {
	ValidateAccountLimits(tx *types.Transaction) error
}

// holder records the exclusivity state of a single account key: either a
// write lock, or a read lock held by n readers.
type holder struct {
	write     bool
	readCount uint64
}

type shard struct {
	mu            sync.Mutex
	readInterest  map[common.AccountKey]uint64
	writeInterest map[common.AccountKey]uint64
	exclusive     map[common.AccountKey]holder
}

func newShard() *shard {
	return &shard{
		readInterest:  make(map[common.AccountKey]uint64),
		writeInterest: make(map[common.AccountKey]uint64),
		exclusive:     make(map[common.AccountKey]holder),
	}
}

// BundleLocker is the process-wide account-lock registry. The
// zero value is not usable; construct with New.
type BundleLocker struct {
	shards [numShards]*shard
}

// New constructs an empty BundleLocker.
func New() *BundleLocker {
	l := &BundleLocker{}
	for i := range l.shards {
		l.shards[i] = newShard()
	}
	return l
}

func (l *BundleLocker) shardFor(k common.AccountKey) *shard {
	return l.shards[common.ShardFor(k, numShards)]
}

// shardIndices returns the distinct shard indices touched by keys, sorted
// ascending so callers can lock them in a fixed global order and avoid
// deadlocks against concurrent multi-shard operations.
func shardIndices(keys map[common.AccountKey]uint64) []int {
	seen := make(map[int]struct{}, len(keys))
	for k := range keys {
		seen[common.ShardFor(k, numShards)] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (l *BundleLocker) lockShards(indices []int) {
	for _, i := range indices {
		l.shards[i].mu.Lock()
	}
}

func (l *BundleLocker) unlockShards(indices []int) {
	for _, i := range indices {
		l.shards[i].mu.Unlock()
	}
}

// LockedBundle is the guard returned by PrepareLockedBundle. It holds the
// bundle's precomputed read/write account multiplicities so that release
// never needs to re-derive them from the (possibly already-dropped)
// sanitized bundle: the sanitized bundle and its LockedBundle are kept as
// independent, procedurally-coupled entries rather than a self-referential
// struct.
type LockedBundle struct {
	locker *BundleLocker

	bundleID          string
	writeMultiplicity map[common.AccountKey]uint64
	readMultiplicity  map[common.AccountKey]uint64

	mu             sync.Mutex
	attempted      bool
	exclusiveHeld  bool
	released       bool
}

// BundleID returns the bundle_id this guard was prepared for.
func (g *LockedBundle) BundleID() string { return g.bundleID }

// ExclusiveHeld reports whether this guard currently holds exclusivity.
// Callers re-entering a bundle's execution window (e.g. a re-buffered
// bundle being consumed again) use it to avoid a second TryMakeExclusive.
func (g *LockedBundle) ExclusiveHeld() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exclusiveHeld
}

// PrepareLockedBundle computes the bundle's read/write account
// multiplicities and increments the registry's interest counters for them.
// It fails only if a transaction fails account-limit validation.
func (l *BundleLocker) PrepareLockedBundle(bundle *types.Bundle, validator AccountLimitValidator) (*LockedBundle, error) {
	writeMul := make(map[common.AccountKey]uint64)
	readMul := make(map[common.AccountKey]uint64)

	for _, tx := range bundle.Transactions() {
		if validator != nil {
			if err := validator.ValidateAccountLimits(tx); err != nil {
				return nil, &LockFailure{BundleID: bundle.ID(), Err: err}
			}
		}
		for _, k := range tx.WritableAccounts() {
			writeMul[k]++
		}
		for _, k := range tx.ReadableAccounts() {
			readMul[k]++
		}
	}

	all := make(map[common.AccountKey]uint64, len(writeMul)+len(readMul))
	for k := range writeMul {
		all[k] = 0
	}
	for k := range readMul {
		all[k] = 0
	}
	indices := shardIndices(all)
	l.lockShards(indices)
	for k, n := range writeMul {
		s := l.shardFor(k)
		s.writeInterest[k] += n
	}
	for k, n := range readMul {
		s := l.shardFor(k)
		s.readInterest[k] += n
	}
	l.unlockShards(indices)

	return &LockedBundle{
		locker:            l,
		bundleID:          bundle.ID(),
		writeMultiplicity: writeMul,
		readMultiplicity:  readMul,
	}, nil
}

// writeKeys returns this bundle's distinct written accounts.
func (g *LockedBundle) writeKeys() map[common.AccountKey]uint64 { return g.writeMultiplicity }

// readKeysExclWrite returns this bundle's distinct read-only accounts,
// excluding any account also written by the bundle: write dominates when
// an account appears in both sets.
func (g *LockedBundle) readKeysExclWrite() map[common.AccountKey]uint64 {
	out := make(map[common.AccountKey]uint64, len(g.readMultiplicity))
	for k, n := range g.readMultiplicity {
		if _, isWrite := g.writeMultiplicity[k]; isWrite {
			continue
		}
		out[k] = n
	}
	return out
}

// TryMakeExclusive attempts to transition this bundle's interest into
// actually-held locks. It is exactly-once per guard; a second call is a
// programmer error and panics.
func (g *LockedBundle) TryMakeExclusive() error {
	g.mu.Lock()
	if g.attempted {
		g.mu.Unlock()
		panic("locker: TryMakeExclusive called more than once on the same LockedBundle")
	}
	g.attempted = true
	g.mu.Unlock()

	writeKeys := g.writeKeys()
	readKeys := g.readKeysExclWrite()

	all := make(map[common.AccountKey]uint64, len(writeKeys)+len(readKeys))
	for k := range writeKeys {
		all[k] = 0
	}
	for k := range readKeys {
		all[k] = 0
	}
	indices := shardIndices(all)
	g.locker.lockShards(indices)
	defer g.locker.unlockShards(indices)

	for k := range writeKeys {
		if _, held := g.locker.shardFor(k).exclusive[k]; held {
			return ErrExclusivityConflict
		}
	}
	for k := range readKeys {
		if h, held := g.locker.shardFor(k).exclusive[k]; held && h.write {
			return ErrExclusivityConflict
		}
	}

	for k := range writeKeys {
		g.locker.shardFor(k).exclusive[k] = holder{write: true}
	}
	for k := range readKeys {
		s := g.locker.shardFor(k)
		h := s.exclusive[k]
		h.readCount++
		s.exclusive[k] = h
	}

	g.mu.Lock()
	g.exclusiveHeld = true
	g.mu.Unlock()
	return nil
}

// Release releases any held exclusivity and decrements interest counters.
// It is the Go stand-in for RAII drop semantics: callers (the Paladin loop)
// must call it exactly once, when the bundle is dropped from the buffered
// set or finally committed/rejected. A second call is a programmer error
// and panics.
func (g *LockedBundle) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		panic("locker: Release called more than once on the same LockedBundle")
	}
	g.released = true
	exclusiveHeld := g.exclusiveHeld
	g.mu.Unlock()

	writeKeys := g.writeKeys()
	readKeys := g.readKeysExclWrite()

	all := make(map[common.AccountKey]uint64, len(g.writeMultiplicity)+len(g.readMultiplicity))
	for k := range g.writeMultiplicity {
		all[k] = 0
	}
	for k := range g.readMultiplicity {
		all[k] = 0
	}
	indices := shardIndices(all)
	g.locker.lockShards(indices)

	if exclusiveHeld {
		for k := range writeKeys {
			delete(g.locker.shardFor(k).exclusive, k)
		}
		for k := range readKeys {
			s := g.locker.shardFor(k)
			h, ok := s.exclusive[k]
			if !ok {
				continue
			}
			if h.readCount <= 1 {
				delete(s.exclusive, k)
			} else {
				h.readCount--
				s.exclusive[k] = h
			}
		}
	}

	for k, n := range g.writeMultiplicity {
		s := g.locker.shardFor(k)
		if s.writeInterest[k] <= n {
			delete(s.writeInterest, k)
		} else {
			s.writeInterest[k] -= n
		}
	}
	for k, n := range g.readMultiplicity {
		s := g.locker.shardFor(k)
		if s.readInterest[k] <= n {
			delete(s.readInterest, k)
		} else {
			s.readInterest[k] -= n
		}
	}

	g.locker.unlockShards(indices)
}

// ReadLocks returns a snapshot of every account key with nonzero
// read_interest across the whole registry, used by the regular-transaction
// scheduler to refuse transactions touching bundle territory.
func (l *BundleLocker) ReadLocks() map[common.AccountKey]struct{} {
	out := make(map[common.AccountKey]struct{})
	for _, s := range l.shards {
		s.mu.Lock()
		for k := range s.readInterest {
			out[k] = struct{}{}
		}
		s.mu.Unlock()
	}
	return out
}

// WriteLocks returns a snapshot of every account key with nonzero
// write_interest across the whole registry.
func (l *BundleLocker) WriteLocks() map[common.AccountKey]struct{} {
	out := make(map[common.AccountKey]struct{})
	for _, s := range l.shards {
		s.mu.Lock()
		for k := range s.writeInterest {
			out[k] = struct{}{}
		}
		s.mu.Unlock()
	}
	return out
}

// Snapshot captures the full interest/exclusive state for testing that
// preparing and then dropping a bundle restores the registry to its prior
// state, byte-for-byte.
type Snapshot struct {
	ReadInterest  map[common.AccountKey]uint64
	WriteInterest map[common.AccountKey]uint64
	Exclusive     map[common.AccountKey]bool // true = write, false = read
}

func (l *BundleLocker) Snapshot() Snapshot {
	snap := Snapshot{
		ReadInterest:  make(map[common.AccountKey]uint64),
		WriteInterest: make(map[common.AccountKey]uint64),
		Exclusive:     make(map[common.AccountKey]bool),
	}
	for _, s := range l.shards {
		s.mu.Lock()
		for k, v := range s.readInterest {
			snap.ReadInterest[k] = v
		}
		for k, v := range s.writeInterest {
			snap.WriteInterest[k] = v
		}
		for k, h := range s.exclusive {
			snap.Exclusive[k] = h.write
		}
		s.mu.Unlock()
	}
	return snap
}
