// Package scheduler implements a thread-aware greedy transaction scheduler:
// it drains a priority-ordered container of pending transactions into N
// worker batches, never letting two threads hold conflicting account locks
// at once, and flushes batches either by size or whenever a transaction's
// accounts conflict with the current working set.
package scheduler

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/common/prque"
	"github.com/paladin-labs/paladin-core/core/types"
	"github.com/paladin-labs/paladin-core/log"
)

// DefaultMaxComputeUnitsPerSlot is the per-slot compute budget divided by N
// to get the per-thread compute-unit budget.
const DefaultMaxComputeUnitsPerSlot = 48_000_000

// DefaultBatchSize is the target number of transactions per dispatched batch.
const DefaultBatchSize = 64

// HardScheduledCap is the per-call hard stop on scheduled transactions.
const HardScheduledCap = 100_000

var logger = log.New("pkg", "scheduler")

// PreGraphFilter is applied to popped transactions before any lock
// resolution, writing a keep/discard verdict per transaction into mask.
// Reserved for cost-model style pre-checks; nil means keep everything.
type PreGraphFilter func(batch []*types.Transaction, mask []bool)

// PreLockFilter is applied to each candidate transaction before lock
// resolution; rejecting transactions are discarded, not retried.
type PreLockFilter func(tx *types.Transaction) bool

// Batch is the set of transactions dispatched to one worker thread in one
// flush.
type Batch struct {
	ThreadID     int
	BatchID      uint64
	Transactions []*types.Transaction
	ComputeUnits uint64
}

// Summary is the per-call result of a scheduling pass.
type Summary struct {
	NumScheduled    int
	NumUnschedulable int
	NumFiltered     int
	FilterTimeMicros int64
}

// Completion is one entry handed to ReceiveCompleted: the outcome of a
// previously dispatched batch.
type Completion struct {
	BatchID          uint64
	ThreadID         int
	Transactions     []*types.Transaction
	RetryableIndices map[int]struct{}
}

// threadAccountState tracks, per account key, which thread(s) currently hold
// a lock on it: at most one writer, or any number of readers.
type threadAccountState struct {
	writer      int // -1 means none
	readers     mapset.Set[int]
}

func newThreadAccountState() *threadAccountState {
	return &threadAccountState{writer: -1, readers: mapset.NewSet[int]()}
}

// Scheduler owns the thread-aware account-lock registry and per-thread
// in-flight bookkeeping.
type Scheduler struct {
	numThreads   int
	maxCUPerThread uint64
	batchSize    int

	accounts map[common.AccountKey]*threadAccountState

	inFlightCU    []uint64
	inFlightCount []uint64

	nextBatchID uint64
	batchThread map[uint64]int

	dispatch func(Batch)
}

// New constructs a Scheduler for numThreads workers, with the given per-slot
// compute budget (DefaultMaxComputeUnitsPerSlot if zero) and target batch
// size (DefaultBatchSize if zero). dispatch is invoked once per flushed
// batch, in scheduling order.
func New(numThreads int, maxComputeUnitsPerSlot uint64, batchSize int, dispatch func(Batch)) *Scheduler {
	if numThreads <= 0 {
		numThreads = 1
	}
	if maxComputeUnitsPerSlot == 0 {
		maxComputeUnitsPerSlot = DefaultMaxComputeUnitsPerSlot
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Scheduler{
		numThreads:     numThreads,
		maxCUPerThread: maxComputeUnitsPerSlot / uint64(numThreads),
		batchSize:      batchSize,
		accounts:       make(map[common.AccountKey]*threadAccountState),
		inFlightCU:     make([]uint64, numThreads),
		inFlightCount:  make([]uint64, numThreads),
		batchThread:    make(map[uint64]int),
		dispatch:       dispatch,
	}
}

// workingSet accumulates the accounts touched by the current run of batches
// since the last flush, so a newly popped transaction can be checked for
// conflict against everything already queued for dispatch.
type workingSet struct {
	writes map[common.AccountKey]struct{}
	reads  map[common.AccountKey]struct{}
}

func newWorkingSet() *workingSet {
	return &workingSet{writes: map[common.AccountKey]struct{}{}, reads: map[common.AccountKey]struct{}{}}
}

func (w *workingSet) conflicts(tx *types.Transaction) bool {
	for _, k := range tx.WritableAccounts() {
		if _, ok := w.writes[k]; ok {
			return true
		}
		if _, ok := w.reads[k]; ok {
			return true
		}
	}
	for _, k := range tx.ReadableAccounts() {
		if _, ok := w.writes[k]; ok {
			return true
		}
	}
	return false
}

func (w *workingSet) add(tx *types.Transaction) {
	for _, k := range tx.WritableAccounts() {
		w.writes[k] = struct{}{}
	}
	for _, k := range tx.ReadableAccounts() {
		w.reads[k] = struct{}{}
	}
}

// pendingBatch is one thread's not-yet-flushed working batch.
type pendingBatch struct {
	txs []*types.Transaction
	cu  uint64
}

// Schedule runs one greedy scheduling pass over c.
// Either filter may be nil, meaning every transaction passes it.
func (s *Scheduler) Schedule(c *prque.Prque[int64, *types.Transaction], preGraphFilter PreGraphFilter, preLockFilter PreLockFilter) Summary {
	if c.Empty() {
		return Summary{}
	}
	filterStart := time.Now()

	schedulable := mapset.NewSet[int]()
	for t := 0; t < s.numThreads; t++ {
		if s.inFlightCU[t] < s.maxCUPerThread {
			schedulable.Add(t)
		}
	}
	if schedulable.Cardinality() == 0 {
		return Summary{}
	}

	pending := make([]pendingBatch, s.numThreads)
	ws := newWorkingSet()

	flushThread := func(t int) {
		if len(pending[t].txs) == 0 {
			return
		}
		id := s.nextBatchID
		s.nextBatchID++
		s.batchThread[id] = t
		batch := Batch{ThreadID: t, BatchID: id, Transactions: pending[t].txs, ComputeUnits: pending[t].cu}
		s.inFlightCU[t] += pending[t].cu
		s.inFlightCount[t] += uint64(len(pending[t].txs))
		pending[t] = pendingBatch{}
		if s.dispatch != nil {
			s.dispatch(batch)
		}
	}
	flushAll := func() {
		for t := 0; t < s.numThreads; t++ {
			flushThread(t)
		}
		*ws = *newWorkingSet()
	}

	var summary Summary

	for !c.Empty() && summary.NumScheduled < HardScheduledCap {
		if schedulable.Cardinality() == 0 {
			break
		}
		tx, _ := c.Peek()

		if ws.conflicts(tx) {
			flushAll()
			continue
		}

		c.Pop()

		if preGraphFilter != nil {
			mask := []bool{true}
			preGraphFilter([]*types.Transaction{tx}, mask)
			if !mask[0] {
				summary.NumFiltered++
				continue
			}
		}
		if preLockFilter != nil && !preLockFilter(tx) {
			summary.NumFiltered++
			continue
		}

		if tx.ComputeUnits() > s.maxCUPerThread {
			// Unschedulable on every thread by construction; re-queuing it
			// would spin forever, so it is discarded as permanently
			// unschedulable rather than blocking the whole pass.
			summary.NumUnschedulable++
			continue
		}

		candidates, unschedulable := s.candidateThreads(tx, schedulable)
		if unschedulable {
			c.Push(tx, int64(tx.Priority()))
			summary.NumUnschedulable++
			break
		}

		t := chooseThread(candidates, s.inFlightCU, s.inFlightCount, pending)

		s.lockAccounts(tx, t)
		pending[t].txs = append(pending[t].txs, tx)
		pending[t].cu += tx.ComputeUnits()
		ws.add(tx)
		summary.NumScheduled++

		if len(pending[t].txs) >= s.batchSize {
			flushThread(t)
		}
		if s.inFlightCU[t]+pending[t].cu >= s.maxCUPerThread {
			schedulable.Remove(t)
		}
	}

	flushAll()
	summary.FilterTimeMicros = time.Since(filterStart).Microseconds()
	logger.Debug("schedule pass complete", "scheduled", summary.NumScheduled, "unschedulable", summary.NumUnschedulable, "filtered", summary.NumFiltered)
	return summary
}

// candidateThreads computes the per-key candidate-thread resolution: write
// keys narrow to the single holding thread (or fail if
// held by reads on more than one thread); read keys narrow to the single
// write-holder if any. The intersection of every key's candidate set,
// further intersected with schedulable, is the transaction's feasible
// thread set.
func (s *Scheduler) candidateThreads(tx *types.Transaction, schedulable mapset.Set[int]) (mapset.Set[int], bool) {
	var candidates mapset.Set[int]
	intersect := func(c mapset.Set[int]) bool {
		if candidates == nil {
			candidates = c
		} else {
			candidates = candidates.Intersect(c)
		}
		return candidates.Cardinality() == 0
	}

	for _, k := range tx.WritableAccounts() {
		st, ok := s.accounts[k]
		if !ok {
			continue
		}
		if st.writer >= 0 {
			if intersect(mapset.NewSet(st.writer)) {
				return nil, true
			}
			continue
		}
		if st.readers.Cardinality() > 1 {
			return nil, true
		}
		if st.readers.Cardinality() == 1 {
			if intersect(mapset.NewSet(st.readers.ToSlice()[0])) {
				return nil, true
			}
		}
	}
	for _, k := range tx.ReadableAccounts() {
		st, ok := s.accounts[k]
		if !ok || st.writer < 0 {
			continue
		}
		if intersect(mapset.NewSet(st.writer)) {
			return nil, true
		}
	}

	if candidates == nil {
		candidates = schedulable.Clone()
	} else {
		candidates = candidates.Intersect(schedulable)
	}
	if candidates.Cardinality() == 0 {
		return nil, true
	}
	return candidates, false
}

// chooseThread applies the scheduler's tie-break: the candidate minimizing
// (in_flight_cu+batch_cu, in_flight_count+batch_count) lexicographically,
// with the lowest thread index winning ties.
func chooseThread(candidates mapset.Set[int], inFlightCU, inFlightCount []uint64, pending []pendingBatch) int {
	ordered := candidates.ToSlice()
	sort.Ints(ordered)
	best := ordered[0]
	bestCU := inFlightCU[best] + pending[best].cu
	bestCount := inFlightCount[best] + uint64(len(pending[best].txs))
	for _, t := range ordered[1:] {
		cu := inFlightCU[t] + pending[t].cu
		count := inFlightCount[t] + uint64(len(pending[t].txs))
		if cu < bestCU || (cu == bestCU && count < bestCount) {
			best, bestCU, bestCount = t, cu, count
		}
	}
	return best
}

// lockAccounts records tx's write/read locks against thread t.
func (s *Scheduler) lockAccounts(tx *types.Transaction, t int) {
	for _, k := range tx.WritableAccounts() {
		st, ok := s.accounts[k]
		if !ok {
			st = newThreadAccountState()
			s.accounts[k] = st
		}
		st.writer = t
	}
	for _, k := range tx.ReadableAccounts() {
		st, ok := s.accounts[k]
		if !ok {
			st = newThreadAccountState()
			s.accounts[k] = st
		}
		st.readers.Add(t)
	}
}

// unlockAccounts releases tx's locks previously recorded against thread t.
func (s *Scheduler) unlockAccounts(tx *types.Transaction, t int) {
	for _, k := range tx.WritableAccounts() {
		if st, ok := s.accounts[k]; ok && st.writer == t {
			st.writer = -1
			if st.readers.Cardinality() == 0 {
				delete(s.accounts, k)
			}
		}
	}
	for _, k := range tx.ReadableAccounts() {
		if st, ok := s.accounts[k]; ok {
			st.readers.Remove(t)
			if st.writer < 0 && st.readers.Cardinality() == 0 {
				delete(s.accounts, k)
			}
		}
	}
}

// ReceiveCompleted non-blockingly drains completions, releasing each
// transaction's locks against its batch's recorded thread and re-inserting
// retryable ones into c.
func (s *Scheduler) ReceiveCompleted(completions <-chan Completion, c *prque.Prque[int64, *types.Transaction]) int {
	drained := 0
	for {
		select {
		case comp, ok := <-completions:
			if !ok {
				return drained
			}
			s.applyCompletion(comp, c)
			drained++
		default:
			return drained
		}
	}
}

func (s *Scheduler) applyCompletion(comp Completion, c *prque.Prque[int64, *types.Transaction]) {
	t, ok := s.batchThread[comp.BatchID]
	if !ok {
		t = comp.ThreadID
	} else {
		delete(s.batchThread, comp.BatchID)
	}

	var releasedCU uint64
	for i, tx := range comp.Transactions {
		s.unlockAccounts(tx, t)
		releasedCU += tx.ComputeUnits()
		if _, retryable := comp.RetryableIndices[i]; retryable {
			c.Push(tx, int64(tx.Priority()))
		}
	}
	if s.inFlightCU[t] >= releasedCU {
		s.inFlightCU[t] -= releasedCU
	} else {
		s.inFlightCU[t] = 0
	}
	n := uint64(len(comp.Transactions))
	if s.inFlightCount[t] >= n {
		s.inFlightCount[t] -= n
	} else {
		s.inFlightCount[t] = 0
	}
}
