// Package execution bridges the thread-aware Scheduler to
// the PaladinLoop's Executor interface: one bundle's
// transactions are pushed through a Scheduler pass, the resulting batches
// are handed to an Applier (the actual execution-layer collaborator, out
// of scope), and the outcomes are fed back so the
// Scheduler's account-lock bookkeeping stays accurate across bundles.
package execution

import (
	"context"
	"sync"

	"github.com/paladin-labs/paladin-core/common/prque"
	"github.com/paladin-labs/paladin-core/core/paladin"
	"github.com/paladin-labs/paladin-core/core/scheduler"
	"github.com/paladin-labs/paladin-core/core/types"
)

// Applier runs one transaction against bank and reports whether it
// committed. Real execution (account debits, program invocation, ledger
// writes) is an external collaborator; this core only sequences calls to
// it under the scheduler's lock discipline.
type Applier interface {
	Apply(ctx context.Context, tx *types.Transaction, bank paladin.BankStart) bool
}

// SchedulingExecutor adapts a Scheduler into a paladin.Executor, running
// every bundle through its own scheduling pass so a bundle's transactions
// never cross threads with conflicting locks relative to whatever else is
// in flight.
type SchedulingExecutor struct {
	sched   *scheduler.Scheduler
	applier Applier

	mu      sync.Mutex
	batches []scheduler.Batch
}

// New constructs a SchedulingExecutor. numThreads, maxComputeUnitsPerSlot
// and batchSize are forwarded to scheduler.New.
func New(numThreads int, maxComputeUnitsPerSlot uint64, batchSize int, applier Applier) *SchedulingExecutor {
	e := &SchedulingExecutor{applier: applier}
	e.sched = scheduler.New(numThreads, maxComputeUnitsPerSlot, batchSize, e.collect)
	return e
}

func (e *SchedulingExecutor) collect(b scheduler.Batch) {
	e.mu.Lock()
	e.batches = append(e.batches, b)
	e.mu.Unlock()
}

// ExecuteBundle implements paladin.Executor. It schedules the bundle's
// transactions, applies each scheduled batch in turn, and reports the
// bundle committed only if every transaction in it was scheduled and
// applied successfully.
func (e *SchedulingExecutor) ExecuteBundle(ctx context.Context, bundle *types.Bundle, bank paladin.BankStart) (bool, error) {
	e.mu.Lock()
	e.batches = e.batches[:0]
	e.mu.Unlock()

	container := prque.New[int64, *types.Transaction](nil)
	for _, tx := range bundle.Transactions() {
		container.Push(tx, int64(tx.Priority()))
	}

	summary := e.sched.Schedule(container, nil, nil)

	e.mu.Lock()
	batches := e.batches
	e.batches = nil
	e.mu.Unlock()

	// A non-empty container means the pass stopped early (thread budgets
	// exhausted) with transactions still pending. The bundle is atomic: a
	// partial schedule cannot execute, but any batch that did get
	// dispatched still holds scheduler locks.
	if summary.NumUnschedulable > 0 || summary.NumFiltered > 0 || !container.Empty() {
		for _, batch := range batches {
			e.releaseBatch(batch, nil)
		}
		return false, nil
	}

	committed := true
	for bi, batch := range batches {
		retryable := make(map[int]struct{})
		for i, tx := range batch.Transactions {
			if ctx.Err() != nil {
				e.releaseBatch(batch, retryable)
				for _, rest := range batches[bi+1:] {
					e.releaseBatch(rest, nil)
				}
				return false, nil
			}
			if !e.applier.Apply(ctx, tx, bank) {
				retryable[i] = struct{}{}
				committed = false
			}
		}
		e.releaseBatch(batch, retryable)
	}
	return committed, nil
}

// releaseBatch feeds one batch's outcome back into the Scheduler so its
// per-thread account locks and in-flight accounting are released.
func (e *SchedulingExecutor) releaseBatch(batch scheduler.Batch, retryable map[int]struct{}) {
	completions := make(chan scheduler.Completion, 1)
	completions <- scheduler.Completion{
		BatchID:          batch.BatchID,
		ThreadID:         batch.ThreadID,
		Transactions:     batch.Transactions,
		RetryableIndices: retryable,
	}
	close(completions)
	scratch := prque.New[int64, *types.Transaction](nil)
	e.sched.ReceiveCompleted(completions, scratch)
}
