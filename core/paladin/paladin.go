// Package paladin implements the leader-slot bundle consumption loop: it
// ingests bundles from the wire-ingress adapters, deduplicates and
// sanitizes them, pre-locks their accounts via the BundleLocker, asks an
// external DecisionMaker what to do this iteration, and dispatches to
// consume/forward/hold accordingly — always keeping the buffered-bundle
// list and its lock map in lockstep.
package paladin

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/config"
	"github.com/paladin-labs/paladin-core/core/frontrun"
	"github.com/paladin-labs/paladin-core/core/locker"
	"github.com/paladin-labs/paladin-core/core/types"
	"github.com/paladin-labs/paladin-core/log"
	"github.com/paladin-labs/paladin-core/metrics"
)

// MaxBundleRetryDuration is the default per-bundle execution timeout,
// overridable via config.PaladinLoopConfig.
const MaxBundleRetryDuration = 40 * time.Millisecond

// PollIdleTimeout is how long the loop blocks on the ingress channel when
// nothing is buffered.
const PollIdleTimeout = 100 * time.Millisecond

// dedupCacheSize bounds the supplemental LRU of recently-finished bundle
// ids, which catches duplicates arriving after their originals have already
// left the buffered set (the plain buffered-list check alone cannot).
const dedupCacheSize = 8192

var logger = log.New("pkg", "paladin")

// DecisionKind is the verdict an external DecisionMaker returns:
// {Consume, Forward, Hold, ForwardAndHold}.
type DecisionKind uint8

const (
	DecisionHold DecisionKind = iota
	DecisionForward
	DecisionForwardAndHold
	DecisionConsume
)

// BankStart is the accessor on the Consume variant: the external
// leader-schedule oracle's handle on the bank this slot will execute
// against.
type BankStart interface {
	// MaxBlockUnits is the slot's total compute budget; ReservedComputeBps
	// of it is reserved for bundles.
	MaxBlockUnits() uint64
	// Expired reports whether this slot's execution window has already
	// closed, used to stop draining buffered bundles early.
	Expired() bool
}

// Decision is the verdict returned by DecisionMaker.Decide.
type Decision struct {
	Kind      DecisionKind
	BankStart BankStart // only valid when Kind == DecisionConsume
}

// DecisionMaker abstracts the external leader-schedule oracle.
type DecisionMaker interface {
	Decide() Decision
}

// Sanitizer deserializes/validates a raw ingested bundle against the
// current chain view; an external collaborator since
// sanitization semantics belong to the execution layer, not this core.
type Sanitizer interface {
	SanitizeBundle(raw *types.Bundle) (*types.Bundle, error)
}

// Executor runs one bundle's atomic execution against bankStart. A false,
// nil-error result means the bundle didn't finish in time and should be
// retried on a later iteration; a non-nil error means it is permanently
// rejected.
type Executor interface {
	ExecuteBundle(ctx context.Context, bundle *types.Bundle, bank BankStart) (committed bool, err error)
}

// ProgramOwnerResolver looks up the owning program of an account, used to
// check bundles against the forbidden-program blacklist.
type ProgramOwnerResolver interface {
	OwnerOf(account common.AccountKey) (owner common.AccountKey, ok bool)
}

// IngressBatch is one unit of work delivered by an ingress adapter: a
// group of bundles sharing the is_arb flag the wire codecs assign per
// frame.
type IngressBatch struct {
	IsArb   bool
	Bundles []*types.Bundle
}

type bufferedBundle struct {
	bundle *types.Bundle
	guard  *locker.LockedBundle
}

// Metrics bundles the per-iteration counters the periodic metrics
// emission reports for the Paladin loop.
type Metrics struct {
	Consumed         metrics.Counter
	Forwarded        metrics.Counter
	DroppedDuplicate metrics.Counter
	DroppedMalformed metrics.Counter
	DroppedLock      metrics.Counter
	DroppedBlacklist metrics.Counter
	DroppedExecError metrics.Counter
	DroppedFrontRun  metrics.Counter
	Evicted          metrics.Counter
}

func newMetrics(r *metrics.Registry) Metrics {
	return Metrics{
		Consumed:         metrics.NewRegisteredCounter("paladin/consumed", r),
		Forwarded:        metrics.NewRegisteredCounter("paladin/forwarded", r),
		DroppedDuplicate: metrics.NewRegisteredCounter("paladin/dropped_duplicate", r),
		DroppedMalformed: metrics.NewRegisteredCounter("paladin/dropped_malformed", r),
		DroppedLock:      metrics.NewRegisteredCounter("paladin/dropped_lock", r),
		DroppedBlacklist: metrics.NewRegisteredCounter("paladin/dropped_blacklist", r),
		DroppedExecError: metrics.NewRegisteredCounter("paladin/dropped_exec_error", r),
		DroppedFrontRun:  metrics.NewRegisteredCounter("paladin/dropped_front_run", r),
		Evicted:          metrics.NewRegisteredCounter("paladin/evicted_stale_arb", r),
	}
}

// Loop owns the leader-slot control loop. It is single-goroutine by
// design: Run must only ever be called from one goroutine at a time (the
// buffered list and lock map are not otherwise synchronized).
type Loop struct {
	locker    *locker.BundleLocker
	sanitizer Sanitizer
	decider   DecisionMaker
	executor  Executor
	owners    ProgramOwnerResolver
	blacklist map[common.AccountKey]struct{}

	ingress  <-chan IngressBatch
	shutdown *atomic.Bool

	reservedComputeBps   int
	maxBundleRetry       time.Duration

	buffered []string
	lockMap  map[string]bufferedBundle

	dedup    *lru.Cache
	frontRun frontrun.Filter

	Metrics Metrics
}

// Option configures optional Loop behavior.
type Option func(*Loop)

// WithBlacklist sets the forbidden program-ID set and the resolver used to
// check bundle accounts against it.
func WithBlacklist(owners ProgramOwnerResolver, blacklist map[common.AccountKey]struct{}) Option {
	return func(l *Loop) {
		l.owners = owners
		l.blacklist = blacklist
	}
}

// WithProgramOwners sets the owner resolver alone, enabling the
// post-execution front-run classifier without a blacklist.
func WithProgramOwners(owners ProgramOwnerResolver) Option {
	return func(l *Loop) { l.owners = owners }
}

// WithMetricsRegistry overrides the registry new counters are registered
// against (metrics.DefaultRegistry otherwise).
func WithMetricsRegistry(r *metrics.Registry) Option {
	return func(l *Loop) { l.Metrics = newMetrics(r) }
}

// New constructs a Loop. shutdown is the single shared atomic boolean
// used as the cooperative shutdown signal, polled at each loop head.
func New(cfg config.PaladinLoopConfig, bl *locker.BundleLocker, sanitizer Sanitizer, decider DecisionMaker, executor Executor, ingress <-chan IngressBatch, shutdown *atomic.Bool, opts ...Option) *Loop {
	dedup, err := lru.New(dedupCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, a programmer error
	}
	retry := MaxBundleRetryDuration
	if cfg.MaxBundleRetryMillis > 0 {
		retry = time.Duration(cfg.MaxBundleRetryMillis) * time.Millisecond
	}
	bps := cfg.ReservedComputeBps
	if bps <= 0 {
		bps = 8_000
	}
	l := &Loop{
		locker:             bl,
		sanitizer:          sanitizer,
		decider:            decider,
		executor:           executor,
		ingress:            ingress,
		shutdown:           shutdown,
		reservedComputeBps: bps,
		maxBundleRetry:     retry,
		lockMap:            make(map[string]bufferedBundle),
		dedup:              dedup,
		Metrics:            newMetrics(metrics.DefaultRegistry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drives the control loop until ctx is cancelled or the shutdown flag
// is observed set.
func (l *Loop) Run(ctx context.Context) {
	for {
		if l.shutdown.Load() || ctx.Err() != nil {
			l.releaseAll()
			return
		}

		timeout := PollIdleTimeout
		if len(l.buffered) > 0 {
			timeout = 0
		}

		select {
		case batch, ok := <-l.ingress:
			if !ok {
				l.releaseAll()
				return
			}
			l.handleBatch(batch)
		case <-time.After(timeout):
		case <-ctx.Done():
			l.releaseAll()
			return
		}

		l.dispatch(ctx)
	}
}

func (l *Loop) dispatch(ctx context.Context) {
	decision := l.decider.Decide()
	switch decision.Kind {
	case DecisionConsume:
		l.consumeBuffered(ctx, decision.BankStart)
	case DecisionForward:
		l.forwardAll()
	case DecisionHold, DecisionForwardAndHold:
		// no-op on the buffer.
	}
}

// handleBatch partitions an ingress batch by kind (already
// reflected in batch.IsArb by the ingress codec), evict stale buffered
// arbitrage bundles if a fresh arb batch arrived, then dedup/sanitize/lock
// each new bundle.
func (l *Loop) handleBatch(batch IngressBatch) {
	if batch.IsArb {
		l.evictBufferedArb()
	}
	for _, raw := range batch.Bundles {
		l.admitBundle(raw)
	}
}

func (l *Loop) admitBundle(raw *types.Bundle) {
	id := raw.ID()
	if _, buffered := l.lockMap[id]; buffered {
		l.Metrics.DroppedDuplicate.Inc(1)
		return
	}
	if l.dedup.Contains(id) {
		l.Metrics.DroppedDuplicate.Inc(1)
		return
	}

	sanitized := raw
	if l.sanitizer != nil {
		var err error
		sanitized, err = l.sanitizer.SanitizeBundle(raw)
		if err != nil {
			logger.Debug("dropping bundle: sanitize failed", "bundle", id, "err", err)
			l.Metrics.DroppedMalformed.Inc(1)
			return
		}
	}

	guard, err := l.locker.PrepareLockedBundle(sanitized, nil)
	if err != nil {
		logger.Debug("dropping bundle: lock failure", "bundle", id, "err", err)
		l.Metrics.DroppedLock.Inc(1)
		return
	}

	l.buffered = append(l.buffered, id)
	l.lockMap[id] = bufferedBundle{bundle: sanitized, guard: guard}
}

// evictBufferedArb releases and removes every currently buffered
// arbitrage bundle: it is stale the instant a fresher one arrives, since
// arbitrage bundles are replaceable by construction.
func (l *Loop) evictBufferedArb() {
	kept := l.buffered[:0]
	for _, id := range l.buffered {
		bb := l.lockMap[id]
		if bb.bundle.Kind() == types.KindArbitrage {
			bb.guard.Release()
			delete(l.lockMap, id)
			l.Metrics.Evicted.Inc(1)
			continue
		}
		kept = append(kept, id)
	}
	l.buffered = kept
}

// consumeBuffered drains buffered bundles through the execution pipeline,
// honoring the per-bundle retry timeout, the reserved-compute envelope,
// and the forbidden-program blacklist, then classifies each committed
// bundle through the front-run filter. Bundles that do not finish are
// re-buffered for the next iteration; every other outcome releases their
// locks.
func (l *Loop) consumeBuffered(ctx context.Context, bank BankStart) {
	reserved := bank.MaxBlockUnits() * uint64(l.reservedComputeBps) / 10_000
	var used uint64

	kept := l.buffered[:0]
	for _, id := range l.buffered {
		bb := l.lockMap[id]

		if bank.Expired() {
			kept = append(kept, id)
			continue
		}
		if used >= reserved {
			kept = append(kept, id)
			continue
		}
		if l.isBlacklisted(bb.bundle) {
			bb.guard.Release()
			delete(l.lockMap, id)
			l.Metrics.DroppedBlacklist.Inc(1)
			continue
		}

		// Transition interest into held locks for the execution window. A
		// re-buffered bundle already holds them from its first attempt; a
		// conflict means another bundle is mid-execution on a shared
		// account, and the loser is dropped rather than retried since
		// exclusivity is exactly-once per guard.
		if !bb.guard.ExclusiveHeld() {
			if err := bb.guard.TryMakeExclusive(); err != nil {
				bb.guard.Release()
				delete(l.lockMap, id)
				l.Metrics.DroppedLock.Inc(1)
				continue
			}
		}

		execCtx, cancel := context.WithTimeout(ctx, l.maxBundleRetry)
		committed, err := l.executor.ExecuteBundle(execCtx, bb.bundle, bank)
		cancel()

		switch {
		case err != nil:
			bb.guard.Release()
			delete(l.lockMap, id)
			l.Metrics.DroppedExecError.Inc(1)
		case !committed:
			kept = append(kept, id)
		case l.owners != nil && l.frontRun.IsFrontRun(bb.bundle, true, l.owners):
			bb.guard.Release()
			delete(l.lockMap, id)
			l.dedup.Add(id, struct{}{})
			l.Metrics.DroppedFrontRun.Inc(1)
		default:
			bb.guard.Release()
			delete(l.lockMap, id)
			l.dedup.Add(id, struct{}{})
			l.Metrics.Consumed.Inc(1)
			used += bundleComputeUnits(bb.bundle)
		}
	}
	l.buffered = kept
}

// forwardAll discards every buffered bundle and releases its locks.
func (l *Loop) forwardAll() {
	n := int64(len(l.buffered))
	for _, id := range l.buffered {
		l.lockMap[id].guard.Release()
		delete(l.lockMap, id)
	}
	l.buffered = l.buffered[:0]
	if n > 0 {
		l.Metrics.Forwarded.Inc(n)
	}
}

func (l *Loop) releaseAll() {
	for _, id := range l.buffered {
		l.lockMap[id].guard.Release()
		delete(l.lockMap, id)
	}
	l.buffered = l.buffered[:0]
}

func (l *Loop) isBlacklisted(bundle *types.Bundle) bool {
	if l.owners == nil || len(l.blacklist) == 0 {
		return false
	}
	for _, tx := range bundle.Transactions() {
		for _, acc := range tx.WritableAccounts() {
			owner, ok := l.owners.OwnerOf(acc)
			if !ok {
				continue
			}
			if _, forbidden := l.blacklist[owner]; forbidden {
				return true
			}
		}
	}
	return false
}

func bundleComputeUnits(bundle *types.Bundle) uint64 {
	var total uint64
	for _, tx := range bundle.Transactions() {
		total += tx.ComputeUnits()
	}
	return total
}

// Buffered returns the number of currently buffered bundles, for tests and
// diagnostics.
func (l *Loop) Buffered() int { return len(l.buffered) }

// LockMapSize returns the size of the lock map, which must equal Buffered
// at every iteration boundary.
func (l *Loop) LockMapSize() int { return len(l.lockMap) }
