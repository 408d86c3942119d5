// Package ratelimit implements the per-connection packet-admission limiter:
// each staked connection is granted a token bucket capped in proportion to
// its share of total locked stake, refreshed either when the bucket has
// idled or after a forced backstop interval.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/log"
)

// DefaultPacketsPerSecond is the aggregate ingress budget, divided among
// connections proportional to stake.
const DefaultPacketsPerSecond = 5000

// IdleRefreshWindow is how long a bucket must go untouched before its cap
// is eligible for recomputation from a fresh lockup snapshot.
const IdleRefreshWindow = 5 * time.Minute

// ForcedRefreshBackstop is the hard upper bound on how long a bucket may
// run on a stale cap even under continuous traffic.
const ForcedRefreshBackstop = 15 * time.Minute

var logger = log.New("pkg", "ratelimit")

// connBucket is one connection's token bucket plus the bookkeeping needed
// to decide when it's next eligible for a cap refresh.
type connBucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	lockupKey   common.AccountKey
	lastUse     time.Time
	lastRefresh time.Time
	cancel      context.CancelFunc
}

// Limiter administers one token bucket per staked connection.
type Limiter struct {
	mu            sync.Mutex
	conns         map[uint64]*connBucket
	totalStake    uint64
	packetsPerSec int64
	now           func() time.Time
}

// New constructs a Limiter with the given aggregate packets-per-second
// budget (DefaultPacketsPerSecond if zero).
func New(packetsPerSec int64) *Limiter {
	if packetsPerSec <= 0 {
		packetsPerSec = DefaultPacketsPerSecond
	}
	return &Limiter{
		conns:         make(map[uint64]*connBucket),
		packetsPerSec: packetsPerSec,
		now:           time.Now,
	}
}

// deriveCap applies saturating formula:
// cap = amount * packets_per_sec / total_stake, floor 1 for any nonzero
// stake so a staked connection is never starved to zero. The
// multiplication is carried out in 256-bit arithmetic so a large lockup
// amount times packetsPerSec can never silently wrap a uint64 before the
// division brings it back down to a per-connection-sized cap.
func deriveCap(amount, totalStake uint64, packetsPerSec int64) int {
	if totalStake == 0 || amount == 0 {
		return 0
	}
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(packetsPerSec)))
	quotient := product.Div(product, uint256.NewInt(totalStake))
	if quotient.IsZero() {
		return 1
	}
	maxInt := uint256.NewInt(uint64(^uint(0) >> 1))
	if quotient.Gt(maxInt) {
		return int(^uint(0) >> 1)
	}
	return int(quotient.Uint64())
}

// AdmitStaked registers or refreshes a staked connection's bucket given its
// lockup entry and the pool's current total locked stake. connID identifies
// the transport-level connection. Unstaked callers (amount==0) are rejected
// outright.
func (l *Limiter) AdmitStaked(connID uint64, key common.AccountKey, amount, totalStake uint64) bool {
	if amount == 0 || totalStake == 0 {
		return false
	}
	bucketCap := deriveCap(amount, totalStake, l.packetsPerSec)
	if bucketCap == 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalStake = totalStake

	now := l.now()
	b, ok := l.conns[connID]
	if !ok {
		b = &connBucket{
			limiter:     rate.NewLimiter(rate.Limit(bucketCap), bucketCap),
			lockupKey:   key,
			lastUse:     now,
			lastRefresh: now,
		}
		l.conns[connID] = b
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lockupKey != key {
		// Stake moved to a different lockup account: cancel whatever this
		// connection was waiting on and re-arm fresh.
		if b.cancel != nil {
			b.cancel()
			b.cancel = nil
		}
		b.lockupKey = key
		b.limiter = rate.NewLimiter(rate.Limit(bucketCap), bucketCap)
		b.lastRefresh = now
		return true
	}
	l.maybeRefreshLocked(b, bucketCap, now)
	return true
}

// maybeRefreshLocked recomputes a bucket's cap if it is idle-eligible or
// past the forced backstop. Caller holds b.mu.
func (l *Limiter) maybeRefreshLocked(b *connBucket, bucketCap int, now time.Time) {
	idle := now.Sub(b.lastUse) >= IdleRefreshWindow
	forced := now.Sub(b.lastRefresh) >= ForcedRefreshBackstop
	if !idle && !forced {
		return
	}
	b.limiter.SetBurst(bucketCap)
	b.limiter.SetLimit(rate.Limit(bucketCap))
	b.lastRefresh = now
	if forced && !idle {
		logger.Debug("rate limiter forced refresh on active connection", "lockupKey", b.lockupKey)
	}
}

// Allow reports whether connID may admit one more packet right now. It
// updates lastUse so idle-gated refresh logic can observe activity.
func (l *Limiter) Allow(connID uint64) bool {
	l.mu.Lock()
	b, ok := l.conns[connID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	b.mu.Lock()
	b.lastUse = l.now()
	lim := b.limiter
	b.mu.Unlock()
	return lim.Allow()
}

// SetCancel attaches a cancellation function invoked the next time this
// connection's lockup account changes (e.g. to abort an in-flight forward
// tied to stale stake).
func (l *Limiter) SetCancel(connID uint64, cancel context.CancelFunc) {
	l.mu.Lock()
	b, ok := l.conns[connID]
	l.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
}

// Remove drops a connection's bucket entirely, e.g. on disconnect.
func (l *Limiter) Remove(connID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.conns[connID]; ok {
		b.mu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		b.mu.Unlock()
		delete(l.conns, connID)
	}
}

// Len reports the number of currently tracked connections, for tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
