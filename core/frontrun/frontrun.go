// Package frontrun implements the post-execution sandwich/front-run
// classifier: it rejects bundles where two independent parties trade
// against the same AMM pool account within one atomic bundle, while
// permitting a single party's own multi-step trade (shared signer) across
// the same pool.
package frontrun

import (
	"sync"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/core/types"
)

// AccountOwnerResolver looks up the owning program of an account: the
// external "program owner" collaborator the filter assumes is available
// from the post-execution bank state.
type AccountOwnerResolver interface {
	OwnerOf(account common.AccountKey) (owner common.AccountKey, ok bool)
}

// ammProgramSet is the hard-coded set of 13 AMM/DEX program IDs. Real
// mainnet program IDs are an external, on-chain fact this core does not
// own; these are stable placeholders for the 13 slots until wired to a
// live program registry.
var ammProgramSet = func() map[common.AccountKey]struct{} {
	names := []string{
		"amm-program-01", "amm-program-02", "amm-program-03", "amm-program-04",
		"amm-program-05", "amm-program-06", "amm-program-07", "amm-program-08",
		"amm-program-09", "amm-program-10", "amm-program-11", "amm-program-12",
		"amm-program-13",
	}
	set := make(map[common.AccountKey]struct{}, len(names))
	for _, n := range names {
		set[common.BytesToAccountKey([]byte(n))] = struct{}{}
	}
	return set
}()

// IsAMMProgram reports whether owner is one of the hard-coded AMM programs.
func IsAMMProgram(owner common.AccountKey) bool {
	_, ok := ammProgramSet[owner]
	return ok
}

// scratch holds the per-call working state, pooled to avoid reallocating
// on every classification.
type scratch struct {
	ammMap  map[common.AccountKey]uint8
	overlap [types.MaxBundleSize][types.MaxBundleSize]bool
}

// Filter classifies successfully-executed bundles for the sandwich pattern.
// The zero value is ready to use.
type Filter struct {
	pool sync.Pool
}

func (f *Filter) getScratch() *scratch {
	if v := f.pool.Get(); v != nil {
		s := v.(*scratch)
		for k := range s.ammMap {
			delete(s.ammMap, k)
		}
		s.overlap = [types.MaxBundleSize][types.MaxBundleSize]bool{}
		return s
	}
	return &scratch{ammMap: make(map[common.AccountKey]uint8)}
}

func (f *Filter) putScratch(s *scratch) { f.pool.Put(s) }

// IsFrontRun classifies bundle for the sandwich pattern. executionSucceeded
// must reflect whether the bundle's atomic execution actually committed;
// a failed or single-transaction bundle is never flagged.
func (f *Filter) IsFrontRun(bundle *types.Bundle, executionSucceeded bool, owners AccountOwnerResolver) bool {
	txs := bundle.Transactions()
	n := len(txs)
	if n <= 1 || !executionSucceeded {
		return false
	}

	s := f.getScratch()
	defer f.putScratch(s)

	for i, tx := range txs {
		for _, acc := range tx.WritableAccounts() {
			owner, ok := owners.OwnerOf(acc)
			if !ok || !IsAMMProgram(owner) {
				continue
			}
			s.ammMap[acc] |= 1 << uint(i)
		}
	}

	for _, bits := range s.ammMap {
		if popcount(bits) < 2 {
			continue
		}
		for i := 0; i < n; i++ {
			if bits&(1<<uint(i)) == 0 {
				continue
			}
			for j := i + 1; j < n; j++ {
				if bits&(1<<uint(j)) != 0 {
					s.overlap[i][j] = true
				}
			}
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !s.overlap[i][j] {
				continue
			}
			if disjointSigners(txs[i], txs[j]) {
				return true
			}
		}
	}
	return false
}

func disjointSigners(a, b *types.Transaction) bool {
	seen := make(map[common.AccountKey]struct{}, len(a.Signers()))
	for _, k := range a.SignerKeys() {
		seen[k] = struct{}{}
	}
	for _, k := range b.SignerKeys() {
		if _, ok := seen[k]; ok {
			return false
		}
	}
	return true
}

func popcount(b uint8) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}
