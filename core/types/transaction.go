// Package types defines the immutable transaction and bundle value types
// shared by every downstream component: locker, scheduler, frontrun, votes.
package types

import (
	"fmt"

	"github.com/paladin-labs/paladin-core/common"
)

// AccountMeta pairs one account key from a transaction's account list with
// whether the transaction declares it writable.
type AccountMeta struct {
	Key      common.AccountKey
	Writable bool
}

// Transaction is an immutable record. Once built via NewTransaction, no
// field mutates — callers that need a modified transaction construct a new
// one.
type Transaction struct {
	accounts    []AccountMeta
	numSigners  int
	computeUnits uint64
	priority    uint64
	payload     []byte
}

// NewTransaction builds a Transaction. accounts is the full ordered account
// list; numSigners is the length of the signer prefix (a leading subslice
// of accounts). It panics if numSigners exceeds len(accounts), which would
// violate the "signers are a prefix" invariant and indicates a caller bug
// rather than a malformed-input condition.
func NewTransaction(accounts []AccountMeta, numSigners int, computeUnits, priority uint64, payload []byte) *Transaction {
	if numSigners > len(accounts) {
		panic(fmt.Sprintf("types: numSigners %d exceeds account count %d", numSigners, len(accounts)))
	}
	cp := make([]AccountMeta, len(accounts))
	copy(cp, accounts)
	pl := make([]byte, len(payload))
	copy(pl, payload)
	return &Transaction{
		accounts:     cp,
		numSigners:   numSigners,
		computeUnits: computeUnits,
		priority:     priority,
		payload:      pl,
	}
}

// Accounts returns the ordered account list. The returned slice must not be
// mutated by the caller.
func (t *Transaction) Accounts() []AccountMeta { return t.accounts }

// NumAccounts returns len(Accounts()).
func (t *Transaction) NumAccounts() int { return len(t.accounts) }

// Signers returns the signer prefix of the account list.
func (t *Transaction) Signers() []AccountMeta { return t.accounts[:t.numSigners] }

// SignerKeys returns just the account keys of the signer prefix, used by the
// front-run filter's disjoint-signer-set check.
func (t *Transaction) SignerKeys() []common.AccountKey {
	keys := make([]common.AccountKey, t.numSigners)
	for i, a := range t.accounts[:t.numSigners] {
		keys[i] = a.Key
	}
	return keys
}

// ComputeUnits is the estimated execution cost, additive per batch.
func (t *Transaction) ComputeUnits() uint64 { return t.computeUnits }

// Priority is the fee/priority value the scheduler orders by.
func (t *Transaction) Priority() uint64 { return t.priority }

// Payload is the opaque transaction payload.
func (t *Transaction) Payload() []byte { return t.payload }

// WritableAccounts returns the subset of Accounts() marked writable, in
// order, with duplicates preserved.
func (t *Transaction) WritableAccounts() []common.AccountKey {
	out := make([]common.AccountKey, 0, len(t.accounts))
	for _, a := range t.accounts {
		if a.Writable {
			out = append(out, a.Key)
		}
	}
	return out
}

// ReadableAccounts returns the subset of Accounts() marked read-only.
func (t *Transaction) ReadableAccounts() []common.AccountKey {
	out := make([]common.AccountKey, 0, len(t.accounts))
	for _, a := range t.accounts {
		if !a.Writable {
			out = append(out, a.Key)
		}
	}
	return out
}
