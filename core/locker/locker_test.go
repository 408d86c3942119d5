package locker

import (
	"testing"

	"github.com/paladin-labs/paladin-core/common"
	"github.com/paladin-labs/paladin-core/core/types"
)

func key(b byte) common.AccountKey {
	var k common.AccountKey
	k[0] = b
	return k
}

func tx(t *testing.T, writes []byte, reads []byte) *types.Transaction {
	t.Helper()
	var accounts []types.AccountMeta
	for _, w := range writes {
		accounts = append(accounts, types.AccountMeta{Key: key(w), Writable: true})
	}
	for _, r := range reads {
		accounts = append(accounts, types.AccountMeta{Key: key(r), Writable: false})
	}
	return types.NewTransaction(accounts, 0, 1000, 1, nil)
}

func bundle(t *testing.T, id string, txs ...*types.Transaction) *types.Bundle {
	t.Helper()
	b, err := types.NewBundle(id, txs)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// TestTwoDisjointBundles checks that two bundles touching disjoint
// accounts track independent interest counts, and that dropping one
// leaves the other's counts untouched.
func TestTwoDisjointBundles(t *testing.T) {
	l := New()
	b1 := bundle(t, "A|1", tx(t, []byte{'A', 'B'}, []byte{'S'}))
	b2 := bundle(t, "A|2", tx(t, []byte{'C', 'D'}, []byte{'S'}))

	g1, err := l.PrepareLockedBundle(b1, nil)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := l.PrepareLockedBundle(b2, nil)
	if err != nil {
		t.Fatal(err)
	}

	snap := l.Snapshot()
	want := map[common.AccountKey]uint64{key('A'): 1, key('B'): 1, key('C'): 1, key('D'): 1}
	for k, v := range want {
		if snap.WriteInterest[k] != v {
			t.Errorf("write_interest[%v] = %d, want %d", k, snap.WriteInterest[k], v)
		}
	}
	if snap.ReadInterest[key('S')] != 2 {
		t.Errorf("read_interest[S] = %d, want 2", snap.ReadInterest[key('S')])
	}

	g1.Release()
	snap = l.Snapshot()
	if snap.WriteInterest[key('A')] != 0 || snap.WriteInterest[key('B')] != 0 {
		t.Errorf("expected A and B write interest gone after releasing B1")
	}
	if snap.WriteInterest[key('C')] != 1 || snap.WriteInterest[key('D')] != 1 {
		t.Errorf("expected C and D write interest to remain")
	}
	if snap.ReadInterest[key('S')] != 1 {
		t.Errorf("read_interest[S] = %d, want 1", snap.ReadInterest[key('S')])
	}

	g2.Release()
	snap = l.Snapshot()
	if len(snap.WriteInterest) != 0 || len(snap.ReadInterest) != 0 || len(snap.Exclusive) != 0 {
		t.Errorf("expected empty registry after both bundles released, got %+v", snap)
	}
}

// TestConflictingExclusivity checks that only one of two bundles writing
// the same account can win exclusivity.
func TestConflictingExclusivity(t *testing.T) {
	l := New()
	b1 := bundle(t, "A|1", tx(t, []byte{'A'}, nil))
	b2 := bundle(t, "A|2", tx(t, []byte{'A'}, nil))

	g1, _ := l.PrepareLockedBundle(b1, nil)
	g2, _ := l.PrepareLockedBundle(b2, nil)

	if err := g1.TryMakeExclusive(); err != nil {
		t.Fatalf("expected g1 to win exclusivity, got %v", err)
	}
	before := l.Snapshot()
	if err := g2.TryMakeExclusive(); err != ErrExclusivityConflict {
		t.Fatalf("expected ErrExclusivityConflict for g2, got %v", err)
	}
	after := l.Snapshot()
	if len(after.Exclusive) != len(before.Exclusive) ||
		after.WriteInterest[key('A')] != before.WriteInterest[key('A')] {
		t.Fatalf("failed TryMakeExclusive must leave the registry unchanged: before %+v after %+v", before, after)
	}

	g1.Release()
	g2.Release()
}

func TestTryMakeExclusiveTwiceIsProgrammerError(t *testing.T) {
	l := New()
	b := bundle(t, "R|1", tx(t, []byte{'A'}, nil))
	g, _ := l.PrepareLockedBundle(b, nil)
	defer g.Release()

	if err := g.TryMakeExclusive(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second TryMakeExclusive call")
		}
	}()
	g.TryMakeExclusive()
}

func TestWriteDominatesOverlap(t *testing.T) {
	l := New()
	// One bundle both writes and reads the same account across different
	// transactions within it; invariant 5 says the union is treated as write.
	b := bundle(t, "R|1", tx(t, []byte{'A'}, nil), tx(t, nil, []byte{'A'}))
	g, err := l.PrepareLockedBundle(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Release()

	if err := g.TryMakeExclusive(); err != nil {
		t.Fatalf("expected exclusivity to succeed, got %v", err)
	}
	snap := l.Snapshot()
	if write, ok := snap.Exclusive[key('A')]; !ok || !write {
		t.Fatalf("expected A to be held as Write, got held=%v write=%v", ok, write)
	}
}

func TestReadLocksAndWriteLocksSnapshot(t *testing.T) {
	l := New()
	b := bundle(t, "R|1", tx(t, []byte{'W'}, []byte{'R'}))
	g, _ := l.PrepareLockedBundle(b, nil)
	defer g.Release()

	rl := l.ReadLocks()
	wl := l.WriteLocks()
	if _, ok := rl[key('R')]; !ok {
		t.Errorf("expected R in ReadLocks")
	}
	if _, ok := wl[key('W')]; !ok {
		t.Errorf("expected W in WriteLocks")
	}
}
