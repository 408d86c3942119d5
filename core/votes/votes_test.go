package votes

import (
	"testing"

	"github.com/paladin-labs/paladin-core/common"
)

func validatorKey(b byte) common.AccountKey {
	var k common.AccountKey
	k[0] = b
	return k
}

func ts(v int64) *int64 { return &v }

type fakeChainView struct {
	epoch  uint64
	stakes map[common.AccountKey]uint64
}

func (f fakeChainView) CurrentEpoch() uint64 { return f.epoch }
func (f fakeChainView) StakedNodes(uint64) map[common.AccountKey]uint64 { return f.stakes }
func (f fakeChainView) FeatureFlags(uint64) map[string]bool            { return nil }

// TestVoteUpdateByTimestamp exercises the same-slot, timestamp-ordered
// replacement rule.
func TestVoteUpdateByTimestamp(t *testing.T) {
	l := New()
	v := validatorKey('V')

	if !l.UpdateLatestVote(VoteUpdate{Validator: v, Slot: 10, Timestamp: nil}, false) {
		t.Fatal("expected first insert to apply")
	}
	if !l.UpdateLatestVote(VoteUpdate{Validator: v, Slot: 10, Timestamp: ts(5)}, false) {
		t.Fatal("expected {slot=10, ts=Some(5)} to replace {slot=10, ts=None}")
	}
	if l.UpdateLatestVote(VoteUpdate{Validator: v, Slot: 10, Timestamp: ts(3)}, false) {
		t.Fatal("expected {slot=10, ts=Some(3)} to be ignored after ts=Some(5)")
	}
	if !l.UpdateLatestVote(VoteUpdate{Validator: v, Slot: 11, Timestamp: nil}, false) {
		t.Fatal("expected {slot=11, ts=None} to replace {slot=10, ts=Some(5)}")
	}

	slot, tsv, _, ok := l.Get(v)
	if !ok || slot != 11 || tsv != nil {
		t.Fatalf("final entry mismatch: slot=%d ts=%v ok=%v", slot, tsv, ok)
	}
}

func TestZeroStakeValidatorNeverForwarded(t *testing.T) {
	l := New()
	zero := validatorKey('Z')
	funded := validatorKey('F')
	l.CacheEpochBoundaryInfo(fakeChainView{epoch: 1, stakes: map[common.AccountKey]uint64{funded: 100}})

	l.InsertBatch([]VoteUpdate{
		{Validator: zero, Slot: 1, Packet: []byte("zero")},
		{Validator: funded, Slot: 1, Packet: []byte("funded")},
	}, false)

	if _, _, _, ok := l.Get(zero); ok {
		t.Fatal("zero-stake validator must be filtered out of insert_batch")
	}
	if _, _, taken, ok := l.Get(funded); !ok || taken {
		t.Fatal("funded validator should have a pending packet")
	}

	var acc collectingAccumulator
	l.GetAndInsertForwardablePackets(nil, &acc)
	if len(acc.got) != 1 || string(acc.got[0]) != "funded" {
		t.Fatalf("expected only funded validator's packet forwarded, got %v", acc.got)
	}
}

type collectingAccumulator struct {
	got [][]byte
}

func (c *collectingAccumulator) TryAdd(_ common.AccountKey, packet []byte) bool {
	c.got = append(c.got, packet)
	return true
}

func TestDrainUnprocessedEmptiesEntries(t *testing.T) {
	l := New()
	v := validatorKey('D')
	l.CacheEpochBoundaryInfo(fakeChainView{epoch: 1, stakes: map[common.AccountKey]uint64{v: 50}})
	l.InsertBatch([]VoteUpdate{{Validator: v, Slot: 1, Packet: []byte("p")}}, false)

	if l.UnprocessedCount() != 1 {
		t.Fatalf("expected unprocessed count 1, got %d", l.UnprocessedCount())
	}
	out := l.DrainUnprocessed()
	if len(out) != 1 || string(out[0]) != "p" {
		t.Fatalf("unexpected drain result: %v", out)
	}
	if l.UnprocessedCount() != 0 {
		t.Fatalf("expected unprocessed count 0 after drain, got %d", l.UnprocessedCount())
	}
}

func TestReplenishFlagOnlyReplacesTakenEntry(t *testing.T) {
	l := New()
	v := validatorKey('R')
	l.UpdateLatestVote(VoteUpdate{Validator: v, Slot: 1, Timestamp: ts(1), Packet: []byte("a")}, false)
	l.DrainUnprocessed() // marks the entry taken (packet=nil) but keeps slot/ts

	if !l.UpdateLatestVote(VoteUpdate{Validator: v, Slot: 1, Timestamp: ts(1), Packet: []byte("b")}, true) {
		t.Fatal("expected replenish update to an equal-slot/ts taken entry to apply")
	}
	if l.UpdateLatestVote(VoteUpdate{Validator: v, Slot: 1, Timestamp: ts(1), Packet: []byte("c")}, false) {
		t.Fatal("without replenish, an equal-slot/ts update to a non-taken entry must be ignored")
	}
}
